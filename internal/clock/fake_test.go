// ABOUTME: Tests for the fake clock
// ABOUTME: Covers After, AfterFunc ordering and stopping, and ticker rescheduling

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	c := NewFake(epoch)
	ch := c.After(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(5*time.Second), got)
	default:
		t.Fatal("did not fire")
	}
}

func TestFake_AfterFuncOrderAndStop(t *testing.T) {
	c := NewFake(epoch)
	var order []string

	c.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	c.AfterFunc(time.Second, func() { order = append(order, "first") })
	stopped := c.AfterFunc(time.Second, func() { order = append(order, "never") })

	require.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	c.Advance(3 * time.Second)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 0, c.Pending())
}

func TestFake_TickerReschedules(t *testing.T) {
	c := NewFake(epoch)
	tk := c.NewTicker(time.Minute)

	for i := 0; i < 3; i++ {
		c.Advance(time.Minute)
		select {
		case <-tk.C():
		default:
			t.Fatalf("tick %d missing", i)
		}
	}

	tk.Stop()
	c.Advance(time.Minute)
	select {
	case <-tk.C():
		t.Fatal("tick after stop")
	default:
	}
}

func TestFake_WaitFor(t *testing.T) {
	c := NewFake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()

	c.WaitFor(1)
	c.Advance(time.Second)
	<-done
}
