// ABOUTME: Tests for the task id dedupe cache
// ABOUTME: Uses a fake clock for expiry and checks FIFO eviction at capacity

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-agent/internal/clock"
)

func TestCache_MarkAndSeen(t *testing.T) {
	c := New(time.Minute, 10, clock.NewFake(time.Unix(0, 0)))
	assert.False(t, c.Seen("t1"))
	c.Mark("t1")
	assert.True(t, c.Seen("t1"))
}

func TestCache_Expiry(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(time.Minute, 10, clk)

	c.Mark("t1")
	clk.Advance(59 * time.Second)
	assert.True(t, c.Seen("t1"))
	clk.Advance(time.Second)
	assert.False(t, c.Seen("t1"))
}

func TestCache_CheckAndMark(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(time.Minute, 10, clk)

	assert.False(t, c.CheckAndMark("t1"))
	assert.True(t, c.CheckAndMark("t1"))

	clk.Advance(2 * time.Minute)
	assert.False(t, c.CheckAndMark("t1"), "expired key counts as new")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Hour, 3, clock.NewFake(time.Unix(0, 0)))
	for i := range 4 {
		c.Mark(fmt.Sprintf("t%d", i))
	}
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("t0"))
	assert.True(t, c.Seen("t3"))
}

func TestCache_RemarkMovesToBack(t *testing.T) {
	c := New(time.Hour, 2, clock.NewFake(time.Unix(0, 0)))
	c.Mark("a")
	c.Mark("b")
	c.Mark("a")
	c.Mark("c")
	assert.True(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
}

func TestCache_SweepsExpiredOnWrite(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(time.Minute, 10, clk)
	c.Mark("a")
	c.Mark("b")
	clk.Advance(time.Hour)
	c.Mark("c")
	assert.Equal(t, 1, c.Len())
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	c := New(time.Hour, 100, nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("same") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh)
}
