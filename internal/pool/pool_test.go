// ABOUTME: Tests for the bounded worker pool
// ABOUTME: Covers queue limits, panic recovery and draining on Stop

package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsJobs(t *testing.T) {
	p := New(2, 8, nil)
	var n atomic.Int32
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		require.NoError(t, p.Submit(func(context.Context) {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(5), n.Load())
	require.NoError(t, p.Stop(context.Background()))
}

func TestPool_QueueFull(t *testing.T) {
	p := New(1, 1, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(func(context.Context) {}))
	assert.ErrorIs(t, p.Submit(func(context.Context) {}), ErrQueueFull)

	queued, running := p.Stats()
	assert.Equal(t, 1, queued)
	assert.Equal(t, 1, running)

	close(release)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := New(1, 1, nil)
	require.NoError(t, p.Stop(context.Background()))
	assert.ErrorIs(t, p.Submit(func(context.Context) {}), ErrStopped)
	require.NoError(t, p.Stop(context.Background()), "second stop is a no-op")
}

func TestPool_RecoversPanics(t *testing.T) {
	p := New(1, 4, nil)
	done := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	require.NoError(t, p.Stop(context.Background()))
}

func TestPool_StopDrainsQueue(t *testing.T) {
	p := New(1, 4, nil)
	var n atomic.Int32
	for range 3 {
		require.NoError(t, p.Submit(func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			n.Add(1)
		}))
	}
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, int32(3), n.Load())
}

func TestPool_StopTimeoutCancelsJobs(t *testing.T) {
	p := New(1, 1, nil)
	started := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
}
