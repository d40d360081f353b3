// ABOUTME: Bounded worker pool that runs task dispatches off the broker goroutine
// ABOUTME: Submit never blocks; a full queue is reported to the caller

package pool

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Defaults applied when New receives non-positive sizes.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("worker pool queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("worker pool stopped")
)

// Job is a unit of work. ctx is cancelled only when the pool is stopped with
// an expired drain context.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed set of goroutines.
type Pool struct {
	logger *slog.Logger
	queue  chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	active  int
}

// New starts a pool with the given number of workers and queue capacity.
func New(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: logger.With("component", "pool"),
		queue:  make(chan Job, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit queues job without blocking.
func (p *Pool) Submit(job Job) error {
	if job == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stats reports queued and running job counts.
func (p *Pool) Stats() (queued, running int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.queue), p.active
}

// Stop rejects new jobs and waits for queued ones to finish. If ctx expires
// first, running jobs see their context cancelled and Stop returns ctx.Err().
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.queue {
		p.run(id, job)
	}
}

func (p *Pool) run(id int, job Job) {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "worker", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	job(p.ctx)
}
