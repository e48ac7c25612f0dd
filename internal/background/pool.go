// Package background runs the off-critical-path pipelines (compaction,
// extraction) on a bounded worker pool. Tasks are submitted explicitly and
// completions are observable, so nothing is truly fire-and-forget: metrics
// count every outcome and tests can wait for the pool to drain.
package background

import (
	"context"
	"log"
	"sync"

	"github.com/antoniostano/recall/internal/observability"
)

// Event describes a finished background task.
type Event struct {
	Name   string
	UserID string
	Err    error
}

// Pool is a bounded worker pool. Submission never blocks the caller: a task
// waits for a worker slot inside its own goroutine.
type Pool struct {
	sem     chan struct{}
	metrics *observability.Metrics

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	onDone func(Event)

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewPool(size int, metrics *observability.Metrics) *Pool {
	if size <= 0 {
		size = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:     make(chan struct{}, size),
		metrics: metrics,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetDoneHook registers a callback invoked after every task completes.
// Used by tests to await background work deterministically.
func (p *Pool) SetDoneHook(hook func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDone = hook
}

// Submit schedules fn on the pool. Returns false when the pool is shut
// down. fn receives the pool's base context, which is cancelled on Close;
// background work carries no per-request deadline.
func (p *Pool) Submit(name, userID string, fn func(ctx context.Context) error) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		select {
		case p.sem <- struct{}{}:
		case <-p.baseCtx.Done():
			p.finish(Event{Name: name, UserID: userID, Err: p.baseCtx.Err()})
			return
		}
		defer func() { <-p.sem }()

		err := fn(p.baseCtx)
		if err != nil {
			log.Printf("background task %s failed (user=%s): %v", name, userID, err)
		}
		p.finish(Event{Name: name, UserID: userID, Err: err})
	}()
	return true
}

func (p *Pool) finish(ev Event) {
	status := "ok"
	if ev.Err != nil {
		status = "error"
	}
	if p.metrics != nil {
		p.metrics.BackgroundTasks.WithLabelValues(ev.Name, status).Inc()
	}
	p.mu.Lock()
	hook := p.onDone
	p.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close stops accepting tasks, cancels in-flight work, and waits for the
// pool to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
