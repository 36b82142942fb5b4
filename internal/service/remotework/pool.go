// Package remotework runs fire-and-forget remote store writes in the
// background. Tasks sharing a key run one at a time in submission order;
// tasks with different keys run concurrently up to a fixed limit.
package remotework

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mamadbah2/stocksync/internal/metrics"
)

// Task is a unit of remote work. ctx is cancelled when the pool closes.
type Task func(ctx context.Context)

// Pool is safe for concurrent use.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	tails  map[string]chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a pool running at most maxInflight tasks at once.
func NewPool(maxInflight int64, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxInflight <= 0 {
		maxInflight = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(maxInflight),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		tails:  make(map[string]chan struct{}),
	}
}

// Submit schedules task under key and returns immediately. After Close the
// task is dropped and Submit reports false. A scheduled task may still be
// skipped if the pool closes before it starts.
func (p *Pool) Submit(key string, task Task) bool {
	done := make(chan struct{})
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Debug("pool closed, dropping remote task", zap.String("key", key))
		return false
	}
	prev := p.tails[key]
	p.tails[key] = done
	p.wg.Add(1)
	p.mu.Unlock()

	metrics.RemoteTaskStarted()
	go p.run(key, prev, done, task)
	return true
}

func (p *Pool) run(key string, prev, done chan struct{}, task Task) {
	defer p.wg.Done()
	defer metrics.RemoteTaskFinished()
	defer func() {
		close(done)
		p.mu.Lock()
		if p.tails[key] == done {
			delete(p.tails, key)
		}
		p.mu.Unlock()
	}()

	// Wait for the predecessor before taking a slot, so queued tasks never
	// hold capacity their predecessor needs.
	if prev != nil {
		select {
		case <-prev:
		case <-p.ctx.Done():
			return
		}
	}

	if p.ctx.Err() != nil {
		return
	}
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	task(p.ctx)
}

// Drain blocks until every submitted task has finished or ctx is done.
func (p *Pool) Drain(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Closed is closed once Close has been called.
func (p *Pool) Closed() <-chan struct{} {
	return p.ctx.Done()
}

// Close cancels queued and running tasks and waits for them to return. It is
// safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
