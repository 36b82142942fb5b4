package remote

import "sync"

// Feed is the Subscription implementation shared by the backends. It keeps at
// most one undelivered snapshot: a newer snapshot replaces a stale one, since
// every snapshot is the complete result set.
type Feed[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	err     error
	onClose func()
}

// NewFeed creates an open feed. onClose, if not nil, runs exactly once when
// the feed is closed or fails; backends use it to release the listener.
func NewFeed[T any](onClose func()) *Feed[T] {
	return &Feed[T]{ch: make(chan T, 1), onClose: onClose}
}

// Snapshots implements Subscription.
func (f *Feed[T]) Snapshots() <-chan T {
	return f.ch
}

// Publish delivers a snapshot, replacing any undelivered one. It reports false
// if the feed is already closed.
func (f *Feed[T]) Publish(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case <-f.ch:
	default:
	}
	f.ch <- v
	return true
}

// Close implements Subscription.
func (f *Feed[T]) Close() error {
	f.finish(nil)
	return nil
}

// Fail ends the feed with err; consumers observe a closed channel and Err.
func (f *Feed[T]) Fail(err error) {
	f.finish(err)
}

// Err implements Subscription.
func (f *Feed[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Closed reports whether the feed has ended.
func (f *Feed[T]) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Feed[T]) finish(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.err = err
	close(f.ch)
	hook := f.onClose
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
}
