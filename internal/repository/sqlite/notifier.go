package sqlite

import "sync"

// notifier fans a "something changed" signal out to subscribers.
type notifier struct {
	mu     sync.Mutex
	subs   map[int]chan struct{}
	next   int
	closed bool
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]chan struct{})}
}

func (n *notifier) subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan struct{}, 1)
	if n.closed {
		close(ch)
		return ch, func() {}
	}

	id := n.next
	n.next++
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if sub, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(sub)
			}
		})
	}
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
