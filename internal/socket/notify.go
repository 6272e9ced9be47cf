package socket

import "sync"

// notifier delivers listener callbacks on its own goroutine, in enqueue
// order. The connection loop never runs callbacks itself, so a callback may
// call back into the client (Disconnect, UpdateToken, Request) without
// deadlocking against the loop it would otherwise be blocking.
//
// The worker goroutine is started on demand and exits once the queue is
// empty, so an idle client holds no goroutine.
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (n *notifier) enqueue(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()
	go n.drain()
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.running = false
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		fn()
	}
}
