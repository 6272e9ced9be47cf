package sdk

import (
	"runtime/debug"
	"sync"

	"github.com/bhandras/delight/sync/pkg/logger"
)

// runner serializes event application and catch-up work onto a single
// goroutine. The transport's read loop and the reconnect loop both feed it,
// so stream updates and bootstrap refreshes never interleave.
type runner struct {
	q        chan func()
	done     chan struct{}
	stopOnce sync.Once
}

func newRunner(queueSize int) *runner {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &runner{
		q:    make(chan func(), queueSize),
		done: make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *runner) loop() {
	for {
		select {
		case <-r.done:
			return
		case fn := <-r.q:
			if fn != nil {
				r.run(fn)
			}
		}
	}
}

// run executes one queued job. A panic in a handler must not take down the
// loop, or every later update would be silently dropped.
func (r *runner) run(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			logger.Errorf("panic in dispatch handler: %v\n%s", v, debug.Stack())
		}
	}()
	fn()
}

// do enqueues fn. Work submitted after stop is dropped.
func (r *runner) do(fn func()) {
	select {
	case r.q <- fn:
	case <-r.done:
	}
}

func (r *runner) stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}
