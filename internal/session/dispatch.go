package session

import "sync"

const dispatcherQueueSize = 64

// dispatcher serializes all controller state changes onto one goroutine.
//
// Submissions, settle callbacks, monitor notifications and reconciliation
// results can all arrive from different goroutines; funneling them through
// one queue keeps transitions atomic without fine-grained locking.
type dispatcher struct {
	mu     sync.Mutex
	closed bool
	queue  chan func()
	quit   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		queue: make(chan func(), dispatcherQueueSize),
		quit:  make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	for {
		select {
		case <-d.quit:
			return
		case fn := <-d.queue:
			if fn != nil {
				fn()
			}
		}
	}
}

// do enqueues fn for serialized execution. Work posted after close is
// dropped; late results from torn-down sessions must not be applied.
func (d *dispatcher) do(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	select {
	case d.queue <- fn:
	case <-d.quit:
	}
}

// close stops the loop. Queued work that has not run yet is discarded.
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.quit)
}
