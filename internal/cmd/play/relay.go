package play

import (
	"sync"
	"time"

	"github.com/emberlane/storyloom/internal/session"
	"github.com/emberlane/storyloom/internal/transcript"
)

// listenerRelay forwards controller events to a target listener that is
// bound after construction. Events arriving before bind are dropped; the
// view's initial Load reconciliation repaints the full transcript anyway.
type listenerRelay struct {
	mu     sync.RWMutex
	target session.Listener
}

func (r *listenerRelay) bind(target session.Listener) {
	r.mu.Lock()
	r.target = target
	r.mu.Unlock()
}

func (r *listenerRelay) listener() session.Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

func (r *listenerRelay) OnTranscriptChanged(entries []transcript.Entry) {
	if l := r.listener(); l != nil {
		l.OnTranscriptChanged(entries)
	}
}

func (r *listenerRelay) OnStateChanged(state session.State) {
	if l := r.listener(); l != nil {
		l.OnStateChanged(state)
	}
}

func (r *listenerRelay) OnRetryProgress(attempt, max int, delay time.Duration) {
	if l := r.listener(); l != nil {
		l.OnRetryProgress(attempt, max, delay)
	}
}

func (r *listenerRelay) OnInputRestored(input string) {
	if l := r.listener(); l != nil {
		l.OnInputRestored(input)
	}
}
