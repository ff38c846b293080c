package session

import (
	"time"

	"github.com/emberlane/storyloom/internal/transcript"
)

// Listener receives controller events. Callbacks run on the controller's
// dispatcher goroutine; implementations should hand work off quickly and
// must not call back into Snapshot-style accessors synchronously.
type Listener interface {
	// OnTranscriptChanged delivers the full visible transcript after any
	// change. The slice is a copy the listener may keep.
	OnTranscriptChanged(entries []transcript.Entry)

	// OnStateChanged reports Idle/Submitting/Settling transitions.
	OnStateChanged(state State)

	// OnRetryProgress fires before each automatic retry wait so views can
	// render "Retry 2/2" style feedback.
	OnRetryProgress(attempt, maxRetries int, delay time.Duration)

	// OnInputRestored returns the player's text to the input buffer after a
	// failed submission so nothing is lost.
	OnInputRestored(input string)
}

// NopListener ignores all events.
type NopListener struct{}

// OnTranscriptChanged implements Listener.
func (NopListener) OnTranscriptChanged([]transcript.Entry) {}

// OnStateChanged implements Listener.
func (NopListener) OnStateChanged(State) {}

// OnRetryProgress implements Listener.
func (NopListener) OnRetryProgress(int, int, time.Duration) {}

// OnInputRestored implements Listener.
func (NopListener) OnInputRestored(string) {}
