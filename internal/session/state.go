package session

import "github.com/emberlane/storyloom/internal/transcript"

// State is one of the controller's three logical states.
type State string

const (
	// StateIdle means no submission is outstanding.
	StateIdle State = "idle"
	// StateSubmitting means a turn execution is in flight.
	StateSubmitting State = "submitting"
	// StateSettling means the turn settled and the view is reconciling.
	StateSettling State = "settling"
)

// Snapshot is a consistent read of the controller's observable state.
type Snapshot struct {
	State           State
	InFlight        bool
	RetryCount      int
	LastFailedInput string
	Input           string
	Entries         []transcript.Entry
}
