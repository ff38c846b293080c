package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emberlane/storyloom/internal/gamemaster"
	"github.com/emberlane/storyloom/internal/id"
	"github.com/emberlane/storyloom/internal/netmon"
	"github.com/emberlane/storyloom/internal/retry"
	"github.com/emberlane/storyloom/internal/storage"
	"github.com/emberlane/storyloom/internal/transcript"

	apperrors "github.com/emberlane/storyloom/internal/errors"
)

// Auxiliary keys carried on error entries so views can offer retry and
// render kind-specific hints.
const (
	AuxInput     = "input"
	AuxErrorKind = "errorKind"
	AuxRetryable = "retryable"
)

// TurnClient is the remote surface the controller drives: turn execution
// and authoritative transcript fetch.
type TurnClient interface {
	ExecuteTurn(ctx context.Context, req gamemaster.TurnRequest) (*gamemaster.TurnResult, error)
	FetchTranscript(ctx context.Context, sessionID string) ([]transcript.Record, error)
}

// Options configures a Controller.
type Options struct {
	SessionID string
	Mode      string

	Client  TurnClient
	Monitor *netmon.Monitor

	// Cache persists authoritative transcripts for offline rendering.
	// Optional.
	Cache storage.TranscriptCache

	// Listener receives controller events. Optional.
	Listener Listener

	// Policy bounds automatic retries; nil selects retry.DefaultPolicy.
	Policy *retry.Policy

	// ManualPolicy bounds user-initiated retries; nil selects
	// retry.ManualPolicy.
	ManualPolicy *retry.Policy

	// Clock and NewLocalID are injectable for tests.
	Clock      func() time.Time
	NewLocalID func() (string, error)

	// Logf receives controller diagnostics. Optional.
	Logf func(string, ...any)
}

// Controller owns SessionSubmissionState for one mounted session view.
// Create with NewController, release with Close.
type Controller struct {
	sessionID string
	mode      string

	client   TurnClient
	monitor  *netmon.Monitor
	cache    storage.TranscriptCache
	listener Listener

	policy       retry.Policy
	manualPolicy retry.Policy

	clock      func() time.Time
	newLocalID func() (string, error)
	logf       func(string, ...any)

	ctx      context.Context
	cancel   context.CancelFunc
	dispatch *dispatcher

	unsubscribe func()

	// mu guards the fields below. Mutation happens only on the dispatcher
	// goroutine; the mutex exists so Snapshot can read from any goroutine.
	mu              sync.Mutex
	state           State
	inFlight        bool
	retryCount      int
	lastFailedInput string
	input           string
	lastErrorID     string
	lastTimestamp   time.Time
	entries         []transcript.Entry
}

// NewController creates and starts a controller for one session view.
func NewController(opts Options) (*Controller, error) {
	sessionID := strings.TrimSpace(opts.SessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("turn client is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("network monitor is required")
	}

	policy := retry.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	manualPolicy := retry.ManualPolicy()
	if opts.ManualPolicy != nil {
		manualPolicy = *opts.ManualPolicy
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		sessionID:    sessionID,
		mode:         opts.Mode,
		client:       opts.Client,
		monitor:      opts.Monitor,
		cache:        opts.Cache,
		listener:     opts.Listener,
		policy:       policy,
		manualPolicy: manualPolicy,
		clock:        opts.Clock,
		newLocalID:   opts.NewLocalID,
		logf:         opts.Logf,
		ctx:          ctx,
		cancel:       cancel,
		dispatch:     newDispatcher(),
		state:        StateIdle,
	}
	if c.listener == nil {
		c.listener = NopListener{}
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.newLocalID == nil {
		c.newLocalID = id.NewLocalID
	}
	if c.logf == nil {
		c.logf = func(string, ...any) {}
	}

	// Reconnects trigger a reconciliation so a view that went stale while
	// offline catches up with the authoritative history.
	c.unsubscribe = c.monitor.Subscribe(func(online bool) {
		if online {
			c.Reconcile()
		}
	})

	return c, nil
}

// Close tears the session view down: pending retries are cancelled, the
// monitor subscription is released, and any in-flight result arriving later
// is discarded instead of being applied to stale state.
func (c *Controller) Close() {
	c.cancel()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.dispatch.close()
}

// Snapshot returns a consistent copy of the observable submission state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]transcript.Entry, len(c.entries))
	copy(entries, c.entries)
	return Snapshot{
		State:           c.state,
		InFlight:        c.inFlight,
		RetryCount:      c.retryCount,
		LastFailedInput: c.lastFailedInput,
		Input:           c.input,
		Entries:         entries,
	}
}

// SetInput mirrors the view's input buffer so a failed submission can
// restore it faithfully.
func (c *Controller) SetInput(text string) {
	c.dispatch.do(func() {
		c.mu.Lock()
		c.input = text
		c.mu.Unlock()
	})
}

// Submit accepts one player action. While a submission is in flight,
// further calls are dropped, not queued: at most one turn submission per
// session is ever outstanding.
func (c *Controller) Submit(input string) {
	c.dispatch.do(func() {
		c.submit(input, c.policy)
	})
}

// RetryLastFailed re-submits the most recent failed input with the tighter
// manual policy. It is a no-op when nothing failed or a submission is
// already in flight.
func (c *Controller) RetryLastFailed() {
	c.dispatch.do(func() {
		c.mu.Lock()
		input := c.lastFailedInput
		c.mu.Unlock()
		if input == "" {
			return
		}
		c.submit(input, c.manualPolicy)
	})
}

// DismissError removes a surfaced error entry from the visible transcript.
func (c *Controller) DismissError(entryID string) {
	c.dispatch.do(func() {
		c.mu.Lock()
		removed := c.removeEntry(entryID)
		if c.lastErrorID == entryID {
			c.lastErrorID = ""
		}
		entries := c.copyEntries()
		c.mu.Unlock()
		if removed {
			c.listener.OnTranscriptChanged(entries)
		}
	})
}

// Load bootstraps the view: it reconciles against the authoritative
// transcript, falling back to the offline cache when the fetch fails.
func (c *Controller) Load() {
	go func() {
		records, err := c.client.FetchTranscript(c.ctx, c.sessionID)
		if err == nil {
			c.applyReconciliation(records)
			return
		}
		c.logf("initial transcript fetch: %v", err)
		if c.cache == nil {
			return
		}
		cached, cacheErr := c.cache.LoadTranscript(c.ctx, c.sessionID)
		if cacheErr != nil {
			return
		}
		c.dispatch.do(func() {
			c.mu.Lock()
			if c.ctx.Err() != nil || len(c.entries) > 0 {
				c.mu.Unlock()
				return
			}
			c.entries = cached
			c.trackTimestamps(cached)
			entries := c.copyEntries()
			c.mu.Unlock()
			c.listener.OnTranscriptChanged(entries)
		})
	}()
}

// Reconcile fetches the authoritative transcript and replaces the visible
// view with it. A failed or empty fetch leaves the current view untouched.
func (c *Controller) Reconcile() {
	go func() {
		records, err := c.client.FetchTranscript(c.ctx, c.sessionID)
		if err != nil {
			c.logf("reconciliation fetch: %v", err)
			return
		}
		c.applyReconciliation(records)
	}()
}

// submit runs on the dispatcher goroutine.
func (c *Controller) submit(input string, policy retry.Policy) {
	if strings.TrimSpace(input) == "" {
		return
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return
	}

	if !c.monitor.Online() {
		// Refused before any network call; retrying cannot help until the
		// monitor reports connectivity again.
		cls := apperrors.Classify(apperrors.ErrOffline)
		c.lastFailedInput = input
		if c.lastErrorID != "" {
			c.removeEntry(c.lastErrorID)
		}
		c.appendErrorEntry(cls, input)
		entries := c.copyEntries()
		c.mu.Unlock()
		c.listener.OnTranscriptChanged(entries)
		return
	}

	localID, err := c.newLocalID()
	if err != nil {
		cls := apperrors.Classify(err)
		c.appendErrorEntry(cls, input)
		entries := c.copyEntries()
		c.mu.Unlock()
		c.logf("generate optimistic id: %v", err)
		c.listener.OnTranscriptChanged(entries)
		return
	}

	c.entries = append(c.entries, transcript.Entry{
		ID:        localID,
		Kind:      transcript.KindAction,
		Content:   input,
		Author:    transcript.AuthorPlayer,
		Timestamp: c.nextTimestamp(),
	})
	c.input = ""
	c.inFlight = true
	c.state = StateSubmitting
	c.retryCount = 0
	entries := c.copyEntries()
	c.mu.Unlock()

	c.listener.OnTranscriptChanged(entries)
	c.listener.OnStateChanged(StateSubmitting)

	go c.runSubmission(input, localID, policy)
}

// runSubmission executes the remote call off the dispatcher goroutine and
// posts the settle transition back when it completes.
func (c *Controller) runSubmission(input, optimisticID string, policy retry.Policy) {
	policy.OnAttempt = func(attempt, maxRetries int, delay time.Duration) {
		c.dispatch.do(func() {
			c.mu.Lock()
			c.retryCount = attempt
			c.mu.Unlock()
			c.listener.OnRetryProgress(attempt, maxRetries, delay)
		})
	}

	_, err := retry.Do(c.ctx, policy, func(ctx context.Context) (*gamemaster.TurnResult, error) {
		return c.client.ExecuteTurn(ctx, gamemaster.TurnRequest{
			SessionID: c.sessionID,
			Input:     input,
			Mode:      c.mode,
		})
	})

	var cls apperrors.Classification
	if err != nil {
		cls = apperrors.Classify(err)
	}

	c.dispatch.do(func() {
		c.mu.Lock()
		c.state = StateSettling
		c.mu.Unlock()
		c.listener.OnStateChanged(StateSettling)
	})

	// Nothing changed server-side for validation and auth failures, so no
	// reconciliation fetch is owed. Every other settle path re-fetches the
	// authoritative transcript so the view is not left diverged from truth.
	var records []transcript.Record
	var fetchErr error
	needFetch := err == nil || (cls.Kind != apperrors.KindValidation && cls.Kind != apperrors.KindAuth)
	if needFetch && c.ctx.Err() == nil {
		records, fetchErr = c.client.FetchTranscript(c.ctx, c.sessionID)
		if fetchErr != nil {
			c.logf("post-turn reconciliation fetch: %v", fetchErr)
		}
	}

	c.dispatch.do(func() {
		c.settle(input, optimisticID, err, cls, records, fetchErr)
	})
}

// settle runs on the dispatcher goroutine and finishes one submission.
func (c *Controller) settle(input, optimisticID string, err error, cls apperrors.Classification, records []transcript.Record, fetchErr error) {
	if c.ctx.Err() != nil {
		// The session view tore down while the request was outstanding.
		return
	}

	restored := ""

	c.mu.Lock()
	// The cleanup below must run on every settle path so the session can
	// never get stuck submitting.
	defer func() {
		c.inFlight = false
		c.state = StateIdle
		entries := c.copyEntries()
		c.mu.Unlock()
		if restored != "" {
			c.listener.OnInputRestored(restored)
		}
		c.listener.OnTranscriptChanged(entries)
		c.listener.OnStateChanged(StateIdle)
	}()

	if err == nil {
		c.retryCount = 0
		c.lastFailedInput = ""
		if c.lastErrorID != "" {
			// A successful retry supersedes the surfaced error.
			c.removeEntry(c.lastErrorID)
			c.lastErrorID = ""
		}
		if fetchErr == nil {
			c.adoptRecords(records)
		}
		return
	}

	c.removeEntry(optimisticID)
	if fetchErr == nil && records != nil {
		c.adoptRecords(records)
	}

	c.input = input
	c.lastFailedInput = input
	restored = input
	if c.lastErrorID != "" {
		c.removeEntry(c.lastErrorID)
	}
	c.appendErrorEntry(cls, input)
}

// adoptRecords replaces the visible transcript with the authoritative
// history unless the anti-erasure rule keeps the local view. Caller holds mu.
func (c *Controller) adoptRecords(records []transcript.Record) {
	next, adopted := transcript.Reconcile(c.entries, records)
	if !adopted {
		return
	}
	c.entries = next
	c.trackTimestamps(next)
	c.persistCache(next)
}

// applyReconciliation posts an authoritative replace from a fetch goroutine.
func (c *Controller) applyReconciliation(records []transcript.Record) {
	c.dispatch.do(func() {
		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		before := len(c.entries)
		c.adoptRecords(records)
		changed := len(c.entries) != before || len(records) > 0
		entries := c.copyEntries()
		c.mu.Unlock()
		if changed {
			c.listener.OnTranscriptChanged(entries)
		}
	})
}

// appendErrorEntry surfaces one terminal failure. Caller holds mu.
func (c *Controller) appendErrorEntry(cls apperrors.Classification, input string) {
	localID, err := c.newLocalID()
	if err != nil {
		localID = fmt.Sprintf("%serror-%d", id.LocalPrefix, c.clock().UnixNano())
	}
	kind := cls.Kind
	if kind == "" {
		kind = apperrors.KindUnknown
	}
	entry := transcript.Entry{
		ID:        localID,
		Kind:      transcript.KindError,
		Content:   apperrors.UserMessage(kind),
		Author:    transcript.AuthorSystem,
		Timestamp: c.nextTimestamp(),
		Auxiliary: map[string]any{
			AuxInput:     input,
			AuxErrorKind: string(kind),
			AuxRetryable: cls.Retryable,
		},
	}
	c.entries = append(c.entries, entry)
	c.lastErrorID = entry.ID
}

// persistCache writes the authoritative transcript without blocking the
// dispatcher. Caller holds mu; the slice passed in is already owned by the
// controller so a copy is taken first.
func (c *Controller) persistCache(entries []transcript.Entry) {
	if c.cache == nil {
		return
	}
	snapshot := make([]transcript.Entry, len(entries))
	copy(snapshot, entries)
	go func() {
		if err := c.cache.SaveTranscript(c.ctx, c.sessionID, snapshot); err != nil && c.ctx.Err() == nil {
			c.logf("cache transcript: %v", err)
		}
	}()
}

// nextTimestamp returns a clock reading that is strictly monotonic within
// the session so display ordering is stable. Caller holds mu.
func (c *Controller) nextTimestamp() time.Time {
	now := c.clock().UTC()
	if !now.After(c.lastTimestamp) {
		now = c.lastTimestamp.Add(time.Millisecond)
	}
	c.lastTimestamp = now
	return now
}

// trackTimestamps advances the monotonic floor past adopted authoritative
// entries. Caller holds mu.
func (c *Controller) trackTimestamps(entries []transcript.Entry) {
	for _, entry := range entries {
		if entry.Timestamp.After(c.lastTimestamp) {
			c.lastTimestamp = entry.Timestamp
		}
	}
}

// removeEntry deletes an entry by id. Caller holds mu.
func (c *Controller) removeEntry(entryID string) bool {
	if entryID == "" {
		return false
	}
	for i, entry := range c.entries {
		if entry.ID == entryID {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// copyEntries snapshots the visible transcript. Caller holds mu.
func (c *Controller) copyEntries() []transcript.Entry {
	entries := make([]transcript.Entry, len(c.entries))
	copy(entries, c.entries)
	return entries
}
