package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emberlane/storyloom/internal/gamemaster"
	"github.com/emberlane/storyloom/internal/netmon"
	"github.com/emberlane/storyloom/internal/retry"
	"github.com/emberlane/storyloom/internal/transcript"

	apperrors "github.com/emberlane/storyloom/internal/errors"
)

type fakeClient struct {
	mu          sync.Mutex
	turnCalls   int
	fetchCalls  int
	turnErrs    []error
	records     []transcript.Record
	fetchErr    error
	turnStarted chan struct{}
	turnRelease chan struct{}
}

func (f *fakeClient) ExecuteTurn(ctx context.Context, req gamemaster.TurnRequest) (*gamemaster.TurnResult, error) {
	f.mu.Lock()
	call := f.turnCalls
	f.turnCalls++
	started := f.turnStarted
	release := f.turnRelease
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if call < len(f.turnErrs) && f.turnErrs[call] != nil {
		return nil, f.turnErrs[call]
	}
	return &gamemaster.TurnResult{Narrative: "the door creaks open"}, nil
}

func (f *fakeClient) FetchTranscript(ctx context.Context, sessionID string) ([]transcript.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	records := make([]transcript.Record, len(f.records))
	copy(records, f.records)
	return records, nil
}

func (f *fakeClient) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turnCalls
}

func (f *fakeClient) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// recordingListener collects events so tests can wait for state transitions
// without polling Snapshot in a tight loop.
type recordingListener struct {
	mu       sync.Mutex
	states   []State
	restored []string
	retries  []int
	idle     chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{idle: make(chan struct{}, 8)}
}

func (l *recordingListener) OnTranscriptChanged([]transcript.Entry) {}

func (l *recordingListener) OnStateChanged(state State) {
	l.mu.Lock()
	l.states = append(l.states, state)
	l.mu.Unlock()
	if state == StateIdle {
		select {
		case l.idle <- struct{}{}:
		default:
		}
	}
}

func (l *recordingListener) OnRetryProgress(attempt, max int, delay time.Duration) {
	l.mu.Lock()
	l.retries = append(l.retries, attempt)
	l.mu.Unlock()
}

func (l *recordingListener) OnInputRestored(input string) {
	l.mu.Lock()
	l.restored = append(l.restored, input)
	l.mu.Unlock()
}

func (l *recordingListener) waitIdle(t *testing.T) {
	t.Helper()
	select {
	case <-l.idle:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for idle state")
	}
}

func (l *recordingListener) stateLog() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.states))
	copy(out, l.states)
	return out
}

func (l *recordingListener) restoredInputs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.restored))
	copy(out, l.restored)
	return out
}

func (l *recordingListener) retryAttempts() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.retries))
	copy(out, l.retries)
	return out
}

func fastPolicy(maxRetries int) *retry.Policy {
	return &retry.Policy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, Exponential: false}
}

func newTestController(t *testing.T, client TurnClient, listener Listener, opts func(*Options)) *Controller {
	t.Helper()
	options := Options{
		SessionID:    "session-1",
		Mode:         "adventure",
		Client:       client,
		Monitor:      netmon.NewMonitor(),
		Listener:     listener,
		Policy:       fastPolicy(2),
		ManualPolicy: fastPolicy(1),
	}
	if opts != nil {
		opts(&options)
	}
	c, err := NewController(options)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNewControllerValidation(t *testing.T) {
	client := &fakeClient{}
	monitor := netmon.NewMonitor()

	if _, err := NewController(Options{Client: client, Monitor: monitor}); err == nil {
		t.Fatal("expected error for missing session id")
	}
	if _, err := NewController(Options{SessionID: "s", Monitor: monitor}); err == nil {
		t.Fatal("expected error for missing client")
	}
	if _, err := NewController(Options{SessionID: "s", Client: client}); err == nil {
		t.Fatal("expected error for missing monitor")
	}
}

func TestSubmitSuccess(t *testing.T) {
	client := &fakeClient{
		records: []transcript.Record{
			{Actor: "user", Mode: "do", Text: "open the door", Timestamp: time.Now()},
			{Actor: "ai", Mode: "narrator", Text: "the door creaks open", Timestamp: time.Now()},
		},
	}
	listener := newRecordingListener()
	c := newTestController(t, client, listener, nil)

	c.Submit("open the door")
	listener.waitIdle(t)

	snap := c.Snapshot()
	if snap.InFlight {
		t.Fatal("submission still marked in flight")
	}
	if snap.State != StateIdle {
		t.Fatalf("state = %q, want %q", snap.State, StateIdle)
	}
	if snap.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", snap.RetryCount)
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("got %d entries, want 2 authoritative entries", len(snap.Entries))
	}
	for _, entry := range snap.Entries {
		if entry.IsOptimistic() {
			t.Fatalf("optimistic entry %q survived reconciliation", entry.ID)
		}
	}
	if snap.Input != "" {
		t.Fatalf("input buffer = %q, want cleared", snap.Input)
	}

	states := listener.stateLog()
	if len(states) < 3 {
		t.Fatalf("state log %v, want submitting, settling, idle", states)
	}
	if states[0] != StateSubmitting || states[1] != StateSettling || states[2] != StateIdle {
		t.Fatalf("state log = %v", states)
	}
}

func TestSubmitAtMostOneInFlight(t *testing.T) {
	client := &fakeClient{
		turnStarted: make(chan struct{}, 1),
		turnRelease: make(chan struct{}),
	}
	listener := newRecordingListener()
	c := newTestController(t, client, listener, nil)

	c.Submit("first")
	<-client.turnStarted

	c.Submit("second")
	c.Submit("third")

	close(client.turnRelease)
	listener.waitIdle(t)

	if got := client.turnCount(); got != 1 {
		t.Fatalf("ExecuteTurn called %d times, want 1", got)
	}
}

func TestSubmitEmptyInputIgnored(t *testing.T) {
	client := &fakeClient{}
	listener := newRecordingListener()
	c := newTestController(t, client, listener, nil)

	c.Submit("")
	c.Submit("   ")

	time.Sleep(50 * time.Millisecond)
	if got := client.turnCount(); got != 0 {
		t.Fatalf("ExecuteTurn called %d times for blank input", got)
	}
	if snap := c.Snapshot(); len(snap.Entries) != 0 {
		t.Fatalf("blank input produced %d entries", len(snap.Entries))
	}
}

func TestSubmitOfflineRefusal(t *testing.T) {
	client := &fakeClient{}
	listener := newRecordingListener()
	monitor := netmon.NewMonitor()
	monitor.SetOnline(false)
	c := newTestController(t, client, listener, func(o *Options) {
		o.Monitor = monitor
	})

	c.SetInput("sneak past the guard")
	c.Submit("sneak past the guard")

	time.Sleep(50 * time.Millisecond)
	if got := client.turnCount(); got != 0 {
		t.Fatalf("ExecuteTurn called %d times while offline", got)
	}

	snap := c.Snapshot()
	if len(snap.Entries) != 1 {
		t.Fatalf("got %d entries, want one error entry", len(snap.Entries))
	}
	entry := snap.Entries[0]
	if entry.Kind != transcript.KindError {
		t.Fatalf("entry kind = %q, want %q", entry.Kind, transcript.KindError)
	}
	if got := entry.Auxiliary[AuxErrorKind]; got != string(apperrors.KindNetwork) {
		t.Fatalf("error kind aux = %v, want %q", got, apperrors.KindNetwork)
	}
	if got := entry.Auxiliary[AuxRetryable]; got != false {
		t.Fatalf("retryable aux = %v, want false while offline", got)
	}
	if snap.Input != "sneak past the guard" {
		t.Fatalf("input buffer = %q, want preserved while offline", snap.Input)
	}
	if snap.LastFailedInput != "sneak past the guard" {
		t.Fatalf("last failed input = %q", snap.LastFailedInput)
	}
}

func TestSubmitOfflineRepeatSupersedesError(t *testing.T) {
	client := &fakeClient{}
	listener := newRecordingListener()
	monitor := netmon.NewMonitor()
	monitor.SetOnline(false)
	c := newTestController(t, client, listener, func(o *Options) {
		o.Monitor = monitor
	})

	c.Submit("open the door")
	c.Submit("open the door")

	time.Sleep(100 * time.Millisecond)
	snap := c.Snapshot()
	if len(snap.Entries) != 1 {
		t.Fatalf("repeated offline submits left %d error entries, want the newest to replace the old", len(snap.Entries))
	}
	if snap.Entries[0].Kind != transcript.KindError {
		t.Fatalf("entry kind = %q, want %q", snap.Entries[0].Kind, transcript.KindError)
	}
}

func TestSubmitValidationFailureRollsBack(t *testing.T) {
	client := &fakeClient{
		turnErrs: []error{&apperrors.APIError{StatusCode: 422, Message: "input too long"}},
	}
	listener := newRecordingListener()
	c := newTestController(t, client, listener, nil)

	c.Submit("an impossibly long action")
	listener.waitIdle(t)

	snap := c.Snapshot()
	if len(snap.Entries) != 1 {
		t.Fatalf("got %d entries, want only the error entry", len(snap.Entries))
	}
	if snap.Entries[0].Kind != transcript.KindError {
		t.Fatalf("entry kind = %q, want %q", snap.Entries[0].Kind, transcript.KindError)
	}
	if got := snap.Entries[0].Auxiliary[AuxErrorKind]; got != string(apperrors.KindValidation) {
		t.Fatalf("error kind aux = %v, want %q", got, apperrors.KindValidation)
	}
	if snap.Input != "an impossibly long action" {
		t.Fatalf("input buffer = %q, want restored", snap.Input)
	}
	if got := listener.restoredInputs(); len(got) != 1 || got[0] != "an impossibly long action" {
		t.Fatalf("restored inputs = %v", got)
	}
	// Validation failures never retry.
	if got := client.turnCount(); got != 1 {
		t.Fatalf("ExecuteTurn called %d times for validation error", got)
	}
	// And no reconciliation fetch is made for them either.
	if got := client.fetchCount(); got != 0 {
		t.Fatalf("FetchTranscript called %d times for validation error", got)
	}
}

func TestSubmitServerErrorRetriesThenSucceeds(t *testing.T) {
	client := &fakeClient{
		turnErrs: []error{
			&apperrors.APIError{StatusCode: 500, Message: "boom"},
			&apperrors.APIError{StatusCode: 503, Message: "still warming up"},
		},
		records: []transcript.Record{
			{Actor: "user", Mode: "do", Text: "ask the oracle", Timestamp: time.Now()},
			{Actor: "ai", Mode: "narrator", Text: "the oracle speaks", Timestamp: time.Now()},
		},
	}
	listener := newRecordingListener()
	c := newTestController(t, client, listener, nil)

	c.Submit("ask the oracle")
	listener.waitIdle(t)

	if got := client.turnCount(); got != 3 {
		t.Fatalf("ExecuteTurn called %d times, want 3", got)
	}
	if got := listener.retryAttempts(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("retry attempts = %v, want [1 2]", got)
	}

	snap := c.Snapshot()
	if snap.InFlight {
		t.Fatal("still in flight after recovery")
	}
	if snap.RetryCount != 0 {
		t.Fatalf("retry count = %d, want reset to 0 on success", snap.RetryCount)
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("got %d entries, want 2 authoritative entries", len(snap.Entries))
	}
}

func TestSubmitRetriesExhausted(t *testing.T) {
	client := &fakeClient{
		turnErrs: []error{
			&apperrors.APIError{StatusCode: 500, Message: "boom"},
			&apperrors.APIError{StatusCode: 500, Message: "boom"},
			&apperrors.APIError{StatusCode: 500, Message: "boom"},
		},
	}
	listener := newRecordingListener()
	c := newTestController(t, client, listener, nil)

	c.Submit("pull the lever")
	listener.waitIdle(t)

	if got := client.turnCount(); got != 3 {
		t.Fatalf("ExecuteTurn called %d times, want 3", got)
	}

	snap := c.Snapshot()
	if snap.LastFailedInput != "pull the lever" {
		t.Fatalf("last failed input = %q", snap.LastFailedInput)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].Kind != transcript.KindError {
		t.Fatalf("entries = %+v, want single error entry", snap.Entries)
	}
	if got := snap.Entries[0].Auxiliary[AuxRetryable]; got != true {
		t.Fatalf("retryable aux = %v, want true for server error", got)
	}
}

func TestRetryLastFailedSupersedesError(t *testing.T) {
	client := &fakeClient{
		turnErrs: []error{
			&apperrors.APIError{StatusCode: 500, Message: "boom"},
			&apperrors.APIError{StatusCode: 500, Message: "boom"},
			&apperrors.APIError{StatusCode: 500, Message: "boom"},
		},
		records: []transcript.Record{
			{Actor: "user", Mode: "do", Text: "pull the lever", Timestamp: time.Now()},
			{Actor: "ai", Mode: "narrator", Text: "gears grind below", Timestamp: time.Now()},
		},
	}
	listener := newRecordingListener()
	c := newTestController(t, client, listener, nil)

	c.Submit("pull the lever")
	listener.waitIdle(t)

	// The failed submission still reconciled, so the view holds the
	// authoritative history plus the surfaced error.
	if snap := c.Snapshot(); len(snap.Entries) != 3 || snap.Entries[2].Kind != transcript.KindError {
		t.Fatalf("setup: entries = %+v", snap.Entries)
	}

	c.RetryLastFailed()
	listener.waitIdle(t)

	snap := c.Snapshot()
	if snap.LastFailedInput != "" {
		t.Fatalf("last failed input = %q, want cleared after recovery", snap.LastFailedInput)
	}
	for _, entry := range snap.Entries {
		if entry.Kind == transcript.KindError {
			t.Fatalf("error entry %q survived a successful retry", entry.ID)
		}
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("got %d entries, want 2 authoritative entries", len(snap.Entries))
	}
}

func TestRetryLastFailedNoopWithoutFailure(t *testing.T) {
	client := &fakeClient{}
	listener := newRecordingListener()
	c := newTestController(t, client, listener, nil)

	c.RetryLastFailed()
	time.Sleep(50 * time.Millisecond)
	if got := client.turnCount(); got != 0 {
		t.Fatalf("ExecuteTurn called %d times with nothing to retry", got)
	}
}

func TestDismissError(t *testing.T) {
	client := &fakeClient{
		turnErrs: []error{&apperrors.APIError{StatusCode: 422, Message: "nope"}},
	}
	listener := newRecordingListener()
	c := newTestController(t, client, listener, nil)

	c.Submit("do the thing")
	listener.waitIdle(t)

	snap := c.Snapshot()
	if len(snap.Entries) != 1 {
		t.Fatalf("setup: got %d entries", len(snap.Entries))
	}

	c.DismissError(snap.Entries[0].ID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(c.Snapshot().Entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("error entry was not dismissed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Dismissing an unknown id is a no-op.
	c.DismissError("local-doesnotexist")
}

func TestEmptyFetchKeepsLocalView(t *testing.T) {
	client := &fakeClient{}
	listener := newRecordingListener()
	c := newTestController(t, client, listener, nil)

	c.Submit("light the torch")
	listener.waitIdle(t)

	// The server reported success but returned no history. The optimistic
	// entry stays rather than the view going blank.
	snap := c.Snapshot()
	if len(snap.Entries) != 1 {
		t.Fatalf("got %d entries, want optimistic entry kept", len(snap.Entries))
	}
	if !snap.Entries[0].IsOptimistic() {
		t.Fatalf("entry %q is not optimistic", snap.Entries[0].ID)
	}
	if snap.Entries[0].Content != "light the torch" {
		t.Fatalf("entry content = %q", snap.Entries[0].Content)
	}
}

func TestCloseDiscardsLateResult(t *testing.T) {
	client := &fakeClient{
		turnStarted: make(chan struct{}, 1),
		turnRelease: make(chan struct{}),
	}
	listener := newRecordingListener()
	monitor := netmon.NewMonitor()
	options := Options{
		SessionID:    "session-1",
		Client:       client,
		Monitor:      monitor,
		Listener:     listener,
		Policy:       fastPolicy(0),
		ManualPolicy: fastPolicy(0),
	}
	c, err := NewController(options)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	c.Submit("open the vault")
	<-client.turnStarted

	c.Close()
	close(client.turnRelease)

	time.Sleep(100 * time.Millisecond)
	states := listener.stateLog()
	for _, state := range states {
		if state == StateIdle {
			t.Fatalf("late result was applied after close: %v", states)
		}
	}
}

func TestReconnectTriggersReconciliation(t *testing.T) {
	client := &fakeClient{
		records: []transcript.Record{
			{Actor: "ai", Mode: "narrator", Text: "you awaken in a cell", Timestamp: time.Now()},
		},
	}
	listener := newRecordingListener()
	monitor := netmon.NewMonitor()
	c := newTestController(t, client, listener, func(o *Options) {
		o.Monitor = monitor
	})

	monitor.SetOnline(false)
	monitor.SetOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(c.Snapshot().Entries) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reconnect did not reconcile, entries = %+v", c.Snapshot().Entries)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoadFallsBackToCache(t *testing.T) {
	cached := []transcript.Entry{
		{ID: "turn-000000", Kind: transcript.KindNarration, Content: "you awaken", Author: transcript.AuthorAI, Timestamp: time.Now().UTC()},
	}
	client := &fakeClient{fetchErr: fmt.Errorf("dial tcp: connection refused")}
	listener := newRecordingListener()
	cache := &memoryCache{transcripts: map[string][]transcript.Entry{"session-1": cached}}
	c := newTestController(t, client, listener, func(o *Options) {
		o.Cache = cache
	})

	c.Load()

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := c.Snapshot()
		if len(snap.Entries) == 1 && snap.Entries[0].Content == "you awaken" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache fallback did not populate view, entries = %+v", snap.Entries)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoadPrefersFetchOverCache(t *testing.T) {
	client := &fakeClient{
		records: []transcript.Record{
			{Actor: "ai", Mode: "narrator", Text: "fresh history", Timestamp: time.Now()},
		},
	}
	listener := newRecordingListener()
	cache := &memoryCache{transcripts: map[string][]transcript.Entry{
		"session-1": {{ID: "turn-000000", Kind: transcript.KindNarration, Content: "stale history", Author: transcript.AuthorAI, Timestamp: time.Now().UTC()}},
	}}
	c := newTestController(t, client, listener, func(o *Options) {
		o.Cache = cache
	})

	c.Load()

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := c.Snapshot()
		if len(snap.Entries) == 1 && snap.Entries[0].Content == "fresh history" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("load did not adopt fetched history, entries = %+v", snap.Entries)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSnapshotTimestampsMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{}
	listener := newRecordingListener()
	c := newTestController(t, client, listener, func(o *Options) {
		// Frozen clock forces the monotonic nudge to kick in.
		o.Clock = func() time.Time { return base }
	})

	// Empty fetches keep the optimistic entries, so each submit leaves one
	// entry behind and the entries share the frozen wall clock.
	c.Submit("one")
	listener.waitIdle(t)
	c.Submit("two")
	listener.waitIdle(t)

	snap := c.Snapshot()
	if len(snap.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(snap.Entries))
	}
	for i := 1; i < len(snap.Entries); i++ {
		if !snap.Entries[i].Timestamp.After(snap.Entries[i-1].Timestamp) {
			t.Fatalf("timestamps not strictly increasing: %v then %v",
				snap.Entries[i-1].Timestamp, snap.Entries[i].Timestamp)
		}
	}
}

type memoryCache struct {
	mu          sync.Mutex
	transcripts map[string][]transcript.Entry
}

func (m *memoryCache) SaveTranscript(ctx context.Context, sessionID string, entries []transcript.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transcripts == nil {
		m.transcripts = map[string][]transcript.Entry{}
	}
	stored := make([]transcript.Entry, len(entries))
	copy(stored, entries)
	m.transcripts[sessionID] = stored
	return nil
}

func (m *memoryCache) LoadTranscript(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.transcripts[sessionID]
	if !ok {
		return nil, fmt.Errorf("no cached transcript")
	}
	out := make([]transcript.Entry, len(entries))
	copy(out, entries)
	return out, nil
}
