// Package storage defines the persistence boundary of the interaction
// engine: a per-session cache of the last authoritative transcript so a
// session view can render history while offline.
package storage

import (
	"context"
	"errors"

	"github.com/emberlane/storyloom/internal/transcript"
)

// ErrNotFound indicates no cached transcript exists for the session.
var ErrNotFound = errors.New("not found")

// TranscriptCache persists authoritative transcripts between runs.
// Optimistic entries are never stored.
type TranscriptCache interface {
	// SaveTranscript replaces the cached transcript for a session.
	SaveTranscript(ctx context.Context, sessionID string, entries []transcript.Entry) error

	// LoadTranscript returns the cached transcript in display order, or
	// ErrNotFound when the session has never been cached.
	LoadTranscript(ctx context.Context, sessionID string) ([]transcript.Entry, error)
}
