package transcript

import (
	"time"

	"github.com/emberlane/storyloom/internal/id"
)

// EntryKind identifies the type of a transcript entry.
type EntryKind string

const (
	// KindNarration is story text from the game master.
	KindNarration EntryKind = "narration"
	// KindAction is something a player does.
	KindAction EntryKind = "action"
	// KindDialogue is in-character speech.
	KindDialogue EntryKind = "dialogue"
	// KindSystem is an out-of-band notice (joins, rolls, pauses).
	KindSystem EntryKind = "system"
	// KindChoiceSet offers the player an ordered list of selectable options.
	KindChoiceSet EntryKind = "choice-set"
	// KindError is a surfaced submission failure.
	KindError EntryKind = "error"
)

// IsValid reports whether the entry kind is supported.
func (k EntryKind) IsValid() bool {
	switch k {
	case KindNarration, KindAction, KindDialogue, KindSystem, KindChoiceSet, KindError:
		return true
	default:
		return false
	}
}

// Author identifies who produced a transcript entry.
type Author string

const (
	// AuthorPlayer marks entries produced by the player.
	AuthorPlayer Author = "player"
	// AuthorAI marks entries produced by the AI game master.
	AuthorAI Author = "ai"
	// AuthorSystem marks entries produced by the engine itself.
	AuthorSystem Author = "system"
)

// IsValid reports whether the author is supported.
func (a Author) IsValid() bool {
	switch a {
	case AuthorPlayer, AuthorAI, AuthorSystem:
		return true
	default:
		return false
	}
}

// Entry is one immutable beat of a session.
type Entry struct {
	// ID is unique within a session. Optimistic entries carry a
	// client-generated id distinguishable from server-assigned ids.
	ID string

	Kind    EntryKind
	Content string

	// Choices is the ordered option list for choice-set entries.
	Choices []string

	Author    Author
	Timestamp time.Time

	// Auxiliary carries opaque structured data (dice results, retry input)
	// for display and affordances.
	Auxiliary map[string]any
}

// IsOptimistic reports whether the entry was created client-side and is
// awaiting authoritative confirmation.
func (e Entry) IsOptimistic() bool {
	return id.IsLocal(e.ID)
}

// Record is one authoritative turn record fetched from the backend.
type Record struct {
	Actor     string
	Mode      string
	Text      string
	Timestamp time.Time
	Auxiliary map[string]any
}
