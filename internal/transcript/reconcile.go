package transcript

import (
	"fmt"
	"strings"
)

// Actor and mode values recognized in authoritative turn records. Anything
// outside this set falls back to narration from the system author.
const (
	actorAI     = "ai"
	actorGM     = "gm"
	actorUser   = "user"
	actorPlayer = "player"
	actorSystem = "system"

	modeNarrator = "narrator"
	modeDialogue = "dialogue"
	modeChoice   = "choice"
)

// MapRecord converts one authoritative turn record into a transcript entry.
//
// The mapping is fixed and deterministic, keyed only on the record's actor
// and mode and its position in the history. Re-fetching unchanged history
// therefore never changes its interpretation.
func MapRecord(position int, record Record) Entry {
	entry := Entry{
		ID:        fmt.Sprintf("turn-%06d", position),
		Content:   record.Text,
		Timestamp: record.Timestamp.UTC(),
		Auxiliary: record.Auxiliary,
	}

	actor := strings.ToLower(strings.TrimSpace(record.Actor))
	mode := strings.ToLower(strings.TrimSpace(record.Mode))

	switch {
	case (actor == actorAI || actor == actorGM) && mode == modeNarrator:
		entry.Kind = KindNarration
		entry.Author = AuthorAI
	case (actor == actorAI || actor == actorGM) && mode == modeDialogue:
		entry.Kind = KindDialogue
		entry.Author = AuthorAI
	case (actor == actorAI || actor == actorGM) && mode == modeChoice:
		entry.Kind = KindChoiceSet
		entry.Author = AuthorAI
		entry.Choices = splitChoices(record.Text)
	case actor == actorUser || actor == actorPlayer:
		entry.Kind = KindAction
		entry.Author = AuthorPlayer
	default:
		entry.Kind = KindNarration
		entry.Author = AuthorSystem
	}

	return entry
}

// splitChoices derives the ordered option list of a choice-set record. Each
// non-empty line of the text is one option.
func splitChoices(text string) []string {
	var choices []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			choices = append(choices, line)
		}
	}
	return choices
}

// MapRecords converts an ordered authoritative history into entries.
func MapRecords(records []Record) []Entry {
	entries := make([]Entry, 0, len(records))
	for i, record := range records {
		entries = append(entries, MapRecord(i, record))
	}
	return entries
}

// Reconcile replaces the local view with the authoritative history.
//
// An empty authoritative payload against a non-empty local view is treated
// as a fetch anomaly, not as deleted history: the local entries are kept so
// a flaky read never erases the player's in-progress story. The returned
// bool reports whether the authoritative entries were adopted.
func Reconcile(local []Entry, records []Record) ([]Entry, bool) {
	if len(records) == 0 && len(local) > 0 {
		return local, false
	}
	return MapRecords(records), true
}
