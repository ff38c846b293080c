// Package transcript defines the entries of a session's visible story and
// the reconciliation rules that keep the client view aligned with the
// server's authoritative turn history.
//
// Entries are immutable records. They are created either optimistically on
// the client when a player submits an action, or authoritatively by mapping
// server turn records. Optimistic entries exist only between submission and
// the next successful reconciliation.
package transcript
