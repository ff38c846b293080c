// Package session owns the turn-submission lifecycle of one mounted game
// session view.
//
// A Controller is a small state machine (Idle -> Submitting -> Settling ->
// Idle) that accepts one player action at a time, reflects it optimistically
// in the visible transcript, executes it against the remote game master with
// a bounded retry policy, and reconciles the view against the authoritative
// transcript once the turn settles.
//
// All state mutation is serialized onto a single dispatcher goroutine, so
// the at-most-one-in-flight invariant holds without locks beyond the
// controller's snapshot mutex.
package session
