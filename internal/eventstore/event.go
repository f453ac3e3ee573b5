// Package eventstore implements the append-only canonical event log
// described in spec.md §4.1: events are immutable once appended, seq is
// strictly increasing within a store, and queries support prefix/actor/
// corr_id/run_id filters.
package eventstore

import (
	"strings"
	"time"
)

// Event is one immutable row in the log. Seq is assigned by the store on
// Append and is never reused.
type Event struct {
	Seq       int64          `json:"seq"`
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	ActorID   string         `json:"actor_id"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	CorrID    string         `json:"corr_id,omitempty"`
}

// AppendEvent is the caller-supplied shape for a new event; the store
// fills in Seq, EventID and Timestamp.
type AppendEvent struct {
	EventType string
	Payload   map[string]any
	ActorID   string
	UserID    string
	SessionID string
	ThreadID  string
	RunID     string
	CallID    string
	CorrID    string
}

// matchesPrefix implements the dotted-hierarchy prefix match from
// spec.md §4.1 ("writer.*" matches "writer.delegation.progress").
// A pattern without a trailing ".*" matches the exact type and, as a
// dotted prefix, every type below it ("writer" matches "writer.x").
func matchesPrefix(eventType, prefix string) bool {
	if prefix == "" {
		return true
	}
	trimmed := strings.TrimSuffix(prefix, "*")
	trimmed = strings.TrimSuffix(trimmed, ".")
	if trimmed == prefix {
		// No wildcard suffix: treat as an exact dotted-prefix match too,
		// so "writer" matches "writer.document_updated".
		return eventType == prefix || strings.HasPrefix(eventType, prefix+".")
	}
	return eventType == trimmed || strings.HasPrefix(eventType, trimmed+".")
}
