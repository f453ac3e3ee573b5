package eventstore

import "context"

// Store is the contract from spec.md §4.1. Implementations: Memory (tests)
// and SQLite (durable).
type Store interface {
	// Append durably appends event and returns it with Seq/EventID/Timestamp
	// populated. Blocks until the write is durable.
	Append(ctx context.Context, event AppendEvent) (Event, error)

	// AppendAsync fires the append without waiting for durability. Total
	// order of a single caller's appends is still preserved; failures are
	// logged, not returned, because the caller has already moved on.
	AppendAsync(ctx context.Context, event AppendEvent)

	// GetRecentEvents returns events with seq > sinceSeq, in seq order,
	// up to limit rows, optionally filtered by dotted type prefix, actor_id
	// or user_id.
	GetRecentEvents(ctx context.Context, sinceSeq int64, limit int, typePrefix, actorID, userID string) ([]Event, error)

	// GetEventsForActor returns events for actorID with seq > sinceSeq.
	GetEventsForActor(ctx context.Context, actorID string, sinceSeq int64) ([]Event, error)

	// GetEventsByCorrID returns events whose CorrID matches, optionally
	// filtered by dotted type prefix, in seq order.
	GetEventsByCorrID(ctx context.Context, corrID, typePrefix string) ([]Event, error)

	// GetLatestHarnessCheckpoint returns the harness.checkpoint event for
	// runID with the greatest turn_number (an event without turn_number
	// ranks by its seq), or (Event{}, false, nil) if none exists.
	GetLatestHarnessCheckpoint(ctx context.Context, runID string) (Event, bool, error)

	// GetLatestSeq returns the highest seq ever assigned, or (0, false, nil)
	// if the store is empty.
	GetLatestSeq(ctx context.Context) (int64, bool, error)

	// Close releases any underlying resources (file handles, connections).
	Close() error
}

// Error is the event-store specific error kind used by Append/queries;
// callers typically wrap it with apperr.EventStoreError at the RPC
// boundary.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
