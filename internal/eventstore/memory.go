package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process backend used by tests and by components
// that don't need crash durability (e.g. a short-lived CLI run).
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
	seq    int64
}

// NewMemory constructs an empty in-memory event store.
func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e AppendEvent) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e), nil
}

func (s *MemoryStore) appendLocked(e AppendEvent) Event {
	s.seq++
	stored := Event{
		Seq:       s.seq,
		EventID:   uuid.NewString(),
		EventType: e.EventType,
		Timestamp: time.Now().UTC(),
		Payload:   e.Payload,
		ActorID:   e.ActorID,
		UserID:    e.UserID,
		SessionID: e.SessionID,
		ThreadID:  e.ThreadID,
		RunID:     e.RunID,
		CallID:    e.CallID,
		CorrID:    e.CorrID,
	}
	s.events = append(s.events, stored)
	return stored
}

func (s *MemoryStore) AppendAsync(ctx context.Context, e AppendEvent) {
	// No true asynchrony needed in-process; still satisfies the "does not
	// block caller on durability" contract since there's nothing to flush.
	_, _ = s.Append(ctx, e)
}

func (s *MemoryStore) GetRecentEvents(_ context.Context, sinceSeq int64, limit int, typePrefix, actorID, userID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if ev.Seq <= sinceSeq {
			continue
		}
		if !matchesPrefix(ev.EventType, typePrefix) {
			continue
		}
		if actorID != "" && ev.ActorID != actorID {
			continue
		}
		if userID != "" && ev.UserID != userID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetEventsForActor(ctx context.Context, actorID string, sinceSeq int64) ([]Event, error) {
	return s.GetRecentEvents(ctx, sinceSeq, 0, "", actorID, "")
}

func (s *MemoryStore) GetEventsByCorrID(_ context.Context, corrID, typePrefix string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if ev.CorrID != corrID {
			continue
		}
		if !matchesPrefix(ev.EventType, typePrefix) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *MemoryStore) GetLatestHarnessCheckpoint(_ context.Context, runID string) (Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best Event
	found := false
	for _, ev := range s.events {
		if ev.EventType != "harness.checkpoint" || ev.RunID != runID {
			continue
		}
		if !found || checkpointTurnNumber(ev) > checkpointTurnNumber(best) {
			best = ev
			found = true
		}
	}
	return best, found, nil
}

// checkpointTurnNumber extracts turn_number from a harness.checkpoint
// payload; falls back to Seq ordering if the field is absent so malformed
// payloads degrade gracefully instead of breaking recovery.
func checkpointTurnNumber(ev Event) float64 {
	if ev.Payload != nil {
		if tn, ok := ev.Payload["turn_number"]; ok {
			switch v := tn.(type) {
			case float64:
				return v
			case int:
				return float64(v)
			case int64:
				return float64(v)
			}
		}
	}
	return float64(ev.Seq)
}

func (s *MemoryStore) GetLatestSeq(_ context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return 0, false, nil
	}
	return s.seq, true, nil
}

func (s *MemoryStore) Close() error { return nil }
