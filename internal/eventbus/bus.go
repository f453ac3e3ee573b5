// Package eventbus implements the in-process, non-persistent pub/sub
// described in spec.md §4.3: subscribers match dotted-wildcard topic
// patterns and receive events in publish order per publisher. The event
// store remains the log of record; the bus is delivery-only.
package eventbus

import (
	"strings"
	"sync"

	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/logger"
)

// Subscriber receives events whose topic (event_type) matches the
// pattern it subscribed with.
type Subscriber func(ev eventstore.Event)

type subscription struct {
	id      int64
	pattern []string
	fn      Subscriber
}

// Bus is a single process-wide pub/sub router. Zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int64
	log    interface {
		Debug(string, ...any)
	}
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{log: logger.Component("eventbus")}
}

// Subscribe registers fn to receive events matching pattern (dotted
// segments, "*" matches exactly one segment, e.g. "writer.*" matches
// "writer.document_updated" but not "writer.delegation.progress").
// Returns an unsubscribe function.
func (b *Bus) Subscribe(pattern string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, pattern: strings.Split(pattern, "."), fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every subscriber whose pattern matches
// ev.EventType. persist is accepted for interface symmetry with the
// relay's call site but the bus never itself writes to the store —
// that decision belongs to the caller (spec.md §4.3 "non-persistent by
// default").
func (b *Bus) Publish(ev eventstore.Event, persist bool) {
	b.mu.RLock()
	matched := make([]Subscriber, 0, len(b.subs))
	segments := strings.Split(ev.EventType, ".")
	for _, s := range b.subs {
		if topicMatches(s.pattern, segments) {
			matched = append(matched, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		fn(ev)
	}
	_ = persist
}

// topicMatches compares a subscription pattern against the dotted
// segments of an event_type. "*" matches any single segment, and the
// pattern must have exactly as many segments as the topic: a shorter
// pattern never matches a deeper topic, even when it ends in "*".
func topicMatches(pattern, segments []string) bool {
	for i, p := range pattern {
		if p == "*" {
			if i >= len(segments) {
				return false
			}
			continue
		}
		if i >= len(segments) || segments[i] != p {
			return false
		}
	}
	return len(pattern) == len(segments)
}
