// Package actorsys implements the supervised actor mesh from spec.md
// §4.4: a goroutine per actor owning a single-consumer mailbox channel,
// link-spawned under a Supervisor that deregisters children on
// termination but never auto-restarts them. This is the idiomatic Go
// rendering of the spec's "actor" — no shared-state locking is needed
// because a single goroutine drains the mailbox FIFO.
package actorsys

import (
	"context"
	"fmt"
	"sync"

	"github.com/choiros/sandbox/internal/logger"
)

// Msg is anything an actor's mailbox can carry. Concrete actor kinds
// (terminal, writer, desktop, ...) define their own message types and
// type-switch on receipt.
type Msg any

const defaultMailboxSize = 64

// Actor is implemented by every supervised worker. Receive handles one
// mailbox message; it runs on the actor's own goroutine so it may touch
// actor-local state without a mutex.
type Actor interface {
	// Receive handles a single message. A returned error is logged by
	// the supervisor and does not by itself terminate the actor — only
	// a closed mailbox or explicit Stop does that (spec.md §4.4: policy
	// decisions about failure belong to higher-level code).
	Receive(ctx context.Context, msg Msg) error
}

// Ref is a handle to a running actor: a mailbox to send into and a way
// to observe/await termination.
type Ref struct {
	Kind string
	ID   string

	mailbox chan Msg
	done    chan struct{}
	cancel  context.CancelFunc
}

// Send enqueues msg on the actor's mailbox. Returns false if the actor
// has already terminated (ordering: a Ref failing Send has certainly
// finished its Receive loop — no other goroutine reuses the mailbox).
func (r *Ref) Send(msg Msg) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.mailbox <- msg:
		return true
	case <-r.done:
		return false
	}
}

// Stop requests termination by cancelling the actor's context; the
// goroutine exits its Receive loop on its own next iteration.
func (r *Ref) Stop() { r.cancel() }

// Done returns a channel closed when the actor's goroutine has exited.
func (r *Ref) Done() <-chan struct{} { return r.done }

// key is the registry key shape from spec.md §4.4 ("kind:id").
type key struct {
	kind string
	id   string
}

func (k key) String() string { return k.kind + ":" + k.id }

// Supervisor owns a set of link-spawned children keyed by kind:id.
// Children are deregistered automatically on termination; supervisors
// never auto-restart a failed worker (spec.md §4.4) — a business-level
// caller such as the conductor decides whether to re-dispatch.
type Supervisor struct {
	name string

	mu       sync.Mutex
	children map[key]*Ref
	// creating tracks in-flight GetOrCreate spawns so concurrent callers
	// racing for the same kind:id block on the same creation instead of
	// double-spawning (the terminal actor's PTY must be owned once).
	creating map[key]*sync.WaitGroup

	parent *Supervisor
}

// NewSupervisor constructs a root or nested supervisor. parent may be
// nil for the root.
func NewSupervisor(name string, parent *Supervisor) *Supervisor {
	return &Supervisor{
		name:     name,
		children: make(map[key]*Ref),
		creating: make(map[key]*sync.WaitGroup),
		parent:   parent,
	}
}

// Lookup returns the existing child for kind:id, if any.
func (s *Supervisor) Lookup(kind, id string) (*Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.children[key{kind, id}]
	return ref, ok
}

// Spawn link-spawns a new actor under this supervisor. If one already
// exists for kind:id, Spawn returns it unchanged rather than replacing
// it — callers that want create-or-reuse semantics under concurrency
// should use GetOrCreate instead, which also serializes the slow path.
func (s *Supervisor) Spawn(ctx context.Context, kind, id string, actor Actor) *Ref {
	s.mu.Lock()
	if existing, ok := s.children[key{kind, id}]; ok {
		s.mu.Unlock()
		return existing
	}
	s.mu.Unlock()
	return s.spawnLocked(ctx, kind, id, actor)
}

// GetOrCreate implements the fast-path/slow-path double-checked-lock
// pattern from spec.md §4.4: a fast-path read under RLock-equivalent,
// then a per-key creation lock, then a second check before spawning,
// guaranteeing at most one actor is ever spawned for a given kind:id
// even under concurrent callers (critical for Terminal, where a PTY can
// only be owned once).
func (s *Supervisor) GetOrCreate(ctx context.Context, kind, id string, factory func() Actor) *Ref {
	k := key{kind, id}

	s.mu.Lock()
	if ref, ok := s.children[k]; ok {
		s.mu.Unlock()
		return ref
	}
	if wg, inflight := s.creating[k]; inflight {
		s.mu.Unlock()
		wg.Wait()
		s.mu.Lock()
		ref := s.children[k]
		s.mu.Unlock()
		return ref
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	s.creating[k] = wg
	s.mu.Unlock()

	ref := s.spawnLocked(ctx, kind, id, factory())

	s.mu.Lock()
	delete(s.creating, k)
	s.mu.Unlock()
	wg.Done()

	return ref
}

func (s *Supervisor) spawnLocked(ctx context.Context, kind, id string, actor Actor) *Ref {
	actorCtx, cancel := context.WithCancel(ctx)
	ref := &Ref{
		Kind:    kind,
		ID:      id,
		mailbox: make(chan Msg, defaultMailboxSize),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	s.mu.Lock()
	s.children[key{kind, id}] = ref
	s.mu.Unlock()

	log := logger.Component("actorsys").With("supervisor", s.name, "kind", kind, "id", id)
	log.Debug("actor spawned")

	go func() {
		defer func() {
			s.deregister(kind, id)
			close(ref.done)
			log.Debug("actor terminated")
		}()

		for {
			select {
			case <-actorCtx.Done():
				return
			case msg, ok := <-ref.mailbox:
				if !ok {
					return
				}
				if err := actor.Receive(actorCtx, msg); err != nil {
					log.Warn("actor receive failed", "error", err)
				}
			}
		}
	}()

	return ref
}

func (s *Supervisor) deregister(kind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, key{kind, id})
}

// StopAll cancels every child's context and blocks until all have
// exited. Used for cascading supervisor shutdown (spec.md §5).
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	refs := make([]*Ref, 0, len(s.children))
	for _, r := range s.children {
		refs = append(refs, r)
	}
	s.mu.Unlock()

	for _, r := range refs {
		r.Stop()
	}
	for _, r := range refs {
		<-r.Done()
	}
}

// Children returns a snapshot of currently registered refs, for
// diagnostics and tests.
func (s *Supervisor) Children() []*Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Ref, 0, len(s.children))
	for _, r := range s.children {
		out = append(out, r)
	}
	return out
}

// Name returns the supervisor's diagnostic name, e.g. "root.application.terminal".
func (s *Supervisor) Name() string {
	if s.parent == nil {
		return s.name
	}
	return fmt.Sprintf("%s.%s", s.parent.Name(), s.name)
}
