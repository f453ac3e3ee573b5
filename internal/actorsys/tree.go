package actorsys

import "context"

// Registry kinds used across the supervision tree (spec.md §4.4 ASCII
// diagram). Declared as constants so call sites never typo a kind
// string that a GetOrCreate lookup depends on.
const (
	KindChat       = "chat"
	KindDesktop    = "desktop"
	KindTerminal   = "terminal"
	KindResearcher = "researcher"
	KindWriter     = "writer"
)

// Tree is the root supervision tree from spec.md §4.4:
//
//	Root
//	├── ApplicationSupervisor
//	│   ├── ChatSupervisor     (per actor_id)
//	│   ├── DesktopSupervisor  (per desktop_id)
//	│   ├── TerminalSupervisor (per terminal_id)
//	│   ├── ResearcherSupervisor
//	│   └── WriterSupervisor   (per run_id)
//	└── SessionSupervisor (spawns the five above per session)
//
// EventStore/EventRelay/EventBus are siblings of ApplicationSupervisor
// under Root in the spec diagram; in this Go rendering they are plain
// long-lived values owned by the process (cmd/sandboxd), not actors —
// they have no mailbox-shaped RPC surface of their own, only direct
// method calls, so modeling them as actorsys.Actor would add an
// indirection nothing in SPEC_FULL.md's components calls through.
type Tree struct {
	Root        *Supervisor
	Application *Supervisor
	Session     *Supervisor

	Chat       *Supervisor
	Desktop    *Supervisor
	Terminal   *Supervisor
	Researcher *Supervisor
	Writer     *Supervisor
}

// NewTree builds the fixed supervisor hierarchy. Per-session and
// per-application children are supervisors themselves (not actors), so
// they're constructed directly rather than spawned through Spawn.
func NewTree() *Tree {
	root := NewSupervisor("root", nil)
	application := NewSupervisor("application", root)
	session := NewSupervisor("session", root)

	return &Tree{
		Root:        root,
		Application: application,
		Session:     session,
		Chat:        NewSupervisor("chat", application),
		Desktop:     NewSupervisor("desktop", application),
		Terminal:    NewSupervisor("terminal", application),
		Researcher:  NewSupervisor("researcher", application),
		Writer:      NewSupervisor("writer", application),
	}
}

// Shutdown cascades StopAll across every per-kind supervisor, mirroring
// the link-based cascade spec.md §5 requires on supervisor shutdown.
func (t *Tree) Shutdown(ctx context.Context) {
	for _, s := range []*Supervisor{t.Chat, t.Desktop, t.Terminal, t.Researcher, t.Writer} {
		s.StopAll()
	}
	_ = ctx
}
