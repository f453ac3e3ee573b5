package sandboxapi

import (
	"context"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/apperr"
	"github.com/choiros/sandbox/internal/desktopactor"
	"github.com/choiros/sandbox/internal/eventstore"
)

// DesktopProvider adapts the actor supervisor to desktopws.DesktopProvider:
// a WS subscribe resolves the desktop_id to its live actor and asks for a
// GetState snapshot, spawning the actor (with the same broadcaster/store
// a REST-first caller would get) on first subscribe so a client
// connecting before any REST call still gets an (empty) desktop_state and
// is wired into the same actor every later REST mutation reaches.
//
// broadcaster is set after construction via SetBroadcaster because the
// broadcaster (desktopws.Registry) itself depends on this provider —
// resolving the circular wiring the teacher's relay.Server/SessionManager
// pair doesn't need, since there the session registry owns no actor.
type DesktopProvider struct {
	sup         *actorsys.Supervisor
	store       eventstore.Store
	broadcaster desktopactor.Broadcaster
}

// NewDesktopProvider constructs a DesktopProvider over sup.
func NewDesktopProvider(sup *actorsys.Supervisor, store eventstore.Store) *DesktopProvider {
	return &DesktopProvider{sup: sup, store: store}
}

// SetBroadcaster wires the WS registry in after it is constructed.
func (p *DesktopProvider) SetBroadcaster(b desktopactor.Broadcaster) { p.broadcaster = b }

func (p *DesktopProvider) ActorRef(ctx context.Context, desktopID string) *actorsys.Ref {
	return p.sup.GetOrCreate(ctx, "desktop", desktopID, func() actorsys.Actor {
		return desktopactor.New(desktopID, p.broadcaster, p.store)
	})
}

// Snapshot implements desktopws.DesktopProvider.
func (p *DesktopProvider) Snapshot(ctx context.Context, desktopID string) (desktopactor.DesktopState, error) {
	ref := p.ActorRef(ctx, desktopID)

	reply := make(chan desktopactor.DesktopState, 1)
	if !ref.Send(desktopactor.GetState{ReplyTo: reply}) {
		return desktopactor.DesktopState{}, apperr.New(apperr.ActorUnavailable, "sandboxapi: desktop actor unavailable")
	}
	return awaitChan(ctx, reply, defaultRPCTimeout)
}
