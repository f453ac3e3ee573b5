// Package sandboxapi is the sandbox process's HTTP/WebSocket surface
// from spec.md §6, wiring the actor mesh (chat, desktop, terminal,
// researcher, writer), the conductor, and the viewer adapter onto one
// `*http.ServeMux`. Routing follows the teacher's
// internal/relay/server.go convention of Go 1.22+ method-pattern
// registration (`s.mux.HandleFunc("METHOD /path", handler)`), one route
// per line grouped by concern.
package sandboxapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/apperr"
	"github.com/choiros/sandbox/internal/conductor"
	"github.com/choiros/sandbox/internal/desktopws"
	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/logger"
	"github.com/choiros/sandbox/internal/viewer"
)

const defaultRPCTimeout = 5 * time.Second

// Server bundles every dependency sandboxapi's handlers need. It is
// constructed once at process startup by cmd/sandboxd.
type Server struct {
	sup        *actorsys.Supervisor
	store      eventstore.Store
	cond       *conductor.Conductor
	desktopWS  *desktopws.Registry
	desktops   *DesktopProvider
	viewer     *viewer.Handler
	terminals  *terminalRegistry
	rpcTimeout time.Duration

	mux *http.ServeMux
}

// NewServer wires routes over the given dependencies. desktops must be
// the same DesktopProvider desktopWS was constructed with (so REST
// mutations and WS snapshots/broadcasts resolve to the identical
// in-memory Desktop actor per desktop_id).
func NewServer(sup *actorsys.Supervisor, store eventstore.Store, cond *conductor.Conductor, desktopWS *desktopws.Registry, desktops *DesktopProvider) *Server {
	s := &Server{
		sup:        sup,
		store:      store,
		cond:       cond,
		desktopWS:  desktopWS,
		desktops:   desktops,
		viewer:     viewer.New(sup),
		terminals:  newTerminalRegistry(sup, store),
		rpcTimeout: defaultRPCTimeout,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /chat/send", s.handleChatSend)
	s.mux.HandleFunc("GET /chat/{id}/messages", s.handleChatMessages)

	s.mux.HandleFunc("POST /conductor/execute", s.handleConductorExecute)
	s.mux.HandleFunc("GET /conductor/tasks/{id}", s.handleConductorGetRun)
	s.mux.HandleFunc("GET /conductor/runs/{id}", s.handleConductorGetRun)

	s.mux.HandleFunc("GET /viewer/content", s.viewer.GetContent)
	s.mux.HandleFunc("PATCH /viewer/content", s.viewer.PatchContent)

	s.mux.HandleFunc("POST /desktop/{id}/apps", s.handleRegisterApp)
	s.mux.HandleFunc("POST /desktop/{id}/windows", s.handleOpenWindow)
	s.mux.HandleFunc("DELETE /desktop/{id}/windows/{wid}", s.handleCloseWindow)
	s.mux.HandleFunc("PATCH /desktop/{id}/windows/{wid}/position", s.handleMoveWindow)
	s.mux.HandleFunc("PATCH /desktop/{id}/windows/{wid}/resize", s.handleResizeWindow)
	s.mux.HandleFunc("POST /desktop/{id}/windows/{wid}/focus", s.handleFocusWindow)
	s.mux.HandleFunc("POST /desktop/{id}/windows/{wid}/minimize", s.handleMinimizeWindow)
	s.mux.HandleFunc("POST /desktop/{id}/windows/{wid}/maximize", s.handleMaximizeWindow)
	s.mux.HandleFunc("POST /desktop/{id}/windows/{wid}/restore", s.handleRestoreWindow)

	s.mux.HandleFunc("GET /logs/events", s.handleLogsEvents)

	s.mux.HandleFunc("GET /ws", desktopWS.ServeWS)
	s.mux.HandleFunc("GET /ws/terminal/{id}", s.terminals.ServeWS)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// awaitChan blocks for a reply on ch, bounded by timeout.
func awaitChan[T any](ctx context.Context, ch chan T, timeout time.Duration) (T, error) {
	var zero T
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case v := <-ch:
		return v, nil
	case <-timeoutCtx.Done():
		return zero, apperr.New(apperr.Timeout, "sandboxapi: actor did not reply in time")
	}
}

// awaitErr flattens an error-reply channel: the RPC's own error (if any)
// takes precedence over a timeout, since a value already on the channel
// means the actor replied in time.
func awaitErr(ctx context.Context, ch chan error, timeout time.Duration) error {
	rpcErr, waitErr := awaitChan(ctx, ch, timeout)
	if waitErr != nil {
		return waitErr
	}
	return rpcErr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAppErr(w http.ResponseWriter, err error) {
	logger.Component("sandboxapi").Error("request failed", "error", err)
	http.Error(w, err.Error(), apperr.HTTPStatus(apperr.KindOf(err)))
}
