// Package desktopws implements the WS session registry and `/ws`
// protocol from spec.md §4.11/§6: a client subscribes to a desktop_id,
// receives a full desktop_state snapshot, then a stream of typed window
// deltas. The per-key session map with a buffered per-connection Send
// channel and a dedicated writer goroutine is ported from the teacher's
// internal/relay.SessionManager/handleClientWS; message type names and
// field shapes are ported from
// original_source/dioxus-desktop/src/desktop/ws.rs's parse_ws_message
// and original_source/sandbox/tests/desktop_ws_test.rs.
package desktopws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/choiros/sandbox/internal/desktopactor"
	"github.com/choiros/sandbox/internal/logger"
)

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

// DesktopProvider resolves a desktop_id to its current snapshot,
// implemented by whatever owns the actorsys registry of live Desktop
// actors (spec.md §4.4: one actor per entity, looked up by kind:id).
type DesktopProvider interface {
	Snapshot(ctx context.Context, desktopID string) (desktopactor.DesktopState, error)
}

type envelope map[string]any

type session struct {
	desktopID string
	conn      *websocket.Conn
	send      chan envelope
}

// Registry fans typed deltas out to every session subscribed to a
// desktop_id. It implements desktopactor.Broadcaster.
type Registry struct {
	provider DesktopProvider

	mu       sync.RWMutex
	sessions map[string][]*session
}

// New constructs a Registry. provider is used to answer the initial
// desktop_state snapshot on subscribe.
func New(provider DesktopProvider) *Registry {
	return &Registry{
		provider: provider,
		sessions: make(map[string][]*session),
	}
}

// Broadcast implements desktopactor.Broadcaster: fire-and-forget, per
// spec.md §5 ("WS broadcast is fire-and-forget; clients dropping frames
// is acceptable; state is reconstructible from subscribe snapshot").
func (r *Registry) Broadcast(desktopID, deltaType string, payload map[string]any) {
	msg := envelope{"type": deltaType}
	for k, v := range payload {
		msg[k] = v
	}

	r.mu.RLock()
	sessions := r.sessions[desktopID]
	r.mu.RUnlock()

	for _, s := range sessions {
		select {
		case s.send <- msg:
		default:
			logger.Component("desktopws").Warn("dropping delta, send buffer full",
				"desktop_id", desktopID, "type", deltaType)
		}
	}
}

func (r *Registry) addSession(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.desktopID] = append(r.sessions[s.desktopID], s)
}

func (r *Registry) removeSession(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.sessions[s.desktopID]
	for i, existing := range list {
		if existing == s {
			r.sessions[s.desktopID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// ServeWS accepts a WS upgrade and runs the subscribe/snapshot/delta
// protocol until the client disconnects. A connection may only ever be
// subscribed to one desktop_id for its lifetime (resubscribing rebinds
// it, matching the client's single-subscribe-on-open usage in
// desktop/ws.rs's connect_websocket).
func (r *Registry) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := req.Context()
	sess := &session{conn: conn, send: make(chan envelope, sendBuffer)}

	done := make(chan struct{})
	go r.writeLoop(ctx, sess, done)

	r.readLoop(ctx, sess)

	<-done
	if sess.desktopID != "" {
		r.removeSession(sess)
	}
	conn.Close(websocket.StatusNormalClosure, "closing")
}

func (r *Registry) writeLoop(ctx context.Context, s *session, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = s.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (r *Registry) readLoop(ctx context.Context, s *session) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var incoming struct {
			Type      string `json:"type"`
			DesktopID string `json:"desktop_id"`
		}
		if err := json.Unmarshal(data, &incoming); err != nil {
			continue
		}

		switch incoming.Type {
		case "subscribe":
			r.handleSubscribe(ctx, s, incoming.DesktopID)
		case "ping":
			r.writeDirect(ctx, s, envelope{"type": "pong"})
		}
	}
}

func (r *Registry) handleSubscribe(ctx context.Context, s *session, desktopID string) {
	if desktopID == "" {
		r.writeDirect(ctx, s, envelope{"type": "error", "message": "desktop_id required"})
		return
	}
	if s.desktopID != "" {
		r.removeSession(s)
	}
	s.desktopID = desktopID
	r.addSession(s)

	state, err := r.provider.Snapshot(ctx, desktopID)
	if err != nil {
		logger.Component("desktopws").Error("snapshot failed", "desktop_id", desktopID, "error", err)
		r.writeDirect(ctx, s, envelope{"type": "error", "message": "desktop not found"})
		return
	}
	r.writeDirect(ctx, s, envelope{"type": "desktop_state", "desktop": state})
}

// writeDirect bypasses the Send channel for replies that must reach the
// client synchronously within the read loop (desktop_state snapshot,
// pong, error), mirroring the teacher's inline conn.Write for MsgPong.
func (r *Registry) writeDirect(ctx context.Context, s *session, msg envelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = s.conn.Write(writeCtx, websocket.MessageText, data)
}
