package sandboxapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/logger"
	"github.com/choiros/sandbox/internal/terminalactor"
)

const terminalWriteTimeout = 10 * time.Second

// terminalRegistry serves spec.md §6's `/ws/terminal/{id}` protocol.
// actorsys.Ref only exposes Send/Stop/Done (the mailbox), but output
// streaming needs *terminalactor.Terminal's direct SubscribeOutput /
// GetOutput / StateOf methods, so this registry keeps a side map of the
// concrete actor values alongside the actorsys registry, populated by
// the same GetOrCreate factory that spawns the mailbox actor.
type terminalRegistry struct {
	sup   *actorsys.Supervisor
	store eventstore.Store

	mu        sync.Mutex
	terminals map[string]*terminalactor.Terminal
}

func newTerminalRegistry(sup *actorsys.Supervisor, store eventstore.Store) *terminalRegistry {
	return &terminalRegistry{
		sup:       sup,
		store:     store,
		terminals: make(map[string]*terminalactor.Terminal),
	}
}

func (tr *terminalRegistry) getOrCreate(ctx context.Context, terminalID string) (*actorsys.Ref, *terminalactor.Terminal) {
	ref := tr.sup.GetOrCreate(ctx, "terminal", terminalID, func() actorsys.Actor {
		t := terminalactor.New(terminalID, tr.store)
		tr.mu.Lock()
		tr.terminals[terminalID] = t
		tr.mu.Unlock()
		return t
	})

	tr.mu.Lock()
	t := tr.terminals[terminalID]
	tr.mu.Unlock()
	return ref, t
}

type wsInbound struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// ServeWS implements `GET /ws/terminal/{id}?user_id=&shell=&working_dir=`:
// on connect it starts (or attaches to) the terminal's PTY, sends an
// info frame then the buffered scrollback, and streams further output;
// the client sends `input`/`resize` frames back.
func (tr *terminalRegistry) ServeWS(w http.ResponseWriter, r *http.Request) {
	terminalID := r.PathValue("id")
	shell := r.URL.Query().Get("shell")
	workingDir := r.URL.Query().Get("working_dir")

	ctx := r.Context()
	ref, term := tr.getOrCreate(ctx, terminalID)
	if term == nil {
		http.Error(w, "terminal actor unavailable", http.StatusServiceUnavailable)
		return
	}

	if term.StateOf() != terminalactor.Running {
		ref.Send(terminalactor.Start{Shell: shell, WorkingDir: workingDir})
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	tr.writeJSON(ctx, conn, map[string]any{
		"type":        "info",
		"terminal_id": terminalID,
		"is_running":  term.StateOf() == terminalactor.Running,
	})

	if snapshot := term.GetOutput(); len(snapshot) > 0 {
		tr.writeOutput(ctx, conn, snapshot)
	}

	outputCh, unsubscribe := term.SubscribeOutput()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case chunk, ok := <-outputCh:
				if !ok {
					return
				}
				if err := tr.writeOutput(ctx, conn, chunk); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	tr.readLoop(ctx, conn, ref)
	<-done
	conn.Close(websocket.StatusNormalClosure, "closing")
}

func (tr *terminalRegistry) readLoop(ctx context.Context, conn *websocket.Conn, ref *actorsys.Ref) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}

		switch in.Type {
		case "input":
			raw, err := base64.StdEncoding.DecodeString(in.Data)
			if err != nil {
				raw = []byte(in.Data)
			}
			ref.Send(terminalactor.SendInput{Data: raw})
		case "resize":
			ref.Send(terminalactor.Resize{Rows: in.Rows, Cols: in.Cols})
		}
	}
}

func (tr *terminalRegistry) writeOutput(ctx context.Context, conn *websocket.Conn, chunk []byte) error {
	return tr.writeJSON(ctx, conn, map[string]any{
		"type": "output",
		"data": base64.StdEncoding.EncodeToString(chunk),
	})
}

func (tr *terminalRegistry) writeJSON(ctx context.Context, conn *websocket.Conn, msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, terminalWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		logger.Component("sandboxapi").Debug("terminal ws write failed", "error", err)
		return err
	}
	return nil
}
