// Package terminalactor implements the PTY-backed Terminal Actor from
// spec.md §4.5, ported in lifecycle shape from the teacher's
// internal/egg/server.go (pty.StartWithSize, resize via pty.Setsize) and
// internal/egg/vterm.go (bounded scrollback ring, reconnect snapshot).
//
// The protobuf-shaped RunAgenticTaskDetached request/response that the
// teacher's egg control plane speaks over gRPC is documented here, not
// wired as a live dependency: this actor's own surface is the
// RunAgenticTaskDetached mailbox message below, sent by
// internal/sandboxapi's capability dispatcher.
// Request shape mirrors egg's detached-task RPC: {command []string,
// working_dir string, corr_id string} -> {exit_code int32, output_excerpt
// string, success bool}.
package terminalactor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/apperr"
	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/logger"
)

// State is the PTY session lifecycle from spec.md §4.5.
type State int

const (
	Starting State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	default:
		return "stopped"
	}
}

const outputExcerptLimit = 4096

// Start, SendInput, Resize, StopPTY are the mailbox messages this actor
// understands (spec.md §4.4 actor messages are the RPC verbs).
type Start struct {
	Shell      string
	WorkingDir string
	Cols, Rows uint16
}

type SendInput struct{ Data []byte }

type Resize struct{ Rows, Cols uint16 }

type StopPTY struct{}

// RunAgenticTaskDetached fires a one-shot command execution whose
// completion writes a tool.result event keyed by CorrID. spec.md treats
// this emit as a required behavior even though the original source
// documents it as a known gap — this implementation closes it.
type RunAgenticTaskDetached struct {
	Command    []string
	WorkingDir string
	CorrID     string
	ActorID    string
	UserID     string
	RunID      string
}

// Terminal is one PTY-backed terminal actor, one per terminal_id.
type Terminal struct {
	TerminalID string
	store      eventstore.Store

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	ptmx    *os.File
	ring    *ringBuffer
	subs    map[int64]chan []byte
	nextSub int64
}

// New constructs a Terminal actor bound to terminalID, appending
// lifecycle/result events to store.
func New(terminalID string, store eventstore.Store) *Terminal {
	return &Terminal{
		TerminalID: terminalID,
		store:      store,
		state:      Starting,
		ring:       newRingBuffer(defaultRingBufferSize),
		subs:       make(map[int64]chan []byte),
	}
}

// Receive implements actorsys.Actor.
func (t *Terminal) Receive(ctx context.Context, msg actorsys.Msg) error {
	switch m := msg.(type) {
	case Start:
		return t.start(ctx, m)
	case SendInput:
		return t.sendInput(m.Data)
	case Resize:
		return t.resize(m.Rows, m.Cols)
	case StopPTY:
		return t.stop()
	case RunAgenticTaskDetached:
		return t.runDetached(ctx, m)
	default:
		return apperr.New(apperr.InvalidRequest, fmt.Sprintf("terminal: unknown message %T", msg))
	}
}

func (t *Terminal) start(ctx context.Context, m Start) error {
	t.mu.Lock()
	if t.state == Running {
		t.mu.Unlock()
		return nil
	}
	shell := m.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	cmd := exec.CommandContext(ctx, shell)
	if m.WorkingDir != "" {
		cmd.Dir = m.WorkingDir
	}
	cols, rows := m.Cols, m.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	t.mu.Unlock()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return apperr.Wrap(apperr.WorkerFailed, "start pty", err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.ptmx = ptmx
	t.state = Running
	t.mu.Unlock()

	go t.readLoop(ptmx)
	logger.Component("terminalactor").Debug("terminal started", "terminal_id", t.TerminalID)
	return nil
}

func (t *Terminal) readLoop(ptmx *os.File) {
	reader := bufio.NewReaderSize(ptmx, 32*1024)
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			t.ring.Write(chunk)
			t.broadcast(chunk)
		}
		if err != nil {
			t.mu.Lock()
			t.state = Stopped
			t.mu.Unlock()
			return
		}
	}
}

func (t *Terminal) broadcast(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- chunk:
		default:
			// Slow subscriber drops a frame; reconnect snapshot from the
			// ring buffer makes this safe (spec.md §5 backpressure policy).
		}
	}
}

func (t *Terminal) sendInput(data []byte) error {
	t.mu.Lock()
	ptmx := t.ptmx
	t.mu.Unlock()
	if ptmx == nil {
		return apperr.New(apperr.ActorUnavailable, "terminal not running")
	}
	_, err := ptmx.Write(data)
	if err != nil {
		return apperr.Wrap(apperr.WorkerFailed, "write pty input", err)
	}
	return nil
}

func (t *Terminal) resize(rows, cols uint16) error {
	t.mu.Lock()
	ptmx := t.ptmx
	t.mu.Unlock()
	if ptmx == nil {
		return apperr.New(apperr.ActorUnavailable, "terminal not running")
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return apperr.Wrap(apperr.WorkerFailed, "resize pty", err)
	}
	return nil
}

func (t *Terminal) stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	if t.ptmx != nil {
		_ = t.ptmx.Close()
	}
	t.state = Stopped
	return nil
}

// SubscribeOutput returns a channel receiving output chunks as they
// arrive, and an unsubscribe function.
func (t *Terminal) SubscribeOutput() (<-chan []byte, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	ch := make(chan []byte, 64)
	t.subs[id] = ch
	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
		close(ch)
	}
}

// GetOutput returns the buffered scrollback snapshot for late
// subscribers reconnecting mid-session.
func (t *Terminal) GetOutput() []byte { return t.ring.Snapshot() }

// StateOf reports the current lifecycle state.
func (t *Terminal) StateOf() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Terminal) runDetached(ctx context.Context, m RunAgenticTaskDetached) error {
	if len(m.Command) == 0 {
		return apperr.New(apperr.InvalidRequest, "runDetached: empty command")
	}

	runCtx, cancel := context.WithTimeout(ctx, 180*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, m.Command[0], m.Command[1:]...)
	if m.WorkingDir != "" {
		cmd.Dir = m.WorkingDir
	}
	output, runErr := cmd.CombinedOutput()

	excerpt := string(output)
	if len(excerpt) > outputExcerptLimit {
		excerpt = excerpt[len(excerpt)-outputExcerptLimit:]
	}

	success := runErr == nil
	exitCode := 0
	if exitErr, ok := asExitError(runErr); ok {
		exitCode = exitErr.ExitCode()
	}

	if t.store != nil {
		t.store.AppendAsync(ctx, eventstore.AppendEvent{
			EventType: "tool.result",
			ActorID:   m.ActorID,
			UserID:    m.UserID,
			RunID:     m.RunID,
			CallID:    m.CorrID,
			CorrID:    m.CorrID,
			Payload: map[string]any{
				"corr_id":        m.CorrID,
				"output_excerpt": excerpt,
				"success":        success,
				"exit_code":      exitCode,
			},
		})
	}
	return nil
}

type exitCoder interface{ ExitCode() int }

func asExitError(err error) (exitCoder, bool) {
	if err == nil {
		return nil, false
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee, true
	}
	return nil, false
}
