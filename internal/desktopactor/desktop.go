// Package desktopactor implements the Desktop Actor from spec.md §4.11:
// one actor per desktop_id owning the window list and z-index order.
// Mutating RPCs update state and emit a typed delta — mirroring
// internal/writeractor's mailbox-message/ReplyTo shape — then hand the
// delta to a Broadcaster synchronously, before the RPC returns, so WS
// deltas observe the same order as the mutations that produced them
// (spec.md §5 "enforced by emitting deltas from the owning actor's
// handler before returning the RPC"). Window/app field shapes are
// ported from original_source/sandbox/tests/desktop_ws_test.rs and
// original_source/dioxus-desktop/src/desktop/actions.rs.
package desktopactor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/apperr"
	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/logger"
)

// AppDefinition registers a window-hosted component with the desktop.
type AppDefinition struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Icon          string `json:"icon,omitempty"`
	ComponentCode string `json:"component_code"`
	DefaultWidth  int    `json:"default_width"`
	DefaultHeight int    `json:"default_height"`
}

// WindowState is spec.md line 60's WindowState tuple.
type WindowState struct {
	ID        string         `json:"id"`
	AppID     string         `json:"app_id"`
	Title     string         `json:"title"`
	X         int            `json:"x"`
	Y         int            `json:"y"`
	W         int            `json:"w"`
	H         int            `json:"h"`
	ZIndex    int            `json:"z_index"`
	Minimized bool           `json:"minimized,omitempty"`
	Maximized bool           `json:"maximized,omitempty"`
	Props     map[string]any `json:"props,omitempty"`

	// preMaximize records geometry so Restore can undo a Maximize.
	preMaximize *geometry
}

type geometry struct {
	X, Y, W, H int
}

// DesktopState is spec.md line 60's full snapshot, sent to a WS client
// on subscribe before any deltas.
type DesktopState struct {
	DesktopID    string          `json:"desktop_id"`
	Apps         []AppDefinition `json:"apps"`
	Windows      []WindowState   `json:"windows"`
	ActiveWindow string          `json:"active_window,omitempty"`
}

// Broadcaster fans a typed delta out to every WS session subscribed to
// a desktop_id. Implemented by internal/desktopws's session registry.
type Broadcaster interface {
	Broadcast(desktopID, deltaType string, payload map[string]any)
}

const (
	defaultWidth  = 640
	defaultHeight = 480
)

// Mailbox messages, one per RPC named in spec.md §4.11.
type RegisterApp struct {
	App     AppDefinition
	ReplyTo chan error
}

type OpenWindow struct {
	AppID   string
	Title   string
	Props   map[string]any
	ReplyTo chan OpenWindowResult
}
type OpenWindowResult struct {
	Window WindowState
	Err    error
}

type CloseWindow struct {
	WindowID string
	ReplyTo  chan error
}

type MoveWindow struct {
	WindowID string
	X, Y     int
	ReplyTo  chan error
}

type ResizeWindow struct {
	WindowID      string
	Width, Height int
	ReplyTo       chan error
}

type FocusWindow struct {
	WindowID string
	ReplyTo  chan error
}

type MinimizeWindow struct {
	WindowID string
	ReplyTo  chan error
}

type MaximizeWindow struct {
	WindowID string
	ReplyTo  chan error
}

type RestoreWindow struct {
	WindowID string
	ReplyTo  chan error
}

type GetState struct {
	ReplyTo chan DesktopState
}

// Desktop owns exactly one desktop_id's window list and app registry.
type Desktop struct {
	DesktopID string

	mu           sync.Mutex
	apps         []AppDefinition
	windows      []WindowState
	activeWindow string
	nextZ        int

	broadcaster Broadcaster
	store       eventstore.Store
}

// New constructs a Desktop. broadcaster may be nil (deltas are then
// only persisted as events, never fanned out over WS).
func New(desktopID string, broadcaster Broadcaster, store eventstore.Store) *Desktop {
	return &Desktop{
		DesktopID:   desktopID,
		broadcaster: broadcaster,
		store:       store,
	}
}

func reply[T any](ch chan T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
	}
}

// Receive implements actorsys.Actor.
func (d *Desktop) Receive(ctx context.Context, msg actorsys.Msg) error {
	switch m := msg.(type) {
	case RegisterApp:
		err := d.registerApp(m.App)
		reply(m.ReplyTo, err)
		return err
	case OpenWindow:
		win, err := d.openWindow(ctx, m)
		reply(m.ReplyTo, OpenWindowResult{Window: win, Err: err})
		return err
	case CloseWindow:
		err := d.closeWindow(ctx, m.WindowID)
		reply(m.ReplyTo, err)
		return err
	case MoveWindow:
		err := d.moveWindow(ctx, m.WindowID, m.X, m.Y)
		reply(m.ReplyTo, err)
		return err
	case ResizeWindow:
		err := d.resizeWindow(ctx, m.WindowID, m.Width, m.Height)
		reply(m.ReplyTo, err)
		return err
	case FocusWindow:
		err := d.focusWindow(ctx, m.WindowID)
		reply(m.ReplyTo, err)
		return err
	case MinimizeWindow:
		err := d.minimizeWindow(ctx, m.WindowID)
		reply(m.ReplyTo, err)
		return err
	case MaximizeWindow:
		err := d.maximizeWindow(ctx, m.WindowID)
		reply(m.ReplyTo, err)
		return err
	case RestoreWindow:
		err := d.restoreWindow(ctx, m.WindowID)
		reply(m.ReplyTo, err)
		return err
	case GetState:
		reply(m.ReplyTo, d.snapshot())
		return nil
	default:
		return apperr.New(apperr.InvalidRequest, fmt.Sprintf("desktopactor: unknown message %T", msg))
	}
}

func (d *Desktop) registerApp(app AppDefinition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.apps {
		if existing.ID == app.ID {
			d.apps[i] = app
			return nil
		}
	}
	d.apps = append(d.apps, app)
	return nil
}

func (d *Desktop) findApp(appID string) (AppDefinition, bool) {
	for _, a := range d.apps {
		if a.ID == appID {
			return a, true
		}
	}
	return AppDefinition{}, false
}

func (d *Desktop) findWindow(windowID string) (int, bool) {
	for i, w := range d.windows {
		if w.ID == windowID {
			return i, true
		}
	}
	return -1, false
}

func (d *Desktop) openWindow(ctx context.Context, m OpenWindow) (WindowState, error) {
	d.mu.Lock()

	width, height := defaultWidth, defaultHeight
	title := m.Title
	if app, ok := d.findApp(m.AppID); ok {
		if app.DefaultWidth > 0 {
			width = app.DefaultWidth
		}
		if app.DefaultHeight > 0 {
			height = app.DefaultHeight
		}
		if title == "" {
			title = app.Name
		}
	}

	d.nextZ++
	win := WindowState{
		ID:     uuid.NewString(),
		AppID:  m.AppID,
		Title:  title,
		X:      24 * (len(d.windows) % 10),
		Y:      24 * (len(d.windows) % 10),
		W:      width,
		H:      height,
		ZIndex: d.nextZ,
		Props:  m.Props,
	}
	d.windows = append(d.windows, win)
	d.activeWindow = win.ID

	d.emitAndBroadcastLocked(ctx, "window_opened", map[string]any{"window": windowJSON(win)})
	d.mu.Unlock()
	return win, nil
}

func (d *Desktop) closeWindow(ctx context.Context, windowID string) error {
	d.mu.Lock()
	idx, ok := d.findWindow(windowID)
	if !ok {
		d.mu.Unlock()
		return apperr.New(apperr.NotFound, "desktopactor: window not found: "+windowID)
	}
	d.windows = append(d.windows[:idx], d.windows[idx+1:]...)
	if d.activeWindow == windowID {
		d.activeWindow = d.mostRecentWindowIDLocked()
	}
	d.emitAndBroadcastLocked(ctx, "window_closed", map[string]any{"window_id": windowID})
	d.mu.Unlock()
	return nil
}

func (d *Desktop) mostRecentWindowIDLocked() string {
	best := ""
	bestZ := -1
	for _, w := range d.windows {
		if w.ZIndex > bestZ {
			bestZ = w.ZIndex
			best = w.ID
		}
	}
	return best
}

func (d *Desktop) moveWindow(ctx context.Context, windowID string, x, y int) error {
	d.mu.Lock()
	idx, ok := d.findWindow(windowID)
	if !ok {
		d.mu.Unlock()
		return apperr.New(apperr.NotFound, "desktopactor: window not found: "+windowID)
	}
	d.windows[idx].X = x
	d.windows[idx].Y = y
	d.emitAndBroadcastLocked(ctx, "window_moved", map[string]any{"window_id": windowID, "x": x, "y": y})
	d.mu.Unlock()
	return nil
}

func (d *Desktop) resizeWindow(ctx context.Context, windowID string, w, h int) error {
	d.mu.Lock()
	idx, ok := d.findWindow(windowID)
	if !ok {
		d.mu.Unlock()
		return apperr.New(apperr.NotFound, "desktopactor: window not found: "+windowID)
	}
	d.windows[idx].W = w
	d.windows[idx].H = h
	d.emitAndBroadcastLocked(ctx, "window_resized", map[string]any{"window_id": windowID, "width": w, "height": h})
	d.mu.Unlock()
	return nil
}

func (d *Desktop) focusWindow(ctx context.Context, windowID string) error {
	d.mu.Lock()
	idx, ok := d.findWindow(windowID)
	if !ok {
		d.mu.Unlock()
		return apperr.New(apperr.NotFound, "desktopactor: window not found: "+windowID)
	}
	if d.windows[idx].Minimized {
		d.mu.Unlock()
		return apperr.New(apperr.InvalidRequest, "desktopactor: cannot focus minimized window")
	}
	d.nextZ++
	d.windows[idx].ZIndex = d.nextZ
	d.activeWindow = windowID
	d.emitAndBroadcastLocked(ctx, "window_focused", map[string]any{"window_id": windowID})
	d.mu.Unlock()
	return nil
}

func (d *Desktop) minimizeWindow(ctx context.Context, windowID string) error {
	d.mu.Lock()
	idx, ok := d.findWindow(windowID)
	if !ok {
		d.mu.Unlock()
		return apperr.New(apperr.NotFound, "desktopactor: window not found: "+windowID)
	}
	d.windows[idx].Minimized = true
	if d.activeWindow == windowID {
		d.activeWindow = d.mostRecentWindowIDLocked()
	}
	d.emitAndBroadcastLocked(ctx, "window_minimized", map[string]any{"window_id": windowID})
	d.mu.Unlock()
	return nil
}

func (d *Desktop) maximizeWindow(ctx context.Context, windowID string) error {
	d.mu.Lock()
	idx, ok := d.findWindow(windowID)
	if !ok {
		d.mu.Unlock()
		return apperr.New(apperr.NotFound, "desktopactor: window not found: "+windowID)
	}
	win := &d.windows[idx]
	if !win.Maximized {
		win.preMaximize = &geometry{X: win.X, Y: win.Y, W: win.W, H: win.H}
	}
	win.X, win.Y = 0, 0
	win.W, win.H = 1280, 800
	win.Maximized = true
	win.Minimized = false

	d.emitAndBroadcastLocked(ctx, "window_maximized", map[string]any{
		"window_id": windowID, "x": win.X, "y": win.Y, "width": win.W, "height": win.H,
	})
	d.mu.Unlock()
	return nil
}

func (d *Desktop) restoreWindow(ctx context.Context, windowID string) error {
	d.mu.Lock()
	idx, ok := d.findWindow(windowID)
	if !ok {
		d.mu.Unlock()
		return apperr.New(apperr.NotFound, "desktopactor: window not found: "+windowID)
	}
	win := &d.windows[idx]
	from := "normal"
	switch {
	case win.Maximized:
		from = "maximized"
	case win.Minimized:
		from = "minimized"
	}

	win.Minimized = false
	if win.Maximized && win.preMaximize != nil {
		win.X, win.Y, win.W, win.H = win.preMaximize.X, win.preMaximize.Y, win.preMaximize.W, win.preMaximize.H
		win.preMaximize = nil
	}
	win.Maximized = false

	d.emitAndBroadcastLocked(ctx, "window_restored", map[string]any{
		"window_id": windowID, "x": win.X, "y": win.Y, "width": win.W, "height": win.H,
		"from": from, "maximized": win.Maximized,
	})
	d.mu.Unlock()
	return nil
}

func (d *Desktop) snapshot() DesktopState {
	d.mu.Lock()
	defer d.mu.Unlock()
	windows := make([]WindowState, len(d.windows))
	copy(windows, d.windows)
	apps := make([]AppDefinition, len(d.apps))
	copy(apps, d.apps)
	return DesktopState{
		DesktopID:    d.DesktopID,
		Apps:         apps,
		Windows:      windows,
		ActiveWindow: d.activeWindow,
	}
}

// emitAndBroadcastLocked must be called with mu held: it persists the
// delta as an event, then hands it to the broadcaster before the caller
// unlocks and replies to the RPC, satisfying spec.md §5's WS-ordering
// invariant.
func (d *Desktop) emitAndBroadcastLocked(ctx context.Context, deltaType string, payload map[string]any) {
	if d.store != nil {
		eventPayload := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			eventPayload[k] = v
		}
		eventPayload["desktop_id"] = d.DesktopID
		d.store.AppendAsync(ctx, eventstore.AppendEvent{
			EventType: "desktop." + deltaType,
			Payload:   eventPayload,
		})
	}
	if d.broadcaster != nil {
		d.broadcaster.Broadcast(d.DesktopID, deltaType, payload)
	}
	logger.Component("desktopactor").Debug("window delta", "desktop_id", d.DesktopID, "type", deltaType)
}

func windowJSON(w WindowState) map[string]any {
	return map[string]any{
		"id": w.ID, "app_id": w.AppID, "title": w.Title,
		"x": w.X, "y": w.Y, "w": w.W, "h": w.H, "z_index": w.ZIndex,
		"minimized": w.Minimized, "maximized": w.Maximized, "props": w.Props,
	}
}
