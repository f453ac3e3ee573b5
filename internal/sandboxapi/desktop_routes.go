package sandboxapi

import (
	"encoding/json"
	"net/http"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/desktopactor"
)

func (s *Server) handleRegisterApp(w http.ResponseWriter, r *http.Request) {
	desktopID := r.PathValue("id")
	var app desktopactor.AppDefinition
	if err := json.NewDecoder(r.Body).Decode(&app); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ref := s.desktops.ActorRef(r.Context(), desktopID)
	reply := make(chan error, 1)
	if !ref.Send(desktopactor.RegisterApp{App: app, ReplyTo: reply}) {
		http.Error(w, "desktop actor unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := awaitErr(r.Context(), reply, s.rpcTimeout); err != nil {
		writeAppErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type openWindowRequest struct {
	AppID string         `json:"app_id"`
	Title string         `json:"title"`
	Props map[string]any `json:"props"`
}

func (s *Server) handleOpenWindow(w http.ResponseWriter, r *http.Request) {
	desktopID := r.PathValue("id")
	var req openWindowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ref := s.desktops.ActorRef(r.Context(), desktopID)
	reply := make(chan desktopactor.OpenWindowResult, 1)
	if !ref.Send(desktopactor.OpenWindow{AppID: req.AppID, Title: req.Title, Props: req.Props, ReplyTo: reply}) {
		http.Error(w, "desktop actor unavailable", http.StatusServiceUnavailable)
		return
	}
	result, err := awaitChan(r.Context(), reply, s.rpcTimeout)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if result.Err != nil {
		writeAppErr(w, result.Err)
		return
	}
	writeJSON(w, http.StatusCreated, result.Window)
}

func (s *Server) handleCloseWindow(w http.ResponseWriter, r *http.Request) {
	s.dispatchWindowOp(w, r, func(ref *actorsys.Ref, windowID string, reply chan error) bool {
		return ref.Send(desktopactor.CloseWindow{WindowID: windowID, ReplyTo: reply})
	})
}

func (s *Server) handleFocusWindow(w http.ResponseWriter, r *http.Request) {
	s.dispatchWindowOp(w, r, func(ref *actorsys.Ref, windowID string, reply chan error) bool {
		return ref.Send(desktopactor.FocusWindow{WindowID: windowID, ReplyTo: reply})
	})
}

func (s *Server) handleMinimizeWindow(w http.ResponseWriter, r *http.Request) {
	s.dispatchWindowOp(w, r, func(ref *actorsys.Ref, windowID string, reply chan error) bool {
		return ref.Send(desktopactor.MinimizeWindow{WindowID: windowID, ReplyTo: reply})
	})
}

func (s *Server) handleMaximizeWindow(w http.ResponseWriter, r *http.Request) {
	s.dispatchWindowOp(w, r, func(ref *actorsys.Ref, windowID string, reply chan error) bool {
		return ref.Send(desktopactor.MaximizeWindow{WindowID: windowID, ReplyTo: reply})
	})
}

func (s *Server) handleRestoreWindow(w http.ResponseWriter, r *http.Request) {
	s.dispatchWindowOp(w, r, func(ref *actorsys.Ref, windowID string, reply chan error) bool {
		return ref.Send(desktopactor.RestoreWindow{WindowID: windowID, ReplyTo: reply})
	})
}

type positionRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (s *Server) handleMoveWindow(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.dispatchWindowOp(w, r, func(ref *actorsys.Ref, windowID string, reply chan error) bool {
		return ref.Send(desktopactor.MoveWindow{WindowID: windowID, X: req.X, Y: req.Y, ReplyTo: reply})
	})
}

type resizeRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s *Server) handleResizeWindow(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.dispatchWindowOp(w, r, func(ref *actorsys.Ref, windowID string, reply chan error) bool {
		return ref.Send(desktopactor.ResizeWindow{WindowID: windowID, Width: req.Width, Height: req.Height, ReplyTo: reply})
	})
}

// dispatchWindowOp is the common send/await/respond shape every window
// mutation endpoint shares: resolve the desktop actor, send a message
// built by sendFn, await the error-only reply, and translate it to an
// HTTP response.
func (s *Server) dispatchWindowOp(w http.ResponseWriter, r *http.Request, sendFn func(ref *actorsys.Ref, windowID string, reply chan error) bool) {
	desktopID := r.PathValue("id")
	windowID := r.PathValue("wid")

	ref := s.desktops.ActorRef(r.Context(), desktopID)
	reply := make(chan error, 1)
	if !sendFn(ref, windowID, reply) {
		http.Error(w, "desktop actor unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := awaitErr(r.Context(), reply, s.rpcTimeout); err != nil {
		writeAppErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
