// Package viewer implements the Viewer/Document HTTP API from spec.md
// §6: `GET /viewer/content?uri=` and `PATCH /viewer/content` are a thin
// HTTP adapter over the per-run Writer actor's PatchViewerContent/
// GetDocument RPCs (spec.md §4.6) — the uri identifies which run's
// document a window is viewing. This package owns only the HTTP
// plumbing and uri→run_id resolution; all revision/conflict semantics
// live in internal/writeractor, already wired to emit
// viewer.content_saved on success.
package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/apperr"
	"github.com/choiros/sandbox/internal/logger"
	"github.com/choiros/sandbox/internal/writeractor"
	"github.com/choiros/sandbox/internal/writerdoc"
)

// uriScheme is the Viewer API's own addressing convention: a uri of the
// form "choir-run://<run_id>" names the Writer actor owning that run's
// document. A uri with no recognized scheme is treated as a bare
// run_id, so a caller may pass either form.
const uriScheme = "choir-run://"

func runIDFromURI(uri string) string {
	if strings.HasPrefix(uri, uriScheme) {
		return strings.TrimPrefix(uri, uriScheme)
	}
	return uri
}

// WriterLookup resolves a run_id to its live Writer actor ref, per the
// actorsys registry convention (kind:id, here "writer":run_id).
type WriterLookup interface {
	Lookup(kind, id string) (*actorsys.Ref, bool)
}

// Handler serves the Viewer HTTP API.
type Handler struct {
	lookup  WriterLookup
	timeout time.Duration
}

const defaultRPCTimeout = 5 * time.Second

// New constructs a Handler.
func New(lookup WriterLookup) *Handler {
	return &Handler{lookup: lookup, timeout: defaultRPCTimeout}
}

type contentResponse struct {
	URI      string `json:"uri"`
	Content  string `json:"content"`
	Revision uint64 `json:"revision"`
}

// GetContent implements `GET /viewer/content?uri=`.
func (h *Handler) GetContent(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		http.Error(w, "uri is required", http.StatusBadRequest)
		return
	}

	ref, ok := h.lookup.Lookup("writer", runIDFromURI(uri))
	if !ok {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	reply := make(chan *writerdoc.RunDocument, 1)
	if !ref.Send(writeractor.GetDocument{ReplyTo: reply}) {
		http.Error(w, "writer actor unavailable", http.StatusServiceUnavailable)
		return
	}

	doc, err := awaitDocumentReply(r.Context(), reply, h.timeout)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if doc == nil {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	revReply := make(chan uint64, 1)
	if !ref.Send(writeractor.GetRevision{ReplyTo: revReply}) {
		http.Error(w, "writer actor unavailable", http.StatusServiceUnavailable)
		return
	}
	var rev uint64
	select {
	case rev = <-revReply:
	case <-time.After(h.timeout):
		writeAppErr(w, apperr.New(apperr.Timeout, "viewer: writer actor did not reply in time"))
		return
	}

	head, _ := doc.HeadVersion()
	writeJSON(w, http.StatusOK, contentResponse{URI: uri, Content: head.Content, Revision: rev})
}

func awaitDocumentReply(ctx context.Context, reply chan *writerdoc.RunDocument, timeout time.Duration) (*writerdoc.RunDocument, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case doc := <-reply:
		return doc, nil
	case <-timeoutCtx.Done():
		return nil, apperr.New(apperr.Timeout, "viewer: writer actor did not reply in time")
	}
}

type patchRequest struct {
	URI      string `json:"uri"`
	BaseRev  uint64 `json:"base_rev"`
	Content  string `json:"content"`
	WindowID string `json:"window_id"`
	UserID   string `json:"user_id"`
}

type conflictResponse struct {
	Error  string       `json:"error"`
	Latest latestFields `json:"latest"`
}
type latestFields struct {
	Content  string `json:"content"`
	Revision uint64 `json:"revision"`
}

// PatchContent implements `PATCH /viewer/content`: optimistic
// concurrency save, 409 on stale base_rev (spec.md invariant 5).
func (h *Handler) PatchContent(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.URI == "" {
		http.Error(w, "uri is required", http.StatusBadRequest)
		return
	}

	ref, ok := h.lookup.Lookup("writer", runIDFromURI(req.URI))
	if !ok {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	reply := make(chan writeractor.PatchViewerResult, 1)
	sent := ref.Send(writeractor.PatchViewerContent{
		BaseRev:  req.BaseRev,
		Content:  req.Content,
		WindowID: req.WindowID,
		UserID:   req.UserID,
		ReplyTo:  reply,
	})
	if !sent {
		http.Error(w, "writer actor unavailable", http.StatusServiceUnavailable)
		return
	}

	result, err := awaitPatchReply(r.Context(), reply, h.timeout)
	if err != nil {
		writeAppErr(w, err)
		return
	}

	if result.Conflict {
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:  "revision_conflict",
			Latest: latestFields{Content: result.Content, Revision: result.Revision},
		})
		return
	}
	if result.Err != nil {
		writeAppErr(w, result.Err)
		return
	}
	writeJSON(w, http.StatusOK, contentResponse{URI: req.URI, Content: result.Content, Revision: result.Revision})
}

func awaitPatchReply(ctx context.Context, reply chan writeractor.PatchViewerResult, timeout time.Duration) (writeractor.PatchViewerResult, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case result := <-reply:
		return result, nil
	case <-timeoutCtx.Done():
		return writeractor.PatchViewerResult{}, apperr.New(apperr.Timeout, "viewer: writer actor did not reply in time")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAppErr(w http.ResponseWriter, err error) {
	logger.Component("viewer").Error("request failed", "error", err)
	http.Error(w, err.Error(), apperr.HTTPStatus(apperr.KindOf(err)))
}
