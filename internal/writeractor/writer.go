// Package writeractor implements the Writer Actor from spec.md §4.6:
// one actor per run_id, owning a RunDocument plus a monotonic revision,
// applying patches/proposals with optimistic concurrency, persisting
// atomically, and broadcasting writer.document_updated events. Document
// types are ported structurally from original_source's state.rs via
// internal/writerdoc; persistence follows the teacher's os.WriteFile
// convention in internal/config/config.go, generalized to an atomic
// tmpfile+rename so a crash mid-write never corrupts draft.md.
package writeractor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/apperr"
	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/logger"
	"github.com/choiros/sandbox/internal/writerdoc"
)

// ApplyPatch is the mailbox message for spec.md §4.6's ApplyPatch RPC.
type ApplyPatch struct {
	RunID    string
	Source   writerdoc.VersionSource
	Content  string
	Proposal bool
	Author   writerdoc.OverlayAuthor
	ReplyTo  chan ApplyPatchResult
}

type ApplyPatchResult struct {
	Revision uint64
	Err      error
}

// AppendLogLine appends a line (newline-separated) to the head
// content as a new document version; bumps revision.
type AppendLogLine struct {
	Line    string
	ReplyTo chan ApplyPatchResult
}

// CommitProposal applies a pending overlay's diff onto a new head
// version and marks it Applied.
type CommitProposal struct {
	OverlayID string
	ReplyTo   chan ApplyPatchResult
}

// DiscardProposal marks a pending overlay Discarded without applying
// it. Still bumps revision because persisted state changes.
type DiscardProposal struct {
	OverlayID string
	ReplyTo   chan ApplyPatchResult
}

// ReportSectionProgress is advisory: it writes an event only, never
// mutates the document, never bumps revision (spec.md §4.6).
type ReportSectionProgress struct {
	SectionID string
	Progress  string
}

// GetDocument / GetRevision are read RPCs.
type GetDocument struct{ ReplyTo chan *writerdoc.RunDocument }
type GetRevision struct{ ReplyTo chan uint64 }

// PatchViewerContent is spec.md §4.6's optimistic-concurrency viewer
// save: if BaseRev != current revision, the call returns Conflict with
// the current state and does not mutate.
type PatchViewerContent struct {
	BaseRev  uint64
	Content  string
	WindowID string
	UserID   string
	ReplyTo  chan PatchViewerResult
}

type PatchViewerResult struct {
	Conflict bool
	Revision uint64
	Content  string
	Err      error
}

// Writer owns exactly one run's RunDocument. The registry in
// internal/actorsys (keyed run_id -> *actorsys.Ref) enforces that only
// one Writer actor exists per run_id (spec.md invariant 4).
type Writer struct {
	RunID string

	mu       sync.Mutex
	document *writerdoc.RunDocument
	revision uint64

	runRoot string
	store   eventstore.Store
}

// New constructs a Writer for runID rooted at runRoot (documents are
// persisted under <runRoot>/<run_id>/draft.md + draft.meta.json).
func New(runID, objective, runRoot string, store eventstore.Store) *Writer {
	return &Writer{
		RunID:    runID,
		document: writerdoc.New(objective),
		runRoot:  runRoot,
		store:    store,
	}
}

// Receive implements actorsys.Actor. Every branch is a single mailbox
// handler, so no additional locking is needed beyond mu guarding fields
// also read by read-only RPCs from other goroutines — actorsys itself
// guarantees only one Receive runs at a time, but GetDocument/
// GetRevision replies are read directly by callers outside the mailbox
// in some call sites, hence mu.
func (w *Writer) Receive(ctx context.Context, msg actorsys.Msg) error {
	switch m := msg.(type) {
	case ApplyPatch:
		rev, err := w.applyPatch(ctx, m)
		reply(m.ReplyTo, ApplyPatchResult{Revision: rev, Err: err})
		return err
	case AppendLogLine:
		rev, err := w.appendLogLine(ctx, m.Line)
		reply(m.ReplyTo, ApplyPatchResult{Revision: rev, Err: err})
		return err
	case CommitProposal:
		rev, err := w.commitProposal(ctx, m.OverlayID)
		reply(m.ReplyTo, ApplyPatchResult{Revision: rev, Err: err})
		return err
	case DiscardProposal:
		rev, err := w.discardProposal(ctx, m.OverlayID)
		reply(m.ReplyTo, ApplyPatchResult{Revision: rev, Err: err})
		return err
	case ReportSectionProgress:
		w.reportProgress(ctx, m)
		return nil
	case GetDocument:
		w.mu.Lock()
		doc := w.document
		w.mu.Unlock()
		reply(m.ReplyTo, doc)
		return nil
	case GetRevision:
		w.mu.Lock()
		rev := w.revision
		w.mu.Unlock()
		reply(m.ReplyTo, rev)
		return nil
	case PatchViewerContent:
		result := w.patchViewerContent(ctx, m)
		reply(m.ReplyTo, result)
		return result.Err
	default:
		return apperr.New(apperr.InvalidRequest, fmt.Sprintf("writer: unknown message %T", msg))
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

func (w *Writer) applyPatch(ctx context.Context, m ApplyPatch) (uint64, error) {
	if m.RunID != "" && m.RunID != w.RunID {
		return 0, apperr.New(apperr.InvalidRequest, "writer: run_id mismatch")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if m.Proposal {
		w.document.Overlays = append(w.document.Overlays, writerdoc.Overlay{
			OverlayID:     fmt.Sprintf("ovl-%d", len(w.document.Overlays)+1),
			BaseVersionID: w.document.HeadVersionID,
			Author:        m.Author,
			Kind:          writerdoc.KindProposal,
			DiffOps:       []writerdoc.PatchOp{{Op: "insert", Text: m.Content}},
			Status:        writerdoc.StatusPending,
		})
	} else {
		w.document.AppendVersion(m.Content, m.Source)
	}

	return w.bumpAndPersist(ctx, "writer.document_updated")
}

func (w *Writer) appendLogLine(ctx context.Context, line string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	current, _ := w.document.HeadVersion()
	next := current.Content
	if next != "" {
		next += "\n"
	}
	next += line
	w.document.AppendVersion(next, writerdoc.SourceWriter)
	return w.bumpAndPersist(ctx, "writer.document_updated")
}

func (w *Writer) commitProposal(ctx context.Context, overlayID string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	overlay, ok := w.document.GetOverlay(overlayID)
	if !ok {
		return 0, apperr.New(apperr.NotFound, "writer: overlay not found: "+overlayID)
	}
	base, _ := w.document.GetVersion(overlay.BaseVersionID)
	content := base.Content
	for _, op := range overlay.DiffOps {
		if op.Op == "insert" {
			content += op.Text
		}
	}
	w.document.AppendVersion(content, writerdoc.SourceWriter)
	overlay.Status = writerdoc.StatusApplied

	return w.bumpAndPersist(ctx, "writer.document_updated")
}

func (w *Writer) discardProposal(ctx context.Context, overlayID string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	overlay, ok := w.document.GetOverlay(overlayID)
	if !ok {
		return 0, apperr.New(apperr.NotFound, "writer: overlay not found: "+overlayID)
	}
	overlay.Status = writerdoc.StatusDiscarded

	// Discard still bumps revision: persisted state changed, per
	// spec.md §4.6.
	return w.bumpAndPersist(ctx, "writer.document_updated")
}

func (w *Writer) reportProgress(ctx context.Context, m ReportSectionProgress) {
	if w.store == nil {
		return
	}
	w.store.AppendAsync(ctx, eventstore.AppendEvent{
		EventType: "writer.delegation.progress",
		RunID:     w.RunID,
		Payload:   map[string]any{"section_id": m.SectionID, "progress": m.Progress},
	})
}

func (w *Writer) patchViewerContent(ctx context.Context, m PatchViewerContent) PatchViewerResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if m.BaseRev != w.revision {
		head, _ := w.document.HeadVersion()
		return PatchViewerResult{
			Conflict: true,
			Revision: w.revision,
			Content:  head.Content,
			Err:      apperr.New(apperr.RevisionConflict, "writer: stale base_rev, viewer content was modified concurrently"),
		}
	}

	w.document.AppendVersion(m.Content, writerdoc.SourceUserSave)
	rev, err := w.bumpAndPersist(ctx, "viewer.content_saved")
	return PatchViewerResult{Revision: rev, Content: m.Content, Err: err}
}

// bumpAndPersist must be called with mu held. It increments revision,
// persists atomically, and emits the given event type on success. On
// I/O error the mutation already happened in memory per the spec's
// "bump only after successful write" rule — to honor that we persist
// BEFORE incrementing revision; the append already mutated the
// document above, which is acceptable because document mutation and
// revision-bump are two separate invariants (spec.md §9: "the in-memory
// revision is bumped only after a successful write").
func (w *Writer) bumpAndPersist(ctx context.Context, eventType string) (uint64, error) {
	if err := w.persist(); err != nil {
		return w.revision, apperr.Wrap(apperr.FileError, "persist run document", err)
	}
	w.revision++

	if w.store != nil {
		w.store.AppendAsync(ctx, eventstore.AppendEvent{
			EventType: eventType,
			RunID:     w.RunID,
			Payload:   map[string]any{"revision": w.revision},
		})
	}
	logger.Component("writeractor").Debug("revision bumped", "run_id", w.RunID, "revision", w.revision)
	return w.revision, nil
}

// persist writes draft.md + draft.meta.json atomically: write to a
// ".tmp" sibling, then os.Rename over the destination — the rename is
// the commit point (spec.md §9).
func (w *Writer) persist() error {
	if w.runRoot == "" {
		return nil
	}
	dir := filepath.Join(w.runRoot, w.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir run dir: %w", err)
	}

	if err := atomicWrite(filepath.Join(dir, "draft.md"), []byte(w.document.Markdown())); err != nil {
		return fmt.Errorf("write draft.md: %w", err)
	}

	meta := struct {
		Objective     string              `json:"objective"`
		HeadVersionID uint64              `json:"head_version_id"`
		Overlays      []writerdoc.Overlay `json:"overlays"`
	}{
		Objective:     w.document.Objective,
		HeadVersionID: w.document.HeadVersionID,
		Overlays:      w.document.Overlays,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal draft.meta.json: %w", err)
	}
	if err := atomicWrite(filepath.Join(dir, "draft.meta.json"), metaBytes); err != nil {
		return fmt.Errorf("write draft.meta.json: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
