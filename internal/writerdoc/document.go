// Package writerdoc implements the RunDocument data model from
// spec.md §3/§4.6, ported structurally from original_source's
// sandbox/src/actors/writer/document_runtime/state.rs (DocumentVersion,
// Overlay, OverlayStatus, next_version_id, to_markdown,
// from_legacy_markdown) into Go value types with json tags.
package writerdoc

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VersionSource identifies who produced a DocumentVersion.
type VersionSource string

const (
	SourceWriter   VersionSource = "writer"
	SourceUserSave VersionSource = "user_save"
	SourceSystem   VersionSource = "system"
)

// OverlayAuthor identifies which capability proposed an Overlay.
type OverlayAuthor string

const (
	AuthorUser       OverlayAuthor = "user"
	AuthorResearcher OverlayAuthor = "researcher"
	AuthorTerminal   OverlayAuthor = "terminal"
	AuthorWriter     OverlayAuthor = "writer"
)

// OverlayKind classifies the overlay's intent.
type OverlayKind string

const (
	KindComment          OverlayKind = "comment"
	KindProposal         OverlayKind = "proposal"
	KindWorkerCompletion OverlayKind = "worker_completion"
)

// OverlayStatus is the overlay's lifecycle state.
type OverlayStatus string

const (
	StatusPending    OverlayStatus = "pending"
	StatusSuperseded OverlayStatus = "superseded"
	StatusApplied    OverlayStatus = "applied"
	StatusDiscarded  OverlayStatus = "discarded"
)

// PatchOp is one operation in an overlay's diff. Only Insert is
// produced, by the legacy-migration parser below and by
// internal/writeractor, and committing a proposal applies
// only insert ops; replace and delete ops are not applied, and ops
// carry no section_id.
type PatchOp struct {
	Op   string `json:"op"` // "insert" | "replace" | "delete"
	Pos  int    `json:"pos,omitempty"`
	Text string `json:"text,omitempty"`
}

// DocumentVersion is one immutable snapshot of document content.
// version_ids are dense: a new document starts from 0 (the
// System-seeded empty base); ParseLegacyMarkdown starts from 1.
type DocumentVersion struct {
	VersionID       uint64        `json:"version_id"`
	CreatedAt       time.Time     `json:"created_at"`
	Source          VersionSource `json:"source"`
	Content         string        `json:"content"`
	ParentVersionID *uint64       `json:"parent_version_id,omitempty"`
}

// Overlay is a not-yet-applied proposal against a specific base version.
type Overlay struct {
	OverlayID     string        `json:"overlay_id"`
	BaseVersionID uint64        `json:"base_version_id"`
	Author        OverlayAuthor `json:"author"`
	Kind          OverlayKind   `json:"kind"`
	DiffOps       []PatchOp     `json:"diff_ops"`
	Status        OverlayStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}

// RunDocument is the versioned document owned by exactly one Writer
// actor per run_id (spec.md §3).
type RunDocument struct {
	Objective     string            `json:"objective"`
	Versions      []DocumentVersion `json:"versions"`
	Overlays      []Overlay         `json:"overlays"`
	HeadVersionID uint64            `json:"head_version_id"`
}

// New constructs a document with the System-seeded empty base version
// (version_id 0), matching original_source's Default impl.
func New(objective string) *RunDocument {
	now := time.Now().UTC()
	return &RunDocument{
		Objective: objective,
		Versions: []DocumentVersion{{
			VersionID: 0,
			CreatedAt: now,
			Source:    SourceSystem,
			Content:   "",
		}},
		HeadVersionID: 0,
	}
}

// HeadVersion returns the version currently marked canonical.
func (d *RunDocument) HeadVersion() (DocumentVersion, bool) {
	return d.GetVersion(d.HeadVersionID)
}

// GetVersion looks up a version by id.
func (d *RunDocument) GetVersion(id uint64) (DocumentVersion, bool) {
	for _, v := range d.Versions {
		if v.VersionID == id {
			return v, true
		}
	}
	return DocumentVersion{}, false
}

// GetOverlay looks up an overlay by id.
func (d *RunDocument) GetOverlay(id string) (*Overlay, bool) {
	for i := range d.Overlays {
		if d.Overlays[i].OverlayID == id {
			return &d.Overlays[i], true
		}
	}
	return nil, false
}

// NextVersionID returns the next dense version_id (max existing + 1).
func (d *RunDocument) NextVersionID() uint64 {
	var max uint64
	for _, v := range d.Versions {
		if v.VersionID > max {
			max = v.VersionID
		}
	}
	return max + 1
}

// AppendVersion adds a new head version derived from parent, returning
// its id.
func (d *RunDocument) AppendVersion(content string, source VersionSource) uint64 {
	id := d.NextVersionID()
	parent := d.HeadVersionID
	d.Versions = append(d.Versions, DocumentVersion{
		VersionID:       id,
		CreatedAt:       time.Now().UTC(),
		Source:          source,
		Content:         content,
		ParentVersionID: &parent,
	})
	d.HeadVersionID = id
	return id
}

// Markdown renders the canonical single-section view: objective as H1
// plus the head version's content, matching original_source's
// to_markdown exactly (trimmed content, trailing newline only if
// non-empty).
func (d *RunDocument) Markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", d.Objective)
	if head, ok := d.HeadVersion(); ok {
		trimmed := strings.TrimSpace(head.Content)
		if trimmed != "" {
			sb.WriteString(trimmed)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// ParseLegacyMarkdown recovers a RunDocument from the pre-overlay flat
// markdown format used before draft.meta.json existed: an H1 objective
// line, `<!-- revision: N -->` comments (ignored), and
// `<!-- proposal --> ... <!-- /proposal -->` markers delimiting content
// that becomes a single pending Proposal overlay. Ported from
// original_source's RunDocument::from_legacy_markdown. No package in
// this module calls it; the writer actor does not load documents from
// disk.
func ParseLegacyMarkdown(md string) (*RunDocument, error) {
	var objective string
	var canonicalLines, proposalLines []string
	inProposal := false

	for _, raw := range strings.Split(md, "\n") {
		line := strings.TrimRight(raw, " \t\r")
		switch {
		case strings.HasPrefix(line, "<!-- revision:"):
			continue
		case strings.HasPrefix(line, "# "):
			objective = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			continue
		case strings.TrimSpace(line) == "<!-- proposal -->":
			inProposal = true
			continue
		case strings.TrimSpace(line) == "<!-- /proposal -->":
			inProposal = false
			continue
		case strings.HasPrefix(line, "## "):
			continue
		}
		if inProposal {
			proposalLines = append(proposalLines, line)
		} else {
			canonicalLines = append(canonicalLines, line)
		}
	}

	if strings.TrimSpace(objective) == "" {
		return nil, fmt.Errorf("parse legacy markdown: missing document objective")
	}

	canonical := strings.TrimSpace(strings.Join(canonicalLines, "\n"))
	now := time.Now().UTC()
	doc := &RunDocument{
		Objective: objective,
		Versions: []DocumentVersion{{
			VersionID: 1,
			CreatedAt: now,
			Source:    SourceSystem,
			Content:   canonical,
		}},
		HeadVersionID: 1,
	}

	proposal := strings.TrimSpace(strings.Join(proposalLines, "\n"))
	if proposal != "" {
		prefix := ""
		if canonical != "" {
			prefix = "\n\n"
		}
		doc.Overlays = append(doc.Overlays, Overlay{
			OverlayID:     uuid.NewString(),
			BaseVersionID: 1,
			Author:        AuthorResearcher,
			Kind:          KindProposal,
			DiffOps: []PatchOp{{
				Op:   "insert",
				Pos:  len([]rune(canonical)),
				Text: prefix + proposal,
			}},
			Status:    StatusPending,
			CreatedAt: now,
		})
	}

	return doc, nil
}
