package writeractor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/writerdoc"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) (*Writer, *eventstore.MemoryStore) {
	t.Helper()
	store := eventstore.NewMemory()
	root := t.TempDir()
	w := New("r-1", "objective", root, store)
	return w, store
}

func TestRevisionMonotonicityAcrossFiveAppends(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ch := make(chan ApplyPatchResult, 1)
		err := w.Receive(ctx, ApplyPatch{RunID: "r-1", Content: "line", Source: writerdoc.SourceWriter, ReplyTo: ch})
		require.NoError(t, err)
		result := <-ch
		require.NoError(t, result.Err)
		require.Equal(t, uint64(i), result.Revision)
	}

	revCh := make(chan uint64, 1)
	require.NoError(t, w.Receive(ctx, GetRevision{ReplyTo: revCh}))
	require.Equal(t, uint64(5), <-revCh)
}

func TestApplyPatchRejectsMismatchedRunID(t *testing.T) {
	w, _ := newTestWriter(t)
	ch := make(chan ApplyPatchResult, 1)
	err := w.Receive(context.Background(), ApplyPatch{RunID: "other-run", Content: "x", ReplyTo: ch})
	require.Error(t, err)

	revCh := make(chan uint64, 1)
	require.NoError(t, w.Receive(context.Background(), GetRevision{ReplyTo: revCh}))
	require.Equal(t, uint64(0), <-revCh, "rejected patch has no side effect")
}

func TestReportSectionProgressDoesNotBumpRevision(t *testing.T) {
	w, store := newTestWriter(t)
	ctx := context.Background()

	require.NoError(t, w.Receive(ctx, ReportSectionProgress{SectionID: "s1", Progress: "50%"}))

	revCh := make(chan uint64, 1)
	require.NoError(t, w.Receive(ctx, GetRevision{ReplyTo: revCh}))
	require.Equal(t, uint64(0), <-revCh)

	events, err := store.GetRecentEvents(ctx, 0, 0, "writer.delegation.progress", "", "")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestPatchViewerContentConflictOnStaleBaseRev(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	first := make(chan PatchViewerResult, 1)
	require.NoError(t, w.Receive(ctx, PatchViewerContent{BaseRev: 0, Content: "v2", ReplyTo: first}))
	r1 := <-first
	require.False(t, r1.Conflict)
	require.Equal(t, uint64(1), r1.Revision)

	second := make(chan PatchViewerResult, 1)
	err := w.Receive(ctx, PatchViewerContent{BaseRev: 0, Content: "stale", ReplyTo: second})
	require.Error(t, err)
	r2 := <-second
	require.True(t, r2.Conflict)
	require.Equal(t, uint64(1), r2.Revision)
	require.Equal(t, "v2", r2.Content)
}

func TestPersistWritesAtomicallyViaRename(t *testing.T) {
	w, _ := newTestWriter(t)
	ch := make(chan ApplyPatchResult, 1)
	require.NoError(t, w.Receive(context.Background(), ApplyPatch{RunID: "r-1", Content: "hello", ReplyTo: ch}))
	<-ch

	draftPath := filepath.Join(w.runRoot, "r-1", "draft.md")
	data, err := os.ReadFile(draftPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")

	_, err = os.Stat(draftPath + ".tmp")
	require.True(t, os.IsNotExist(err), "tmp file should not survive a successful rename")
}

func TestCommitProposalAppliesOverlayAndDiscardStillBumpsRevision(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	patchCh := make(chan ApplyPatchResult, 1)
	require.NoError(t, w.Receive(ctx, ApplyPatch{
		RunID: "r-1", Content: "proposed addition", Proposal: true,
		Author: writerdoc.AuthorResearcher, ReplyTo: patchCh,
	}))
	<-patchCh

	docCh := make(chan *writerdoc.RunDocument, 1)
	require.NoError(t, w.Receive(ctx, GetDocument{ReplyTo: docCh}))
	doc := <-docCh
	require.Len(t, doc.Overlays, 1)
	overlayID := doc.Overlays[0].OverlayID

	commitCh := make(chan ApplyPatchResult, 1)
	require.NoError(t, w.Receive(ctx, CommitProposal{OverlayID: overlayID, ReplyTo: commitCh}))
	result := <-commitCh
	require.NoError(t, result.Err)
	require.Greater(t, result.Revision, uint64(0))
}
