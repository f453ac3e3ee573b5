package writerdoc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSeedsSystemBaseVersion(t *testing.T) {
	doc := New("write a report")
	require.Len(t, doc.Versions, 1)
	require.Equal(t, uint64(0), doc.HeadVersionID)
	head, ok := doc.HeadVersion()
	require.True(t, ok)
	require.Equal(t, SourceSystem, head.Source)
	require.Empty(t, head.Content)
}

func TestAppendVersionBumpsHeadAndIsDense(t *testing.T) {
	doc := New("objective")
	id1 := doc.AppendVersion("first draft", SourceWriter)
	require.Equal(t, uint64(1), id1)
	require.Equal(t, id1, doc.HeadVersionID)

	id2 := doc.AppendVersion("second draft", SourceUserSave)
	require.Equal(t, uint64(2), id2)

	head, ok := doc.HeadVersion()
	require.True(t, ok)
	require.Equal(t, "second draft", head.Content)
}

func TestMarkdownRendersObjectiveAndHeadContent(t *testing.T) {
	doc := New("Weekly status")
	doc.AppendVersion("Everything is green.", SourceWriter)

	md := doc.Markdown()
	require.Equal(t, "# Weekly status\n\nEverything is green.\n", md)
}

func TestMarkdownOmitsTrailingNewlineWhenContentEmpty(t *testing.T) {
	doc := New("Empty doc")
	require.Equal(t, "# Empty doc\n\n", doc.Markdown())
}

func TestParseLegacyMarkdownRecoversObjectiveAndCanonicalContent(t *testing.T) {
	input := "<!-- revision: 3 -->\n# Migration plan\n## Section A\nline one\nline two\n"

	doc, err := ParseLegacyMarkdown(input)
	require.NoError(t, err)
	require.Equal(t, "Migration plan", doc.Objective)
	require.Equal(t, uint64(1), doc.HeadVersionID)

	head, ok := doc.HeadVersion()
	require.True(t, ok)
	require.Equal(t, "line one\nline two", head.Content)
	require.Empty(t, doc.Overlays)
}

func TestParseLegacyMarkdownExtractsPendingProposalOverlay(t *testing.T) {
	input := "# Migration plan\ncanonical text\n<!-- proposal -->\nproposed change\n<!-- /proposal -->\n"

	doc, err := ParseLegacyMarkdown(input)
	require.NoError(t, err)
	require.Len(t, doc.Overlays, 1)

	overlay := doc.Overlays[0]
	require.Equal(t, KindProposal, overlay.Kind)
	require.Equal(t, StatusPending, overlay.Status)
	require.Equal(t, AuthorResearcher, overlay.Author)
	require.Equal(t, uint64(1), overlay.BaseVersionID)
	require.Len(t, overlay.DiffOps, 1)
	require.Contains(t, overlay.DiffOps[0].Text, "proposed change")
}

func TestParseLegacyMarkdownRejectsMissingObjective(t *testing.T) {
	_, err := ParseLegacyMarkdown("no heading here\njust text\n")
	require.Error(t, err)
}
