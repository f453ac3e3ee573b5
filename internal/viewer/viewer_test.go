package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/writeractor"
)

func newTestHandler(t *testing.T, runID string) *Handler {
	t.Helper()
	sup := actorsys.NewSupervisor("root", nil)
	w := writeractor.New(runID, "objective", t.TempDir(), nil)
	sup.Spawn(context.Background(), "writer", runID, w)
	return New(sup)
}

func TestGetContentReturnsHeadVersion(t *testing.T) {
	h := newTestHandler(t, "run-1")

	req := httptest.NewRequest(http.MethodGet, "/viewer/content?uri=run-1", nil)
	rec := httptest.NewRecorder()
	h.GetContent(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp contentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "run-1", resp.URI)
}

func TestGetContentUnknownURIReturnsNotFound(t *testing.T) {
	h := newTestHandler(t, "run-1")

	req := httptest.NewRequest(http.MethodGet, "/viewer/content?uri=choir-run://missing", nil)
	rec := httptest.NewRecorder()
	h.GetContent(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchContentSavesAndBumpsRevision(t *testing.T) {
	h := newTestHandler(t, "run-1")

	body := strings.NewReader(`{"uri":"choir-run://run-1","base_rev":0,"content":"v2","window_id":"w1","user_id":"u1"}`)
	req := httptest.NewRequest(http.MethodPatch, "/viewer/content", body)
	rec := httptest.NewRecorder()
	h.PatchContent(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp contentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "v2", resp.Content)
	require.EqualValues(t, 1, resp.Revision)
}

func TestPatchContentStaleBaseRevReturnsConflict(t *testing.T) {
	h := newTestHandler(t, "run-1")

	first := strings.NewReader(`{"uri":"run-1","base_rev":0,"content":"v2"}`)
	req1 := httptest.NewRequest(http.MethodPatch, "/viewer/content", first)
	rec1 := httptest.NewRecorder()
	h.PatchContent(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	stale := strings.NewReader(`{"uri":"run-1","base_rev":0,"content":"stale"}`)
	req2 := httptest.NewRequest(http.MethodPatch, "/viewer/content", stale)
	rec2 := httptest.NewRecorder()
	h.PatchContent(rec2, req2)

	require.Equal(t, http.StatusConflict, rec2.Code)
	var resp conflictResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	require.Equal(t, "revision_conflict", resp.Error)
	require.Equal(t, "v2", resp.Latest.Content)
	require.EqualValues(t, 1, resp.Latest.Revision)
}

func TestRunIDFromURIStripsScheme(t *testing.T) {
	require.Equal(t, "run-1", runIDFromURI("choir-run://run-1"))
	require.Equal(t, "run-1", runIDFromURI("run-1"))
}
