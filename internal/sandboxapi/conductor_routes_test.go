package sandboxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/conductor"
	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/modelgateway"
)

type stubModelClient struct{}

func (stubModelClient) Complete(context.Context, modelgateway.Request) (*modelgateway.Response, error) {
	return &modelgateway.Response{Text: `{"dispatch_capabilities":["immediate_response"],"rationale":"test"}`}, nil
}

func newTestServerWithConductor(t *testing.T) *Server {
	t.Helper()
	sup := actorsys.NewSupervisor("root", nil)
	store := eventstore.NewMemory()
	cond := conductor.New(store, stubModelClient{}, stubDispatcher{}, []string{conductor.CapabilityImmediateResponse})
	provider := NewDesktopProvider(sup, store)
	return NewServer(sup, store, cond, nil, provider)
}

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(_ context.Context, capability, objective, runID, callID string, timeoutMs, maxSteps int) (conductor.CapabilityResult, error) {
	return conductor.CapabilityResult{Success: true, Summary: "done"}, nil
}

func TestHandleConductorExecuteThenGetRun(t *testing.T) {
	s := newTestServerWithConductor(t)

	body, _ := json.Marshal(executeRequest{Objective: "say hello"})
	req := httptest.NewRequest(http.MethodPost, "/conductor/execute", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.handleConductorExecute(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var run conductor.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &run))
	require.NotEmpty(t, run.RunID)

	getReq := httptest.NewRequest(http.MethodGet, "/conductor/tasks/"+run.RunID, nil)
	getReq.SetPathValue("id", run.RunID)
	getRR := httptest.NewRecorder()
	s.handleConductorGetRun(getRR, getReq)
	require.Equal(t, http.StatusOK, getRR.Code)
}

func TestHandleConductorGetRunUnknownIDReturns404(t *testing.T) {
	s := newTestServerWithConductor(t)

	req := httptest.NewRequest(http.MethodGet, "/conductor/runs/missing", nil)
	req.SetPathValue("id", "missing")
	rr := httptest.NewRecorder()
	s.handleConductorGetRun(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}
