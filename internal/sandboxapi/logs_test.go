package sandboxapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/sandbox/internal/eventstore"
)

func TestHandleLogsEventsFiltersByTaskID(t *testing.T) {
	s := newTestServer(t)

	ctx := context.Background()
	_, err := s.store.Append(ctx, eventstore.AppendEvent{EventType: "conductor.task_started", RunID: "run-a"})
	require.NoError(t, err)
	_, err = s.store.Append(ctx, eventstore.AppendEvent{EventType: "conductor.task_started", RunID: "run-b"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/logs/events?task_id=run-a", nil)
	rr := httptest.NewRecorder()
	s.handleLogsEvents(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var events []eventstore.Event
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	require.Len(t, events, 1)
	require.Equal(t, "run-a", events[0].RunID)
}

func TestHandleLogsEventsRespectsLimit(t *testing.T) {
	s := newTestServer(t)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.store.Append(ctx, eventstore.AppendEvent{EventType: "conductor.task_started", RunID: "run-a"})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/logs/events?task_id=run-a&limit=2", nil)
	rr := httptest.NewRecorder()
	s.handleLogsEvents(rr, req)

	var events []eventstore.Event
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	require.Len(t, events, 2)
}
