package sandboxapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/chatactor"
	"github.com/choiros/sandbox/internal/eventstore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sup := actorsys.NewSupervisor("root", nil)
	store := eventstore.NewMemory()
	provider := NewDesktopProvider(sup, store)
	return NewServer(sup, store, nil, nil, provider)
}

func TestHandleChatSendThenMessages(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(chatSendRequest{ActorID: "chat-1", UserID: "u1", Text: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/chat/send", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.handleChatSend(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var msg chatactor.Message
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &msg))
	require.Equal(t, "hello", msg.Text)
	require.NotEmpty(t, msg.ID)

	listReq := httptest.NewRequest(http.MethodGet, "/chat/chat-1/messages", nil)
	listReq.SetPathValue("id", "chat-1")
	listRR := httptest.NewRecorder()
	s.handleChatMessages(listRR, listReq)
	require.Equal(t, http.StatusOK, listRR.Code)

	var messages []chatactor.Message
	require.NoError(t, json.Unmarshal(listRR.Body.Bytes(), &messages))
	require.Len(t, messages, 1)
	require.Equal(t, "hello", messages[0].Text)
}

func TestHandleChatMessagesUnknownActorReturnsEmptyList(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/chat/missing/messages", nil)
	req.SetPathValue("id", "missing")
	rr := httptest.NewRecorder()
	s.handleChatMessages(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, "[]", rr.Body.String())
}

func TestHandleChatSendRejectsMissingActorID(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(chatSendRequest{Text: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/chat/send", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.handleChatSend(rr, req)
	require.NotEqual(t, http.StatusOK, rr.Code)
}
