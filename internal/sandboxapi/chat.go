package sandboxapi

import (
	"encoding/json"
	"net/http"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/chatactor"
)

type chatSendRequest struct {
	ActorID string `json:"actor_id"`
	UserID  string `json:"user_id"`
	Text    string `json:"text"`
}

// handleChatSend implements `POST /chat/send`.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ActorID == "" {
		http.Error(w, "actor_id is required", http.StatusBadRequest)
		return
	}

	ref := s.sup.GetOrCreate(r.Context(), "chat", req.ActorID, func() actorsys.Actor {
		return chatactor.New(req.ActorID, s.store)
	})

	reply := make(chan chatactor.SendResult, 1)
	if !ref.Send(chatactor.Send{UserID: req.UserID, Text: req.Text, ReplyTo: reply}) {
		http.Error(w, "chat actor unavailable", http.StatusServiceUnavailable)
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
	writeJSON(w, http.StatusOK, result.Message)
}

// handleChatMessages implements `GET /chat/{id}/messages`.
func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	actorID := r.PathValue("id")

	ref, ok := s.sup.Lookup("chat", actorID)
	if !ok {
		writeJSON(w, http.StatusOK, []chatactor.Message{})
		return
	}

	reply := make(chan []chatactor.Message, 1)
	if !ref.Send(chatactor.GetMessages{ReplyTo: reply}) {
		http.Error(w, "chat actor unavailable", http.StatusServiceUnavailable)
		return
	}

	messages, err := awaitChan(r.Context(), reply, s.rpcTimeout)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}
