// Package chatactor implements the Chat Actor named in spec.md §4.4's
// supervision tree ("ChatSupervisor (per actor_id)") but left otherwise
// unspecified — spec.md gives Chat no dedicated operations/invariants
// subsection the way Terminal (§4.5) and Writer (§4.6) get, only the
// two HTTP endpoints in §6 (`POST /chat/send`, `GET /chat/{id}/messages`).
// This actor is deliberately the thinnest actor in the tree: an
// append-only per-actor_id message log, no revision/overlay machinery,
// ported in mailbox shape from internal/writeractor/writer.go and
// generalized down to the simplest case the teacher's pattern supports.
package chatactor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/apperr"
	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/logger"
)

// Message is one chat turn recorded against an actor_id.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Send is the mailbox message for `POST /chat/send`.
type Send struct {
	UserID  string
	Text    string
	ReplyTo chan SendResult
}

type SendResult struct {
	Message Message
	Err     error
}

// GetMessages is the mailbox message for `GET /chat/{id}/messages`.
type GetMessages struct {
	ReplyTo chan []Message
}

// Chat is the per-actor_id Chat Actor.
type Chat struct {
	ActorID string

	mu       sync.Mutex
	messages []Message

	store eventstore.Store
}

// New constructs a Chat actor. store may be nil in tests.
func New(actorID string, store eventstore.Store) *Chat {
	return &Chat{ActorID: actorID, store: store}
}

func reply[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// Receive dispatches mailbox messages (actorsys.Actor).
func (c *Chat) Receive(ctx context.Context, msg actorsys.Msg) error {
	switch m := msg.(type) {
	case Send:
		reply(m.ReplyTo, c.send(ctx, m))
		return nil
	case GetMessages:
		reply(m.ReplyTo, c.snapshot())
		return nil
	default:
		return apperr.New(apperr.InvalidRequest, "chatactor: unknown message type")
	}
}

func (c *Chat) send(ctx context.Context, m Send) SendResult {
	if m.Text == "" {
		return SendResult{Err: apperr.New(apperr.InvalidRequest, "chatactor: text is required")}
	}

	msg := Message{
		ID:        uuid.NewString(),
		UserID:    m.UserID,
		Text:      m.Text,
		CreatedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	if c.store != nil {
		c.store.AppendAsync(ctx, eventstore.AppendEvent{
			EventType: "chat.message_sent",
			ActorID:   c.ActorID,
			UserID:    m.UserID,
			Payload: map[string]any{
				"message_id": msg.ID,
				"text":       msg.Text,
			},
		})
	}

	logger.Component("chatactor").Debug("message sent", "actor_id", c.ActorID, "message_id", msg.ID)
	return SendResult{Message: msg}
}

func (c *Chat) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}
