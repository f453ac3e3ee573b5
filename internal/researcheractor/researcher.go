// Package researcheractor implements the Researcher Actor from spec.md
// §2/§6: an external search/fetch tool worker that emits
// research.task.{started,completed,failed} lifecycle events. Ported in
// shape from the teacher's internal/egg/client.go outbound-call pattern
// (context-bound HTTP call, error wrapped with %w, result logged) and
// internal/timeline/loop.go's "run, record outcome" dispatch shape.
package researcheractor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/apperr"
	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/logger"
)

// Fetcher performs the actual external lookup. The production
// implementation wraps an http.Client; tests supply a fake.
type Fetcher interface {
	Fetch(ctx context.Context, query string) (excerpt string, err error)
}

// HTTPFetcher is the default Fetcher: issues a GET against a configured
// search endpoint and returns the response body capped at a few KB.
type HTTPFetcher struct {
	Client      *http.Client
	SearchURL   string
	ExcerptSize int
}

func (f *HTTPFetcher) Fetch(ctx context.Context, query string) (string, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.SearchURL+"?q="+query, nil)
	if err != nil {
		return "", fmt.Errorf("build research request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("research fetch: %w", err)
	}
	defer resp.Body.Close()

	limit := f.ExcerptSize
	if limit <= 0 {
		limit = 4096
	}
	buf := make([]byte, limit)
	n, _ := resp.Body.Read(buf)
	return string(buf[:n]), nil
}

// RunTask is the Researcher actor's mailbox message: dispatch an
// external lookup correlated by CorrID.
type RunTask struct {
	Query      string
	CorrID     string
	RunID      string
	ActorID    string
	UserID     string
	TimeoutMs  int
}

// Researcher is a stateless worker: it holds only a Fetcher and an
// event store, because spec.md §3 gives it no persistent session state
// beyond the lifecycle events it emits.
type Researcher struct {
	ActorID string
	store   eventstore.Store
	fetch   Fetcher
}

func New(actorID string, store eventstore.Store, fetch Fetcher) *Researcher {
	return &Researcher{ActorID: actorID, store: store, fetch: fetch}
}

// Receive implements actorsys.Actor.
func (r *Researcher) Receive(ctx context.Context, msg actorsys.Msg) error {
	task, ok := msg.(RunTask)
	if !ok {
		return apperr.New(apperr.InvalidRequest, fmt.Sprintf("researcher: unknown message %T", msg))
	}
	return r.run(ctx, task)
}

func (r *Researcher) run(ctx context.Context, task RunTask) error {
	log := logger.Component("researcheractor").With("actor_id", r.ActorID, "corr_id", task.CorrID)

	r.store.AppendAsync(ctx, eventstore.AppendEvent{
		EventType: "research.task.started",
		ActorID:   r.ActorID,
		UserID:    task.UserID,
		RunID:     task.RunID,
		CorrID:    task.CorrID,
		Payload:   map[string]any{"query": task.Query},
	})

	timeout := time.Duration(task.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	excerpt, err := r.fetch.Fetch(runCtx, task.Query)
	if err != nil {
		log.Warn("research task failed", "error", err)
		r.store.AppendAsync(ctx, eventstore.AppendEvent{
			EventType: "research.task.failed",
			ActorID:   r.ActorID,
			UserID:    task.UserID,
			RunID:     task.RunID,
			CorrID:    task.CorrID,
			Payload:   map[string]any{"error": err.Error()},
		})
		r.store.AppendAsync(ctx, eventstore.AppendEvent{
			EventType: "tool.result",
			ActorID:   r.ActorID,
			UserID:    task.UserID,
			RunID:     task.RunID,
			CallID:    task.CorrID,
			CorrID:    task.CorrID,
			Payload: map[string]any{
				"corr_id": task.CorrID,
				"success": false,
				"error":   err.Error(),
			},
		})
		return nil
	}

	r.store.AppendAsync(ctx, eventstore.AppendEvent{
		EventType: "research.task.completed",
		ActorID:   r.ActorID,
		UserID:    task.UserID,
		RunID:     task.RunID,
		CorrID:    task.CorrID,
		Payload:   map[string]any{"output_excerpt": excerpt},
	})
	r.store.AppendAsync(ctx, eventstore.AppendEvent{
		EventType: "tool.result",
		ActorID:   r.ActorID,
		UserID:    task.UserID,
		RunID:     task.RunID,
		CallID:    task.CorrID,
		CorrID:    task.CorrID,
		Payload: map[string]any{
			"corr_id":        task.CorrID,
			"output_excerpt": excerpt,
			"success":        true,
		},
	})
	return nil
}
