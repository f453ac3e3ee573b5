package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/sandbox/internal/eventstore"
)

type fakeDispatcher struct {
	toolCorrID   string
	fanOutCorrID string
	calls        []ToolCall
	branches     []Branch
}

func (f *fakeDispatcher) DispatchToolCall(_ context.Context, _ string, call ToolCall) (string, error) {
	f.calls = append(f.calls, call)
	return f.toolCorrID, nil
}

func (f *fakeDispatcher) DispatchFanOut(_ context.Context, _ string, branch Branch) (string, error) {
	f.branches = append(f.branches, branch)
	return f.fanOutCorrID, nil
}

func TestRunTurnToolCallsSuspendsAndCheckpoints(t *testing.T) {
	store := eventstore.NewMemory()
	dispatcher := &fakeDispatcher{toolCorrID: "corr-1"}
	h := New("run-1", "actor-1", ProfileDefault, store, nil, dispatcher)

	suspended, err := h.RunTurn(context.Background(), "do the thing", func(_ context.Context, cp checkpointState) (Decision, error) {
		require.Equal(t, 0, cp.TurnNumber)
		return Decision{
			Action:        ActionToolCalls,
			ToolCalls:     []ToolCall{{Capability: "terminal", Objective: "run ls"}},
			WorkingMemory: "waiting on ls",
		}, nil
	})
	require.NoError(t, err)
	require.True(t, suspended)
	require.Len(t, dispatcher.calls, 1)

	cp, err := h.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, cp.TurnNumber)
	require.Len(t, cp.PendingReplies, 1)
	require.Equal(t, "corr-1", cp.PendingReplies[0].CorrID)
}

func TestRunTurnFinishTerminates(t *testing.T) {
	store := eventstore.NewMemory()
	h := New("run-2", "actor-1", ProfileDefault, store, nil, nil)

	suspended, err := h.RunTurn(context.Background(), "objective", func(_ context.Context, _ checkpointState) (Decision, error) {
		return Decision{Action: ActionFinish, FinishSummary: "done"}, nil
	})
	require.NoError(t, err)
	require.False(t, suspended)

	cp, err := h.Recover(context.Background())
	require.NoError(t, err)
	require.Len(t, cp.TurnSummaries, 1)
	require.Equal(t, "done", cp.TurnSummaries[0].Summary)
}

func TestRunTurnBlockTerminatesWithReason(t *testing.T) {
	store := eventstore.NewMemory()
	h := New("run-3", "actor-1", ProfileDefault, store, nil, nil)

	suspended, err := h.RunTurn(context.Background(), "objective", func(_ context.Context, _ checkpointState) (Decision, error) {
		return Decision{Action: ActionBlock, BlockReason: "missing credentials"}, nil
	})
	require.NoError(t, err)
	require.False(t, suspended)

	cp, err := h.Recover(context.Background())
	require.NoError(t, err)
	require.Contains(t, cp.TurnSummaries[0].Summary, "missing credentials")
}

func TestRunTurnRecoversFromPriorCheckpoint(t *testing.T) {
	store := eventstore.NewMemory()
	h := New("run-4", "actor-1", ProfileDefault, store, nil, &fakeDispatcher{toolCorrID: "c-1"})

	_, err := h.RunTurn(context.Background(), "objective", func(_ context.Context, _ checkpointState) (Decision, error) {
		return Decision{Action: ActionToolCalls, ToolCalls: []ToolCall{{Capability: "terminal"}}}, nil
	})
	require.NoError(t, err)

	sawTurnTwo := false
	_, err = h.RunTurn(context.Background(), "objective", func(_ context.Context, cp checkpointState) (Decision, error) {
		require.Equal(t, 1, cp.TurnNumber)
		require.Len(t, cp.PendingReplies, 1)
		sawTurnTwo = true
		return Decision{Action: ActionFinish, FinishSummary: "wrapped up"}, nil
	})
	require.NoError(t, err)
	require.True(t, sawTurnTwo)
}

func TestRunTurnRejectsUnknownAction(t *testing.T) {
	store := eventstore.NewMemory()
	h := New("run-5", "actor-1", ProfileDefault, store, nil, nil)

	_, err := h.RunTurn(context.Background(), "objective", func(_ context.Context, _ checkpointState) (Decision, error) {
		return Decision{Action: ActionKind("nonsense")}, nil
	})
	require.Error(t, err)
}

func TestResolveSourcePrefersHarnessResultThenToolResult(t *testing.T) {
	store := eventstore.NewMemory()
	h := New("run-6", "actor-1", ProfileDefault, store, nil, nil)
	ctx := context.Background()

	_, _ = store.Append(ctx, eventstore.AppendEvent{
		EventType: "tool.result", CorrID: "corr-x",
		Payload: map[string]any{"output_excerpt": "tool output"},
	})
	excerpt, ok, err := h.ResolveSource(ctx, "corr-x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tool output", excerpt)

	_, _ = store.Append(ctx, eventstore.AppendEvent{
		EventType: "harness.result", CorrID: "corr-x",
		Payload: map[string]any{"output_excerpt": "harness output"},
	})
	excerpt, ok, err = h.ResolveSource(ctx, "corr-x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "harness output", excerpt)
}

func TestResolveSourceNotYetResolvedReturnsFalse(t *testing.T) {
	store := eventstore.NewMemory()
	h := New("run-7", "actor-1", ProfileDefault, store, nil, nil)

	_, ok, err := h.ResolveSource(context.Background(), "corr-missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseRoutingSummaryValidatesAgainstSchema(t *testing.T) {
	raw := `{"dispatch_capabilities": ["terminal"], "rationale": "needs a shell", "confidence": 0.9}`
	summary, err := ParseRoutingSummary(raw)
	require.NoError(t, err)
	require.Equal(t, []string{"terminal"}, summary.DispatchCapabilities)
	require.InDelta(t, 0.9, summary.Confidence, 0.0001)
}

func TestParseRoutingSummaryStripsMarkdownFences(t *testing.T) {
	raw := "```json\n{\"dispatch_capabilities\": [\"researcher\"], \"rationale\": \"look it up\", \"confidence\": 0.5}\n```"
	summary, err := ParseRoutingSummary(raw)
	require.NoError(t, err)
	require.Equal(t, []string{"researcher"}, summary.DispatchCapabilities)
}

func TestParseRoutingSummaryRejectsMissingRequiredField(t *testing.T) {
	raw := `{"dispatch_capabilities": ["terminal"]}`
	_, err := ParseRoutingSummary(raw)
	require.Error(t, err)
}

func TestRunTurnErrorsAfterMaxTurns(t *testing.T) {
	store := eventstore.NewMemory()
	h := New("run-8", "actor-1", ProfileDefault, store, nil, nil)
	h.maxTurns = 1

	_, err := h.RunTurn(context.Background(), "objective", func(_ context.Context, _ checkpointState) (Decision, error) {
		return Decision{Action: ActionFinish, FinishSummary: "turn one"}, nil
	})
	require.NoError(t, err)

	_, err = h.RunTurn(context.Background(), "objective", func(_ context.Context, _ checkpointState) (Decision, error) {
		return Decision{Action: ActionFinish, FinishSummary: "turn two"}, nil
	})
	require.Error(t, err)
}
