package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/modelgateway"
)

type fakeModel struct {
	text string
	err  error
}

func (f *fakeModel) Complete(_ context.Context, _ modelgateway.Request) (*modelgateway.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &modelgateway.Response{Text: f.text}, nil
}

func TestExecuteTaskRejectsDeprecatedWorkerPlanField(t *testing.T) {
	store := eventstore.NewMemory()
	c := New(store, nil, nil, []string{"terminal"})

	_, err := c.ExecuteTask(context.Background(), ExecuteRequest{
		Objective: "do a thing",
		Hints:     map[string]any{"worker_plan": "legacy"},
	})
	require.Error(t, err)
}

func TestObjectiveWithCapabilityContractPrefixesResearcher(t *testing.T) {
	result := objectiveWithCapabilityContract("researcher", "find release notes")
	require.Contains(t, result, "Capability Contract (researcher)")
	require.Contains(t, result, "external research only")
	require.Contains(t, result, "Objective:\nfind release notes")
}

func TestObjectiveWithCapabilityContractPrefixesTerminal(t *testing.T) {
	result := objectiveWithCapabilityContract("terminal", "run the tests")
	require.Contains(t, result, "Capability Contract (terminal)")
	require.Contains(t, result, "local execution only")
}

func TestObjectiveWithCapabilityContractIsCaseInsensitive(t *testing.T) {
	result := objectiveWithCapabilityContract("ReSeArChEr", "summarize")
	require.Contains(t, result, "Capability Contract (researcher)")
}

type stubDispatcher struct {
	results map[string]CapabilityResult
	errs    map[string]error
}

func (s *stubDispatcher) Dispatch(_ context.Context, capability, _, _, _ string, _, _ int) (CapabilityResult, error) {
	if err, ok := s.errs[capability]; ok {
		return CapabilityResult{}, err
	}
	return s.results[capability], nil
}

func TestRestoreFromEventsRebuildsBlockedRunsSkippingMalformed(t *testing.T) {
	store := eventstore.NewMemory()
	ctx := context.Background()

	_, _ = store.Append(ctx, eventstore.AppendEvent{
		EventType: "conductor.run.started", RunID: "run-a",
		Payload: map[string]any{"objective": "first run"},
	})
	// Malformed: missing run_id entirely.
	_, _ = store.Append(ctx, eventstore.AppendEvent{
		EventType: "conductor.run.started",
		Payload:   map[string]any{"objective": "no run id"},
	})
	_, _ = store.Append(ctx, eventstore.AppendEvent{
		EventType: "conductor.run.started", RunID: "run-a",
		Payload: map[string]any{"objective": "duplicate seen again"},
	})

	c := New(store, nil, nil, []string{"terminal"})
	require.NoError(t, c.RestoreFromEvents(ctx))

	run, ok := c.GetRun("run-a")
	require.True(t, ok)
	require.Equal(t, StatusBlocked, run.Status)
	require.Equal(t, "first run", run.Objective)
}

func TestDependenciesCompleteHandlesMissingAndSatisfiedDeps(t *testing.T) {
	run := &Run{
		Agenda: []AgendaItem{
			{ItemID: "a", Status: ItemCompleted},
			{ItemID: "b", Status: ItemReady, DependsOn: []string{"a"}},
			{ItemID: "c", Status: ItemReady, DependsOn: []string{"missing"}},
		},
	}
	require.True(t, dependenciesComplete(run, run.Agenda[1]))
	require.False(t, dependenciesComplete(run, run.Agenda[2]))
}

func TestCapabilityCallFinishedMarksCompletedAndRecordsArtifact(t *testing.T) {
	store := eventstore.NewMemory()
	c := New(store, nil, nil, []string{"terminal"})

	c.mu.Lock()
	c.runs["run-x"] = &Run{
		RunID: "run-x",
		Agenda: []AgendaItem{
			{ItemID: "run-x:seed:0:terminal", Capability: "terminal", Status: ItemRunning},
		},
		ActiveCalls: []CapabilityCall{
			{CallID: "call-1", RunID: "run-x", AgendaItemID: "run-x:seed:0:terminal", Capability: "terminal", Status: ItemRunning},
		},
	}
	c.mu.Unlock()

	c.capabilityCallFinished(context.Background(), "run-x", "run-x:seed:0:terminal", "call-1", "terminal",
		CapabilityResult{Success: true, Summary: "ran ls"}, nil)

	// Allow the background dispatchReady/quiescence goroutine chain to settle.
	require.Eventually(t, func() bool {
		run, ok := c.GetRun("run-x")
		if !ok {
			return false
		}
		return run.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)

	run, _ := c.GetRun("run-x")
	require.Equal(t, ItemCompleted, run.Agenda[0].Status)
	require.Contains(t, run.Artifacts, "terminal: ran ls")
}

func TestCapabilityCallFinishedMarksFailedBlocksRun(t *testing.T) {
	store := eventstore.NewMemory()
	c := New(store, nil, nil, []string{"terminal"})

	c.mu.Lock()
	c.runs["run-y"] = &Run{
		RunID: "run-y",
		Agenda: []AgendaItem{
			{ItemID: "item-1", Capability: "terminal", Status: ItemRunning},
		},
		ActiveCalls: []CapabilityCall{
			{CallID: "call-1", RunID: "run-y", AgendaItemID: "item-1", Capability: "terminal", Status: ItemRunning},
		},
	}
	c.mu.Unlock()

	c.capabilityCallFinished(context.Background(), "run-y", "item-1", "call-1", "terminal",
		CapabilityResult{Success: false, Summary: "permission denied"}, nil)

	require.Eventually(t, func() bool {
		run, ok := c.GetRun("run-y")
		return ok && run.Status == StatusBlocked
	}, time.Second, 10*time.Millisecond)
}

func TestExecuteTaskEndToEndRoutesAndCompletesRun(t *testing.T) {
	store := eventstore.NewMemory()
	model := &fakeModel{text: `{"dispatch_capabilities": ["terminal"], "rationale": "use a shell", "confidence": 0.8}`}
	dispatcher := &stubDispatcher{
		results: map[string]CapabilityResult{"terminal": {Success: true, Summary: "done"}},
	}
	c := New(store, model, dispatcher, []string{"terminal"})

	run, err := c.ExecuteTask(context.Background(), ExecuteRequest{Objective: "list files", OutputMode: "text"})
	require.NoError(t, err)
	require.Equal(t, StatusInitializing, run.Status)

	require.Eventually(t, func() bool {
		got, ok := c.GetRun(run.RunID)
		return ok && got.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)

	final, _ := c.GetRun(run.RunID)
	require.Len(t, final.Agenda, 1)
	require.Equal(t, ItemCompleted, final.Agenda[0].Status)
	require.Contains(t, final.Agenda[0].Objective, "Capability Contract (terminal)")
}

func TestExecuteTaskBlocksWhenRoutingSelectsNoCapabilities(t *testing.T) {
	store := eventstore.NewMemory()
	model := &fakeModel{text: `{"dispatch_capabilities": [], "rationale": "nothing fits", "confidence": 0.1}`}
	c := New(store, model, &stubDispatcher{}, []string{"terminal"})

	run, err := c.ExecuteTask(context.Background(), ExecuteRequest{Objective: "unsupported ask"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := c.GetRun(run.RunID)
		return ok && got.Status == StatusBlocked
	}, time.Second, 10*time.Millisecond)
}
