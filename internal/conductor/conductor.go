// Package conductor implements the top-level orchestrator from
// spec.md §4.8: accepts a user objective, asks the model gateway which
// capabilities to dispatch, seeds an agenda, spawns one capability call
// per Ready item, aggregates results, and finalizes the run. State
// machine and capability-dispatch/aggregate shape are ported from
// original_source/sandbox/src/actors/conductor/runtime/{start_run,
// capability_call}.rs, generalized from ractor message-passing to a
// mutex-guarded run table plus one goroutine per in-flight capability
// call reporting back through capabilityCallFinished.
package conductor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/choiros/sandbox/internal/apperr"
	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/harness"
	"github.com/choiros/sandbox/internal/logger"
	"github.com/choiros/sandbox/internal/modelgateway"
)

// RunStatus is the closed set of states from spec.md §4.8.
type RunStatus string

const (
	StatusInitializing    RunStatus = "initializing"
	StatusRunning         RunStatus = "running"
	StatusWaitingForCalls RunStatus = "waiting_for_calls"
	StatusCompleting      RunStatus = "completing"
	StatusCompleted       RunStatus = "completed"
	StatusFailed          RunStatus = "failed"
	StatusBlocked         RunStatus = "blocked"
)

// AgendaItemStatus tracks one planned unit of work.
type AgendaItemStatus string

const (
	ItemReady     AgendaItemStatus = "ready"
	ItemRunning   AgendaItemStatus = "running"
	ItemCompleted AgendaItemStatus = "completed"
	ItemFailed    AgendaItemStatus = "failed"
	ItemBlocked   AgendaItemStatus = "blocked"
)

// Capability is the closed set of worker kinds an agenda item can name.
const (
	CapabilityResearcher        = "researcher"
	CapabilityTerminal          = "terminal"
	CapabilityWriter            = "writer"
	CapabilityImmediateResponse = "immediate_response"
)

const (
	defaultMaxSteps  = 100
	defaultTimeoutMs = 180000
)

// AgendaItem is one planned dispatch.
type AgendaItem struct {
	ItemID      string
	Capability  string
	Objective   string
	Priority    int
	DependsOn   []string
	Status      AgendaItemStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// CapabilityCall maps 1:1 to a dispatched capability invocation.
type CapabilityCall struct {
	CallID      string
	RunID       string
	AgendaItemID string
	Capability  string
	Status      AgendaItemStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// Run is the Conductor's owned aggregate, projected from events on
// restart (spec.md §4.3 "Conductor restart" edge case).
type Run struct {
	RunID        string
	Objective    string
	Status       RunStatus
	Agenda       []AgendaItem
	ActiveCalls  []CapabilityCall
	Artifacts    []string
	DecisionLog  []string
	DocumentPath string
	DesktopID    string
	OutputMode   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// ExecuteRequest is the ExecuteTask RPC payload. Hints is a freeform
// bag; it is rejected outright if it carries the deprecated
// "worker_plan" key (spec.md §4.8).
type ExecuteRequest struct {
	Objective  string
	DesktopID  string
	OutputMode string
	Hints      map[string]any
}

// CapabilityResult is what a dispatched worker reports back.
type CapabilityResult struct {
	Success bool
	Summary string
	Detail  string
}

// WorkerDispatcher sends one capability invocation to its worker (the
// researcher/terminal/writer actors or an immediate model-gateway
// reply) and blocks until it resolves. Conductor runs each dispatch on
// its own goroutine so WaitingForCalls can hold several in flight.
type WorkerDispatcher interface {
	Dispatch(ctx context.Context, capability, objective, runID, callID string, timeoutMs, maxSteps int) (CapabilityResult, error)
}

// Conductor owns the run table. One Conductor serves every run in a
// sandbox; there is no per-run actor in this rendering because runs
// never block each other's mailbox the way a single-owner actor would.
type Conductor struct {
	mu    sync.Mutex
	runs  map[string]*Run
	store eventstore.Store
	model modelgateway.Client
	work  WorkerDispatcher

	capabilities []string
}

// New constructs a Conductor. availableCapabilities lists the worker
// kinds this sandbox can actually dispatch (e.g. omit "researcher" when
// CHOIR_DISABLE_CONDUCTOR_WORKERS disables it).
func New(store eventstore.Store, model modelgateway.Client, work WorkerDispatcher, availableCapabilities []string) *Conductor {
	return &Conductor{
		runs:         make(map[string]*Run),
		store:        store,
		model:        model,
		work:         work,
		capabilities: availableCapabilities,
	}
}

// ExecuteTask creates a run and kicks off initial dispatch in the
// background, returning the freshly Initializing run immediately (the
// caller polls events / GetRun for progress).
func (c *Conductor) ExecuteTask(ctx context.Context, req ExecuteRequest) (*Run, error) {
	if _, deprecated := req.Hints["worker_plan"]; deprecated {
		return nil, apperr.New(apperr.InvalidRequest, "conductor: worker_plan field is deprecated")
	}

	runID := uuid.NewString()
	now := timeNow()

	run := &Run{
		RunID:      runID,
		Objective:  req.Objective,
		Status:     StatusInitializing,
		DesktopID:  req.DesktopID,
		OutputMode: req.OutputMode,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	c.mu.Lock()
	c.runs[runID] = run
	c.mu.Unlock()

	c.emit(ctx, "conductor.prompt_received", runID, map[string]any{"objective": req.Objective})
	c.emit(ctx, "conductor.task_started", runID, map[string]any{"objective": req.Objective})

	go c.startRun(context.Background(), runID, req)

	return run, nil
}

// GetRun returns a snapshot copy of run state.
func (c *Conductor) GetRun(runID string) (Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[runID]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

func (c *Conductor) startRun(ctx context.Context, runID string, req ExecuteRequest) {
	items, blockReason, err := c.conductInitialAssignments(ctx, runID, req)
	if err != nil {
		c.failRun(ctx, runID, err.Error())
		return
	}
	if blockReason != "" {
		c.blockRun(ctx, runID, blockReason)
		return
	}

	c.mu.Lock()
	run := c.runs[runID]
	run.Agenda = items
	run.Status = StatusRunning
	run.UpdatedAt = timeNow()
	c.mu.Unlock()

	c.emit(ctx, "conductor.run.started", runID, map[string]any{
		"objective":  req.Objective,
		"desktop_id": req.DesktopID,
	})

	c.dispatchReady(ctx, runID)
}

// conductInitialAssignments asks the model gateway which capabilities
// to dispatch and builds the seed agenda, ported from start_run.rs's
// conduct_initial_assignments.
func (c *Conductor) conductInitialAssignments(ctx context.Context, runID string, req ExecuteRequest) ([]AgendaItem, string, error) {
	if len(c.capabilities) == 0 {
		return nil, "", apperr.New(apperr.ActorUnavailable, "no worker actors available for conductor default model gateway")
	}

	selected, rationale, blockReason, err := c.routeCapabilities(ctx, runID, req.Objective)
	if err != nil {
		return nil, "", err
	}
	if len(selected) == 0 {
		reason := blockReason
		if reason == "" {
			reason = rationale
		}
		return nil, "conductor conduct step blocked run: " + reason, nil
	}

	now := timeNow()
	items := make([]AgendaItem, 0, len(selected))
	for idx, capability := range selected {
		items = append(items, AgendaItem{
			ItemID:     fmt.Sprintf("%s:seed:%d:%s", runID, idx, capability),
			Capability: capability,
			Objective:  objectiveWithCapabilityContract(capability, req.Objective),
			Priority:   idx,
			Status:     ItemReady,
			CreatedAt:  now,
		})
	}
	return items, "", nil
}

// routeCapabilities runs the conductor-routing harness profile, then
// normalizes/deduplicates the model's dispatch_capabilities against
// the sandbox's actually-available worker set.
func (c *Conductor) routeCapabilities(ctx context.Context, runID, objective string) (selected []string, rationale, blockReason string, err error) {
	summary, gwErr := c.routingTurn(ctx, runID, objective)
	if gwErr != nil {
		return nil, "", "", gwErr
	}

	seen := make(map[string]bool, len(c.capabilities))
	available := make(map[string]bool, len(c.capabilities))
	for _, cap := range c.capabilities {
		available[strings.ToLower(cap)] = true
	}

	for _, cap := range summary.DispatchCapabilities {
		normalized := strings.ToLower(strings.TrimSpace(cap))
		if normalized == "" || !available[normalized] || seen[normalized] {
			continue
		}
		seen[normalized] = true
		selected = append(selected, normalized)
	}

	return selected, summary.Rationale, summary.BlockReason, nil
}

// routingTurn makes one direct model-gateway completion and parses its
// text as a routing summary. No harness routing profile is run first.
// When the reply does not parse, every available capability is
// returned for dispatch.
func (c *Conductor) routingTurn(ctx context.Context, runID, objective string) (*routingSummaryLike, error) {
	prompt := fmt.Sprintf(
		"Decide which capabilities to dispatch for this objective. Available: %s.\nObjective: %s\nRespond with JSON: {\"dispatch_capabilities\": [...], \"rationale\": \"...\", \"confidence\": 0..1, \"block_reason\": \"...\"}",
		strings.Join(c.capabilities, ", "), objective,
	)

	resp, err := c.model.Complete(ctx, modelgateway.Request{
		Messages: []modelgateway.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ModelGatewayError, "conductor routing turn", err)
	}

	parsed, parseErr := harness.ParseRoutingSummary(resp.Text)
	if parseErr != nil {
		// Fallback: treat the whole available set as a best-effort
		// dispatch so a malformed routing reply doesn't hard-fail the run.
		return &routingSummaryLike{DispatchCapabilities: c.capabilities, Rationale: "fallback: unparsable routing summary"}, nil
	}
	return &routingSummaryLike{
		DispatchCapabilities: parsed.DispatchCapabilities,
		Rationale:            parsed.Rationale,
		BlockReason:          parsed.BlockReason,
	}, nil
}

// routingSummaryLike avoids exporting harness's unexported routingSummary type.
type routingSummaryLike struct {
	DispatchCapabilities []string
	Rationale            string
	BlockReason          string
}

func objectiveWithCapabilityContract(capability, objective string) string {
	var prefix string
	switch strings.ToLower(capability) {
	case CapabilityResearcher:
		prefix = "Capability Contract (researcher): external research only. Use research tools, citations, and source synthesis. Do not perform local shell orchestration."
	case CapabilityTerminal:
		prefix = "Capability Contract (terminal): local execution only. Use shell/file/system inspection and execution. Do not perform general web research."
	default:
		prefix = "Capability Contract: execute only within your assigned capability scope."
	}
	return prefix + "\n\nObjective:\n" + objective
}

// dispatchReady spawns a capability call for every Ready agenda item
// concurrently (spec.md §4.8 "DispatchReady spawns calls for all Ready
// items concurrently"), then parks the run in WaitingForCalls if
// nothing is Ready but something is Running.
func (c *Conductor) dispatchReady(ctx context.Context, runID string) {
	c.mu.Lock()
	run, ok := c.runs[runID]
	if !ok {
		c.mu.Unlock()
		return
	}
	var toDispatch []int
	for i := range run.Agenda {
		if run.Agenda[i].Status == ItemReady && dependenciesComplete(run, run.Agenda[i]) {
			toDispatch = append(toDispatch, i)
		}
	}
	for _, i := range toDispatch {
		now := timeNow()
		run.Agenda[i].Status = ItemRunning
		run.Agenda[i].StartedAt = &now
		call := CapabilityCall{
			CallID:       uuid.NewString(),
			RunID:        runID,
			AgendaItemID: run.Agenda[i].ItemID,
			Capability:   run.Agenda[i].Capability,
			Status:       ItemRunning,
			StartedAt:    now,
		}
		run.ActiveCalls = append(run.ActiveCalls, call)
	}
	hasRunning := false
	hasReady := false
	for _, item := range run.Agenda {
		switch item.Status {
		case ItemRunning:
			hasRunning = true
		case ItemReady:
			hasReady = true
		}
	}
	if hasRunning && !hasReady {
		run.Status = StatusWaitingForCalls
	}
	run.UpdatedAt = timeNow()
	dispatched := append([]CapabilityCall(nil), run.ActiveCalls[len(run.ActiveCalls)-len(toDispatch):]...)
	items := make([]AgendaItem, len(toDispatch))
	for i, idx := range toDispatch {
		items[i] = run.Agenda[idx]
	}
	c.mu.Unlock()

	for i := range toDispatch {
		go c.runCapabilityCall(ctx, runID, items[i], dispatched[i])
	}

	if len(toDispatch) == 0 {
		c.checkQuiescence(ctx, runID)
	}
}

func dependenciesComplete(run *Run, item AgendaItem) bool {
	for _, dep := range item.DependsOn {
		found := false
		for _, other := range run.Agenda {
			if other.ItemID == dep {
				found = true
				if other.Status != ItemCompleted {
					return false
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c *Conductor) runCapabilityCall(ctx context.Context, runID string, item AgendaItem, call CapabilityCall) {
	timeoutMs := defaultTimeoutMs
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	var result CapabilityResult
	var err error
	if c.work != nil {
		result, err = c.work.Dispatch(runCtx, item.Capability, item.Objective, runID, call.CallID, timeoutMs, defaultMaxSteps)
	} else {
		err = apperr.New(apperr.ActorUnavailable, "conductor: no worker dispatcher configured")
	}

	c.capabilityCallFinished(ctx, runID, item.ItemID, call.CallID, item.Capability, result, err)
}

// capabilityCallFinished is the Go rendering of capability_call.rs's
// final step: conductor_ref.send_message(CapabilityCallFinished{...}).
// Here it's a direct method call from the dispatch goroutine since
// there is no separate CapabilityCallActor mailbox to hop through.
func (c *Conductor) capabilityCallFinished(ctx context.Context, runID, itemID, callID, capability string, result CapabilityResult, dispatchErr error) {
	c.mu.Lock()
	run, ok := c.runs[runID]
	if !ok {
		c.mu.Unlock()
		return
	}
	now := timeNow()
	for i := range run.Agenda {
		if run.Agenda[i].ItemID == itemID {
			if dispatchErr != nil || !result.Success {
				run.Agenda[i].Status = ItemFailed
			} else {
				run.Agenda[i].Status = ItemCompleted
			}
			run.Agenda[i].CompletedAt = &now
		}
	}
	for i := range run.ActiveCalls {
		if run.ActiveCalls[i].CallID == callID {
			run.ActiveCalls[i].CompletedAt = &now
			if dispatchErr != nil {
				run.ActiveCalls[i].Error = dispatchErr.Error()
				run.ActiveCalls[i].Status = ItemFailed
			} else if !result.Success {
				run.ActiveCalls[i].Error = result.Summary
				run.ActiveCalls[i].Status = ItemFailed
			} else {
				run.ActiveCalls[i].Status = ItemCompleted
			}
		}
	}
	if result.Summary != "" {
		run.Artifacts = append(run.Artifacts, fmt.Sprintf("%s: %s", capability, result.Summary))
	}
	run.UpdatedAt = now
	c.mu.Unlock()

	c.emit(ctx, "conductor.capability_call.finished", runID, map[string]any{
		"call_id": callID, "agenda_item_id": itemID, "capability": capability,
		"success": dispatchErr == nil && result.Success,
	})

	c.dispatchReady(ctx, runID)
}

// checkQuiescence implements spec.md §4.8's finalize rule: no active
// calls and no ready items means the run is done, one way or another.
func (c *Conductor) checkQuiescence(ctx context.Context, runID string) {
	c.mu.Lock()
	run, ok := c.runs[runID]
	if !ok {
		c.mu.Unlock()
		return
	}

	anyActive := false
	anyFailedOrBlocked := false
	for _, item := range run.Agenda {
		switch item.Status {
		case ItemReady, ItemRunning:
			anyActive = true
		case ItemFailed, ItemBlocked:
			anyFailedOrBlocked = true
		}
	}
	if anyActive {
		c.mu.Unlock()
		return
	}

	run.Status = StatusCompleting
	now := timeNow()
	if anyFailedOrBlocked {
		run.Status = StatusBlocked
	} else {
		run.Status = StatusCompleted
	}
	run.CompletedAt = &now
	run.UpdatedAt = now
	status := run.Status
	c.mu.Unlock()

	c.emit(ctx, "conductor.task_finished", runID, map[string]any{"status": string(status)})
}

func (c *Conductor) failRun(ctx context.Context, runID, reason string) {
	c.mu.Lock()
	run, ok := c.runs[runID]
	if ok {
		run.Status = StatusFailed
		run.UpdatedAt = timeNow()
	}
	c.mu.Unlock()
	logger.Component("conductor").Error("run failed", "run_id", runID, "reason", reason)
	c.emit(ctx, "conductor.task_failed", runID, map[string]any{"error": reason})
}

func (c *Conductor) blockRun(ctx context.Context, runID, reason string) {
	c.mu.Lock()
	run, ok := c.runs[runID]
	if ok {
		run.Status = StatusBlocked
		run.UpdatedAt = timeNow()
	}
	c.mu.Unlock()
	c.emit(ctx, "conductor.task_failed", runID, map[string]any{"error": reason, "blocked": true})
}

func (c *Conductor) emit(ctx context.Context, eventType, runID string, payload map[string]any) {
	if c.store == nil {
		return
	}
	c.store.AppendAsync(ctx, eventstore.AppendEvent{
		EventType: eventType,
		RunID:     runID,
		Payload:   payload,
	})
}

// RestoreFromEvents rebuilds the run table from a durable store's
// conductor.run.started events after a restart (spec.md §4.3): each
// unique run_id appears once with status Blocked, since the in-memory
// agenda/active-call state that led to completion cannot be recovered.
// Malformed events missing run_id are skipped without aborting recovery.
func (c *Conductor) RestoreFromEvents(ctx context.Context) error {
	events, err := c.store.GetRecentEvents(ctx, 0, 0, "conductor.run.started", "", "")
	if err != nil {
		return apperr.Wrap(apperr.EventStoreError, "restore conductor runs", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range events {
		if ev.RunID == "" {
			continue
		}
		if _, exists := c.runs[ev.RunID]; exists {
			continue
		}
		objective, _ := ev.Payload["objective"].(string)
		desktopID, _ := ev.Payload["desktop_id"].(string)
		c.runs[ev.RunID] = &Run{
			RunID:     ev.RunID,
			Objective: objective,
			DesktopID: desktopID,
			Status:    StatusBlocked,
			CreatedAt: ev.Timestamp,
			UpdatedAt: ev.Timestamp,
		}
	}
	return nil
}

func timeNow() time.Time { return time.Now() }
