// Package harness implements the Harness Turn Engine from spec.md §4.7,
// the agentic loop: compose context, call the model gateway, dispatch
// the resulting action (ToolCalls / FanOut / Finish / Block), checkpoint,
// suspend, and resume on the next tick. Loop shape (poll -> dispatch ->
// record outcome) is ported from the teacher's internal/timeline/loop.go
// Engine.Run/poll; checkpoint persistence piggybacks on internal/
// eventstore exactly as spec.md requires ("harness.checkpoint" events).
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/choiros/sandbox/internal/apperr"
	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/logger"
	"github.com/choiros/sandbox/internal/modelgateway"
)

// ActionKind is the closed set of decisions a turn can produce.
type ActionKind string

const (
	ActionToolCalls ActionKind = "tool_calls"
	ActionFanOut    ActionKind = "fan_out"
	ActionFinish    ActionKind = "finish"
	ActionBlock     ActionKind = "block"
)

// ToolCall is one dispatch request produced by a ToolCalls decision.
type ToolCall struct {
	Capability string
	Objective  string
}

// Branch is one fan-out dispatch target.
type Branch struct {
	Objective string
}

// Decision is what call_llm returns: an action plus updated working
// memory and any newly requested context sources.
type Decision struct {
	Action         ActionKind
	ToolCalls      []ToolCall
	Branches       []Branch
	FinishSummary  string
	BlockReason    string
	WorkingMemory  string
	RequestedSources []string
}

// PendingReply mirrors spec.md §3's harness state: an in-flight
// dispatch whose result arrives asynchronously as a *.result event.
type PendingReply struct {
	CorrID          string
	ActorKind       string
	ObjectiveSummary string
}

// TurnSummary is a short record of what a completed turn decided, kept
// in the checkpoint for context composition on later turns.
type TurnSummary struct {
	TurnNumber int
	Summary    string
}

// Profile names a harness configuration. ProfileConductorRouting names
// the conductor's routing turn — a profile flag on the same Harness
// type, not a separate implementation (per spec.md §9's explicit
// guidance collapsing HarnessActor/SubharnessActor into one name).
// RunTurn does not read Profile, so no profile restricts which tools or
// decisions a turn may use.
type Profile string

const (
	ProfileDefault          Profile = "default"
	ProfileConductorRouting Profile = "conductor_routing"
)

const defaultMaxTurns = 50

// Dispatcher sends a tool call or fan-out branch onward (to a
// capability actor or a freshly spawned sub-harness) and returns the
// corr_id that will later resolve it. Implemented by the conductor/
// actorsys wiring; kept as an interface here so harness stays testable
// without a live actor tree.
type Dispatcher interface {
	DispatchToolCall(ctx context.Context, runID string, call ToolCall) (corrID string, err error)
	DispatchFanOut(ctx context.Context, runID string, branch Branch) (corrID string, err error)
}

// Harness drives one agentic loop for one run/actor.
type Harness struct {
	RunID   string
	ActorID string
	Profile Profile

	store      eventstore.Store
	model      modelgateway.Client
	dispatcher Dispatcher
	maxTurns   int

	routingSchema *jsonschema.Schema
}

// New constructs a Harness. dispatcher may be nil for tests exercising
// only context composition / checkpoint recovery.
func New(runID, actorID string, profile Profile, store eventstore.Store, model modelgateway.Client, dispatcher Dispatcher) *Harness {
	return &Harness{
		RunID:      runID,
		ActorID:    actorID,
		Profile:    profile,
		store:      store,
		model:      model,
		dispatcher: dispatcher,
		maxTurns:   defaultMaxTurns,
	}
}

// checkpointState is the JSON shape written as harness.checkpoint,
// matching spec.md §3's HarnessCheckpoint.
type checkpointState struct {
	TurnNumber     int            `json:"turn_number"`
	WorkingMemory  string         `json:"working_memory"`
	Objective      string         `json:"objective"`
	PendingReplies []PendingReply `json:"pending_replies"`
	TurnSummaries  []TurnSummary  `json:"turn_summaries"`
}

// Recover reconstructs harness state from the latest checkpoint for
// RunID, per spec.md §4.7's crash-recovery contract. Returns the zero
// state (turn 0, no pending replies) if no checkpoint exists yet.
func (h *Harness) Recover(ctx context.Context) (checkpointState, error) {
	ev, ok, err := h.store.GetLatestHarnessCheckpoint(ctx, h.RunID)
	if err != nil {
		return checkpointState{}, apperr.Wrap(apperr.EventStoreError, "recover harness checkpoint", err)
	}
	if !ok {
		return checkpointState{}, nil
	}
	return decodeCheckpoint(ev.Payload), nil
}

func decodeCheckpoint(payload map[string]any) checkpointState {
	var cp checkpointState
	raw, err := json.Marshal(payload)
	if err != nil {
		return cp
	}
	_ = json.Unmarshal(raw, &cp)
	return cp
}

// writeCheckpoint persists the turn boundary state before suspending.
func (h *Harness) writeCheckpoint(ctx context.Context, cp checkpointState) error {
	payload, err := structToMap(cp)
	if err != nil {
		return apperr.Wrap(apperr.EventStoreError, "marshal checkpoint", err)
	}
	_, err = h.store.Append(ctx, eventstore.AppendEvent{
		EventType: "harness.checkpoint",
		ActorID:   h.ActorID,
		RunID:     h.RunID,
		Payload:   payload,
	})
	if err != nil {
		return apperr.Wrap(apperr.EventStoreError, "write checkpoint", err)
	}
	return nil
}

func structToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// RunTurn executes a single turn: compose context, call the model,
// dispatch the decision, checkpoint, and report whether the turn
// suspended (awaiting pending replies) or terminated (Finish/Block).
func (h *Harness) RunTurn(ctx context.Context, objective string, decide func(ctx context.Context, cp checkpointState) (Decision, error)) (suspended bool, err error) {
	cp, err := h.Recover(ctx)
	if err != nil {
		return false, err
	}
	if cp.Objective == "" {
		cp.Objective = objective
	}
	if cp.TurnNumber >= h.maxTurns {
		return false, apperr.New(apperr.WorkerFailed, "harness: max turns exceeded")
	}

	decision, err := decide(ctx, cp)
	if err != nil {
		h.emitDiagnostic(ctx, "decide failed: "+err.Error())
		return false, apperr.Wrap(apperr.ModelGatewayError, "harness decide", err)
	}

	cp.TurnNumber++
	cp.WorkingMemory = decision.WorkingMemory

	switch decision.Action {
	case ActionToolCalls:
		for _, call := range decision.ToolCalls {
			corrID, dispatchErr := h.dispatchTool(ctx, call)
			if dispatchErr != nil {
				return false, dispatchErr
			}
			cp.PendingReplies = append(cp.PendingReplies, PendingReply{
				CorrID: corrID, ActorKind: call.Capability, ObjectiveSummary: call.Objective,
			})
		}
		if err := h.writeCheckpoint(ctx, cp); err != nil {
			return false, err
		}
		return true, nil

	case ActionFanOut:
		for _, branch := range decision.Branches {
			corrID, dispatchErr := h.dispatchFanOutBranch(ctx, branch)
			if dispatchErr != nil {
				return false, dispatchErr
			}
			cp.PendingReplies = append(cp.PendingReplies, PendingReply{
				CorrID: corrID, ActorKind: "harness", ObjectiveSummary: branch.Objective,
			})
		}
		if err := h.writeCheckpoint(ctx, cp); err != nil {
			return false, err
		}
		return true, nil

	case ActionFinish:
		cp.TurnSummaries = append(cp.TurnSummaries, TurnSummary{TurnNumber: cp.TurnNumber, Summary: decision.FinishSummary})
		if err := h.writeCheckpoint(ctx, cp); err != nil {
			return false, err
		}
		return false, nil

	case ActionBlock:
		cp.TurnSummaries = append(cp.TurnSummaries, TurnSummary{TurnNumber: cp.TurnNumber, Summary: "blocked: " + decision.BlockReason})
		if err := h.writeCheckpoint(ctx, cp); err != nil {
			return false, err
		}
		return false, nil

	default:
		return false, apperr.New(apperr.InvalidRequest, fmt.Sprintf("harness: unknown action %q", decision.Action))
	}
}

func (h *Harness) dispatchTool(ctx context.Context, call ToolCall) (string, error) {
	if h.dispatcher == nil {
		return uuid.NewString(), nil
	}
	return h.dispatcher.DispatchToolCall(ctx, h.RunID, call)
}

func (h *Harness) dispatchFanOutBranch(ctx context.Context, branch Branch) (string, error) {
	if h.dispatcher == nil {
		return uuid.NewString(), nil
	}
	return h.dispatcher.DispatchFanOut(ctx, h.RunID, branch)
}

func (h *Harness) emitDiagnostic(ctx context.Context, message string) {
	logger.Component("harness").Error("turn failed", "run_id", h.RunID, "message", message)
	h.store.AppendAsync(ctx, eventstore.AppendEvent{
		EventType: "harness.emit",
		ActorID:   h.ActorID,
		RunID:     h.RunID,
		Payload:   map[string]any{"message": message},
	})
}

// ResolveSource implements spec.md §4.7's result-resolution algorithm:
// poll the event store for events matching corr_id with prefix
// "harness.result" then "tool.result", extracting output_excerpt (or
// output, or the serialized payload). Returns ("", false) if nothing
// has landed yet — the caller remains suspended.
func (h *Harness) ResolveSource(ctx context.Context, corrID string) (string, bool, error) {
	for _, prefix := range []string{"harness.result", "tool.result"} {
		events, err := h.store.GetEventsByCorrID(ctx, corrID, prefix)
		if err != nil {
			return "", false, apperr.Wrap(apperr.EventStoreError, "resolve source", err)
		}
		if len(events) == 0 {
			continue
		}
		last := events[len(events)-1]
		return extractExcerpt(last.Payload), true, nil
	}
	return "", false, nil
}

func extractExcerpt(payload map[string]any) string {
	if v, ok := payload["output_excerpt"].(string); ok && v != "" {
		return v
	}
	if v, ok := payload["output"].(string); ok && v != "" {
		return v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(raw)
}

// routingSummary is the finished.summary JSON blob spec.md §4.7
// requires for the conductor-routing profile.
type routingSummary struct {
	DispatchCapabilities []string `json:"dispatch_capabilities"`
	Rationale            string   `json:"rationale"`
	Confidence           float64  `json:"confidence"`
	BlockReason          string   `json:"block_reason,omitempty"`
}

const routingSummarySchemaJSON = `{
  "type": "object",
  "required": ["dispatch_capabilities", "rationale", "confidence"],
  "properties": {
    "dispatch_capabilities": {"type": "array", "items": {"type": "string"}},
    "rationale": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "block_reason": {"type": "string"}
  }
}`

// ParseRoutingSummary validates and parses the conductor-routing turn's
// finished.summary against the schema above, tolerant of markdown code
// fences around the JSON (ported from original_source's tolerant-parser
// note referenced in spec.md §9 "keep the parser tolerant"). On parse
// or validation failure the conductor's routing turn dispatches every
// available capability; it makes no second model-gateway call.
func ParseRoutingSummary(raw string) (*routingSummary, error) {
	cleaned := stripMarkdownFences(raw)

	var schemaDoc any
	if err := json.Unmarshal([]byte(routingSummarySchemaJSON), &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal routing schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("routing_summary.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add routing schema resource: %w", err)
	}
	schema, err := compiler.Compile("routing_summary.json")
	if err != nil {
		return nil, fmt.Errorf("compile routing schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal finished.summary: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate finished.summary: %w", err)
	}

	var summary routingSummary
	if err := json.Unmarshal([]byte(cleaned), &summary); err != nil {
		return nil, fmt.Errorf("decode finished.summary: %w", err)
	}
	return &summary, nil
}

func stripMarkdownFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	return s
}
