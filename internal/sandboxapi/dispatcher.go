// Dispatcher wires spec.md §4.8's Conductor to the three worker kinds
// its routing turn can select (researcher, terminal, writer) plus the
// immediate_response capability, satisfying conductor.WorkerDispatcher.
// Researcher and Terminal are fire-and-forget mailbox messages whose
// completion is an async `tool.result` event keyed by CorrID; this
// dispatcher subscribes the bus for that event rather than polling,
// grounded on internal/harness's ResolveSource correlation idiom.
package sandboxapi

import (
	"context"
	"fmt"
	"time"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/apperr"
	"github.com/choiros/sandbox/internal/conductor"
	"github.com/choiros/sandbox/internal/eventbus"
	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/choiros/sandbox/internal/modelgateway"
	"github.com/choiros/sandbox/internal/researcheractor"
	"github.com/choiros/sandbox/internal/terminalactor"
	"github.com/choiros/sandbox/internal/writeractor"
	"github.com/choiros/sandbox/internal/writerdoc"
)

// capabilityPrefix is spec.md §4.8's prompt-level guardrail: the
// objective is prefixed per capability before dispatch.
var capabilityPrefix = map[string]string{
	"researcher": "researcher: external research only. ",
	"terminal":   "terminal: local execution only. ",
}

// Dispatcher implements conductor.WorkerDispatcher by routing each
// capability to the worker kind that owns it.
type Dispatcher struct {
	sup   *actorsys.Supervisor
	store eventstore.Store
	bus   *eventbus.Bus
	model modelgateway.Client
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(sup *actorsys.Supervisor, store eventstore.Store, bus *eventbus.Bus, model modelgateway.Client) *Dispatcher {
	return &Dispatcher{sup: sup, store: store, bus: bus, model: model}
}

// Dispatch implements conductor.WorkerDispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, capability, objective, runID, callID string, timeoutMs, maxSteps int) (conductor.CapabilityResult, error) {
	_ = maxSteps
	prefixed := capabilityPrefix[capability] + objective

	switch capability {
	case "researcher":
		return d.dispatchResearcher(ctx, prefixed, runID, callID, timeoutMs)
	case "terminal":
		return d.dispatchTerminal(ctx, prefixed, runID, callID, timeoutMs)
	case "writer":
		return d.dispatchWriter(ctx, prefixed, runID, callID)
	case "immediate_response":
		return d.dispatchImmediate(ctx, prefixed)
	default:
		return conductor.CapabilityResult{}, apperr.New(apperr.InvalidRequest, "sandboxapi: unknown capability "+capability)
	}
}

func (d *Dispatcher) dispatchResearcher(ctx context.Context, objective, runID, callID string, timeoutMs int) (conductor.CapabilityResult, error) {
	ref := d.sup.GetOrCreate(ctx, "researcher", callID, func() actorsys.Actor {
		return researcheractor.New(callID, d.store, &researcheractor.HTTPFetcher{SearchURL: "https://duckduckgo.com/html"})
	})

	wait := d.awaitToolResult(callID, timeoutMs)
	if !ref.Send(researcheractor.RunTask{Query: objective, CorrID: callID, RunID: runID, ActorID: callID, TimeoutMs: timeoutMs}) {
		return conductor.CapabilityResult{}, apperr.New(apperr.ActorUnavailable, "sandboxapi: researcher actor unavailable")
	}
	return wait()
}

func (d *Dispatcher) dispatchTerminal(ctx context.Context, objective, runID, callID string, timeoutMs int) (conductor.CapabilityResult, error) {
	ref := d.sup.GetOrCreate(ctx, "terminal", callID, func() actorsys.Actor {
		return terminalactor.New(callID, d.store)
	})

	if !ref.Send(terminalactor.Start{Shell: "/bin/bash"}) {
		return conductor.CapabilityResult{}, apperr.New(apperr.ActorUnavailable, "sandboxapi: terminal actor unavailable")
	}

	wait := d.awaitToolResult(callID, timeoutMs)
	cmd := terminalactor.RunAgenticTaskDetached{
		Command: []string{"/bin/bash", "-lc", objective},
		CorrID:  callID,
		ActorID: callID,
		RunID:   runID,
	}
	if !ref.Send(cmd) {
		return conductor.CapabilityResult{}, apperr.New(apperr.ActorUnavailable, "sandboxapi: terminal actor unavailable")
	}
	return wait()
}

func (d *Dispatcher) dispatchWriter(ctx context.Context, objective, runID, callID string) (conductor.CapabilityResult, error) {
	ref, ok := d.sup.Lookup("writer", runID)
	if !ok {
		return conductor.CapabilityResult{}, apperr.New(apperr.NotFound, "sandboxapi: no writer actor for run "+runID)
	}

	resp, err := d.model.Complete(ctx, modelgateway.Request{
		SystemPrompt: "You are drafting a section of a live run document.",
		Messages:     []modelgateway.Message{{Role: "user", Content: objective}},
		MaxTokens:    2048,
	})
	if err != nil {
		return conductor.CapabilityResult{}, apperr.Wrap(apperr.ModelGatewayError, "sandboxapi: writer capability model call", err)
	}

	reply := make(chan writeractor.ApplyPatchResult, 1)
	if !ref.Send(writeractor.ApplyPatch{RunID: runID, Source: writerdoc.SourceWriter, Content: resp.Text, ReplyTo: reply}) {
		return conductor.CapabilityResult{}, apperr.New(apperr.ActorUnavailable, "sandboxapi: writer actor unavailable")
	}

	select {
	case result := <-reply:
		if result.Err != nil {
			return conductor.CapabilityResult{}, result.Err
		}
		return conductor.CapabilityResult{Success: true, Summary: "document updated", Detail: resp.Text}, nil
	case <-ctx.Done():
		return conductor.CapabilityResult{}, apperr.New(apperr.Timeout, "sandboxapi: writer actor did not reply in time")
	}
}

func (d *Dispatcher) dispatchImmediate(ctx context.Context, objective string) (conductor.CapabilityResult, error) {
	resp, err := d.model.Complete(ctx, modelgateway.Request{
		Messages:  []modelgateway.Message{{Role: "user", Content: objective}},
		MaxTokens: 1024,
	})
	if err != nil {
		return conductor.CapabilityResult{}, apperr.Wrap(apperr.ModelGatewayError, "sandboxapi: immediate_response model call", err)
	}
	return conductor.CapabilityResult{Success: true, Summary: resp.Text, Detail: resp.Text}, nil
}

// awaitToolResult subscribes the bus for a tool.result event correlated
// by corrID and returns a function that blocks (bounded by timeoutMs)
// for it to arrive, translating the payload into a CapabilityResult.
func (d *Dispatcher) awaitToolResult(corrID string, timeoutMs int) func() (conductor.CapabilityResult, error) {
	resultCh := make(chan eventstore.Event, 1)
	unsubscribe := d.bus.Subscribe("tool.result", func(ev eventstore.Event) {
		if ev.CorrID != corrID {
			return
		}
		select {
		case resultCh <- ev:
		default:
		}
	})

	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 180 * time.Second
	}

	return func() (conductor.CapabilityResult, error) {
		defer unsubscribe()
		select {
		case ev := <-resultCh:
			return capabilityResultFromToolResult(ev), nil
		case <-time.After(timeout):
			return conductor.CapabilityResult{}, apperr.New(apperr.Timeout, fmt.Sprintf("sandboxapi: capability call %s timed out", corrID))
		}
	}
}

func capabilityResultFromToolResult(ev eventstore.Event) conductor.CapabilityResult {
	success, _ := ev.Payload["success"].(bool)
	excerpt, _ := ev.Payload["output_excerpt"].(string)
	errMsg, _ := ev.Payload["error"].(string)

	result := conductor.CapabilityResult{Success: success, Detail: excerpt}
	if success {
		result.Summary = excerpt
	} else {
		result.Summary = errMsg
	}
	return result
}
