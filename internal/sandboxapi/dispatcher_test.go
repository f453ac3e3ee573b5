package sandboxapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/choiros/sandbox/internal/actorsys"
	"github.com/choiros/sandbox/internal/eventbus"
	"github.com/choiros/sandbox/internal/eventstore"
)

func TestDispatchImmediateResponseCallsModelGateway(t *testing.T) {
	sup := actorsys.NewSupervisor("root", nil)
	d := NewDispatcher(sup, eventstore.NewMemory(), eventbus.New(), stubModelClient{})

	result, err := d.Dispatch(context.Background(), "immediate_response", "say hi", "run-1", "call-1", 1000, 1)
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestDispatchUnknownCapabilityReturnsError(t *testing.T) {
	sup := actorsys.NewSupervisor("root", nil)
	d := NewDispatcher(sup, eventstore.NewMemory(), eventbus.New(), stubModelClient{})

	_, err := d.Dispatch(context.Background(), "bogus", "objective", "run-1", "call-1", 1000, 1)
	require.Error(t, err)
}

func TestAwaitToolResultResolvesOnMatchingCorrID(t *testing.T) {
	bus := eventbus.New()
	d := NewDispatcher(actorsys.NewSupervisor("root", nil), eventstore.NewMemory(), bus, stubModelClient{})

	wait := d.awaitToolResult("call-42", 2000)
	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.Publish(eventstore.Event{EventType: "tool.result", CorrID: "call-42", Payload: map[string]any{
			"success":        true,
			"output_excerpt": "done",
		}}, false)
	}()

	result, err := wait()
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "done", result.Summary)
}

func TestAwaitToolResultTimesOutWithoutMatch(t *testing.T) {
	bus := eventbus.New()
	d := NewDispatcher(actorsys.NewSupervisor("root", nil), eventstore.NewMemory(), bus, stubModelClient{})

	wait := d.awaitToolResult("call-99", 50)
	_, err := wait()
	require.Error(t, err)
}
