package eventbus

import (
	"testing"

	"github.com/choiros/sandbox/internal/eventstore"
	"github.com/stretchr/testify/require"
)

func TestSubscribeWildcardMatchesSingleSegment(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("writer.*", func(ev eventstore.Event) {
		got = append(got, ev.EventType)
	})

	b.Publish(eventstore.Event{EventType: "writer.document_updated"}, false)
	b.Publish(eventstore.Event{EventType: "writer.delegation.progress"}, false)
	b.Publish(eventstore.Event{EventType: "terminal.output"}, false)

	require.Equal(t, []string{"writer.document_updated"}, got)
}

func TestSubscribeExactMatch(t *testing.T) {
	b := New()
	var count int
	b.Subscribe("system.startup", func(ev eventstore.Event) { count++ })

	b.Publish(eventstore.Event{EventType: "system.startup"}, false)
	b.Publish(eventstore.Event{EventType: "system.shutdown"}, false)

	require.Equal(t, 1, count)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var count int
	unsub := b.Subscribe("harness.*", func(ev eventstore.Event) { count++ })

	b.Publish(eventstore.Event{EventType: "harness.checkpoint"}, false)
	unsub()
	b.Publish(eventstore.Event{EventType: "harness.checkpoint"}, false)

	require.Equal(t, 1, count)
}

func TestPublishOrderPreservedPerPublisher(t *testing.T) {
	b := New()
	var seqs []int64
	b.Subscribe("tool.*", func(ev eventstore.Event) { seqs = append(seqs, ev.Seq) })

	for i := int64(1); i <= 5; i++ {
		b.Publish(eventstore.Event{EventType: "tool.result", Seq: i}, false)
	}

	require.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)
}
