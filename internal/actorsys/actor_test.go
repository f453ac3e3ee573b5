package actorsys

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingActor struct {
	received int64
}

func (a *countingActor) Receive(ctx context.Context, msg Msg) error {
	atomic.AddInt64(&a.received, 1)
	return nil
}

func TestSpawnProcessesMessagesFIFO(t *testing.T) {
	sup := NewSupervisor("test", nil)
	var order []int
	var mu sync.Mutex
	done := make(chan struct{})

	actor := receiveFunc(func(ctx context.Context, msg Msg) error {
		mu.Lock()
		order = append(order, msg.(int))
		n := len(order)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
		return nil
	})

	ref := sup.Spawn(context.Background(), KindTerminal, "t1", actor)
	for i := 1; i <= 5; i++ {
		require.True(t, ref.Send(i))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for messages")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestDeregistersOnTermination(t *testing.T) {
	sup := NewSupervisor("test", nil)
	ref := sup.Spawn(context.Background(), KindTerminal, "t1", &countingActor{})

	_, ok := sup.Lookup(KindTerminal, "t1")
	require.True(t, ok)

	ref.Stop()
	<-ref.Done()

	// Deregistration happens in the goroutine's deferred cleanup; give
	// the scheduler a beat without relying on sleep-based races.
	require.Eventually(t, func() bool {
		_, ok := sup.Lookup(KindTerminal, "t1")
		return !ok
	}, time.Second, time.Millisecond)
}

func TestGetOrCreatePreventsDuplicateSpawnUnderConcurrency(t *testing.T) {
	sup := NewSupervisor("test", nil)
	var spawnCount int64

	var wg sync.WaitGroup
	refs := make([]*Ref, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			refs[idx] = sup.GetOrCreate(context.Background(), KindTerminal, "shared-pty", func() Actor {
				atomic.AddInt64(&spawnCount, 1)
				return &countingActor{}
			})
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), spawnCount, "exactly one actor spawned for the contested kind:id")
	for _, r := range refs {
		require.Same(t, refs[0], r)
	}
}

func TestStopAllCascades(t *testing.T) {
	sup := NewSupervisor("test", nil)
	sup.Spawn(context.Background(), KindWriter, "r-1", &countingActor{})
	sup.Spawn(context.Background(), KindWriter, "r-2", &countingActor{})

	sup.StopAll()
	require.Empty(t, sup.Children())
}

type receiveFunc func(ctx context.Context, msg Msg) error

func (f receiveFunc) Receive(ctx context.Context, msg Msg) error { return f(ctx, msg) }
