package eventstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteAppendAssignsStrictlyIncreasingSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, AppendEvent{EventType: "writer.created", ActorID: "a1", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Seq)

	second, err := s.Append(ctx, AppendEvent{EventType: "writer.updated", ActorID: "a1", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Seq)
	require.Greater(t, second.Seq, first.Seq)
	require.NotEmpty(t, second.EventID)
	require.NotEqual(t, first.EventID, second.EventID)
}

func TestSQLiteGetRecentEventsFiltersByPrefixAndActor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, AppendEvent{EventType: "writer.document_updated", ActorID: "a1", UserID: "u1"})
	require.NoError(t, err)
	_, err = s.Append(ctx, AppendEvent{EventType: "terminal.output", ActorID: "a2", UserID: "u1"})
	require.NoError(t, err)
	_, err = s.Append(ctx, AppendEvent{EventType: "writer.delegation.progress", ActorID: "a1", UserID: "u1"})
	require.NoError(t, err)

	got, err := s.GetRecentEvents(ctx, 0, 0, "writer.*", "", "")
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.GetRecentEvents(ctx, 0, 0, "", "a2", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "terminal.output", got[0].EventType)
}

func TestSQLiteGetLatestHarnessCheckpointUsesGreatestTurnNumber(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, AppendEvent{
		EventType: "harness.checkpoint", ActorID: "a1", UserID: "u1", RunID: "run-1",
		Payload: map[string]any{"turn_number": 3},
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, AppendEvent{
		EventType: "harness.checkpoint", ActorID: "a1", UserID: "u1", RunID: "run-1",
		Payload: map[string]any{"turn_number": 1},
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, AppendEvent{
		EventType: "harness.checkpoint", ActorID: "a1", UserID: "u1", RunID: "run-1",
		Payload: map[string]any{"turn_number": 2},
	})
	require.NoError(t, err)

	latest, ok, err := s.GetLatestHarnessCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 3, latest.Payload["turn_number"], 0.001)
}

func TestSQLiteGetLatestHarnessCheckpointNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetLatestHarnessCheckpoint(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteGetEventsByCorrID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, AppendEvent{EventType: "conductor.call.started", ActorID: "a1", UserID: "u1", CorrID: "corr-1"})
	require.NoError(t, err)
	_, err = s.Append(ctx, AppendEvent{EventType: "conductor.call.completed", ActorID: "a1", UserID: "u1", CorrID: "corr-1"})
	require.NoError(t, err)
	_, err = s.Append(ctx, AppendEvent{EventType: "conductor.call.started", ActorID: "a1", UserID: "u1", CorrID: "corr-2"})
	require.NoError(t, err)

	got, err := s.GetEventsByCorrID(ctx, "corr-1", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "conductor.call.started", got[0].EventType)
	require.Equal(t, "conductor.call.completed", got[1].EventType)
}

func TestSQLiteGetLatestSeqEmptyStore(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetLatestSeq(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.runMigrations())
	require.NoError(t, s.runMigrations())
}
