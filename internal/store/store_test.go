package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		s.Close()
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"operations", "records", "id_map"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q", table)
	}

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_Pragmas(t *testing.T) {
	s, _ := createTestStore(t)
	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
}

func TestEnqueueOperation_AssignsSequence(t *testing.T) {
	s, _ := createTestStore(t)

	a := enqueueTest(t, s, "op-1", "match_create", "local-1", "/api/matches")
	b := enqueueTest(t, s, "op-2", "match_event", "local-1", "/api/matches/local-1/events")

	assert.Less(t, a.Seq, b.Seq)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, testEpoch, a.EnqueuedAt)
	assert.Equal(t, 0, a.RetryCount)
}

func TestEnqueueOperation_Idempotent(t *testing.T) {
	s, _ := createTestStore(t)
	first := enqueueTest(t, s, "op-1", "match_create", "local-1", "/api/matches")
	again := enqueueTest(t, s, "op-1", "match_create", "local-1", "/api/matches")
	assert.Equal(t, first, again)

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
}

func TestEnqueueOperation_RequiresFields(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.EnqueueOperation(context.Background(), Operation{ID: "op-1"})
	assert.Error(t, err)
}

func TestEnqueueOperation_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	enqueueTest(t, s, "op-1", "match_create", "local-1", "/api/matches")
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	ops, err := s.PendingOperations(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-1", ops[0].ID)
}

func TestPendingOperations_Order(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"op-c", "op-a", "op-b"} {
		enqueueTest(t, s, id, "match_update", "local-1", "/api/matches/local-1")
	}
	require.NoError(t, s.MarkOperationSynced(ctx, "op-a"))

	ops, err := s.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "op-c", ops[0].ID, "sequence order, not id order")
	assert.Equal(t, "op-b", ops[1].ID)
}

func TestRecordAttemptFailure(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	enqueueTest(t, s, "op-1", "match_update", "local-1", "/api/matches/local-1")

	next := testEpoch.Add(2 * time.Second)
	n, err := s.RecordAttemptFailure(ctx, "op-1", "status 503", next)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.RecordAttemptFailure(ctx, "op-1", "timeout", next.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	op, err := s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "timeout", op.LastError)
	assert.Equal(t, next.Add(time.Second), op.NextAttemptAt)

	_, err = s.RecordAttemptFailure(ctx, "missing", "x", next)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailAndRequeue(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	enqueueTest(t, s, "op-1", "match_create", "local-1", "/api/matches")
	enqueueTest(t, s, "op-2", "match_event", "local-1", "/api/matches/local-1/events")
	enqueueTest(t, s, "op-3", "match_event", "local-2", "/api/matches/local-2/events")

	_, err := s.RecordAttemptFailure(ctx, "op-1", "boom", time.Time{})
	require.NoError(t, err)
	require.NoError(t, s.MarkOperationFailed(ctx, "op-1", "boom"))
	n, err := s.FailDependents(ctx, "local-1", "parent create failed")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	failed, err := s.FailedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "parent create failed", failed[1].LastError)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Pending: 1, Failed: 2}, st)

	has, err := s.HasFailedOperation(ctx, "match_create", "local-1")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.HasFailedOperation(ctx, "match_create", "local-2")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.RequeueOperation(ctx, "op-1"))
	has, err = s.HasFailedOperation(ctx, "match_create", "local-1")
	require.NoError(t, err)
	assert.False(t, has, "a requeued create is pending again")
	op, err := s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, 0, op.RetryCount)

	assert.ErrorIs(t, s.RequeueOperation(ctx, "op-3"), ErrNotFound, "only failed operations can be requeued")
}

func TestRemapMatchID(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	enqueueTest(t, s, "op-1", "match_create", "local-1", "/api/matches")
	enqueueTest(t, s, "op-2", "match_event", "local-1", "/api/matches/local-1/events")
	enqueueTest(t, s, "op-3", "match_update", "local-1", "/api/matches/local-1")
	enqueueTest(t, s, "op-4", "match_update", "local-2", "/api/matches/local-2")
	require.NoError(t, s.MarkOperationSynced(ctx, "op-1"))

	_, err := s.PutRecord(ctx, Record{ID: "media-1", Kind: RecordMedia, MatchID: "local-1", Data: []byte("x")})
	require.NoError(t, err)

	n, err := s.RemapMatchID(ctx, "local-1", "srv-9")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	op, err := s.GetOperation(ctx, "op-2")
	require.NoError(t, err)
	assert.Equal(t, "/api/matches/srv-9/events", op.Endpoint)
	assert.Equal(t, `{"match_id":"srv-9"}`, string(op.Payload))
	assert.Equal(t, "srv-9", op.MatchID)

	op, err = s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "local-1", op.MatchID, "delivered operations are left alone")

	op, err = s.GetOperation(ctx, "op-4")
	require.NoError(t, err)
	assert.Equal(t, "local-2", op.MatchID)

	rec, err := s.GetRecord(ctx, "media-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-9", rec.MatchID)

	id, ok, err := s.ResolveMatchID(ctx, "local-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "srv-9", id)

	_, ok, err = s.ResolveMatchID(ctx, "local-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPruneOperations(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"op-1", "op-2", "op-3", "op-4"} {
		enqueueTest(t, s, id, "match_update", "local-1", "/api/matches/local-1")
	}
	for _, id := range []string{"op-1", "op-2", "op-3"} {
		require.NoError(t, s.MarkOperationSynced(ctx, id))
	}

	n, err := s.PruneOperations(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.GetOperation(ctx, "op-3")
	assert.NoError(t, err, "most recent synced operation is kept")
	_, err = s.GetOperation(ctx, "op-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetOperation(ctx, "op-4")
	assert.NoError(t, err, "pending operations are never pruned")
}

func TestRecords_PutAndVersion(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	v1, err := s.PutRecord(ctx, Record{ID: "local-1", Kind: RecordMatch, MatchID: "local-1", Data: []byte(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	clock.Advance(time.Second)
	v2, err := s.PutRecord(ctx, Record{ID: "local-1", Kind: RecordMatch, MatchID: "local-1", Data: []byte(`{"a":2}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	rec, err := s.GetRecord(ctx, "local-1")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(rec.Data))
	assert.Equal(t, testEpoch, rec.CreatedAt)
	assert.Equal(t, testEpoch.Add(time.Second), rec.UpdatedAt)
	assert.False(t, rec.Synced)

	ok, err := s.MarkRecordSynced(ctx, "local-1", v1)
	require.NoError(t, err)
	assert.False(t, ok, "a stale version must not mark the record synced")

	ok, err = s.MarkRecordSynced(ctx, "local-1", v2)
	require.NoError(t, err)
	assert.True(t, ok)

	unsynced, err := s.ListUnsynced(ctx, RecordMatch)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	_, err = s.PutRecord(ctx, Record{ID: "x", Kind: "video"})
	assert.Error(t, err)
}

func TestRecords_LatestAndPrune(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"m-1", "m-2", "m-3"} {
		clock.Advance(time.Second)
		v, err := s.PutRecord(ctx, Record{ID: id, Kind: RecordMatch, Data: []byte{byte('0' + i)}})
		require.NoError(t, err)
		if id != "m-3" {
			_, err = s.MarkRecordSynced(ctx, id, v)
			require.NoError(t, err)
		}
	}

	latest, err := s.LatestRecord(ctx, RecordMatch)
	require.NoError(t, err)
	assert.Equal(t, "m-3", latest.ID)

	_, err = s.LatestRecord(ctx, RecordMedia)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.PruneRecords(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	unsynced, err := s.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, unsynced)

	require.NoError(t, s.DeleteRecord(ctx, "m-3"))
	_, err = s.GetRecord(ctx, "m-3")
	assert.ErrorIs(t, err, ErrNotFound)
}
