package outbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/takedown/internal/ids"
	"github.com/roach88/takedown/internal/store"
	"github.com/roach88/takedown/internal/wire"
)

var testEpoch = time.Date(2026, 3, 7, 18, 0, 0, 0, time.UTC)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

// recordingSender records delivered operations and fails an operation id
// as many times as failures[id] says.
type recordingSender struct {
	mu        sync.Mutex
	failures  map[string]int
	failAll   bool
	serverIDs map[string]string
	sent      []store.Operation
}

func newRecordingSender() *recordingSender {
	return &recordingSender{failures: map[string]int{}, serverIDs: map[string]string{}}
}

func (s *recordingSender) Send(_ context.Context, op store.Operation) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return Receipt{}, errors.New("connection refused")
	}
	if s.failures[op.ID] > 0 {
		s.failures[op.ID]--
		return Receipt{}, errors.New("status 503")
	}
	s.sent = append(s.sent, op)
	if op.Kind == wire.KindMatchCreate {
		return Receipt{ServerID: s.serverIDs[op.MatchID]}, nil
	}
	return Receipt{}, nil
}

func (s *recordingSender) delivered() []store.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Operation(nil), s.sent...)
}

type switchConn struct {
	mu     sync.Mutex
	online bool
}

func (c *switchConn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *switchConn) set(v bool) {
	c.mu.Lock()
	c.online = v
	c.mu.Unlock()
}

type fixture struct {
	store  *store.Store
	clock  fakeClock
	sender *recordingSender
	queue  *Queue
	logs   *bytes.Buffer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logs := &bytes.Buffer{}
	sender := newRecordingSender()
	base := []Option{
		WithClock(clock),
		WithLogger(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		WithIDs(ids.NewSequenceGenerator("op")),
	}
	q := New(st, sender, append(base, opts...)...)
	return &fixture{store: st, clock: clock, sender: sender, queue: q, logs: logs}
}

func (f *fixture) enqueue(t *testing.T, kind, matchID, endpoint string) store.Operation {
	t.Helper()
	op, err := f.queue.Enqueue(context.Background(), Request{
		Kind:     kind,
		Endpoint: endpoint,
		Method:   "POST",
		Payload:  []byte(`{"match_id":"` + matchID + `"}`),
		MatchID:  matchID,
	})
	require.NoError(t, err)
	return op
}

func deliveredIDs(ops []store.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

func TestBackoff(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Duration(0), cfg.Backoff(0))
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 4*time.Second, cfg.Backoff(2))
	assert.Equal(t, 8*time.Second, cfg.Backoff(3))
	assert.Equal(t, 5*time.Minute, cfg.Backoff(20))
}

func TestEnqueue_IsDurableAndDoesNotDeliver(t *testing.T) {
	f := newFixture(t)
	op := f.enqueue(t, wire.KindMatchUpdate, "srv-1", wire.MatchPath("srv-1"))
	assert.Equal(t, "op-1", op.ID)
	assert.Empty(t, f.sender.delivered())

	st, err := f.queue.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
}

func TestDrain_DeliversInSequenceOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, wire.KindMatchEvent, "srv-1", wire.EventsPath("srv-1"))
	f.enqueue(t, wire.KindMatchEvent, "srv-2", wire.EventsPath("srv-2"))
	f.enqueue(t, wire.KindMatchUpdate, "srv-1", wire.MatchPath("srv-1"))

	rep, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Delivered)
	assert.Equal(t, []string{"op-1", "op-2", "op-3"}, deliveredIDs(f.sender.delivered()))

	st, err := f.queue.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 3, st.Synced)
	assert.Equal(t, testEpoch, st.LastSyncAt)
}

func TestDrain_FailTwiceThenSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, wire.KindMatchUpdate, "srv-1", wire.MatchPath("srv-1"))
	f.sender.failures["op-1"] = 2

	rep, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Retried)

	op, err := f.store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 1, op.RetryCount)
	assert.Equal(t, testEpoch.Add(2*time.Second), op.NextAttemptAt)

	rep, err = f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Attempted, "backoff has not elapsed")
	assert.Equal(t, 1, rep.Deferred)

	f.clock.Advance(2 * time.Second)
	_, err = f.queue.Drain(ctx)
	require.NoError(t, err)
	op, err = f.store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 2, op.RetryCount)
	assert.Equal(t, testEpoch.Add(6*time.Second), op.NextAttemptAt)

	f.clock.Advance(4 * time.Second)
	rep, err = f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)

	op, err = f.store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSynced, op.Status)
	assert.Len(t, f.sender.delivered(), 1, "delivered exactly once after recovery")
}

func TestDrain_FailureBlocksOnlyItsKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, wire.KindMatchEvent, "srv-1", wire.EventsPath("srv-1"))
	f.enqueue(t, wire.KindMatchEvent, "srv-2", wire.EventsPath("srv-2"))
	f.enqueue(t, wire.KindMatchUpdate, "srv-1", wire.MatchPath("srv-1"))
	f.sender.failures["op-1"] = 1

	rep, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-2"}, deliveredIDs(f.sender.delivered()))
	assert.Equal(t, 1, rep.Deferred, "op-3 must wait for op-1")

	f.clock.Advance(2 * time.Second)
	_, err = f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-2", "op-1", "op-3"}, deliveredIDs(f.sender.delivered()))
}

func TestDrain_RemapsTemporaryIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	temp := "local-abc"
	f.sender.serverIDs[temp] = "srv-42"

	_, err := f.store.PutRecord(ctx, store.Record{ID: temp, Kind: store.RecordMatch, MatchID: temp, Data: []byte(`{}`)})
	require.NoError(t, err)

	_, err = f.queue.Enqueue(ctx, Request{
		Kind: wire.KindMatchCreate, Endpoint: wire.MatchesPath, Method: "POST",
		Payload: []byte(`{"client_id":"local-abc"}`), MatchID: temp,
		RecordID: temp, RecordVersion: 1,
	})
	require.NoError(t, err)
	f.enqueue(t, wire.KindMatchEvent, temp, wire.EventsPath(temp))
	f.enqueue(t, wire.KindMatchEvent, temp, wire.EventsPath(temp))

	rep, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Delivered)
	assert.Equal(t, 2, rep.Remapped)

	sent := f.sender.delivered()
	require.Len(t, sent, 3)
	assert.Equal(t, wire.MatchesPath, sent[0].Endpoint)
	for _, op := range sent[1:] {
		assert.Equal(t, "/api/matches/srv-42/events", op.Endpoint)
		assert.Equal(t, `{"match_id":"srv-42"}`, string(op.Payload))
		assert.Equal(t, "srv-42", op.MatchID)
	}

	rec, err := f.store.GetRecord(ctx, temp)
	require.NoError(t, err)
	assert.True(t, rec.Synced)
	assert.Equal(t, "srv-42", rec.MatchID)
}

func TestDrain_ResolvesOperationsEnqueuedAfterRemap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.RemapMatchID(ctx, "local-1", "srv-1")
	require.NoError(t, err)

	f.enqueue(t, wire.KindMatchUpdate, "local-1", wire.MatchPath("local-1"))
	_, err = f.queue.Drain(ctx)
	require.NoError(t, err)

	sent := f.sender.delivered()
	require.Len(t, sent, 1)
	assert.Equal(t, wire.MatchPath("srv-1"), sent[0].Endpoint)
}

func TestDrain_RetryCeilingFailsOperationAndDependents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	f := newFixture(t, WithConfig(cfg))
	ctx := context.Background()
	temp := "local-x"
	f.enqueue(t, wire.KindMatchCreate, temp, wire.MatchesPath)
	f.enqueue(t, wire.KindMatchEvent, temp, wire.EventsPath(temp))
	f.enqueue(t, wire.KindMatchUpdate, "srv-9", wire.MatchPath("srv-9"))
	f.sender.failures["op-1"] = 100

	var rep Report
	for i := 0; i < 3; i++ {
		var err error
		rep, err = f.queue.Drain(ctx)
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
	}
	assert.Equal(t, 2, rep.Failed)

	failures, err := f.queue.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "op-1", failures[0].OpID)
	assert.Equal(t, 3, failures[0].RetryCount)
	assert.Equal(t, "op-2", failures[1].OpID)
	assert.Contains(t, failures[1].LastError, "parent create failed")

	assert.Contains(t, f.logs.String(), "event=permanent_delivery_failure")
	assert.Contains(t, f.logs.String(), "level=ERROR")
	assert.Equal(t, []string{"op-3"}, deliveredIDs(f.sender.delivered()))

	rep, err = f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Attempted, "failed operations are not retried automatically")

	f.sender.failures["op-1"] = 0
	n, err := f.queue.Retry(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-3", "op-1", "op-2"}, deliveredIDs(f.sender.delivered()))
}

func TestDrain_KeepsMatchOrderAcrossRemap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	temp := "local-1"
	f.sender.serverIDs[temp] = "srv-1"

	f.enqueue(t, wire.KindMatchCreate, temp, wire.MatchesPath)
	f.enqueue(t, wire.KindMatchUpdate, temp, wire.MatchPath(temp))
	f.sender.failures["op-2"] = 1

	rep, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 1, rep.Retried)

	// The engine keeps scoring under the temporary id after the remap.
	f.enqueue(t, wire.KindMatchUpdate, temp, wire.MatchPath(temp))

	rep, err = f.queue.DeliverKey(ctx, temp)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Attempted)
	assert.Equal(t, 2, rep.Deferred)

	_, err = f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-1"}, deliveredIDs(f.sender.delivered()),
		"a newer update must wait behind the pending one")

	f.clock.Advance(time.Hour)
	rep, err = f.queue.DeliverKey(ctx, temp)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Delivered)

	sent := f.sender.delivered()
	assert.Equal(t, []string{"op-1", "op-2", "op-3"}, deliveredIDs(sent))
	for _, op := range sent[1:] {
		assert.Equal(t, "/api/matches/srv-1", op.Endpoint)
		assert.Equal(t, "srv-1", op.MatchID)
	}
}

func TestDrain_FailsOperationsOfFailedCreate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	f := newFixture(t, WithConfig(cfg))
	ctx := context.Background()
	temp := "local-9"
	f.enqueue(t, wire.KindMatchCreate, temp, wire.MatchesPath)
	f.sender.failures["op-1"] = 100

	rep, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	f.enqueue(t, wire.KindMatchUpdate, temp, wire.MatchPath(temp))
	f.enqueue(t, wire.KindMatchUpdate, "srv-5", wire.MatchPath("srv-5"))

	rep, err = f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, []string{"op-3"}, deliveredIDs(f.sender.delivered()))

	failures, err := f.queue.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "op-2", failures[1].OpID)
	assert.Equal(t, "parent create failed", failures[1].LastError)
	assert.Equal(t, 0, failures[1].RetryCount, "no attempt is spent on an orphaned operation")

	f.sender.failures["op-1"] = 0
	f.sender.serverIDs[temp] = "srv-9"
	n, err := f.queue.Retry(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.queue.Drain(ctx)
	require.NoError(t, err)
	sent := f.sender.delivered()
	assert.Equal(t, []string{"op-3", "op-1", "op-2"}, deliveredIDs(sent))
	assert.Equal(t, "/api/matches/srv-9", sent[2].Endpoint)
}

func TestTrigger_RespectsConnectivity(t *testing.T) {
	conn := &switchConn{}
	f := newFixture(t, WithConnectivity(conn))
	ctx := context.Background()

	for _, m := range []string{"A", "B", "C"} {
		f.enqueue(t, wire.KindMatchEvent, "srv-1", wire.EventsPath("srv-1")+"#"+m)
	}
	assert.False(t, f.queue.Trigger(ctx), "offline triggers are ignored")
	f.queue.Wait()
	assert.Empty(t, f.sender.delivered())

	conn.set(true)
	assert.True(t, f.queue.Trigger(ctx))
	f.queue.Wait()

	sent := f.sender.delivered()
	require.Len(t, sent, 3)
	assert.Equal(t, []string{"op-1", "op-2", "op-3"}, deliveredIDs(sent))

	st, err := f.queue.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.Equal(t, 0, st.Pending)
}

func TestDrain_CoalescesConcurrentPasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, wire.KindMatchUpdate, "srv-1", wire.MatchPath("srv-1"))

	f.queue.draining.Lock()
	rep, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Coalesced)
	assert.False(t, f.queue.Trigger(ctx))
	f.queue.draining.Unlock()

	assert.Empty(t, f.sender.delivered())

	rep, err = f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Coalesced)
	assert.Equal(t, 1, rep.Delivered)
}

func TestDeliverKey_OnlyTouchesKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, wire.KindMatchUpdate, "srv-1", wire.MatchPath("srv-1"))
	f.enqueue(t, wire.KindMatchUpdate, "srv-2", wire.MatchPath("srv-2"))

	rep, err := f.queue.DeliverKey(ctx, "srv-2")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, []string{"op-2"}, deliveredIDs(f.sender.delivered()))

	_, err = f.queue.DeliverKey(ctx, "")
	assert.Error(t, err)
}

func TestDrain_CancelledContextDoesNotCountAttempt(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.enqueue(t, wire.KindMatchUpdate, "srv-1", wire.MatchPath("srv-1"))

	q := New(f.store, SenderFunc(func(ctx context.Context, op store.Operation) (Receipt, error) {
		cancel()
		return Receipt{}, ctx.Err()
	}), WithClock(f.clock))
	_, err := q.Drain(ctx)
	require.NoError(t, err)

	op, err := f.store.GetOperation(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, 0, op.RetryCount)
	assert.Equal(t, store.StatusPending, op.Status)
}

func TestDrain_PrunesSyncedHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepOperations = 1
	f := newFixture(t, WithConfig(cfg))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.enqueue(t, wire.KindMatchUpdate, "srv-1", wire.MatchPath("srv-1"))
	}
	_, err := f.queue.Drain(ctx)
	require.NoError(t, err)

	st, err := f.queue.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Synced)
}

func TestDrain_StaleRecordStaysUnsynced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1, err := f.store.PutRecord(ctx, store.Record{ID: "srv-1", Kind: store.RecordMatch, MatchID: "srv-1", Data: []byte(`1`)})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, Request{
		Kind: wire.KindMatchUpdate, Endpoint: wire.MatchPath("srv-1"), Method: "PUT",
		Payload: []byte(`{}`), MatchID: "srv-1", RecordID: "srv-1", RecordVersion: v1,
	})
	require.NoError(t, err)
	_, err = f.store.PutRecord(ctx, store.Record{ID: "srv-1", Kind: store.RecordMatch, MatchID: "srv-1", Data: []byte(`2`)})
	require.NoError(t, err)

	_, err = f.queue.Drain(ctx)
	require.NoError(t, err)

	rec, err := f.store.GetRecord(ctx, "srv-1")
	require.NoError(t, err)
	assert.False(t, rec.Synced, "a newer local write is still waiting for delivery")
}
