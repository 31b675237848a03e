// Package outbox implements the durable sync queue.
//
// Enqueue persists an operation before returning. Delivery happens in drain
// passes that walk pending operations in sequence order, so operations that
// share a match id reach the backend in the order they were enqueued. A
// failed operation blocks the rest of its key for the remainder of the pass.
// After MaxRetries failed attempts an operation is moved to the failed state
// and logged as a permanent delivery failure.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/takedown/internal/ids"
	"github.com/roach88/takedown/internal/metrics"
	"github.com/roach88/takedown/internal/store"
	"github.com/roach88/takedown/internal/wire"
)

// Receipt is what a successful delivery returns.
type Receipt struct {
	// ServerID is the id assigned by the backend to a created match.
	ServerID string
}

// Sender delivers one operation to the backend.
type Sender interface {
	Send(ctx context.Context, op store.Operation) (Receipt, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, op store.Operation) (Receipt, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, op store.Operation) (Receipt, error) {
	return f(ctx, op)
}

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Config bounds retries and retention.
type Config struct {
	// MaxRetries is the number of failed attempts after which an operation
	// is marked failed.
	MaxRetries int
	// BaseBackoff is the delay after the first failure; it doubles on each
	// further failure up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// KeepOperations and KeepRecords are how many synced rows survive
	// pruning.
	KeepOperations int
	KeepRecords    int
}

// DefaultConfig returns the default retry and retention policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     5 * time.Minute,
		KeepOperations: 200,
		KeepRecords:    50,
	}
}

// Backoff returns the delay before the next attempt after the n-th failure.
func (c Config) Backoff(n int) time.Duration {
	if n < 1 || c.BaseBackoff <= 0 {
		return 0
	}
	d := c.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// Option configures a Queue.
type Option func(*Queue)

// WithConfig sets the retry and retention policy.
func WithConfig(cfg Config) Option {
	return func(q *Queue) { q.cfg = cfg }
}

// WithClock sets the clock used for backoff.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics sets the queue collectors.
func WithMetrics(m *metrics.Queue) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithIDs sets the operation id generator.
func WithIDs(g ids.Generator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithConnectivity gates Trigger on c.
func WithConnectivity(c Connectivity) Option {
	return func(q *Queue) { q.conn = c }
}

// Queue is the durable sync queue.
type Queue struct {
	store   *store.Store
	sender  Sender
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Queue
	ids     ids.Generator
	conn    Connectivity

	// draining is held for the duration of a pass. TryLock makes
	// concurrent triggers coalesce.
	draining sync.Mutex
	wg       sync.WaitGroup

	statusMu   sync.RWMutex
	lastError  string
	lastSyncAt time.Time
}

// New creates a queue over st delivering through sender.
func New(st *store.Store, sender Sender, opts ...Option) *Queue {
	q := &Queue{
		store:  st,
		sender: sender,
		cfg:    DefaultConfig(),
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		ids:    ids.UUIDv7Generator{},
		conn:   alwaysOnline{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Request describes an operation to enqueue.
type Request struct {
	// ID is the operation id and idempotency key; generated when empty.
	ID            string
	Kind          string
	Endpoint      string
	Method        string
	Payload       []byte
	MatchID       string
	RecordID      string
	RecordVersion int64
}

// Enqueue durably appends an operation. It does not deliver it.
func (q *Queue) Enqueue(ctx context.Context, req Request) (store.Operation, error) {
	if req.ID == "" {
		req.ID = q.ids.Generate()
	}
	op, err := q.store.EnqueueOperation(ctx, store.Operation{
		ID:            req.ID,
		Kind:          req.Kind,
		Endpoint:      req.Endpoint,
		Method:        req.Method,
		Payload:       req.Payload,
		MatchID:       req.MatchID,
		RecordID:      req.RecordID,
		RecordVersion: req.RecordVersion,
	})
	if err != nil {
		return store.Operation{}, fmt.Errorf("enqueue %s: %w", req.Kind, err)
	}
	q.logger.Debug("operation enqueued", "op_id", op.ID, "kind", op.Kind, "seq", op.Seq, "match_id", op.MatchID)
	q.refreshDepth(ctx)
	return op, nil
}

// Report summarizes one drain pass.
type Report struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Remapped  int `json:"remapped"`
	// Coalesced is true when another pass was already running and this
	// trigger did nothing.
	Coalesced bool `json:"coalesced"`
}

// Trigger starts an asynchronous drain pass if the backend is reachable
// and no pass is running. It reports whether a pass was started.
func (q *Queue) Trigger(ctx context.Context) bool {
	if !q.conn.Online() {
		return false
	}
	if !q.draining.TryLock() {
		return false
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.draining.Unlock()
		if _, err := q.drainLocked(ctx, ""); err != nil && ctx.Err() == nil {
			q.logger.Warn("drain pass failed", "error", err)
		}
	}()
	return true
}

// Drain runs one pass over all pending operations.
func (q *Queue) Drain(ctx context.Context) (Report, error) {
	return q.drain(ctx, "")
}

// DeliverKey runs one pass restricted to operations with the given key.
func (q *Queue) DeliverKey(ctx context.Context, key string) (Report, error) {
	if key == "" {
		return Report{}, errors.New("deliver key: key is required")
	}
	return q.drain(ctx, key)
}

func (q *Queue) drain(ctx context.Context, key string) (Report, error) {
	if !q.draining.TryLock() {
		return Report{Coalesced: true}, nil
	}
	defer q.draining.Unlock()
	return q.drainLocked(ctx, key)
}

// Wait blocks until asynchronous passes started by Trigger finish.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) drainLocked(ctx context.Context, only string) (Report, error) {
	start := q.clock.Now()
	var rep Report

	ops, err := q.store.PendingOperations(ctx)
	if err != nil {
		return rep, err
	}

	keys := passKeys{store: q.store, resolved: make(map[string]string)}
	orphans := make(map[string]bool)
	blocked := make(map[string]bool)
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		key, err := keys.of(ctx, op.Key())
		if err != nil {
			return rep, err
		}
		if only != "" {
			want, err := keys.of(ctx, only)
			if err != nil {
				return rep, err
			}
			if key != want {
				continue
			}
		}
		if blocked[key] {
			rep.Deferred++
			continue
		}
		if !op.NextAttemptAt.IsZero() && op.NextAttemptAt.After(q.clock.Now()) {
			blocked[key] = true
			rep.Deferred++
			continue
		}

		if op.Kind != wire.KindMatchCreate && ids.IsTemporary(key) {
			orphaned, ok := orphans[key]
			if !ok {
				orphaned, err = q.store.HasFailedOperation(ctx, wire.KindMatchCreate, key)
				if err != nil {
					return rep, err
				}
				orphans[key] = orphaned
			}
			if orphaned {
				if err := q.failOrphan(ctx, op); err != nil {
					return rep, err
				}
				rep.Failed++
				continue
			}
		}

		op, err = q.resolve(ctx, op)
		if err != nil {
			return rep, err
		}

		rep.Attempted++
		receipt, sendErr := q.sender.Send(ctx, op)
		if sendErr != nil {
			if ctx.Err() != nil {
				break
			}
			permanent, err := q.recordFailure(ctx, op, sendErr)
			if err != nil {
				return rep, err
			}
			blocked[key] = true
			if permanent > 0 {
				rep.Failed += permanent
			} else {
				rep.Retried++
			}
			continue
		}

		remapped, err := q.recordSuccess(ctx, op, receipt)
		if err != nil {
			return rep, err
		}
		if op.Kind == wire.KindMatchCreate {
			keys.forget(op.MatchID)
		}
		rep.Delivered++
		rep.Remapped += remapped
	}

	if err := q.Prune(ctx); err != nil {
		q.logger.Warn("prune failed", "error", err)
	}
	q.refreshDepth(ctx)
	q.metrics.ObserveDrain(q.clock.Since(start))

	if rep.Attempted > 0 {
		q.logger.Debug("drain pass finished",
			"attempted", rep.Attempted, "delivered", rep.Delivered,
			"retried", rep.Retried, "failed", rep.Failed, "deferred", rep.Deferred)
	}
	return rep, nil
}

// passKeys resolves ordering keys through the id map for one pass, so
// operations enqueued under a temporary id and under its server id share a
// key.
type passKeys struct {
	store    *store.Store
	resolved map[string]string
}

func (k *passKeys) of(ctx context.Context, key string) (string, error) {
	if !ids.IsTemporary(key) {
		return key, nil
	}
	if v, ok := k.resolved[key]; ok {
		return v, nil
	}
	serverID, ok, err := k.store.ResolveMatchID(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		serverID = key
	}
	k.resolved[key] = serverID
	return serverID, nil
}

// forget drops a cached resolution after the key's create was delivered.
func (k *passKeys) forget(key string) {
	delete(k.resolved, key)
}

// failOrphan fails an operation whose match create has permanently failed;
// the backend has no match to apply it to.
func (q *Queue) failOrphan(ctx context.Context, op store.Operation) error {
	const reason = "parent create failed"
	if err := q.store.MarkOperationFailed(ctx, op.ID, reason); err != nil {
		return err
	}
	q.metrics.ObservePermanentFailure(1)
	q.logger.Error("permanent delivery failure",
		"event", "permanent_delivery_failure",
		"op_id", op.ID, "kind", op.Kind, "match_id", op.MatchID,
		"retry_count", op.RetryCount, "error", reason)
	return nil
}

// resolve rewrites a temporary match id that was remapped after op was
// read.
func (q *Queue) resolve(ctx context.Context, op store.Operation) (store.Operation, error) {
	if !ids.IsTemporary(op.MatchID) {
		return op, nil
	}
	serverID, ok, err := q.store.ResolveMatchID(ctx, op.MatchID)
	if err != nil || !ok {
		return op, err
	}
	if op.Kind == wire.KindMatchCreate {
		return op, nil
	}
	tempID := op.MatchID
	op.Endpoint = strings.ReplaceAll(op.Endpoint, tempID, serverID)
	op.Payload = []byte(strings.ReplaceAll(string(op.Payload), tempID, serverID))
	op.MatchID = serverID
	return op, nil
}

func (q *Queue) recordSuccess(ctx context.Context, op store.Operation, receipt Receipt) (int, error) {
	if err := q.store.MarkOperationSynced(ctx, op.ID); err != nil {
		return 0, err
	}
	q.metrics.ObserveDelivered()

	q.statusMu.Lock()
	q.lastSyncAt = q.clock.Now()
	q.lastError = ""
	q.statusMu.Unlock()

	if op.RecordID != "" {
		if _, err := q.store.MarkRecordSynced(ctx, op.RecordID, op.RecordVersion); err != nil {
			return 0, err
		}
	}

	if op.Kind != wire.KindMatchCreate || receipt.ServerID == "" || receipt.ServerID == op.MatchID {
		return 0, nil
	}
	n, err := q.store.RemapMatchID(ctx, op.MatchID, receipt.ServerID)
	if err != nil {
		return 0, err
	}
	q.metrics.ObserveRemap()
	q.logger.Info("match id remapped",
		"temp_id", op.MatchID, "server_id", receipt.ServerID, "rewritten", n)
	return n, nil
}

// recordFailure counts a failed attempt and returns how many operations
// were moved to the failed state as a result.
func (q *Queue) recordFailure(ctx context.Context, op store.Operation, sendErr error) (int, error) {
	reason := sendErr.Error()
	q.statusMu.Lock()
	q.lastError = reason
	q.statusMu.Unlock()

	next := q.clock.Now().Add(q.cfg.Backoff(op.RetryCount + 1))
	retries, err := q.store.RecordAttemptFailure(ctx, op.ID, reason, next)
	if err != nil {
		return 0, err
	}

	if retries < q.cfg.MaxRetries {
		q.metrics.ObserveRetry()
		q.logger.Warn("delivery failed, will retry",
			"op_id", op.ID, "kind", op.Kind, "match_id", op.MatchID,
			"retry_count", retries, "next_attempt_at", next, "error", reason)
		return 0, nil
	}

	if err := q.store.MarkOperationFailed(ctx, op.ID, reason); err != nil {
		return 0, err
	}
	failed := 1
	q.logger.Error("permanent delivery failure",
		"event", "permanent_delivery_failure",
		"op_id", op.ID, "kind", op.Kind, "match_id", op.MatchID,
		"retry_count", retries, "error", reason)

	if op.Kind == wire.KindMatchCreate {
		n, err := q.store.FailDependents(ctx, op.MatchID, "parent create failed: "+reason)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			q.logger.Error("dependent operations failed",
				"event", "permanent_delivery_failure",
				"match_id", op.MatchID, "count", n)
		}
		failed += int(n)
	}
	q.metrics.ObservePermanentFailure(failed)
	return failed, nil
}

// Prune applies the retention policy to synced operations and records.
func (q *Queue) Prune(ctx context.Context) error {
	if _, err := q.store.PruneOperations(ctx, q.cfg.KeepOperations); err != nil {
		return err
	}
	if _, err := q.store.PruneRecords(ctx, q.cfg.KeepRecords); err != nil {
		return err
	}
	return nil
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	st, err := q.store.Stats(ctx)
	if err != nil {
		return
	}
	q.metrics.SetDepth(st.Pending, st.Failed)
}
