package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/takedown/internal/store"
)

// Status is a point-in-time view of the queue.
type Status struct {
	Pending         int       `json:"pending"`
	Synced          int       `json:"synced"`
	Failed          int       `json:"failed"`
	UnsyncedRecords int       `json:"unsynced_records"`
	Online          bool      `json:"online"`
	LastError       string    `json:"last_error,omitempty"`
	LastSyncAt      time.Time `json:"last_sync_at,omitempty"`
}

// Status returns current queue counts and the last delivery outcome.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	st, err := q.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	unsynced, err := q.store.CountUnsynced(ctx)
	if err != nil {
		return Status{}, err
	}

	q.statusMu.RLock()
	defer q.statusMu.RUnlock()
	return Status{
		Pending:         st.Pending,
		Synced:          st.Synced,
		Failed:          st.Failed,
		UnsyncedRecords: unsynced,
		Online:          q.conn.Online(),
		LastError:       q.lastError,
		LastSyncAt:      q.lastSyncAt,
	}, nil
}

// PermanentDeliveryFailure describes an operation that exhausted its
// retries or whose parent create failed.
type PermanentDeliveryFailure struct {
	OpID       string    `json:"op_id"`
	Kind       string    `json:"kind"`
	MatchID    string    `json:"match_id"`
	Endpoint   string    `json:"endpoint"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (f PermanentDeliveryFailure) Error() string {
	return fmt.Sprintf("operation %s (%s) failed after %d attempts: %s", f.OpID, f.Kind, f.RetryCount, f.LastError)
}

// Failures lists permanently failed operations in sequence order.
func (q *Queue) Failures(ctx context.Context) ([]PermanentDeliveryFailure, error) {
	ops, err := q.store.FailedOperations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PermanentDeliveryFailure, 0, len(ops))
	for _, op := range ops {
		out = append(out, failureOf(op))
	}
	return out, nil
}

func failureOf(op store.Operation) PermanentDeliveryFailure {
	return PermanentDeliveryFailure{
		OpID:       op.ID,
		Kind:       op.Kind,
		MatchID:    op.MatchID,
		Endpoint:   op.Endpoint,
		RetryCount: op.RetryCount,
		LastError:  op.LastError,
		EnqueuedAt: op.EnqueuedAt,
	}
}

// Retry returns a failed operation to the queue with a fresh retry budget.
// An empty id re-queues every failed operation. It returns the number of
// operations re-queued.
func (q *Queue) Retry(ctx context.Context, id string) (int, error) {
	if id != "" {
		if err := q.store.RequeueOperation(ctx, id); err != nil {
			return 0, err
		}
		q.logger.Info("operation requeued", "op_id", id)
		q.refreshDepth(ctx)
		return 1, nil
	}

	ops, err := q.store.FailedOperations(ctx)
	if err != nil {
		return 0, err
	}
	for _, op := range ops {
		if err := q.store.RequeueOperation(ctx, op.ID); err != nil {
			return 0, err
		}
	}
	if len(ops) > 0 {
		q.logger.Info("failed operations requeued", "count", len(ops))
	}
	q.refreshDepth(ctx)
	return len(ops), nil
}
