package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OperationStatus is the delivery state of a queued operation.
type OperationStatus string

const (
	StatusPending OperationStatus = "pending"
	StatusSynced  OperationStatus = "synced"
	// StatusFailed marks a permanent delivery failure. Failed operations
	// stay inspectable until the operator re-queues them.
	StatusFailed OperationStatus = "failed"
)

// Operation is one queued write to the backend.
type Operation struct {
	Seq      int64
	ID       string
	Kind     string
	Endpoint string
	Method   string
	Payload  []byte
	MatchID  string
	// RecordID and RecordVersion name the shadow record this operation
	// confirms once delivered.
	RecordID      string
	RecordVersion int64
	EnqueuedAt    time.Time
	RetryCount    int
	NextAttemptAt time.Time
	Status        OperationStatus
	LastError     string
	SyncedAt      time.Time
}

// Key returns the ordering key: operations sharing a key are delivered in
// sequence order.
func (o Operation) Key() string {
	if o.MatchID != "" {
		return o.MatchID
	}
	return o.ID
}

// QueueStats summarizes the operations table.
type QueueStats struct {
	Pending int
	Synced  int
	Failed  int
}

const operationColumns = `seq, id, kind, endpoint, method, payload, match_id, record_id, record_version,
	enqueued_at, retry_count, next_attempt_at, status, last_error, synced_at`

// EnqueueOperation durably appends op to the queue and returns it with Seq,
// EnqueuedAt and Status filled in. Enqueueing an id twice is a no-op that
// returns the stored row.
func (s *Store) EnqueueOperation(ctx context.Context, op Operation) (Operation, error) {
	if op.ID == "" || op.Kind == "" || op.Endpoint == "" || op.Method == "" {
		return Operation{}, fmt.Errorf("enqueue operation: id, kind, endpoint and method are required")
	}
	if op.Payload == nil {
		op.Payload = []byte{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations
		(id, kind, endpoint, method, payload, match_id, record_id, record_version, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		op.ID, op.Kind, op.Endpoint, op.Method, op.Payload,
		op.MatchID, op.RecordID, op.RecordVersion, s.now(),
	)
	if err != nil {
		return Operation{}, fmt.Errorf("enqueue operation: %w", err)
	}
	return s.GetOperation(ctx, op.ID)
}

// GetOperation returns the operation with the given id.
func (s *Store) GetOperation(ctx context.Context, id string) (Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Operation{}, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// PendingOperations returns all pending operations in sequence order.
func (s *Store) PendingOperations(ctx context.Context) ([]Operation, error) {
	return s.queryOperations(ctx, `WHERE status = 'pending' ORDER BY seq ASC`)
}

// FailedOperations returns permanently failed operations in sequence order.
func (s *Store) FailedOperations(ctx context.Context) ([]Operation, error) {
	return s.queryOperations(ctx, `WHERE status = 'failed' ORDER BY seq ASC`)
}

func (s *Store) queryOperations(ctx context.Context, where string, args ...any) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+operationColumns+` FROM operations `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (Operation, error) {
	var (
		op                            Operation
		status                        string
		enqueuedAt, nextAt, syncedAt string
	)
	err := row.Scan(
		&op.Seq, &op.ID, &op.Kind, &op.Endpoint, &op.Method, &op.Payload,
		&op.MatchID, &op.RecordID, &op.RecordVersion,
		&enqueuedAt, &op.RetryCount, &nextAt, &status, &op.LastError, &syncedAt,
	)
	if err != nil {
		return Operation{}, err
	}
	op.Status = OperationStatus(status)
	if op.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return Operation{}, err
	}
	if op.NextAttemptAt, err = parseTime(nextAt); err != nil {
		return Operation{}, err
	}
	if op.SyncedAt, err = parseTime(syncedAt); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// MarkOperationSynced records a successful delivery.
func (s *Store) MarkOperationSynced(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = 'synced', synced_at = ?, last_error = '', next_attempt_at = ''
		WHERE id = ?
	`, s.now(), id)
	if err != nil {
		return fmt.Errorf("mark operation synced: %w", err)
	}
	return requireRow(res, "operation", id)
}

// RecordAttemptFailure increments the retry count of a pending operation,
// stores the error and the earliest next attempt, and returns the new
// retry count.
func (s *Store) RecordAttemptFailure(ctx context.Context, id, reason string, nextAttempt time.Time) (int, error) {
	var retries int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE operations
			SET retry_count = retry_count + 1, last_error = ?, next_attempt_at = ?
			WHERE id = ? AND status = 'pending'
		`, reason, formatTime(nextAttempt), id)
		if err != nil {
			return err
		}
		if err := requireRow(res, "pending operation", id); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT retry_count FROM operations WHERE id = ?`, id).Scan(&retries)
	})
	if err != nil {
		return 0, fmt.Errorf("record attempt failure: %w", err)
	}
	return retries, nil
}

// MarkOperationFailed moves an operation to the failed state.
func (s *Store) MarkOperationFailed(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = 'failed', last_error = ?, next_attempt_at = ''
		WHERE id = ?
	`, reason, id)
	if err != nil {
		return fmt.Errorf("mark operation failed: %w", err)
	}
	return requireRow(res, "operation", id)
}

// FailDependents fails every pending operation for matchID and returns the
// number affected.
func (s *Store) FailDependents(ctx context.Context, matchID, reason string) (int64, error) {
	if matchID == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = 'failed', last_error = ?, next_attempt_at = ''
		WHERE match_id = ? AND status = 'pending'
	`, reason, matchID)
	if err != nil {
		return 0, fmt.Errorf("fail dependents: %w", err)
	}
	return res.RowsAffected()
}

// HasFailedOperation reports whether an operation of kind for matchID is
// in the failed state.
func (s *Store) HasFailedOperation(ctx context.Context, kind, matchID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations WHERE kind = ? AND match_id = ? AND status = 'failed'
	`, kind, matchID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has failed operation: %w", err)
	}
	return n > 0, nil
}

// RequeueOperation returns a failed operation to the pending state with a
// fresh retry budget.
func (s *Store) RequeueOperation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = 'pending', retry_count = 0, next_attempt_at = ''
		WHERE id = ? AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("requeue operation: %w", err)
	}
	return requireRow(res, "failed operation", id)
}

// RemapMatchID records that tempID was replaced by serverID and rewrites
// every undelivered operation and record referencing tempID, all in one
// transaction. It returns the number of operations rewritten.
func (s *Store) RemapMatchID(ctx context.Context, tempID, serverID string) (int, error) {
	if tempID == "" || serverID == "" {
		return 0, fmt.Errorf("remap match id: both ids are required")
	}
	if tempID == serverID {
		return 0, nil
	}

	var rewritten int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO id_map (temp_id, server_id, mapped_at) VALUES (?, ?, ?)
			ON CONFLICT(temp_id) DO UPDATE SET server_id = excluded.server_id, mapped_at = excluded.mapped_at
		`, tempID, serverID, s.now()); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, endpoint, payload FROM operations
			WHERE status != 'synced' AND (match_id = ? OR instr(endpoint, ?) > 0)
			ORDER BY seq ASC
		`, tempID, tempID)
		if err != nil {
			return err
		}
		type rewrite struct {
			id       string
			endpoint string
			payload  []byte
		}
		var pending []rewrite
		for rows.Next() {
			var r rewrite
			if err := rows.Scan(&r.id, &r.endpoint, &r.payload); err != nil {
				rows.Close()
				return err
			}
			pending = append(pending, r)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range pending {
			_, err := tx.ExecContext(ctx, `
				UPDATE operations SET endpoint = ?, payload = ?, match_id = ? WHERE id = ?
			`,
				strings.ReplaceAll(r.endpoint, tempID, serverID),
				[]byte(strings.ReplaceAll(string(r.payload), tempID, serverID)),
				serverID, r.id,
			)
			if err != nil {
				return err
			}
		}
		rewritten = len(pending)

		_, err = tx.ExecContext(ctx, `UPDATE records SET match_id = ? WHERE match_id = ?`, serverID, tempID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("remap match id: %w", err)
	}
	return rewritten, nil
}

// ResolveMatchID returns the server id for a remapped temporary id.
func (s *Store) ResolveMatchID(ctx context.Context, id string) (string, bool, error) {
	var serverID string
	err := s.db.QueryRowContext(ctx, `SELECT server_id FROM id_map WHERE temp_id = ?`, id).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve match id: %w", err)
	}
	return serverID, true, nil
}

// PruneOperations deletes synced operations beyond the keep most recent.
func (s *Store) PruneOperations(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM operations
		WHERE status = 'synced' AND seq NOT IN (
			SELECT seq FROM operations WHERE status = 'synced' ORDER BY seq DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune operations: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts operations by status.
func (s *Store) Stats(ctx context.Context) (QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var st QueueStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return QueueStats{}, fmt.Errorf("queue stats: %w", err)
		}
		switch OperationStatus(status) {
		case StatusPending:
			st.Pending = n
		case StatusSynced:
			st.Synced = n
		case StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
