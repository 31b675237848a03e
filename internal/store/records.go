package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordKind distinguishes shadow records.
type RecordKind string

const (
	RecordMatch RecordKind = "match"
	RecordMedia RecordKind = "media"
)

// Record is an offline shadow copy: a match snapshot or a media chunk blob.
type Record struct {
	ID          string
	Kind        RecordKind
	MatchID     string
	Data        []byte
	ContentType string
	// Version increases on every Put. MarkRecordSynced only succeeds for
	// the version that was delivered.
	Version   int64
	Synced    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

const recordColumns = `id, kind, match_id, data, content_type, version, synced, created_at, updated_at`

// PutRecord inserts or replaces a record, marks it unsynced and returns its
// new version.
func (s *Store) PutRecord(ctx context.Context, r Record) (int64, error) {
	if r.ID == "" {
		return 0, fmt.Errorf("put record: id is required")
	}
	if r.Kind != RecordMatch && r.Kind != RecordMedia {
		return 0, fmt.Errorf("put record: unknown kind %q", r.Kind)
	}
	if r.Data == nil {
		r.Data = []byte{}
	}

	var version int64
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO records (id, kind, match_id, data, content_type, version, synced, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				match_id = excluded.match_id,
				data = excluded.data,
				content_type = excluded.content_type,
				version = records.version + 1,
				synced = 0,
				updated_at = excluded.updated_at
		`, r.ID, string(r.Kind), r.MatchID, r.Data, r.ContentType, now, now)
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT version FROM records WHERE id = ?`, r.ID).Scan(&version)
	})
	if err != nil {
		return 0, fmt.Errorf("put record: %w", err)
	}
	return version, nil
}

// GetRecord returns the record with the given id.
func (s *Store) GetRecord(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// ListUnsynced returns unsynced records of kind, least recently updated
// first.
func (s *Store) ListUnsynced(ctx context.Context, kind RecordKind) ([]Record, error) {
	return s.queryRecords(ctx, `WHERE kind = ? AND synced = 0 ORDER BY updated_at ASC, id ASC`, string(kind))
}

// LatestRecord returns the most recently updated record of kind.
func (s *Store) LatestRecord(ctx context.Context, kind RecordKind) (Record, error) {
	recs, err := s.queryRecords(ctx, `WHERE kind = ? ORDER BY updated_at DESC, id DESC LIMIT 1`, string(kind))
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("latest %s record: %w", kind, ErrNotFound)
	}
	return recs[0], nil
}

func (s *Store) queryRecords(ctx context.Context, where string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	recs := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return recs, nil
}

func scanRecord(row scanner) (Record, error) {
	var (
		r                    Record
		kind                 string
		synced               int
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &kind, &r.MatchID, &r.Data, &r.ContentType, &r.Version, &synced, &createdAt, &updatedAt)
	if err != nil {
		return Record{}, err
	}
	r.Kind = RecordKind(kind)
	r.Synced = synced != 0
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Record{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Record{}, err
	}
	return r, nil
}

// MarkRecordSynced marks a record synced if it is still at version. It
// reports false when a newer Put superseded the delivered version.
func (s *Store) MarkRecordSynced(ctx context.Context, id string, version int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET synced = 1 WHERE id = ? AND version = ?
	`, id, version)
	if err != nil {
		return false, fmt.Errorf("mark record synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark record synced: %w", err)
	}
	return n > 0, nil
}

// DeleteRecord removes a record. Deleting a missing record is not an error.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// PruneRecords deletes synced records beyond the keep most recently
// updated. Unsynced records are never pruned.
func (s *Store) PruneRecords(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records
		WHERE synced = 1 AND id NOT IN (
			SELECT id FROM records WHERE synced = 1 ORDER BY updated_at DESC, id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	return res.RowsAffected()
}

// CountUnsynced returns the number of unsynced records of every kind.
func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE synced = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unsynced records: %w", err)
	}
	return n, nil
}
