package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/roadlog/internal/model"
)

// PendingOperationStore is the durable half of the pending-operation queue.
// Only internal/queue should touch it.
type PendingOperationStore struct {
	db *sql.DB
}

func NewPendingOperationStore(db *sql.DB) *PendingOperationStore {
	return &PendingOperationStore{db: db}
}

const pendingOpCols = `id, kind, entity_type, entity_id, payload, enqueued_at, retry_count, last_attempt_at, rejected_at, rejection_reason`

func scanPendingOperation(scanner interface{ Scan(...any) error }) (*model.PendingOperation, error) {
	var op model.PendingOperation
	var payload string
	var lastAttempt, rejected sql.NullTime
	err := scanner.Scan(
		&op.ID, &op.Kind, &op.EntityType, &op.EntityID, &payload,
		&op.EnqueuedAt, &op.RetryCount, &lastAttempt, &rejected, &op.RejectionReason,
	)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	if lastAttempt.Valid {
		op.LastAttemptAt = &lastAttempt.Time
	}
	if rejected.Valid {
		op.RejectedAt = &rejected.Time
	}
	return &op, nil
}

// Upsert writes the operation keyed by its id. Re-enqueueing the same id
// replaces payload and resets nothing else supplied by the caller.
func (s *PendingOperationStore) Upsert(op *model.PendingOperation) error {
	var lastAttempt, rejected any
	if op.LastAttemptAt != nil {
		lastAttempt = op.LastAttemptAt.UTC()
	}
	if op.RejectedAt != nil {
		rejected = op.RejectedAt.UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO pending_operations (`+pendingOpCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   kind = excluded.kind,
		   entity_type = excluded.entity_type,
		   entity_id = excluded.entity_id,
		   payload = excluded.payload,
		   retry_count = excluded.retry_count,
		   last_attempt_at = excluded.last_attempt_at,
		   rejected_at = excluded.rejected_at,
		   rejection_reason = excluded.rejection_reason`,
		op.ID, op.Kind, op.EntityType, op.EntityID, string(op.Payload),
		op.EnqueuedAt.UTC(), op.RetryCount, lastAttempt, rejected, op.RejectionReason,
	)
	if err != nil {
		return fmt.Errorf("upsert pending operation: %w", err)
	}
	return nil
}

// Delete removes one operation. Deleting an absent id is a no-op.
func (s *PendingOperationStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pending operation: %w", err)
	}
	return nil
}

// MarkAttempt bumps the retry counter and records the attempt time.
func (s *PendingOperationStore) MarkAttempt(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE pending_operations SET retry_count = retry_count + 1, last_attempt_at = ? WHERE id = ?`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark attempt: %w", err)
	}
	return nil
}

// MarkRejected dead-letters the operation: it drops out of the replayable set
// but keeps its row, and the payload, until sign-out.
func (s *PendingOperationStore) MarkRejected(id string, at time.Time, reason string) error {
	_, err := s.db.Exec(
		`UPDATE pending_operations SET rejected_at = ?, rejection_reason = ? WHERE id = ?`,
		at.UTC(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("mark rejected: %w", err)
	}
	return nil
}

// List returns the replayable operations oldest-first. Dead-lettered rows are
// excluded; ListRejected returns those.
func (s *PendingOperationStore) List() ([]model.PendingOperation, error) {
	return s.list(`SELECT ` + pendingOpCols + ` FROM pending_operations WHERE rejected_at IS NULL ORDER BY enqueued_at, id`)
}

// ListRejected returns the dead-lettered operations oldest-first.
func (s *PendingOperationStore) ListRejected() ([]model.PendingOperation, error) {
	return s.list(`SELECT ` + pendingOpCols + ` FROM pending_operations WHERE rejected_at IS NOT NULL ORDER BY enqueued_at, id`)
}

func (s *PendingOperationStore) list(query string) ([]model.PendingOperation, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list pending operations: %w", err)
	}
	defer rows.Close()

	var ops []model.PendingOperation
	for rows.Next() {
		op, err := scanPendingOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending operation: %w", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending operations: %w", err)
	}
	return ops, nil
}

// Get returns one operation by id, or nil if absent.
func (s *PendingOperationStore) Get(id string) (*model.PendingOperation, error) {
	row := s.db.QueryRow(`SELECT `+pendingOpCols+` FROM pending_operations WHERE id = ?`, id)
	op, err := scanPendingOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending operation: %w", err)
	}
	return op, nil
}

// DeleteAll empties the table. Used on sign-out only.
func (s *PendingOperationStore) DeleteAll() error {
	if _, err := s.db.Exec(`DELETE FROM pending_operations`); err != nil {
		return fmt.Errorf("clear pending operations: %w", err)
	}
	return nil
}

// Count returns the number of queued operations.
func (s *PendingOperationStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending operations: %w", err)
	}
	return n, nil
}
