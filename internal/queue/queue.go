// Package queue holds local mutations that have not been confirmed by the
// server yet. The durable copy lives in SQLite; an in-memory index keeps the
// hot path off the database. Operations leave the replayable set in three
// ways: a confirmed upload, a dead-letter Reject that keeps the row for
// inspection, or an explicit ClearAll on sign-out.
package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/roadlog/internal/model"
	"github.com/dukerupert/roadlog/internal/store"
)

const (
	backoffBase = 30 * time.Second
	backoffCap  = 1 * time.Hour
)

// Queue is the durable pending-operation queue. All mutating methods share
// one lock so the index and the store can never disagree.
type Queue struct {
	mu     sync.Mutex
	store  *store.PendingOperationStore
	index  map[string]model.PendingOperation
	logger *slog.Logger
}

// Open loads the persisted operations and rebuilds the in-memory index, so a
// crash between enqueue and upload costs nothing.
func Open(s *store.PendingOperationStore, logger *slog.Logger) (*Queue, error) {
	ops, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("load pending operations: %w", err)
	}
	index := make(map[string]model.PendingOperation, len(ops))
	for _, op := range ops {
		index[op.ID] = op
	}
	if len(ops) > 0 {
		logger.Info("recovered pending operations", "count", len(ops))
	}
	return &Queue{store: s, index: index, logger: logger}, nil
}

// Enqueue upserts the operation by id, writing through to the durable store
// before returning. An empty ID gets a fresh uuid; an empty EnqueuedAt is
// stamped now.
func (q *Queue) Enqueue(op *model.PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}
	if existing, ok := q.index[op.ID]; ok {
		// Re-enqueue keeps the original position and retry history.
		op.EnqueuedAt = existing.EnqueuedAt
		op.RetryCount = existing.RetryCount
		op.LastAttemptAt = existing.LastAttemptAt
	}
	if err := q.store.Upsert(op); err != nil {
		return err
	}
	q.index[op.ID] = *op
	q.logger.Debug("operation enqueued", "op", op.ID, "kind", op.Kind, "entity", op.EntityType)
	return nil
}

// Dequeue removes a confirmed operation. Removing an absent id is a no-op.
func (q *Queue) Dequeue(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Delete(opID); err != nil {
		return err
	}
	delete(q.index, opID)
	return nil
}

// Reject dead-letters the operation: the server refused it permanently, so it
// leaves the replayable set, stops shielding its entity from pulls, and keeps
// its payload in the store until sign-out.
func (q *Queue) Reject(opID string, at time.Time, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[opID]; !ok {
		return nil
	}
	if err := q.store.MarkRejected(opID, at, reason); err != nil {
		return err
	}
	delete(q.index, opID)
	return nil
}

// Rejected returns the dead-lettered operations oldest-first.
func (q *Queue) Rejected() ([]model.PendingOperation, error) {
	return q.store.ListRejected()
}

// IncrementRetry records a failed attempt at the given time.
func (q *Queue) IncrementRetry(opID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.index[opID]
	if !ok {
		return nil
	}
	if err := q.store.MarkAttempt(opID, at); err != nil {
		return err
	}
	op.RetryCount++
	at = at.UTC()
	op.LastAttemptAt = &at
	q.index[opID] = op
	return nil
}

// ReadyForRetry returns a snapshot of the operations whose backoff window has
// elapsed at now, oldest enqueue first. Callers may dequeue entries while
// iterating; the snapshot stays valid.
func (q *Queue) ReadyForRetry(now time.Time) []model.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []model.PendingOperation
	for _, op := range q.index {
		if op.LastAttemptAt == nil || !now.Before(op.LastAttemptAt.Add(BackoffFor(op.RetryCount))) {
			ready = append(ready, op)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].EnqueuedAt.Equal(ready[j].EnqueuedAt) {
			return ready[i].ID < ready[j].ID
		}
		return ready[i].EnqueuedAt.Before(ready[j].EnqueuedAt)
	})
	return ready
}

// PendingFor reports whether any operation targets the given entity. The
// sync engine uses this to keep stale pulls from clobbering unsent local
// state.
func (q *Queue) PendingFor(entityType, entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.index {
		if op.EntityType == entityType && op.EntityID == entityID {
			return true
		}
	}
	return false
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// ClearAll drops every queued operation. Sign-out only; anywhere else this
// would silently lose local mutations.
func (q *Queue) ClearAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.DeleteAll(); err != nil {
		return err
	}
	q.index = make(map[string]model.PendingOperation)
	return nil
}

// BackoffFor returns the retry window after retryCount failed attempts:
// base * 2^retryCount, capped.
func BackoffFor(retryCount int) time.Duration {
	b := retry.WithCappedDuration(backoffCap, retry.NewExponential(backoffBase))
	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		d, _ = b.Next()
	}
	return d
}
