// Package syncer reconciles the local cache with the server: it drains the
// pending-operation queue upstream, then pulls remote changes down behind
// per-entity watermarks. Local pending state always wins over pulled rows.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/roadlog/internal/model"
	"github.com/dukerupert/roadlog/internal/queue"
	"github.com/dukerupert/roadlog/internal/remote"
	"github.com/dukerupert/roadlog/internal/store"
	"github.com/dukerupert/roadlog/internal/token"
)

// ErrSyncRunning is returned when a cycle is requested while one is already
// in flight. Overlapping cycles would race on the watermarks.
var ErrSyncRunning = errors.New("sync cycle already running")

const (
	tableTrips    = "trips"
	tableLicenses = "licenses"
	tableProfiles = "profiles"
)

// Report summarizes one sync cycle.
type Report struct {
	Pushed     int            // operations confirmed and dequeued
	Deferred   int            // operations left queued after a transient failure
	Dropped    int            // operations dequeued because the target is gone upstream
	Rejected   int            // operations dead-lettered after a permanent rejection
	Pulled     map[string]int // rows applied locally, per entity type
	StartedAt  time.Time
	FinishedAt time.Time
}

// Engine runs sync cycles. It holds no sync state of its own beyond the
// in-flight flag; progress lives in the queue and the sync_state table so a
// restart resumes where the last cycle left off.
type Engine struct {
	queue     *queue.Queue
	tables    *remote.TableClient
	sessions  *store.SessionStore
	trips     *store.TripStore
	licenses  *store.LicenseStore
	profiles  *store.ProfileStore
	syncState *store.SyncStateStore
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

func NewEngine(q *queue.Queue, tables *remote.TableClient, sessions *store.SessionStore, trips *store.TripStore, licenses *store.LicenseStore, profiles *store.ProfileStore, syncState *store.SyncStateStore, logger *slog.Logger) *Engine {
	return &Engine{
		queue:     q,
		tables:    tables,
		sessions:  sessions,
		trips:     trips,
		licenses:  licenses,
		profiles:  profiles,
		syncState: syncState,
		logger:    logger,
		now:       time.Now,
	}
}

// RunOnce executes one full cycle: drain the queue, then pull. At most one
// cycle runs at a time; a second caller gets ErrSyncRunning instead of
// queueing behind the first.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	if !e.mu.TryLock() {
		return Report{}, ErrSyncRunning
	}
	defer e.mu.Unlock()

	report := Report{StartedAt: e.now(), Pulled: make(map[string]int)}
	defer func() { report.FinishedAt = e.now() }()

	sess, err := e.sessions.Get()
	if err != nil {
		return report, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return report, errors.New("no active session")
	}

	if err := e.drain(ctx, &report); err != nil {
		return report, err
	}
	if err := e.pull(ctx, sess.UserID, &report); err != nil {
		return report, err
	}

	e.logger.Info("sync cycle finished",
		"pushed", report.Pushed, "deferred", report.Deferred, "dropped", report.Dropped,
		"rejected", report.Rejected, "pulled", report.Pulled, "elapsed", e.now().Sub(report.StartedAt))
	return report, nil
}

// drain replays ready operations oldest first. A transient failure defers the
// operation for its backoff window; a permanent rejection dead-letters it,
// because a replay can never succeed and would wedge the queue forever. A dead
// refresh grant aborts the whole cycle.
func (e *Engine) drain(ctx context.Context, report *Report) error {
	for _, op := range e.queue.ReadyForRetry(e.now()) {
		err := e.push(ctx, &op)
		switch {
		case err == nil:
			if err := e.queue.Dequeue(op.ID); err != nil {
				return fmt.Errorf("dequeue %s: %w", op.ID, err)
			}
			report.Pushed++
		case ctx.Err() != nil:
			return ctx.Err()
		case remote.IsPermanentAuth(err), errors.Is(err, token.ErrNoSession):
			// Session is dead or gone; retrying other operations would only
			// fail the same way.
			return err
		case remote.IsTransient(err):
			if err := e.queue.IncrementRetry(op.ID, e.now()); err != nil {
				return fmt.Errorf("record attempt %s: %w", op.ID, err)
			}
			report.Deferred++
		case remote.IsNotFound(err) && op.Kind != model.OpCreate:
			// The entity is gone upstream; the remote delete wins.
			e.logger.Info("operation target deleted remotely", "op", op.ID, "entity", op.EntityType, "id", op.EntityID)
			if err := e.queue.Dequeue(op.ID); err != nil {
				return fmt.Errorf("dequeue %s: %w", op.ID, err)
			}
			report.Dropped++
		default:
			e.logger.Warn("operation permanently rejected", "op", op.ID, "kind", op.Kind,
				"entity", op.EntityType, "id", op.EntityID, "error", err)
			if rerr := e.queue.Reject(op.ID, e.now(), err.Error()); rerr != nil {
				return fmt.Errorf("dead-letter %s: %w", op.ID, rerr)
			}
			report.Rejected++
		}
	}
	return nil
}

// push replays one operation against its table. Creates go through the upsert
// path so a replay whose first response was lost stays idempotent.
func (e *Engine) push(ctx context.Context, op *model.PendingOperation) error {
	table, err := tableFor(op.EntityType)
	if err != nil {
		return err
	}
	switch op.Kind {
	case model.OpCreate:
		return e.tables.Upsert(ctx, table, op.Payload, "id", nil)
	case model.OpUpdate:
		var rows []json.RawMessage
		if err := e.tables.Update(ctx, table, op.Payload, &rows, remote.Eq("id", op.EntityID)); err != nil {
			return err
		}
		if len(rows) == 0 {
			return &remote.Error{Kind: remote.KindNotFound, Message: "update matched no rows"}
		}
		return nil
	case model.OpDelete:
		return e.tables.Delete(ctx, table, remote.Eq("id", op.EntityID))
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func tableFor(entityType string) (string, error) {
	switch entityType {
	case model.EntityTrip:
		return tableTrips, nil
	case model.EntityLicense:
		return tableLicenses, nil
	case model.EntityProfile:
		return tableProfiles, nil
	default:
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
}

// pull fetches rows changed since each entity's watermark and applies them
// locally. The watermark advances to the newest updated_at actually seen, not
// to the local clock, so skew cannot hide rows.
func (e *Engine) pull(ctx context.Context, userID string, report *Report) error {
	if err := e.pullTrips(ctx, userID, report); err != nil {
		return fmt.Errorf("pull trips: %w", err)
	}
	if err := e.pullLicenses(ctx, userID, report); err != nil {
		return fmt.Errorf("pull licenses: %w", err)
	}
	if err := e.pullProfiles(ctx, userID, report); err != nil {
		return fmt.Errorf("pull profiles: %w", err)
	}
	return nil
}

func (e *Engine) pullTrips(ctx context.Context, userID string, report *Report) error {
	since, err := e.syncState.LastSyncedAt(model.EntityTrip)
	if err != nil {
		return err
	}
	q := remote.Query{Order: "updated_at.asc", Filters: []remote.Filter{remote.Eq("user_id", userID)}}
	if !since.IsZero() {
		q.Filters = append(q.Filters, remote.Gt("updated_at", since))
	}
	var rows []model.Trip
	if err := e.tables.SelectQuery(ctx, tableTrips, q, &rows); err != nil {
		return err
	}

	mark := since
	for i := range rows {
		t := &rows[i]
		if t.UpdatedAt.After(mark) {
			mark = t.UpdatedAt
		}
		if e.queue.PendingFor(model.EntityTrip, t.ID) {
			continue
		}
		local, err := e.trips.GetByID(t.ID)
		if err != nil {
			return err
		}
		if localWins(localVersion(local), t.Version, localUpdated(local), t.UpdatedAt) {
			continue
		}
		if err := e.trips.Upsert(t); err != nil {
			return err
		}
		report.Pulled[model.EntityTrip]++
	}
	return e.advance(model.EntityTrip, since, mark)
}

func (e *Engine) pullLicenses(ctx context.Context, userID string, report *Report) error {
	since, err := e.syncState.LastSyncedAt(model.EntityLicense)
	if err != nil {
		return err
	}
	// Owned seats and held seats are separate filters; a
	// collaborator-turned-owner needs both.
	seen := make(map[string]model.License)
	for _, f := range []remote.Filter{remote.Eq("account_id", userID), remote.Eq("linked_account_id", userID)} {
		q := remote.Query{Order: "updated_at.asc", Filters: []remote.Filter{f}}
		if !since.IsZero() {
			q.Filters = append(q.Filters, remote.Gt("updated_at", since))
		}
		var rows []model.License
		if err := e.tables.SelectQuery(ctx, tableLicenses, q, &rows); err != nil {
			return err
		}
		for _, l := range rows {
			seen[l.ID] = l
		}
	}

	mark := since
	for _, l := range seen {
		l := l
		if l.UpdatedAt.After(mark) {
			mark = l.UpdatedAt
		}
		if e.queue.PendingFor(model.EntityLicense, l.ID) {
			continue
		}
		local, err := e.licenses.GetByID(l.ID)
		if err != nil {
			return err
		}
		if local != nil && localWins(local.Version, l.Version, local.UpdatedAt, l.UpdatedAt) {
			continue
		}
		if err := e.licenses.Upsert(&l); err != nil {
			return err
		}
		report.Pulled[model.EntityLicense]++
	}
	return e.advance(model.EntityLicense, since, mark)
}

func (e *Engine) pullProfiles(ctx context.Context, userID string, report *Report) error {
	since, err := e.syncState.LastSyncedAt(model.EntityProfile)
	if err != nil {
		return err
	}
	q := remote.Query{Order: "updated_at.asc", Filters: []remote.Filter{remote.Eq("id", userID)}}
	if !since.IsZero() {
		q.Filters = append(q.Filters, remote.Gt("updated_at", since))
	}
	var rows []model.Profile
	if err := e.tables.SelectQuery(ctx, tableProfiles, q, &rows); err != nil {
		return err
	}

	mark := since
	for i := range rows {
		p := &rows[i]
		if p.UpdatedAt.After(mark) {
			mark = p.UpdatedAt
		}
		if e.queue.PendingFor(model.EntityProfile, p.ID) {
			continue
		}
		local, err := e.profiles.GetByID(p.ID)
		if err != nil {
			return err
		}
		if local != nil && localWins(local.Version, p.Version, local.UpdatedAt, p.UpdatedAt) {
			continue
		}
		if err := e.profiles.Upsert(p); err != nil {
			return err
		}
		report.Pulled[model.EntityProfile]++
	}
	return e.advance(model.EntityProfile, since, mark)
}

func (e *Engine) advance(entityType string, since, mark time.Time) error {
	if !mark.After(since) {
		return nil
	}
	return e.syncState.SetLastSyncedAt(entityType, mark)
}

// localWins applies last-write-wins: the higher version is newer, with
// updated_at as the tiebreaker for rows written before versioning.
func localWins(localVer, remoteVer int64, localAt, remoteAt time.Time) bool {
	if localVer != remoteVer {
		return localVer > remoteVer
	}
	return localAt.After(remoteAt)
}

func localVersion(t *model.Trip) int64 {
	if t == nil {
		return -1
	}
	return t.Version
}

func localUpdated(t *model.Trip) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UpdatedAt
}
