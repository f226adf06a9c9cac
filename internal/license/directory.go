package license

import (
	"context"
	"time"

	"github.com/dukerupert/roadlog/internal/model"
	"github.com/dukerupert/roadlog/internal/remote"
)

// LicenseDirectory is the authoritative license data on the server.
// Conditional mutations (Claim, ScheduleUnlink, ...) carry their state guard
// in the update filter and return (nil, nil) when no row matched: the
// license moved under us and the caller decides what that means. The server's
// row filtering is the optimistic check; a uniqueness constraint server-side
// is the backstop for the remaining race window.
type LicenseDirectory interface {
	ByID(ctx context.Context, id string) (*model.License, error)
	OwnedBy(ctx context.Context, accountID string) ([]model.License, error)
	LinkedTo(ctx context.Context, userID string) ([]model.License, error)
	// ReleaseDue returns every license whose seat should be freed at now:
	// elapsed unlink dates and canceled seats past their end date.
	ReleaseDue(ctx context.Context, now time.Time) ([]model.License, error)
	// Claim assigns an unassigned license to a user.
	Claim(ctx context.Context, licenseID, userID string, at time.Time) (*model.License, error)
	// ScheduleUnlink records the deferred unlink timestamps on an assigned
	// license with no unlink in progress.
	ScheduleUnlink(ctx context.Context, licenseID string, requestedAt, effectiveAt time.Time) (*model.License, error)
	// ClearUnlink drops a pending unlink request.
	ClearUnlink(ctx context.Context, licenseID string) (*model.License, error)
	// MarkCanceled flips an active license to the non-renewing marker,
	// preserving assignment and end date.
	MarkCanceled(ctx context.Context, licenseID string) (*model.License, error)
	// Release clears the assignment and unlink timestamps; backToPool also
	// resets the status to available and drops the end date.
	Release(ctx context.Context, licenseID string, backToPool bool) (*model.License, error)
	CreateBatch(ctx context.Context, rows []model.License) ([]model.License, error)
	Delete(ctx context.Context, licenseID string) error
}

// ProfileDirectory is the authoritative profile data on the server.
type ProfileDirectory interface {
	ByID(ctx context.Context, id string) (*model.Profile, error)
	SetSubscription(ctx context.Context, userID string, sub model.SubscriptionType, expiresAt *time.Time) error
}

// LinkDirectory is the company-link table on the server.
type LinkDirectory interface {
	Between(ctx context.Context, companyID, memberID string) (*model.CompanyLink, error)
	SetStatus(ctx context.Context, linkID string, status model.LinkStatus) error
}

const (
	tableLicenses = "licenses"
	tableProfiles = "profiles"
	tableLinks    = "company_links"
)

// RemoteLicenses implements LicenseDirectory over the REST table API.
type RemoteLicenses struct {
	tables *remote.TableClient
}

func NewRemoteLicenses(tables *remote.TableClient) *RemoteLicenses {
	return &RemoteLicenses{tables: tables}
}

func (r *RemoteLicenses) ByID(ctx context.Context, id string) (*model.License, error) {
	var rows []model.License
	if err := r.tables.Select(ctx, tableLicenses, &rows, remote.Eq("id", id)); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *RemoteLicenses) OwnedBy(ctx context.Context, accountID string) ([]model.License, error) {
	var rows []model.License
	q := remote.Query{Order: "created_at.asc", Filters: []remote.Filter{remote.Eq("account_id", accountID)}}
	if err := r.tables.SelectQuery(ctx, tableLicenses, q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *RemoteLicenses) LinkedTo(ctx context.Context, userID string) ([]model.License, error) {
	var rows []model.License
	if err := r.tables.Select(ctx, tableLicenses, &rows, remote.Eq("linked_account_id", userID)); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *RemoteLicenses) ReleaseDue(ctx context.Context, now time.Time) ([]model.License, error) {
	var unlinks []model.License
	err := r.tables.Select(ctx, tableLicenses, &unlinks,
		remote.NotNull("linked_account_id"),
		remote.Lte("unlink_effective_at", now),
	)
	if err != nil {
		return nil, err
	}

	var canceled []model.License
	err = r.tables.Select(ctx, tableLicenses, &canceled,
		remote.NotNull("linked_account_id"),
		remote.Eq("status", string(model.LicenseCanceled)),
		remote.Lte("end_date", now),
	)
	if err != nil {
		return nil, err
	}

	// Union the two sets; a canceled license with an elapsed unlink date
	// shows up in both queries.
	seen := make(map[string]bool, len(unlinks))
	out := make([]model.License, 0, len(unlinks)+len(canceled))
	for _, l := range unlinks {
		seen[l.ID] = true
		out = append(out, l)
	}
	for _, l := range canceled {
		if !seen[l.ID] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *RemoteLicenses) Claim(ctx context.Context, licenseID, userID string, at time.Time) (*model.License, error) {
	patch := map[string]any{
		"linked_account_id": userID,
		"linked_at":         at.UTC(),
		"status":            string(model.LicenseActive),
	}
	return r.conditionalUpdate(ctx, patch,
		remote.Eq("id", licenseID),
		remote.IsNull("linked_account_id"),
		remote.In("status", string(model.LicenseAvailable), string(model.LicenseActive)),
	)
}

func (r *RemoteLicenses) ScheduleUnlink(ctx context.Context, licenseID string, requestedAt, effectiveAt time.Time) (*model.License, error) {
	patch := map[string]any{
		"unlink_requested_at": requestedAt.UTC(),
		"unlink_effective_at": effectiveAt.UTC(),
	}
	return r.conditionalUpdate(ctx, patch,
		remote.Eq("id", licenseID),
		remote.NotNull("linked_account_id"),
		remote.IsNull("unlink_requested_at"),
	)
}

func (r *RemoteLicenses) ClearUnlink(ctx context.Context, licenseID string) (*model.License, error) {
	patch := map[string]any{
		"unlink_requested_at": nil,
		"unlink_effective_at": nil,
	}
	return r.conditionalUpdate(ctx, patch,
		remote.Eq("id", licenseID),
		remote.NotNull("unlink_requested_at"),
	)
}

func (r *RemoteLicenses) MarkCanceled(ctx context.Context, licenseID string) (*model.License, error) {
	patch := map[string]any{"status": string(model.LicenseCanceled)}
	return r.conditionalUpdate(ctx, patch,
		remote.Eq("id", licenseID),
		remote.Eq("status", string(model.LicenseActive)),
	)
}

func (r *RemoteLicenses) Release(ctx context.Context, licenseID string, backToPool bool) (*model.License, error) {
	patch := map[string]any{
		"linked_account_id":   nil,
		"linked_at":           nil,
		"unlink_requested_at": nil,
		"unlink_effective_at": nil,
	}
	if backToPool {
		patch["status"] = string(model.LicenseAvailable)
		patch["end_date"] = nil
	}
	return r.conditionalUpdate(ctx, patch,
		remote.Eq("id", licenseID),
		remote.NotNull("linked_account_id"),
	)
}

// CreateBatch upserts on id so a replayed pool creation lands on the same
// rows.
func (r *RemoteLicenses) CreateBatch(ctx context.Context, rows []model.License) ([]model.License, error) {
	var created []model.License
	if err := r.tables.Upsert(ctx, tableLicenses, rows, "id", &created); err != nil {
		return nil, err
	}
	return created, nil
}

func (r *RemoteLicenses) Delete(ctx context.Context, licenseID string) error {
	return r.tables.Delete(ctx, tableLicenses, remote.Eq("id", licenseID))
}

func (r *RemoteLicenses) conditionalUpdate(ctx context.Context, patch map[string]any, filters ...remote.Filter) (*model.License, error) {
	var rows []model.License
	if err := r.tables.Update(ctx, tableLicenses, patch, &rows, filters...); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// RemoteProfiles implements ProfileDirectory over the REST table API.
type RemoteProfiles struct {
	tables *remote.TableClient
}

func NewRemoteProfiles(tables *remote.TableClient) *RemoteProfiles {
	return &RemoteProfiles{tables: tables}
}

func (r *RemoteProfiles) ByID(ctx context.Context, id string) (*model.Profile, error) {
	var rows []model.Profile
	if err := r.tables.Select(ctx, tableProfiles, &rows, remote.Eq("id", id)); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *RemoteProfiles) SetSubscription(ctx context.Context, userID string, sub model.SubscriptionType, expiresAt *time.Time) error {
	patch := map[string]any{
		"subscription_type":       string(sub),
		"subscription_expires_at": nil,
	}
	if expiresAt != nil {
		patch["subscription_expires_at"] = expiresAt.UTC()
	}
	return r.tables.Update(ctx, tableProfiles, patch, nil, remote.Eq("id", userID))
}

// RemoteLinks implements LinkDirectory over the REST table API.
type RemoteLinks struct {
	tables *remote.TableClient
}

func NewRemoteLinks(tables *remote.TableClient) *RemoteLinks {
	return &RemoteLinks{tables: tables}
}

func (r *RemoteLinks) Between(ctx context.Context, companyID, memberID string) (*model.CompanyLink, error) {
	var rows []model.CompanyLink
	err := r.tables.Select(ctx, tableLinks, &rows,
		remote.Eq("company_id", companyID),
		remote.Eq("member_id", memberID),
	)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *RemoteLinks) SetStatus(ctx context.Context, linkID string, status model.LinkStatus) error {
	return r.tables.Update(ctx, tableLinks, map[string]any{"status": string(status)}, nil, remote.Eq("id", linkID))
}
