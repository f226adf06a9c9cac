package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/roadlog/internal/model"
)

// LicenseStore caches license rows pulled from the server. The authoritative
// copy lives remotely; this cache exists so the pool renders offline.
type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

const licenseCols = `id, account_id, linked_account_id, linked_at, is_lifetime, monthly_price_cents,
	vat_rate, status, start_date, end_date, unlink_requested_at, unlink_effective_at,
	billing_starts_at, stripe_subscription_id, stripe_item_id, stripe_price_id,
	created_at, updated_at, version`

func scanLicense(scanner interface{ Scan(...any) error }) (*model.License, error) {
	var l model.License
	var linkedAccount, stripeSub, stripeItem, stripePrice sql.NullString
	var linkedAt, start, end, unlinkReq, unlinkEff, billingStarts sql.NullTime
	err := scanner.Scan(
		&l.ID, &l.AccountID, &linkedAccount, &linkedAt, &l.IsLifetime, &l.MonthlyPriceCents,
		&l.VATRate, &l.Status, &start, &end, &unlinkReq, &unlinkEff,
		&billingStarts, &stripeSub, &stripeItem, &stripePrice,
		&l.CreatedAt, &l.UpdatedAt, &l.Version,
	)
	if err != nil {
		return nil, err
	}
	if linkedAccount.Valid {
		l.LinkedAccountID = &linkedAccount.String
	}
	if stripeSub.Valid {
		l.StripeSubscriptionID = &stripeSub.String
	}
	if stripeItem.Valid {
		l.StripeItemID = &stripeItem.String
	}
	if stripePrice.Valid {
		l.StripePriceID = &stripePrice.String
	}
	if linkedAt.Valid {
		l.LinkedAt = &linkedAt.Time
	}
	if start.Valid {
		l.StartDate = &start.Time
	}
	if end.Valid {
		l.EndDate = &end.Time
	}
	if unlinkReq.Valid {
		l.UnlinkRequestedAt = &unlinkReq.Time
	}
	if unlinkEff.Valid {
		l.UnlinkEffectiveAt = &unlinkEff.Time
	}
	if billingStarts.Valid {
		l.BillingStartsAt = &billingStarts.Time
	}
	return &l, nil
}

// Upsert replaces the cached row for a license.
func (s *LicenseStore) Upsert(l *model.License) error {
	_, err := s.db.Exec(
		`INSERT INTO licenses (`+licenseCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   account_id = excluded.account_id,
		   linked_account_id = excluded.linked_account_id,
		   linked_at = excluded.linked_at,
		   is_lifetime = excluded.is_lifetime,
		   monthly_price_cents = excluded.monthly_price_cents,
		   vat_rate = excluded.vat_rate,
		   status = excluded.status,
		   start_date = excluded.start_date,
		   end_date = excluded.end_date,
		   unlink_requested_at = excluded.unlink_requested_at,
		   unlink_effective_at = excluded.unlink_effective_at,
		   billing_starts_at = excluded.billing_starts_at,
		   stripe_subscription_id = excluded.stripe_subscription_id,
		   stripe_item_id = excluded.stripe_item_id,
		   stripe_price_id = excluded.stripe_price_id,
		   created_at = excluded.created_at,
		   updated_at = excluded.updated_at,
		   version = excluded.version`,
		l.ID, l.AccountID, nullStr(l.LinkedAccountID), nullTime(l.LinkedAt), l.IsLifetime, l.MonthlyPriceCents,
		l.VATRate, l.Status, nullTime(l.StartDate), nullTime(l.EndDate), nullTime(l.UnlinkRequestedAt), nullTime(l.UnlinkEffectiveAt),
		nullTime(l.BillingStartsAt), nullStr(l.StripeSubscriptionID), nullStr(l.StripeItemID), nullStr(l.StripePriceID),
		l.CreatedAt.UTC(), l.UpdatedAt.UTC(), l.Version,
	)
	if err != nil {
		return fmt.Errorf("upsert license: %w", err)
	}
	return nil
}

// GetByID returns a cached license, or nil if absent.
func (s *LicenseStore) GetByID(id string) (*model.License, error) {
	row := s.db.QueryRow(`SELECT `+licenseCols+` FROM licenses WHERE id = ?`, id)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return l, nil
}

// ListByAccount returns all cached licenses owned by an account, pool first.
func (s *LicenseStore) ListByAccount(accountID string) ([]model.License, error) {
	rows, err := s.db.Query(
		`SELECT `+licenseCols+` FROM licenses WHERE account_id = ? ORDER BY status, created_at`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

// ListByLinkedAccount returns cached licenses assigned to a user.
func (s *LicenseStore) ListByLinkedAccount(userID string) ([]model.License, error) {
	rows, err := s.db.Query(
		`SELECT `+licenseCols+` FROM licenses WHERE linked_account_id = ? ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list licenses by linked account: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

func collectLicenses(rows *sql.Rows) ([]model.License, error) {
	var out []model.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate licenses: %w", err)
	}
	return out, nil
}

// Delete removes a cached license. Idempotent.
func (s *LicenseStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM licenses WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	return nil
}

// DeleteAll empties the cache. Used on sign-out.
func (s *LicenseStore) DeleteAll() error {
	if _, err := s.db.Exec(`DELETE FROM licenses`); err != nil {
		return fmt.Errorf("clear licenses: %w", err)
	}
	return nil
}
