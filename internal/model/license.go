package model

import "time"

// LicenseStatus follows the current seat schema: a seat is either sitting in
// the pool, assigned, or assigned-but-non-renewing.
type LicenseStatus string

const (
	LicenseAvailable LicenseStatus = "available"
	LicenseActive    LicenseStatus = "active"
	LicenseCanceled  LicenseStatus = "canceled"
)

// License is one billable seat owned by a Pro account.
type License struct {
	ID                   string        `json:"id"`
	AccountID            string        `json:"account_id"`
	LinkedAccountID      *string       `json:"linked_account_id"`
	LinkedAt             *time.Time    `json:"linked_at"`
	IsLifetime           bool          `json:"is_lifetime"`
	MonthlyPriceCents    int64         `json:"monthly_price_cents"`
	VATRate              float64       `json:"vat_rate"`
	Status               LicenseStatus `json:"status"`
	StartDate            *time.Time    `json:"start_date"`
	EndDate              *time.Time    `json:"end_date"`
	UnlinkRequestedAt    *time.Time    `json:"unlink_requested_at"`
	UnlinkEffectiveAt    *time.Time    `json:"unlink_effective_at"`
	BillingStartsAt      *time.Time    `json:"billing_starts_at"`
	StripeSubscriptionID *string       `json:"stripe_subscription_id"`
	StripeItemID         *string       `json:"stripe_item_id"`
	StripePriceID        *string       `json:"stripe_price_id"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	Version              int64         `json:"version"`
}

// Assigned reports whether the seat is currently linked to a user.
func (l *License) Assigned() bool {
	return l.LinkedAccountID != nil && *l.LinkedAccountID != ""
}

// UnlinkPending reports whether a deferred unlink has been requested and not
// yet swept.
func (l *License) UnlinkPending() bool {
	return l.UnlinkRequestedAt != nil
}

// ReleaseDue reports whether the sweep should free this seat at now: either
// the unlink effective date has passed, or the seat was canceled and its paid
// period has ended.
func (l *License) ReleaseDue(now time.Time) bool {
	if !l.Assigned() {
		return false
	}
	if l.UnlinkEffectiveAt != nil && !l.UnlinkEffectiveAt.After(now) {
		return true
	}
	if l.Status == LicenseCanceled && l.EndDate != nil && !l.EndDate.After(now) {
		return true
	}
	return false
}
