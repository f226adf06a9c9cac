package model

import "time"

// SubscriptionType is the denormalized access level on a user profile. It is
// the authority consulted before a seat assignment.
type SubscriptionType string

const (
	SubscriptionTrial    SubscriptionType = "trial"
	SubscriptionExpired  SubscriptionType = "expired"
	SubscriptionPremium  SubscriptionType = "premium"
	SubscriptionLicensed SubscriptionType = "licensed"
	SubscriptionLifetime SubscriptionType = "lifetime"
	SubscriptionFree     SubscriptionType = "free"
)

// Profile mirrors the backend profiles row for both Pro owners and
// collaborators.
type Profile struct {
	ID                    string           `json:"id"`
	Email                 string           `json:"email"`
	FullName              string           `json:"full_name"`
	SubscriptionType      SubscriptionType `json:"subscription_type"`
	SubscriptionExpiresAt *time.Time       `json:"subscription_expires_at"`
	// BillingAnchorDay is the day-of-month the account is charged on.
	// Meaningful only for Pro owner profiles; 0 means unset (default applies).
	BillingAnchorDay int       `json:"billing_anchor_day"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Version          int64     `json:"version"`
}
