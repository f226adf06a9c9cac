package model

import "time"

// LinkStatus marks a company link as usable or soft-deactivated. Unlinking a
// collaborator deactivates the link instead of deleting it so history and a
// later re-link survive.
type LinkStatus string

const (
	LinkActive   LinkStatus = "active"
	LinkInactive LinkStatus = "inactive"
)

// CompanyLink ties a collaborator account to a Pro account.
type CompanyLink struct {
	ID        string     `json:"id"`
	CompanyID string     `json:"company_id"`
	MemberID  string     `json:"member_id"`
	Status    LinkStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
