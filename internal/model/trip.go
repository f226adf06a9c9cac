package model

import "time"

// TripPurpose classifies a recorded trip for mileage reporting.
type TripPurpose string

const (
	TripBusiness TripPurpose = "business"
	TripPersonal TripPurpose = "personal"
)

// Trip is one recorded journey. Trips are written locally while driving and
// uploaded through the pending-operation queue; they are also pulled back so
// a second device sees them.
type Trip struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	StartedAt      time.Time   `json:"started_at"`
	EndedAt        *time.Time  `json:"ended_at"`
	DistanceMeters float64     `json:"distance_meters"`
	StartAddress   string      `json:"start_address"`
	EndAddress     string      `json:"end_address"`
	Purpose        TripPurpose `json:"purpose"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Version        int64       `json:"version"`
}
