package model

import (
	"encoding/json"
	"time"
)

// OperationKind is the mutation verb a pending operation replays upstream.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// Entity types a pending operation may target.
const (
	EntityTrip    = "trip"
	EntityLicense = "license"
	EntityProfile = "profile"
)

// PendingOperation is one local mutation waiting for a confirmed upload.
type PendingOperation struct {
	ID            string          `json:"id"`
	Kind          OperationKind   `json:"kind"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	RetryCount    int             `json:"retry_count"`
	LastAttemptAt *time.Time      `json:"last_attempt_at"`

	// RejectedAt marks a dead-lettered operation: the server rejected it
	// permanently, so it will never be replayed, but the payload survives for
	// inspection until sign-out clears the table.
	RejectedAt      *time.Time `json:"rejected_at"`
	RejectionReason string     `json:"rejection_reason"`
}
