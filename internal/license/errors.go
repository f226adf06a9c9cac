package license

import "errors"

// Domain guard failures for the non-assignment operations. These are
// expected business outcomes; callers match with errors.Is.
var (
	// ErrNotFound: no such license, or not owned by the calling account.
	ErrNotFound = errors.New("license not found")
	// ErrNotAssigned: the operation needs an assigned seat.
	ErrNotAssigned = errors.New("license is not assigned")
	// ErrUnlinkInProgress: an unlink is already scheduled.
	ErrUnlinkInProgress = errors.New("unlink already requested")
	// ErrNoUnlinkPending: cancel-unlink with nothing to cancel.
	ErrNoUnlinkPending = errors.New("no unlink request pending")
	// ErrAssigned: delete guard, the seat is linked to a user.
	ErrAssigned = errors.New("license is assigned")
	// ErrLifetimeSeat: delete guard, lifetime seats are a sunk cost and
	// must not be destroyed.
	ErrLifetimeSeat = errors.New("license is a lifetime seat")
	// ErrAlreadySelfAssigned: the owner already holds one of their own seats.
	ErrAlreadySelfAssigned = errors.New("owner already holds a seat")
	// ErrNoneAvailable: the pool has no free seat.
	ErrNoneAvailable = errors.New("no available license")
	// ErrStateChanged: an optimistic update matched no row; the license
	// moved under us.
	ErrStateChanged = errors.New("license state changed concurrently")
)
