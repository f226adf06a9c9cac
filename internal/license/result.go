package license

import "github.com/dukerupert/roadlog/internal/model"

// AssignmentOutcome is the domain verdict of an assignment attempt. Domain
// verdicts are values, not errors: a blocked assignment is an expected
// business outcome the caller branches on.
type AssignmentOutcome string

const (
	// OutcomeSuccess: the seat is assigned.
	OutcomeSuccess AssignmentOutcome = "success"
	// OutcomeNotAvailable: missing, not owned by the account, already
	// assigned, or lost to a concurrent claim.
	OutcomeNotAvailable AssignmentOutcome = "not_available"
	// OutcomeCollaboratorNotFound: the target user could not be resolved.
	OutcomeCollaboratorNotFound AssignmentOutcome = "collaborator_not_found"
	// OutcomeAlreadyLifetime: the user has permanent access already; a seat
	// would be wasted on them.
	OutcomeAlreadyLifetime AssignmentOutcome = "already_lifetime"
	// OutcomeAlreadyLicensed: the user holds a seat elsewhere.
	OutcomeAlreadyLicensed AssignmentOutcome = "already_licensed"
	// OutcomeNeedsCancelExisting: the user pays individually. Not a failure:
	// cancel the personal subscription out-of-band, then call
	// FinalizeAssignment with the same ids.
	OutcomeNeedsCancelExisting AssignmentOutcome = "needs_cancel_existing"
	// OutcomeNoCompanyLink: the user was never linked to this Pro account.
	OutcomeNoCompanyLink AssignmentOutcome = "no_company_link"
)

// AssignmentResult carries the outcome plus whichever payload it needs:
// the updated license on success, the id pair on a deferred continuation.
type AssignmentResult struct {
	Outcome        AssignmentOutcome
	License        *model.License
	CollaboratorID string
	LicenseID      string
}

func success(l *model.License) AssignmentResult {
	return AssignmentResult{Outcome: OutcomeSuccess, License: l, LicenseID: l.ID}
}

func outcome(o AssignmentOutcome) AssignmentResult {
	return AssignmentResult{Outcome: o}
}

func needsCancelExisting(collaboratorID, licenseID string) AssignmentResult {
	return AssignmentResult{
		Outcome:        OutcomeNeedsCancelExisting,
		CollaboratorID: collaboratorID,
		LicenseID:      licenseID,
	}
}
