package license

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/roadlog/internal/model"
)

// Reconciler pushes the account's seat count to the billing provider.
// Always best effort: the periodic webhook reconciliation on the backend is
// the authoritative backstop, so a failure here is logged and forgotten.
type Reconciler interface {
	SyncSeatQuantity(ctx context.Context, accountID string) error
}

// Service is the license lifecycle state machine. All state lives on the
// server; the service orchestrates guarded remote mutations and carries the
// domain rules for who may hold a seat.
type Service struct {
	licenses   LicenseDirectory
	profiles   ProfileDirectory
	links      LinkDirectory
	reconciler Reconciler // nil disables seat-quantity sync
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(licenses LicenseDirectory, profiles ProfileDirectory, links LinkDirectory, reconciler Reconciler, logger *slog.Logger) *Service {
	return &Service{
		licenses:   licenses,
		profiles:   profiles,
		links:      links,
		reconciler: reconciler,
		logger:     logger,
		now:        time.Now,
	}
}

// AssignWithValidation assigns a pool license to a collaborator after the
// full rule check. The three-way branch on the collaborator's subscription
// exists because a personal paid subscription and a company seat are mutually
// exclusive billing states: lifetime and licensed block outright, premium
// defers to an explicit cancel-then-finalize so we never silently override
// someone's personal billing relationship.
func (s *Service) AssignWithValidation(ctx context.Context, licenseID, accountID, collaboratorID string) (AssignmentResult, error) {
	lic, err := s.licenses.ByID(ctx, licenseID)
	if err != nil {
		return AssignmentResult{}, fmt.Errorf("load license: %w", err)
	}
	if !claimable(lic, accountID) {
		return outcome(OutcomeNotAvailable), nil
	}

	prof, err := s.profiles.ByID(ctx, collaboratorID)
	if err != nil {
		return AssignmentResult{}, fmt.Errorf("load collaborator: %w", err)
	}
	if prof == nil {
		return outcome(OutcomeCollaboratorNotFound), nil
	}

	switch prof.SubscriptionType {
	case model.SubscriptionLifetime:
		return outcome(OutcomeAlreadyLifetime), nil
	case model.SubscriptionLicensed:
		return outcome(OutcomeAlreadyLicensed), nil
	case model.SubscriptionPremium:
		return needsCancelExisting(collaboratorID, licenseID), nil
	}

	return s.assign(ctx, lic, accountID, collaboratorID)
}

// FinalizeAssignment completes a NeedsCancelExisting continuation. It runs
// the same validation again; the whole point is re-checking that the
// collaborator's personal subscription is actually gone before taking the
// seat; if they are still premium the deferred result comes back once more.
func (s *Service) FinalizeAssignment(ctx context.Context, licenseID, accountID, collaboratorID string) (AssignmentResult, error) {
	return s.AssignWithValidation(ctx, licenseID, accountID, collaboratorID)
}

// claimable reports whether the license can be handed out by this account:
// present, owned, unassigned, and not in the non-renewing state.
func claimable(lic *model.License, accountID string) bool {
	if lic == nil || lic.AccountID != accountID || lic.Assigned() {
		return false
	}
	return lic.Status == model.LicenseAvailable || lic.Status == model.LicenseActive
}

// assign runs the link guard and the guarded claim. lic passed the claimable
// check already, but the claim itself re-asserts it server-side.
func (s *Service) assign(ctx context.Context, lic *model.License, accountID, collaboratorID string) (AssignmentResult, error) {
	// The owner holds seats in their own account without a company link.
	if accountID != collaboratorID {
		link, err := s.links.Between(ctx, accountID, collaboratorID)
		if err != nil {
			return AssignmentResult{}, fmt.Errorf("load company link: %w", err)
		}
		if link == nil {
			return outcome(OutcomeNoCompanyLink), nil
		}
		if link.Status != model.LinkActive {
			// A prior unlink soft-deactivated the link; assignment revives it
			// rather than failing on a row the user cannot see.
			if err := s.links.SetStatus(ctx, link.ID, model.LinkActive); err != nil {
				return AssignmentResult{}, fmt.Errorf("reactivate company link: %w", err)
			}
		}
	}

	claimed, err := s.licenses.Claim(ctx, lic.ID, collaboratorID, s.now())
	if err != nil {
		return AssignmentResult{}, fmt.Errorf("claim license: %w", err)
	}
	if claimed == nil {
		// The guarded update matched nothing: someone else claimed it first.
		return outcome(OutcomeNotAvailable), nil
	}

	var expiry *time.Time
	if !claimed.IsLifetime {
		expiry = claimed.EndDate
	}
	if err := s.profiles.SetSubscription(ctx, collaboratorID, model.SubscriptionLicensed, expiry); err != nil {
		return AssignmentResult{}, fmt.Errorf("update collaborator subscription: %w", err)
	}

	s.logger.Info("license assigned", "license", claimed.ID, "collaborator", collaboratorID)
	return success(claimed), nil
}

// AssignToOwner self-assigns the first free pool seat to the Pro account's
// own user.
func (s *Service) AssignToOwner(ctx context.Context, accountID string) (AssignmentResult, error) {
	if err := s.checkNotSelfAssigned(ctx, accountID); err != nil {
		return AssignmentResult{}, err
	}
	pool, err := s.AvailableLicenses(ctx, accountID)
	if err != nil {
		return AssignmentResult{}, err
	}
	if len(pool) == 0 {
		return AssignmentResult{}, ErrNoneAvailable
	}
	return s.AssignWithValidation(ctx, pool[0].ID, accountID, accountID)
}

// AssignSpecificToOwner self-assigns an explicitly chosen seat.
func (s *Service) AssignSpecificToOwner(ctx context.Context, licenseID, accountID string) (AssignmentResult, error) {
	if err := s.checkNotSelfAssigned(ctx, accountID); err != nil {
		return AssignmentResult{}, err
	}
	return s.AssignWithValidation(ctx, licenseID, accountID, accountID)
}

func (s *Service) checkNotSelfAssigned(ctx context.Context, accountID string) error {
	held, err := s.licenses.LinkedTo(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load held licenses: %w", err)
	}
	for _, l := range held {
		if l.AccountID == accountID {
			return ErrAlreadySelfAssigned
		}
	}
	return nil
}

// RequestUnlink schedules the deferred release of an assigned seat. The
// assignment itself does not change until the sweep passes the effective
// date.
func (s *Service) RequestUnlink(ctx context.Context, licenseID, accountID string) (*model.License, error) {
	lic, err := s.owned(ctx, licenseID, accountID)
	if err != nil {
		return nil, err
	}
	if !lic.Assigned() {
		return nil, ErrNotAssigned
	}
	if lic.UnlinkPending() {
		return nil, ErrUnlinkInProgress
	}

	anchorDay := 0
	owner, err := s.profiles.ByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load owner profile: %w", err)
	}
	if owner != nil {
		anchorDay = owner.BillingAnchorDay
	}

	now := s.now()
	effective := unlinkEffectiveDate(lic.IsLifetime, lic.EndDate, anchorDay, now)
	updated, err := s.licenses.ScheduleUnlink(ctx, licenseID, now, effective)
	if err != nil {
		return nil, fmt.Errorf("schedule unlink: %w", err)
	}
	if updated == nil {
		return nil, ErrUnlinkInProgress
	}
	s.logger.Info("unlink scheduled", "license", licenseID, "effective_at", effective)
	return updated, nil
}

// CancelUnlinkRequest withdraws a pending unlink, restoring the plain
// assigned state.
func (s *Service) CancelUnlinkRequest(ctx context.Context, licenseID, accountID string) (*model.License, error) {
	lic, err := s.owned(ctx, licenseID, accountID)
	if err != nil {
		return nil, err
	}
	if !lic.UnlinkPending() {
		return nil, ErrNoUnlinkPending
	}
	updated, err := s.licenses.ClearUnlink(ctx, licenseID)
	if err != nil {
		return nil, fmt.Errorf("clear unlink: %w", err)
	}
	if updated == nil {
		return nil, ErrNoUnlinkPending
	}
	return updated, nil
}

// Cancel revokes renewal on an active seat. Assignment and end date are
// preserved: access runs through the already-paid period, only the renewal
// intent dies.
func (s *Service) Cancel(ctx context.Context, licenseID, accountID string) (*model.License, error) {
	lic, err := s.owned(ctx, licenseID, accountID)
	if err != nil {
		return nil, err
	}
	updated, err := s.licenses.MarkCanceled(ctx, lic.ID)
	if err != nil {
		return nil, fmt.Errorf("cancel license: %w", err)
	}
	if updated == nil {
		return nil, ErrStateChanged
	}
	s.reconcileSeats(ctx, accountID)
	return updated, nil
}

// DeleteLicense hard-deletes an unassigned, non-pending, non-lifetime seat.
func (s *Service) DeleteLicense(ctx context.Context, licenseID, accountID string) error {
	lic, err := s.owned(ctx, licenseID, accountID)
	if err != nil {
		return err
	}
	if lic.Assigned() {
		return ErrAssigned
	}
	if lic.UnlinkPending() {
		return ErrUnlinkInProgress
	}
	if lic.IsLifetime {
		return ErrLifetimeSeat
	}
	if err := s.licenses.Delete(ctx, lic.ID); err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	s.reconcileSeats(ctx, accountID)
	return nil
}

// AvailableLicenses returns the account's free pool seats: everything
// claimable, which includes a released seat that kept its active status for
// the rest of its paid period.
func (s *Service) AvailableLicenses(ctx context.Context, accountID string) ([]model.License, error) {
	owned, err := s.licenses.OwnedBy(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load licenses: %w", err)
	}
	var pool []model.License
	for i := range owned {
		if claimable(&owned[i], accountID) {
			pool = append(pool, owned[i])
		}
	}
	return pool, nil
}

// PoolOptions configures a bulk seat purchase.
type PoolOptions struct {
	Quantity          int
	IsLifetime        bool
	MonthlyPriceCents int64
	VATRate           float64
	BillingStartsAt   *time.Time

	// BatchID identifies one pool-creation request. Seat ids derive from it,
	// so a replayed request upserts the same rows instead of minting
	// duplicates. Generated when empty.
	BatchID string
}

func seatID(accountID, batchID string, i int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(accountID+"/"+batchID+"/"+strconv.Itoa(i))).String()
}

// CreatePool bulk-creates quantity seats in the available state.
func (s *Service) CreatePool(ctx context.Context, accountID string, opts PoolOptions) ([]model.License, error) {
	if opts.Quantity < 1 {
		return nil, fmt.Errorf("pool quantity must be positive, got %d", opts.Quantity)
	}
	batch := opts.BatchID
	if batch == "" {
		batch = uuid.NewString()
	}
	now := s.now().UTC()
	rows := make([]model.License, 0, opts.Quantity)
	for i := 0; i < opts.Quantity; i++ {
		rows = append(rows, model.License{
			ID:                seatID(accountID, batch, i),
			AccountID:         accountID,
			IsLifetime:        opts.IsLifetime,
			MonthlyPriceCents: opts.MonthlyPriceCents,
			VATRate:           opts.VATRate,
			Status:            model.LicenseAvailable,
			BillingStartsAt:   opts.BillingStartsAt,
			CreatedAt:         now,
			UpdatedAt:         now,
			Version:           1,
		})
	}
	created, err := s.licenses.CreateBatch(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	s.reconcileSeats(ctx, accountID)
	s.logger.Info("license pool created", "account", accountID, "quantity", len(created))
	return created, nil
}

func (s *Service) owned(ctx context.Context, licenseID, accountID string) (*model.License, error) {
	lic, err := s.licenses.ByID(ctx, licenseID)
	if err != nil {
		return nil, fmt.Errorf("load license: %w", err)
	}
	if lic == nil || lic.AccountID != accountID {
		return nil, ErrNotFound
	}
	return lic, nil
}

func (s *Service) reconcileSeats(ctx context.Context, accountID string) {
	if s.reconciler == nil {
		return
	}
	if err := s.reconciler.SyncSeatQuantity(ctx, accountID); err != nil {
		s.logger.Warn("seat quantity sync failed", "account", accountID, "error", err)
	}
}
