package license

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/dukerupert/roadlog/internal/model"
)

// ProcessExpiredUnlinks releases every seat whose unlink effective date or
// paid period has elapsed. Each seat is handled independently so one failure
// never blocks the rest; the error aggregates per-seat failures and the count
// reports how many seats were actually released.
func (s *Service) ProcessExpiredUnlinks(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.licenses.ReleaseDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("load due licenses: %w", err)
	}

	processed := 0
	var errs error
	for i := range due {
		if err := s.releaseSeat(ctx, &due[i], now); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("license %s: %w", due[i].ID, err))
			s.logger.Warn("seat release failed", "license", due[i].ID, "error", err)
			continue
		}
		processed++
	}
	if processed > 0 {
		s.logger.Info("seat release sweep", "released", processed, "due", len(due))
	}
	return processed, errs
}

func (s *Service) releaseSeat(ctx context.Context, lic *model.License, now time.Time) error {
	if lic.LinkedAccountID == nil {
		return nil
	}
	holder := *lic.LinkedAccountID

	// Deactivate the company link best effort; a concurrent reassignment
	// would revive it anyway.
	if holder != lic.AccountID {
		link, err := s.links.Between(ctx, lic.AccountID, holder)
		if err != nil {
			s.logger.Warn("load company link failed", "license", lic.ID, "error", err)
		} else if link != nil && link.Status == model.LinkActive {
			if err := s.links.SetStatus(ctx, link.ID, model.LinkInactive); err != nil {
				s.logger.Warn("deactivate company link failed", "link", link.ID, "error", err)
			}
		}
	}

	// A canceled seat returns to the pool; an unlinked seat keeps its status.
	backToPool := lic.Status == model.LicenseCanceled
	released, err := s.licenses.Release(ctx, lic.ID, backToPool)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if released == nil {
		// Another runner got here first; the seat is already free.
		return nil
	}

	// Downgrade the holder only if this was their last seat. Concurrent
	// assignments from another company must survive the sweep.
	remaining, err := s.licenses.LinkedTo(ctx, holder)
	if err != nil {
		return fmt.Errorf("load holder licenses: %w", err)
	}
	for _, other := range remaining {
		if other.ID != lic.ID && other.Assigned() {
			return nil
		}
	}
	if err := s.profiles.SetSubscription(ctx, holder, model.SubscriptionExpired, nil); err != nil {
		return fmt.Errorf("downgrade holder: %w", err)
	}
	return nil
}
