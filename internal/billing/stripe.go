// Package billing pushes the license seat count to the billing provider.
// Two interchangeable reconcilers exist: a direct Stripe client for
// deployments holding their own key, and an edge-function passthrough for
// deployments that keep Stripe credentials server-side.
package billing

import (
	"context"
	"fmt"
	"log/slog"

	stripe "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/subscriptionitem"

	"github.com/dukerupert/roadlog/internal/license"
	"github.com/dukerupert/roadlog/internal/model"
)

// StripeReconciler updates the subscription item quantity to match the
// account's billable seats. Lifetime seats were paid once and never count.
type StripeReconciler struct {
	licenses license.LicenseDirectory
	logger   *slog.Logger
}

func NewStripeReconciler(secretKey string, licenses license.LicenseDirectory, logger *slog.Logger) *StripeReconciler {
	stripe.Key = secretKey
	return &StripeReconciler{licenses: licenses, logger: logger}
}

// SyncSeatQuantity implements license.Reconciler.
func (r *StripeReconciler) SyncSeatQuantity(ctx context.Context, accountID string) error {
	owned, err := r.licenses.OwnedBy(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load licenses: %w", err)
	}

	itemID, quantity := seatItem(owned)
	if itemID == "" {
		// Lifetime-only pool or no Stripe linkage yet; nothing to update.
		r.logger.Debug("no subscription item to reconcile", "account", accountID)
		return nil
	}

	params := &stripe.SubscriptionItemParams{
		Quantity:          stripe.Int64(quantity),
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx
	if _, err := subscriptionitem.Update(itemID, params); err != nil {
		return fmt.Errorf("update subscription item %s: %w", itemID, err)
	}
	r.logger.Info("seat quantity synced", "account", accountID, "quantity", quantity)
	return nil
}

// seatItem counts the billable seats and finds the subscription item they
// bill through. Canceled seats stay counted until the sweep frees them; the
// paid period is already committed.
func seatItem(owned []model.License) (string, int64) {
	var itemID string
	var quantity int64
	for _, l := range owned {
		if l.IsLifetime {
			continue
		}
		quantity++
		if itemID == "" && l.StripeItemID != nil {
			itemID = *l.StripeItemID
		}
	}
	return itemID, quantity
}
