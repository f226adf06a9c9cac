package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukerupert/roadlog/internal/remote"
)

const reconcileFunction = "sync-seat-quantity"

// FunctionReconciler delegates the quantity update to an edge function so the
// Stripe key never leaves the backend. Default for mobile deployments.
type FunctionReconciler struct {
	functions *remote.FunctionClient
	logger    *slog.Logger
}

func NewFunctionReconciler(functions *remote.FunctionClient, logger *slog.Logger) *FunctionReconciler {
	return &FunctionReconciler{functions: functions, logger: logger}
}

// SyncSeatQuantity implements license.Reconciler.
func (r *FunctionReconciler) SyncSeatQuantity(ctx context.Context, accountID string) error {
	payload := map[string]string{"account_id": accountID}
	var reply struct {
		Quantity int64 `json:"quantity"`
	}
	if err := r.functions.Invoke(ctx, reconcileFunction, payload, &reply); err != nil {
		return fmt.Errorf("invoke %s: %w", reconcileFunction, err)
	}
	r.logger.Info("seat quantity synced", "account", accountID, "quantity", reply.Quantity)
	return nil
}
