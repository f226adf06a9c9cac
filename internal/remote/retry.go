package remote

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// WithAuthRetry runs one authenticated remote call: fetch the current token,
// run the operation, and on a stale-token rejection force exactly one refresh
// and one re-run. Every remote call in the agent goes through this instead of
// carrying its own retry-on-401 block.
func WithAuthRetry(ctx context.Context, auth Authorizer, op func(token string) error) error {
	token, err := auth.Token(ctx)
	if err != nil {
		return err
	}
	err = op(token)
	if !IsAuth(err) {
		return err
	}

	ok, rerr := auth.Reauthorize(ctx)
	if rerr != nil {
		// Refresh failed transiently; surface the transient fault so the
		// caller's backoff handles it rather than signing anyone out.
		return rerr
	}
	if !ok {
		return newError(KindAuthPermanent, 0, "refresh grant rejected", err)
	}

	token, err = auth.Token(ctx)
	if err != nil {
		return err
	}
	return op(token)
}

// withTransientRetry retries an idempotent operation over short network blips
// with fibonacci backoff. Non-transient failures and cancellation return
// immediately.
func withTransientRetry(ctx context.Context, attempts uint64, op func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(attempts, retry.WithCappedDuration(5*time.Second, retry.NewFibonacci(500*time.Millisecond)))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := op(ctx)
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
