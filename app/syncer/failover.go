package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/tube-comb/app/quota"
)

// call runs fn with a credential holding cost. A provider quota error cools
// that credential down and retries fn with the next one, so callers replay
// the same request (same page token) on failover.
func (o *Orchestrator) call(ctx context.Context, op string, cost int, fn func(cred quota.Credential) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		cred, err := o.pool.Acquire(cost)
		if err != nil {
			if errors.Is(err, quota.ErrNoAvailableCredential) {
				return fmt.Errorf("%w: %s", ErrSessionDeferred, op)
			}
			return err
		}

		err = fn(cred)
		outcome := outcomeOf(err)
		if rerr := o.pool.Release(cred, outcome, cost); rerr != nil {
			return errors.Join(err, fmt.Errorf("failed to release credential %s: %w", cred.ID, rerr))
		}

		if outcome != quota.OutcomeQuotaError {
			return err
		}

		slog.Warn("Failing over to next credential", "op", op, "credential", cred.ID, "attempt", attempt)
	}
}

func outcomeOf(err error) quota.Outcome {
	switch {
	case err == nil:
		return quota.OutcomeSuccess
	case errors.Is(err, quota.ErrQuotaExhausted):
		return quota.OutcomeQuotaError
	default:
		return quota.OutcomeFailure
	}
}
