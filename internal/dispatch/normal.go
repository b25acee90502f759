package dispatch

import (
	"context"

	"github.com/foxzi/volley/internal/model"
)

// normalExecutor sends to each unsent target, in order, rotating
// accounts until one succeeds or every eligible account has been tried.
type normalExecutor struct {
	*env
}

func (x *normalExecutor) run(ctx context.Context, job *model.Job) error {
	targets, err := x.orderedTargets(job)
	if err != nil {
		return err
	}

	for _, t := range targets {
		if x.cancelled(ctx) {
			return errStopped
		}
		if err := x.checkAccounts(job); err != nil {
			return err
		}

		// Re-read: another worker or a previous run may have sent it.
		target, err := x.store.GetTarget(job.ID, t.ID)
		if err != nil {
			x.logger.Error("failed to read target", "target_id", t.ID, "error", err)
			continue
		}
		if target.Sent {
			continue
		}

		sent := false
		for _, accountID := range job.AccountIDs {
			if x.cancelled(ctx) {
				return errStopped
			}
			if target.FailedBy(accountID) {
				continue
			}
			if _, ok := x.eligibleAccount(accountID); !ok {
				continue
			}

			out := x.attemptPair(ctx, job, accountID, target)
			if out.OK {
				sent = true
				x.incrementSent(job.ID)
				break
			}

			// Refresh failure bookkeeping before the next account.
			if fresh, err := x.store.GetTarget(job.ID, target.ID); err == nil {
				target = fresh
			}

			if !x.interDelay(ctx, job) {
				return errStopped
			}
		}

		if !sent {
			// All eligible accounts exhausted; the target stays unsent
			// and shows up in the failure report.
			x.incrementFailed(job.ID)
			x.logger.Info("target exhausted all accounts",
				"job_id", job.ID, "target", target.Address, "last_error", target.LastError)
			continue
		}

		if !x.interDelay(ctx, job) {
			return errStopped
		}
	}

	return nil
}
