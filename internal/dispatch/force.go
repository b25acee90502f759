package dispatch

import (
	"context"
	"fmt"

	"github.com/foxzi/volley/internal/model"
)

// defaultFailStreakLimit is the consecutive-failure threshold at which
// force mode retires the current account.
const defaultFailStreakLimit = 30

// forceExecutor drains one account at a time. Each account keeps
// sending, fresh targets first, until its consecutive-failure streak
// hits the limit; then it is marked limited and the next account takes
// over.
type forceExecutor struct {
	*env
}

func (x *forceExecutor) run(ctx context.Context, job *model.Job) error {
	limit := job.FailStreakLimit
	if limit <= 0 {
		limit = defaultFailStreakLimit
	}

	for _, accountID := range job.AccountIDs {
		if x.cancelled(ctx) {
			return errStopped
		}
		if err := x.checkAccounts(job); err != nil {
			return err
		}

		done, err := x.drainAccount(ctx, job, accountID, limit)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

// drainAccount runs one account until the job runs out of work for it:
// everything is sent (done), the streak limit is hit, or the account is
// disqualified. The success path resets the streak; every failure
// extends it.
func (x *forceExecutor) drainAccount(ctx context.Context, job *model.Job, accountID string, limit int) (done bool, err error) {
	streak := 0

	for {
		if x.cancelled(ctx) {
			return false, errStopped
		}
		if _, ok := x.eligibleAccount(accountID); !ok {
			return false, nil
		}

		target, remaining, err := x.nextTarget(job, accountID)
		if err != nil {
			return false, err
		}
		if target == nil {
			// Nothing left this account can attempt.
			return remaining == 0, nil
		}

		out := x.attemptPair(ctx, job, accountID, target)
		if out.OK {
			streak = 0
			x.incrementSent(job.ID)
		} else {
			streak++
			if out.Kind.FatalForAccount() {
				return false, nil
			}
			if streak >= limit {
				reason := fmt.Sprintf("%d consecutive failures, last: %s", streak, out.Kind)
				if _, err := x.store.SetAccountStatus(accountID, model.AccountLimited, reason); err != nil {
					x.logger.Error("failed to limit account", "account_id", accountID, "error", err)
				}
				x.logger.Warn("account hit failure streak limit",
					"job_id", job.ID, "account_id", accountID, "streak", streak)
				return false, nil
			}
		}

		if !x.interDelay(ctx, job) {
			return false, errStopped
		}
	}
}

// nextTarget picks the account's next target: never-attempted targets
// first, then unsent ones this account has not failed against yet.
// remaining counts all unsent targets, attemptable by this account or
// not.
func (x *forceExecutor) nextTarget(job *model.Job, accountID string) (pick *model.Target, remaining int, err error) {
	targets, err := x.orderedTargets(job)
	if err != nil {
		return nil, 0, err
	}

	var retry *model.Target
	for _, t := range targets {
		if t.Sent {
			continue
		}
		remaining++
		if t.FailedBy(accountID) {
			continue
		}
		if t.RetryCount == 0 {
			if pick == nil {
				pick = t
			}
		} else if retry == nil {
			retry = t
		}
	}
	if pick == nil {
		pick = retry
	}
	return pick, remaining, nil
}
