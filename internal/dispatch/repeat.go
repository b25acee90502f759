package dispatch

import (
	"context"
	"sync"

	"github.com/foxzi/volley/internal/model"
)

// repeatExecutor makes every account send to every target exactly once.
// Accounts are split into groups of the job's thread count; accounts in
// a group run concurrently, groups run one after another.
type repeatExecutor struct {
	*env
}

func (x *repeatExecutor) run(ctx context.Context, job *model.Job) error {
	targets, err := x.orderedTargets(job)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	groupSize := job.Threads
	if groupSize <= 0 {
		groupSize = 1
	}

	for start := 0; start < len(job.AccountIDs); start += groupSize {
		if x.cancelled(ctx) {
			return errStopped
		}
		if err := x.checkAccounts(job); err != nil {
			return err
		}

		end := start + groupSize
		if end > len(job.AccountIDs) {
			end = len(job.AccountIDs)
		}
		group := job.AccountIDs[start:end]

		var wg sync.WaitGroup
		for _, accountID := range group {
			wg.Add(1)
			go func(accountID string) {
				defer wg.Done()
				x.runAccount(ctx, job, accountID, targets)
			}(accountID)
		}
		wg.Wait()
	}

	if x.cancelled(ctx) {
		return errStopped
	}
	return nil
}

// runAccount walks the full target list for one account. Every pair is
// attempted once; an account disqualified mid-run forfeits its
// remaining attempts, which count as failed.
func (x *repeatExecutor) runAccount(ctx context.Context, job *model.Job, accountID string, targets []*model.Target) {
	for i, t := range targets {
		if x.cancelled(ctx) {
			return
		}
		if _, ok := x.eligibleAccount(accountID); !ok {
			x.logger.Info("account disqualified mid-run, forfeiting remaining targets",
				"job_id", job.ID, "account_id", accountID, "remaining", len(targets)-i)
			for range targets[i:] {
				x.incrementFailed(job.ID)
			}
			return
		}

		target, err := x.store.GetTarget(job.ID, t.ID)
		if err != nil {
			x.logger.Error("failed to read target", "target_id", t.ID, "error", err)
			x.incrementFailed(job.ID)
			continue
		}

		out := x.sender.Send(ctx, job, accountID, target)
		if out.OK {
			x.incrementSent(job.ID)
		} else {
			x.incrementFailed(job.ID)
		}

		if !x.interDelay(ctx, job) {
			return
		}
	}
}
