package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/foxzi/volley/internal/model"
	"github.com/foxzi/volley/internal/sender"
	"github.com/foxzi/volley/internal/store"
)

// AttemptSender performs one classified send attempt.
type AttemptSender interface {
	Send(ctx context.Context, job *model.Job, accountID string, target *model.Target) sender.Outcome
}

// StopChecker decides whether a job has run out of usable accounts.
type StopChecker interface {
	ShouldStopJob(job *model.Job) (bool, string)
}

// errStopped signals that the executor exited at a cancellation
// checkpoint.
var errStopped = fmt.Errorf("job stopped")

// noAccountsError ends the job early because every assigned account is
// disqualified; the reason carries the per-account breakdown.
type noAccountsError struct {
	reason string
}

func (e *noAccountsError) Error() string {
	return e.reason
}

// executor is one dispatch algorithm.
type executor interface {
	run(ctx context.Context, job *model.Job) error
}

// env is the shared executor environment. Persisted records are the
// source of truth: accounts and targets are re-read from the store at
// every checkpoint rather than cached across iterations.
type env struct {
	store   *store.Store
	sender  AttemptSender
	monitor StopChecker
	logger  *slog.Logger
	stop    <-chan struct{}
	rng     *rand.Rand
}

// cancelled reports whether a cancellation signal is set. Checked
// before every attempt and every sleep.
func (e *env) cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-e.stop:
		return true
	default:
		return false
	}
}

// checkAccounts returns a noAccountsError when the job has no usable
// accounts left.
func (e *env) checkAccounts(job *model.Job) error {
	stopJob, reason := e.monitor.ShouldStopJob(job)
	if stopJob {
		return &noAccountsError{reason: reason}
	}
	return nil
}

// eligibleAccount re-reads the account and reports whether it may take
// a new attempt right now. Accounts disqualified mid-job are skipped on
// the next selection, never interrupted mid-attempt.
func (e *env) eligibleAccount(accountID string) (*model.Account, bool) {
	account, err := e.store.GetAccount(accountID)
	if err != nil {
		e.logger.Error("failed to read account", "account_id", accountID, "error", err)
		return nil, false
	}
	if !account.Usable() || !account.DailyBudgetLeft() {
		return account, false
	}
	return account, true
}

// interDelay sleeps a uniformly random duration between the job's min
// and max inter-send delays. Returns false when interrupted.
func (e *env) interDelay(ctx context.Context, job *model.Job) bool {
	min, max := job.MinDelay, job.MaxDelay
	if max < min {
		max = min
	}
	if max <= 0 {
		return !e.cancelled(ctx)
	}
	d := min
	if span := max - min; span > 0 {
		d += time.Duration(e.rng.Int63n(int64(span) + 1))
	}
	return sleepInterruptible(ctx, e.stop, d)
}

// attemptPair sends to one (account, target) pair, honoring the
// per-kind retry policy within the pair: a signaled rate-limit wait is
// slept through and the pair retried, mutual-contact failures retry up
// to the job's ignore threshold, unknown failures retry exactly once.
// The returned outcome is the pair's final one.
func (e *env) attemptPair(ctx context.Context, job *model.Job, accountID string, target *model.Target) sender.Outcome {
	mutualRetries := 0
	unclassifiedRetries := 0
	rateLimitRetries := 0

	for {
		out := e.sender.Send(ctx, job, accountID, target)
		if out.OK || out.Kind.FatalForPair() {
			return out
		}

		switch out.Kind {
		case sender.KindRateLimited:
			if rateLimitRetries >= 1 || out.RetryAfter <= 0 {
				return out
			}
			rateLimitRetries++
			if !sleepInterruptible(ctx, e.stop, out.RetryAfter) {
				return out
			}
		case sender.KindMutualContactRequired:
			if mutualRetries >= job.MutualRetryMax {
				return out
			}
			mutualRetries++
		case sender.KindUnclassified:
			// Retry once, then give up on the pair to avoid looping on
			// unknown errors.
			if unclassifiedRetries >= 1 {
				return out
			}
			unclassifiedRetries++
		default:
			// PeerFlood and surfaced connection failures move on to the
			// next account; the health re-check decides the account's fate.
			return out
		}

		if e.cancelled(ctx) {
			return out
		}
		// Re-read the target so retry bookkeeping stays current.
		fresh, err := e.store.GetTarget(target.JobID, target.ID)
		if err == nil {
			target = fresh
		}
	}
}

// orderedTargets returns the job's targets in the job's list order, the
// order the targets were submitted in. The store keys targets by id, so
// iterating the bucket directly would shuffle the list.
func (e *env) orderedTargets(job *model.Job) ([]*model.Target, error) {
	if len(job.TargetIDs) == 0 {
		return e.store.ListTargets(job.ID)
	}
	targets := make([]*model.Target, 0, len(job.TargetIDs))
	for _, id := range job.TargetIDs {
		t, err := e.store.GetTarget(job.ID, id)
		if err != nil {
			return nil, fmt.Errorf("job %s: target %s: %w", job.ID, id, err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// incrementSent bumps the job's sent counter for live progress. The
// final counters are reconciled from persisted targets at finalization.
func (e *env) incrementSent(jobID string) {
	if _, err := e.store.UpdateJob(jobID, func(j *model.Job) error {
		j.SentCount++
		return nil
	}); err != nil {
		e.logger.Error("failed to update job counters", "job_id", jobID, "error", err)
	}
}

func (e *env) incrementFailed(jobID string) {
	if _, err := e.store.UpdateJob(jobID, func(j *model.Job) error {
		j.FailedCount++
		return nil
	}); err != nil {
		e.logger.Error("failed to update job counters", "job_id", jobID, "error", err)
	}
}
