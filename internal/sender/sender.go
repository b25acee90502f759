// Package sender performs single send attempts and classifies their
// outcomes into the dispatch error taxonomy.
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/volley/internal/client"
	"github.com/foxzi/volley/internal/metrics"
	"github.com/foxzi/volley/internal/model"
	"github.com/foxzi/volley/internal/ratelimit"
	"github.com/foxzi/volley/internal/store"
)

// LeaseAcquirer opens connections for accounts.
type LeaseAcquirer interface {
	Acquire(ctx context.Context, accountID string) (*client.Lease, error)
}

// HealthChecker re-checks an account's real status.
type HealthChecker interface {
	CheckRealStatus(ctx context.Context, accountID string) (model.AccountStatus, error)
	Invalidate(accountID string)
}

// Sender performs one send attempt per call. It owns the Target record
// side effects; Job counters belong to the dispatch engine.
type Sender struct {
	store   *store.Store
	leaser  LeaseAcquirer
	monitor HealthChecker
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	// healthCheckTimeout bounds the fire-and-forget status probe.
	healthCheckTimeout time.Duration
}

// New creates a sender. metrics may be nil.
func New(s *store.Store, leaser LeaseAcquirer, monitor HealthChecker, m *metrics.Metrics, logger *slog.Logger) *Sender {
	return &Sender{
		store:              s,
		leaser:             leaser,
		monitor:            monitor,
		metrics:            m,
		logger:             logger.With("component", "sender"),
		healthCheckTimeout: time.Minute,
	}
}

// SetLimiter installs a local pacing limiter, consulted before any
// connection is opened. nil disables pacing.
func (s *Sender) SetLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// Send attempts to deliver the job's message from the account to the
// target. Every failure is classified; nothing propagates as a raw
// error to the executor.
func (s *Sender) Send(ctx context.Context, job *model.Job, accountID string, target *model.Target) Outcome {
	if denied := s.paceDenied(ctx, job, accountID, target); denied != nil {
		return *denied
	}

	lease, err := s.leaser.Acquire(ctx, accountID)
	if err != nil {
		outcome := Classify(err)
		s.recordFailure(job, accountID, target, outcome)
		return outcome
	}
	defer lease.Release()

	err = lease.Conn.SendMessage(ctx, target.Address, job.Message)
	outcome := Classify(err)

	if outcome.OK {
		s.recordSuccess(job, accountID, target)
		return outcome
	}

	s.recordFailure(job, accountID, target, outcome)
	return outcome
}

// paceDenied consults the local limiter. A denial is not an attempt:
// nothing is recorded against the target or account, the executor just
// sees a rate-limit outcome with the wait until the window opens.
func (s *Sender) paceDenied(ctx context.Context, job *model.Job, accountID string, target *model.Target) *Outcome {
	if s.limiter == nil {
		return nil
	}
	res, err := s.limiter.Allow(ctx, &ratelimit.Request{
		AccountID:    accountID,
		TargetDomain: domainOf(target.Address),
	})
	if err != nil {
		s.logger.Error("rate limiter failed, letting the attempt through", "error", err)
		return nil
	}
	if res.Allowed {
		return nil
	}
	s.logger.Debug("attempt paced by local limit",
		"job_id", job.ID, "account_id", accountID,
		"denied_by", res.DeniedBy, "key", res.DeniedKey, "retry_after", res.RetryAfter)
	return &Outcome{
		Kind:       KindRateLimited,
		Err:        fmt.Errorf("local %s limit reached for %s", res.DeniedBy, res.DeniedKey),
		RetryAfter: res.RetryAfter,
	}
}

func domainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 {
		return address[i+1:]
	}
	return ""
}

// recordSuccess marks the target sent and charges the account's daily
// counter.
func (s *Sender) recordSuccess(job *model.Job, accountID string, target *model.Target) {
	now := time.Now()
	if _, err := s.store.UpdateTarget(target.JobID, target.ID, func(t *model.Target) error {
		t.Sent = true
		t.SentAt = now
		t.SentBy = accountID
		t.LastAccountID = accountID
		t.LastError = ""
		return nil
	}); err != nil {
		s.logger.Error("failed to record send success", "target_id", target.ID, "error", err)
	}

	if _, err := s.store.UpdateAccount(accountID, func(a *model.Account) error {
		a.SentToday++
		a.LastUsed = now
		return nil
	}); err != nil {
		s.logger.Error("failed to charge account counter", "account_id", accountID, "error", err)
	}

	s.appendLog(job, accountID, target, true, "", "")
	if s.metrics != nil {
		s.metrics.AttemptsTotal.WithLabelValues(string(job.Mode), "success").Inc()
	}
}

// recordFailure updates the target's failure bookkeeping, applies
// account-level consequences and kicks off the async health re-check
// when the failure class calls for one.
func (s *Sender) recordFailure(job *model.Job, accountID string, target *model.Target, outcome Outcome) {
	if _, err := s.store.UpdateTarget(target.JobID, target.ID, func(t *model.Target) error {
		t.AddFailedAccount(accountID)
		t.LastError = string(outcome.Kind)
		t.RetryCount++
		t.LastAccountID = accountID
		return nil
	}); err != nil {
		s.logger.Error("failed to record send failure", "target_id", target.ID, "error", err)
	}

	errText := ""
	if outcome.Err != nil {
		errText = outcome.Err.Error()
	}

	switch outcome.Kind {
	case KindAccountBlocked:
		if _, err := s.store.SetAccountStatus(accountID, model.AccountBanned, errText); err != nil {
			s.logger.Error("failed to mark account banned", "account_id", accountID, "error", err)
		}
		s.monitor.Invalidate(accountID)
		if s.metrics != nil {
			s.metrics.AccountsRetiredTotal.WithLabelValues(string(model.AccountBanned)).Inc()
		}
	case KindSessionInvalid:
		// Logged distinctly from network errors: the session data itself
		// is unreadable and the account must be skipped entirely.
		s.logger.Error("account session invalid, retiring account",
			"account_id", accountID, "error", errText)
		if _, err := s.store.SetAccountStatus(accountID, model.AccountInactive, "session invalid"); err != nil {
			s.logger.Error("failed to mark account inactive", "account_id", accountID, "error", err)
		}
		s.monitor.Invalidate(accountID)
		if s.metrics != nil {
			s.metrics.AccountsRetiredTotal.WithLabelValues(string(model.AccountInactive)).Inc()
		}
	}

	if outcome.Kind.TriggersHealthCheck() {
		s.spawnHealthCheck(accountID)
	}

	s.logger.Warn("send attempt failed",
		"job_id", job.ID,
		"account_id", accountID,
		"target", target.Address,
		"kind", outcome.Kind,
		"error", errText,
	)

	s.appendLog(job, accountID, target, false, string(outcome.Kind), errText)
	if s.metrics != nil {
		s.metrics.AttemptsTotal.WithLabelValues(string(job.Mode), string(outcome.Kind)).Inc()
	}
}

// spawnHealthCheck runs the status re-check detached from the caller.
// Errors and panics are caught and logged, never propagated: the
// attempt's outcome is already decided.
func (s *Sender) spawnHealthCheck(accountID string) {
	s.monitor.Invalidate(accountID)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("health check panicked", "account_id", accountID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.healthCheckTimeout)
		defer cancel()

		if _, err := s.monitor.CheckRealStatus(ctx, accountID); err != nil {
			s.logger.Warn("async health check failed", "account_id", accountID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.HealthChecksTotal.Inc()
		}
	}()
}

func (s *Sender) appendLog(job *model.Job, accountID string, target *model.Target, success bool, kind, errText string) {
	entry := &model.SendLog{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		AccountID: accountID,
		TargetID:  target.ID,
		Success:   success,
		Kind:      kind,
		Error:     errText,
		Timestamp: time.Now(),
	}
	if err := s.store.AppendSendLog(entry); err != nil {
		s.logger.Error("failed to append send log", "job_id", job.ID, "error", err)
	}
}
