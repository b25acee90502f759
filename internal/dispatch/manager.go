package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/foxzi/volley/internal/metrics"
	"github.com/foxzi/volley/internal/model"
	"github.com/foxzi/volley/internal/store"
)

// stopGrace is how long a stop request waits for the running executor
// to exit at a checkpoint before the job context is cancelled outright.
const stopGrace = 3 * time.Second

var (
	ErrJobNotRunning  = errors.New("job is not running")
	ErrJobAlreadyLive = errors.New("job is already running")
)

// runningJob tracks one live executor. softStop asks it to exit at the
// next checkpoint; cancel tears down in-flight attempts; done closes
// when the run goroutine has finalized the job.
type runningJob struct {
	softStop chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func (r *runningJob) requestStop() {
	r.stopOnce.Do(func() { close(r.softStop) })
}

// Manager starts, stops and tracks dispatch jobs. One executor
// goroutine runs per job; all job state changes go through the store so
// a snapshot survives a crash.
type Manager struct {
	store   *store.Store
	sender  AttemptSender
	monitor StopChecker
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]*runningJob

	grace time.Duration
}

// NewManager creates a job manager. metrics may be nil.
func NewManager(s *store.Store, snd AttemptSender, monitor StopChecker, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		store:   s,
		sender:  snd,
		monitor: monitor,
		metrics: m,
		logger:  logger.With("component", "dispatch"),
		jobs:    make(map[string]*runningJob),
		grace:   stopGrace,
	}
}

// StartJob launches the job's executor. The job must be pending; its
// total counter is fixed here (accounts x targets for repeat mode, the
// target count otherwise).
func (m *Manager) StartJob(ctx context.Context, jobID string) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rj := &runningJob{
		softStop: make(chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	// Reserve the job slot before touching the store so a concurrent
	// start of the same job cannot slip past the status check and launch
	// a second executor.
	m.mu.Lock()
	if _, live := m.jobs[jobID]; live {
		m.mu.Unlock()
		cancel()
		return ErrJobAlreadyLive
	}
	m.jobs[jobID] = rj
	m.mu.Unlock()

	// Every exit that does not hand the slot to the run goroutine must
	// give the reservation back and unblock waiters.
	release := func() {
		m.mu.Lock()
		delete(m.jobs, jobID)
		m.mu.Unlock()
		cancel()
		close(rj.done)
	}

	job, err := m.store.GetJob(jobID)
	if err != nil {
		release()
		return err
	}
	if !job.Mode.Valid() {
		release()
		return fmt.Errorf("job %s: unknown mode %q", jobID, job.Mode)
	}

	targets, err := m.store.ListTargets(jobID)
	if err != nil {
		release()
		return err
	}
	total := len(targets)
	if job.Mode == model.ModeRepeat {
		total = len(job.AccountIDs) * len(targets)
	}

	// Claim the job in one transaction: the transition fails unless the
	// job is still pending, so a start raced from another process cannot
	// run it twice either.
	job, err = m.store.UpdateJob(jobID, func(j *model.Job) error {
		if j.Status != model.JobPending {
			return fmt.Errorf("job %s: cannot start from status %s", jobID, j.Status)
		}
		j.Status = model.JobRunning
		j.StartedAt = time.Now()
		j.TotalCount = total
		j.SentCount = 0
		j.FailedCount = 0
		return nil
	})
	if err != nil {
		release()
		return err
	}

	// Nothing to do: an empty target or account list completes at once.
	if len(targets) == 0 || len(job.AccountIDs) == 0 {
		m.finalize(jobID, model.JobCompleted, "")
		release()
		return nil
	}

	// No point starting when every assigned account is already out.
	if stop, reason := m.monitor.ShouldStopJob(job); stop {
		m.finalize(jobID, model.JobStopped, reason)
		release()
		return nil
	}

	if m.metrics != nil {
		m.metrics.JobsActive.Inc()
	}
	m.logger.Info("job started", "job_id", jobID, "mode", job.Mode, "targets", len(targets), "accounts", len(job.AccountIDs))

	go m.run(runCtx, rj, job)
	return nil
}

// StopJob asks a running job to stop. The executor gets a grace period
// to exit at a checkpoint; after that its context is cancelled and any
// in-flight attempt is abandoned. Blocks until the job is finalized.
func (m *Manager) StopJob(jobID string) error {
	m.mu.Lock()
	rj, live := m.jobs[jobID]
	m.mu.Unlock()

	if !live {
		// A pending job can still be stopped before it ever runs.
		job, err := m.store.GetJob(jobID)
		if err != nil {
			return err
		}
		if job.Status == model.JobPending {
			m.finalize(jobID, model.JobStopped, "stopped before start")
			return nil
		}
		return fmt.Errorf("job %s: %w", jobID, ErrJobNotRunning)
	}

	if _, err := m.store.SetJobStatus(jobID, model.JobStopping); err != nil {
		m.logger.Warn("stop requested on non-running job", "job_id", jobID, "error", err)
	}
	rj.requestStop()

	select {
	case <-rj.done:
		return nil
	case <-time.After(m.grace):
	}

	m.logger.Warn("job did not stop within grace period, cancelling", "job_id", jobID, "grace", m.grace)
	rj.cancel()
	<-rj.done
	return nil
}

// Progress returns a snapshot of the job's counters from the store.
func (m *Manager) Progress(jobID string) (*Progress, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	p := progressOf(job)
	return &p, nil
}

// Running lists the ids of jobs with a live executor.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until the job's executor has finalized, or returns
// immediately when none is live.
func (m *Manager) Wait(jobID string) {
	m.mu.Lock()
	rj, live := m.jobs[jobID]
	m.mu.Unlock()
	if live {
		<-rj.done
	}
}

// run drives one executor to completion and finalizes the job.
func (m *Manager) run(ctx context.Context, rj *runningJob, job *model.Job) {
	defer close(rj.done)
	defer func() {
		m.mu.Lock()
		delete(m.jobs, job.ID)
		m.mu.Unlock()
		rj.cancel()
	}()

	e := &env{
		store:   m.store,
		sender:  m.sender,
		monitor: m.monitor,
		logger:  m.logger.With("job_id", job.ID),
		stop:    rj.softStop,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	var x executor
	switch job.Mode {
	case model.ModeRepeat:
		x = &repeatExecutor{env: e}
	case model.ModeForce:
		x = &forceExecutor{env: e}
	default:
		x = &normalExecutor{env: e}
	}

	err := x.run(ctx, job)

	if m.metrics != nil {
		m.metrics.JobsActive.Dec()
	}

	var noAccounts *noAccountsError
	switch {
	case err == nil:
		m.finalize(job.ID, model.JobCompleted, "")
	case errors.Is(err, errStopped):
		m.finalize(job.ID, model.JobStopped, "stopped by operator")
	case errors.As(err, &noAccounts):
		m.finalize(job.ID, model.JobStopped, noAccounts.reason)
	default:
		m.logger.Error("job failed", "job_id", job.ID, "error", err)
		m.finalize(job.ID, model.JobFailed, err.Error())
	}
}

// finalize reconciles the job's counters from persisted targets and
// records the terminal status. Live counters are advisory; the target
// records are the source of truth for normal and force mode.
func (m *Manager) finalize(jobID string, status model.JobStatus, reason string) {
	// Reconcile counters from the persisted targets; the live increments
	// are advisory. Repeat mode counts attempts, not targets, so its live
	// counters stand.
	sent, failed, reconcile := 0, 0, false
	if targets, err := m.store.ListTargets(jobID); err == nil {
		reconcile = true
		for _, t := range targets {
			if t.Sent {
				sent++
			} else if t.RetryCount > 0 {
				failed++
			}
		}
	}

	job, err := m.store.UpdateJob(jobID, func(j *model.Job) error {
		if j.Status == status {
			return nil
		}
		if !j.Status.CanTransition(status) {
			return fmt.Errorf("job %s: illegal status transition %s -> %s", jobID, j.Status, status)
		}
		if reconcile && j.Mode != model.ModeRepeat {
			j.SentCount = sent
			j.FailedCount = failed
		}
		j.Status = status
		if reason != "" {
			j.StopReason = reason
		}
		j.CompletedAt = time.Now()
		return nil
	})
	if err != nil {
		m.logger.Error("failed to finalize job", "job_id", jobID, "status", status, "error", err)
		return
	}

	if m.metrics != nil {
		m.metrics.JobsFinishedTotal.WithLabelValues(string(status)).Inc()
	}
	m.logger.Info("job finished",
		"job_id", jobID, "status", status,
		"sent", job.SentCount, "failed", job.FailedCount, "total", job.TotalCount,
		"reason", reason)
}
