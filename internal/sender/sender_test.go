package sender

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxzi/volley/internal/client"
	"github.com/foxzi/volley/internal/model"
	"github.com/foxzi/volley/internal/ratelimit"
	"github.com/foxzi/volley/internal/store"
	"github.com/foxzi/volley/internal/transport"
)

// scriptedConn returns the configured error for every send.
type scriptedConn struct {
	sendErr error
}

func (c *scriptedConn) SendMessage(ctx context.Context, target, message string) error {
	return c.sendErr
}
func (c *scriptedConn) Probe(ctx context.Context, peer string) (string, error) { return "ok", nil }
func (c *scriptedConn) Close() error                                           { return nil }

type fakeLeaser struct {
	sendErr    error
	acquireErr error
}

func (f *fakeLeaser) Acquire(ctx context.Context, accountID string) (*client.Lease, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return &client.Lease{Conn: &scriptedConn{sendErr: f.sendErr}}, nil
}

type fakeMonitor struct {
	checks      atomic.Int64
	invalidated atomic.Int64
}

func (f *fakeMonitor) CheckRealStatus(ctx context.Context, accountID string) (model.AccountStatus, error) {
	f.checks.Add(1)
	return model.AccountActive, nil
}
func (f *fakeMonitor) Invalidate(accountID string) { f.invalidated.Add(1) }

func setupSender(t *testing.T, leaser LeaseAcquirer, monitor HealthChecker) (*Sender, *store.Store) {
	t.Helper()

	dir, err := os.MkdirTemp("", "sender_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := store.Open(filepath.Join(dir, "volley.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, leaser, monitor, nil, logger), s
}

func seedPair(t *testing.T, s *store.Store) (*model.Job, *model.Target) {
	t.Helper()

	job := &model.Job{ID: "job1", Mode: model.ModeNormal, Message: "hello", Status: model.JobRunning}
	if err := s.PutJob(job); err != nil {
		t.Fatalf("put job: %v", err)
	}
	target := &model.Target{ID: "t1", JobID: "job1", Address: "alice@example.org"}
	if err := s.PutTarget(target); err != nil {
		t.Fatalf("put target: %v", err)
	}
	if err := s.PutAccount(&model.Account{ID: "acc1", Status: model.AccountActive}); err != nil {
		t.Fatalf("put account: %v", err)
	}
	return job, target
}

func TestSendSuccessSideEffects(t *testing.T) {
	monitor := &fakeMonitor{}
	snd, s := setupSender(t, &fakeLeaser{}, monitor)
	job, target := seedPair(t, s)

	out := snd.Send(context.Background(), job, "acc1", target)
	if !out.OK {
		t.Fatalf("expected success, got %+v", out)
	}

	tg, _ := s.GetTarget("job1", "t1")
	if !tg.Sent || tg.SentBy != "acc1" || tg.SentAt.IsZero() {
		t.Errorf("target not marked sent: %+v", tg)
	}
	a, _ := s.GetAccount("acc1")
	if a.SentToday != 1 || a.LastUsed.IsZero() {
		t.Errorf("account counter not charged: %+v", a)
	}
	logs, _ := s.ListSendLog("job1")
	if len(logs) != 1 || !logs[0].Success {
		t.Errorf("send log missing or wrong: %+v", logs)
	}
	if monitor.checks.Load() != 0 {
		t.Error("success must not trigger a health check")
	}
}

func TestSendFailureSideEffects(t *testing.T) {
	monitor := &fakeMonitor{}
	snd, s := setupSender(t, &fakeLeaser{sendErr: fmt.Errorf("recipient privacy settings reject this sender")}, monitor)
	job, target := seedPair(t, s)

	out := snd.Send(context.Background(), job, "acc1", target)
	if out.OK || out.Kind != KindPrivacyRestricted {
		t.Fatalf("expected PrivacyRestricted, got %+v", out)
	}

	tg, _ := s.GetTarget("job1", "t1")
	if tg.Sent {
		t.Error("target must not be sent")
	}
	if !tg.FailedBy("acc1") || tg.LastError != string(KindPrivacyRestricted) || tg.RetryCount != 1 || tg.LastAccountID != "acc1" {
		t.Errorf("failure bookkeeping wrong: %+v", tg)
	}
	// Pair-fatal failure leaves the account alone.
	a, _ := s.GetAccount("acc1")
	if a.Status != model.AccountActive {
		t.Errorf("account status changed on pair failure: %s", a.Status)
	}
}

func TestSendAccountBlockedMarksBanned(t *testing.T) {
	monitor := &fakeMonitor{}
	snd, s := setupSender(t, &fakeLeaser{sendErr: fmt.Errorf("550 sender account banned")}, monitor)
	job, target := seedPair(t, s)

	out := snd.Send(context.Background(), job, "acc1", target)
	if out.Kind != KindAccountBlocked {
		t.Fatalf("expected AccountBlocked, got %s", out.Kind)
	}

	a, _ := s.GetAccount("acc1")
	if a.Status != model.AccountBanned {
		t.Errorf("account not banned: %s", a.Status)
	}
}

func TestSendSessionInvalidMarksInactive(t *testing.T) {
	monitor := &fakeMonitor{}
	leaser := &fakeLeaser{acquireErr: fmt.Errorf("account acc1: %w", transport.ErrSessionInvalid)}
	snd, s := setupSender(t, leaser, monitor)
	job, target := seedPair(t, s)

	out := snd.Send(context.Background(), job, "acc1", target)
	if out.Kind != KindSessionInvalid {
		t.Fatalf("expected SessionInvalid, got %s", out.Kind)
	}

	a, _ := s.GetAccount("acc1")
	if a.Status != model.AccountInactive {
		t.Errorf("account not retired: %s", a.Status)
	}
}

func TestRateLimitedTriggersAsyncHealthCheck(t *testing.T) {
	monitor := &fakeMonitor{}
	snd, s := setupSender(t, &fakeLeaser{sendErr: fmt.Errorf("451 flood wait 5 seconds")}, monitor)
	job, target := seedPair(t, s)

	out := snd.Send(context.Background(), job, "acc1", target)
	if out.Kind != KindRateLimited {
		t.Fatalf("expected RateLimited, got %s", out.Kind)
	}
	if out.RetryAfter != 5*time.Second {
		t.Errorf("expected signaled wait of 5s, got %s", out.RetryAfter)
	}

	// The re-check is fire-and-forget; give it a moment.
	deadline := time.Now().Add(time.Second)
	for monitor.checks.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if monitor.checks.Load() != 1 {
		t.Errorf("expected 1 async health check, got %d", monitor.checks.Load())
	}
}

func TestLocalPacingDeniesWithoutAttempt(t *testing.T) {
	monitor := &fakeMonitor{}
	snd, s := setupSender(t, &fakeLeaser{}, monitor)
	job, target := seedPair(t, s)
	target2 := &model.Target{ID: "t2", JobID: "job1", Address: "bob@example.org"}
	if err := s.PutTarget(target2); err != nil {
		t.Fatalf("put target: %v", err)
	}

	lim, err := ratelimit.NewLimiter(s.DB(), &ratelimit.Config{
		DefaultAccount: &ratelimit.LimitConfig{MessagesPerHour: 1},
		FlushInterval:  time.Hour,
	})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	defer lim.Stop()
	snd.SetLimiter(lim)

	if out := snd.Send(context.Background(), job, "acc1", target); !out.OK {
		t.Fatalf("first send should pass the limiter, got %+v", out)
	}

	out := snd.Send(context.Background(), job, "acc1", target2)
	if out.OK || out.Kind != KindRateLimited {
		t.Fatalf("expected local RateLimited, got %+v", out)
	}
	if out.RetryAfter <= 0 {
		t.Error("expected a wait until the window reopens")
	}

	// A pacing denial is not an attempt: no target or log side effects.
	tg, _ := s.GetTarget("job1", "t2")
	if tg.RetryCount != 0 || len(tg.FailedAccounts) != 0 {
		t.Errorf("denied attempt left bookkeeping: %+v", tg)
	}
	logs, _ := s.ListSendLog("job1")
	if len(logs) != 1 {
		t.Errorf("expected only the delivered attempt in the log, got %d", len(logs))
	}
}
