package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/volley/internal/model"
	"github.com/foxzi/volley/internal/sender"
	"github.com/foxzi/volley/internal/store"
)

// fakeSender scripts per-pair outcomes and records the attempt order.
// It performs the same target bookkeeping the real sender does, so
// executors and finalization see consistent persisted state.
type fakeSender struct {
	s *store.Store

	mu    sync.Mutex
	calls []string // "accountID->targetID"

	// fail maps "accountID->targetID", "accountID->*" or "*->targetID"
	// to a failure kind. Unmatched pairs succeed.
	fail  map[string]sender.Kind
	delay time.Duration
}

func (f *fakeSender) Send(ctx context.Context, job *model.Job, accountID string, target *model.Target) sender.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, accountID+"->"+target.ID)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return sender.Outcome{Kind: sender.KindConnectionTimeout, Err: ctx.Err()}
		case <-time.After(f.delay):
		}
	}

	kind, failed := f.lookupFailure(accountID, target.ID)
	if failed {
		f.s.UpdateTarget(target.JobID, target.ID, func(t *model.Target) error {
			t.AddFailedAccount(accountID)
			t.LastError = string(kind)
			t.RetryCount++
			t.LastAccountID = accountID
			return nil
		})
		f.appendLog(job.ID, accountID, target.ID, false, string(kind))
		return sender.Outcome{Kind: kind, Err: fmt.Errorf("scripted %s", kind)}
	}

	f.s.UpdateTarget(target.JobID, target.ID, func(t *model.Target) error {
		t.Sent = true
		t.SentAt = time.Now()
		t.SentBy = accountID
		return nil
	})
	f.appendLog(job.ID, accountID, target.ID, true, "")
	return sender.Success()
}

func (f *fakeSender) appendLog(jobID, accountID, targetID string, success bool, kind string) {
	f.mu.Lock()
	id := fmt.Sprintf("a%d", len(f.calls))
	f.mu.Unlock()
	f.s.AppendSendLog(&model.SendLog{
		ID:        id,
		JobID:     jobID,
		AccountID: accountID,
		TargetID:  targetID,
		Success:   success,
		Kind:      kind,
	})
}

func (f *fakeSender) lookupFailure(accountID, targetID string) (sender.Kind, bool) {
	for _, key := range []string{accountID + "->" + targetID, accountID + "->*", "*->" + targetID} {
		if kind, ok := f.fail[key]; ok {
			return kind, true
		}
	}
	return "", false
}

func (f *fakeSender) attempts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeChecker stops the job when forced, otherwise only when no
// assigned account is active in the store.
type fakeChecker struct {
	s      *store.Store
	forced bool
	reason string
}

func (f *fakeChecker) ShouldStopJob(job *model.Job) (bool, string) {
	if f.forced {
		return true, f.reason
	}
	for _, id := range job.AccountIDs {
		a, err := f.s.GetAccount(id)
		if err == nil && a.Usable() {
			return false, ""
		}
	}
	return true, "no active accounts left"
}

func setupManager(t *testing.T, snd *fakeSender, checker *fakeChecker) (*Manager, *store.Store) {
	t.Helper()

	dir, err := os.MkdirTemp("", "dispatch_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := store.Open(filepath.Join(dir, "volley.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	snd.s = s
	checker.s = s

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(s, snd, checker, nil, logger), s
}

func seedJob(t *testing.T, s *store.Store, mode model.Mode, accounts, targets int) *model.Job {
	t.Helper()

	job := &model.Job{
		ID:      "job1",
		Mode:    mode,
		Message: "hello",
		Status:  model.JobPending,
		Threads: 2,
	}
	for i := 1; i <= accounts; i++ {
		id := fmt.Sprintf("acc%d", i)
		job.AccountIDs = append(job.AccountIDs, id)
		if err := s.PutAccount(&model.Account{ID: id, Status: model.AccountActive}); err != nil {
			t.Fatalf("put account: %v", err)
		}
	}
	for i := 1; i <= targets; i++ {
		id := fmt.Sprintf("t%d", i)
		job.TargetIDs = append(job.TargetIDs, id)
		tgt := &model.Target{ID: id, JobID: job.ID, Address: fmt.Sprintf("user%d@example.org", i)}
		if err := s.PutTarget(tgt); err != nil {
			t.Fatalf("put target: %v", err)
		}
	}
	if err := s.PutJob(job); err != nil {
		t.Fatalf("put job: %v", err)
	}
	return job
}

// seedOrderedJob seeds one account and three targets whose ids sort
// opposite to their submission order, the way real uuids shuffle under
// the store's key order.
func seedOrderedJob(t *testing.T, s *store.Store, mode model.Mode) *model.Job {
	t.Helper()

	job := &model.Job{
		ID:         "job1",
		Mode:       mode,
		Message:    "hello",
		Status:     model.JobPending,
		AccountIDs: []string{"acc1"},
		TargetIDs:  []string{"zz-first", "mm-second", "aa-third"},
	}
	if err := s.PutAccount(&model.Account{ID: "acc1", Status: model.AccountActive}); err != nil {
		t.Fatalf("put account: %v", err)
	}
	for i, id := range job.TargetIDs {
		tgt := &model.Target{ID: id, JobID: job.ID, Address: fmt.Sprintf("user%d@example.org", i+1)}
		if err := s.PutTarget(tgt); err != nil {
			t.Fatalf("put target: %v", err)
		}
	}
	if err := s.PutJob(job); err != nil {
		t.Fatalf("put job: %v", err)
	}
	return job
}

func runToCompletion(t *testing.T, m *Manager, jobID string) *model.Job {
	t.Helper()

	if err := m.StartJob(context.Background(), jobID); err != nil {
		t.Fatalf("start job: %v", err)
	}
	m.Wait(jobID)

	job, err := m.store.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !job.Status.Terminal() {
		t.Fatalf("job not finalized: %s", job.Status)
	}
	return job
}

func TestNormalModeEachTargetSentOnce(t *testing.T) {
	snd := &fakeSender{fail: map[string]sender.Kind{
		"acc1->t2": sender.KindPrivacyRestricted,
	}}
	m, s := setupManager(t, snd, &fakeChecker{})
	seedJob(t, s, model.ModeNormal, 2, 3)

	job := runToCompletion(t, m, "job1")
	if job.Status != model.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.StopReason)
	}
	if job.SentCount != 3 || job.FailedCount != 0 {
		t.Errorf("counters: sent=%d failed=%d, want 3/0", job.SentCount, job.FailedCount)
	}

	targets, _ := s.ListTargets("job1")
	for _, tg := range targets {
		if !tg.Sent {
			t.Errorf("target %s not sent", tg.ID)
		}
	}
	// t2 was rejected by acc1 and retried by acc2.
	t2, _ := s.GetTarget("job1", "t2")
	if t2.SentBy != "acc2" || !t2.FailedBy("acc1") {
		t.Errorf("rotation bookkeeping wrong: %+v", t2)
	}
}

func TestNormalModeTargetExhaustsAllAccounts(t *testing.T) {
	snd := &fakeSender{fail: map[string]sender.Kind{
		"*->t1": sender.KindPrivacyRestricted,
	}}
	m, s := setupManager(t, snd, &fakeChecker{})
	seedJob(t, s, model.ModeNormal, 2, 2)

	job := runToCompletion(t, m, "job1")
	if job.Status != model.JobCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.SentCount != 1 || job.FailedCount != 1 {
		t.Errorf("counters: sent=%d failed=%d, want 1/1", job.SentCount, job.FailedCount)
	}

	t1, _ := s.GetTarget("job1", "t1")
	if t1.Sent || len(t1.FailedAccounts) != 2 || t1.LastError != string(sender.KindPrivacyRestricted) {
		t.Errorf("exhausted target bookkeeping wrong: %+v", t1)
	}
}

func TestRepeatModeEveryAccountEveryTarget(t *testing.T) {
	snd := &fakeSender{fail: map[string]sender.Kind{
		"acc2->t3": sender.KindPrivacyRestricted,
	}}
	m, s := setupManager(t, snd, &fakeChecker{})
	seedJob(t, s, model.ModeRepeat, 2, 3)

	job := runToCompletion(t, m, "job1")
	if job.Status != model.JobCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.TotalCount != 6 {
		t.Errorf("total = %d, want accounts x targets = 6", job.TotalCount)
	}
	if job.SentCount != 5 || job.FailedCount != 1 {
		t.Errorf("counters: sent=%d failed=%d, want 5/1", job.SentCount, job.FailedCount)
	}

	attempts := snd.attempts()
	if len(attempts) != 6 {
		t.Fatalf("expected 6 attempts, got %d: %v", len(attempts), attempts)
	}
	seen := make(map[string]int)
	for _, a := range attempts {
		seen[a]++
	}
	for _, acc := range []string{"acc1", "acc2"} {
		for _, tg := range []string{"t1", "t2", "t3"} {
			if seen[acc+"->"+tg] != 1 {
				t.Errorf("pair %s->%s attempted %d times, want exactly 1", acc, tg, seen[acc+"->"+tg])
			}
		}
	}
}

func TestNormalModeFollowsSubmissionOrder(t *testing.T) {
	snd := &fakeSender{}
	m, s := setupManager(t, snd, &fakeChecker{})
	seedOrderedJob(t, s, model.ModeNormal)

	runToCompletion(t, m, "job1")

	want := []string{"acc1->zz-first", "acc1->mm-second", "acc1->aa-third"}
	got := snd.attempts()
	if len(got) != len(want) {
		t.Fatalf("expected %d attempts, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt order %v, want %v", got, want)
		}
	}
}

func TestForceModeFollowsSubmissionOrder(t *testing.T) {
	snd := &fakeSender{}
	m, s := setupManager(t, snd, &fakeChecker{})
	seedOrderedJob(t, s, model.ModeForce)

	runToCompletion(t, m, "job1")

	want := []string{"acc1->zz-first", "acc1->mm-second", "acc1->aa-third"}
	got := snd.attempts()
	if len(got) != len(want) {
		t.Fatalf("expected %d attempts, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt order %v, want %v", got, want)
		}
	}
}

func TestForceModeRotatesOnFailureStreak(t *testing.T) {
	snd := &fakeSender{fail: map[string]sender.Kind{
		"acc1->*": sender.KindConnectionTimeout,
	}}
	m, s := setupManager(t, snd, &fakeChecker{})
	job := seedJob(t, s, model.ModeForce, 2, 4)
	job.FailStreakLimit = 3
	if err := s.PutJob(job); err != nil {
		t.Fatalf("put job: %v", err)
	}

	got := runToCompletion(t, m, "job1")
	if got.Status != model.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.StopReason)
	}
	if got.SentCount != 4 {
		t.Errorf("sent = %d, want 4", got.SentCount)
	}

	a1, _ := s.GetAccount("acc1")
	if a1.Status != model.AccountLimited {
		t.Errorf("acc1 status = %s, want limited after the streak", a1.Status)
	}
	a2, _ := s.GetAccount("acc2")
	if a2.Status != model.AccountActive {
		t.Errorf("acc2 status = %s, want active", a2.Status)
	}

	// acc1 got exactly the streak limit of attempts before rotation.
	acc1Attempts := 0
	for _, a := range snd.attempts() {
		if a[:4] == "acc1" {
			acc1Attempts++
		}
	}
	if acc1Attempts != 3 {
		t.Errorf("acc1 attempts = %d, want exactly the streak limit 3", acc1Attempts)
	}
}

func TestForceModePrefersFreshTargets(t *testing.T) {
	snd := &fakeSender{fail: map[string]sender.Kind{
		"acc1->t1": sender.KindConnectionTimeout,
		"acc1->t2": sender.KindConnectionTimeout,
	}}
	m, s := setupManager(t, snd, &fakeChecker{})
	job := seedJob(t, s, model.ModeForce, 2, 3)
	job.FailStreakLimit = 2
	if err := s.PutJob(job); err != nil {
		t.Fatalf("put job: %v", err)
	}

	got := runToCompletion(t, m, "job1")
	if got.Status != model.JobCompleted || got.SentCount != 3 {
		t.Fatalf("expected all 3 sent, got %s sent=%d", got.Status, got.SentCount)
	}

	// After acc1 failed t1 and t2, acc2 must attempt the never-tried t3
	// before circling back to the failed ones.
	var acc2First string
	for _, a := range snd.attempts() {
		if a[:4] == "acc2" {
			acc2First = a
			break
		}
	}
	if acc2First != "acc2->t3" {
		t.Errorf("acc2 first attempt = %s, want the fresh target t3", acc2First)
	}
}

// scriptedSender plays back a fixed sequence of outcomes, then
// succeeds. Used to pin down the per-pair retry policy.
type scriptedSender struct {
	mu       sync.Mutex
	calls    int
	outcomes []sender.Outcome
}

func (f *scriptedSender) Send(ctx context.Context, job *model.Job, accountID string, target *model.Target) sender.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= len(f.outcomes) {
		return f.outcomes[f.calls-1]
	}
	return sender.Success()
}

func setupEnv(t *testing.T, snd AttemptSender) (*env, *store.Store) {
	t.Helper()

	dir, err := os.MkdirTemp("", "dispatch_test")
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
	return &env{
		store:   s,
		sender:  snd,
		monitor: &fakeChecker{s: s},
		logger:  logger,
		stop:    make(chan struct{}),
		rng:     rand.New(rand.NewSource(1)),
	}, s
}

func TestAttemptPairRetryPolicies(t *testing.T) {
	rateLimited := func(after time.Duration) sender.Outcome {
		return sender.Outcome{Kind: sender.KindRateLimited, RetryAfter: after, Err: fmt.Errorf("scripted rate limit")}
	}
	failure := func(kind sender.Kind) sender.Outcome {
		return sender.Outcome{Kind: kind, Err: fmt.Errorf("scripted %s", kind)}
	}

	cases := []struct {
		name      string
		outcomes  []sender.Outcome
		mutualMax int
		wantCalls int
		wantOK    bool
		wantKind  sender.Kind
	}{
		{
			name:      "rate limit with signaled wait retried once",
			outcomes:  []sender.Outcome{rateLimited(5 * time.Millisecond)},
			wantCalls: 2,
			wantOK:    true,
		},
		{
			name:      "rate limit gives up after one retry",
			outcomes:  []sender.Outcome{rateLimited(5 * time.Millisecond), rateLimited(5 * time.Millisecond)},
			wantCalls: 2,
			wantKind:  sender.KindRateLimited,
		},
		{
			name:      "rate limit without signaled wait not retried",
			outcomes:  []sender.Outcome{rateLimited(0)},
			wantCalls: 1,
			wantKind:  sender.KindRateLimited,
		},
		{
			name:      "mutual contact retried up to the job threshold",
			outcomes:  []sender.Outcome{failure(sender.KindMutualContactRequired), failure(sender.KindMutualContactRequired), failure(sender.KindMutualContactRequired)},
			mutualMax: 2,
			wantCalls: 3,
			wantKind:  sender.KindMutualContactRequired,
		},
		{
			name:      "mutual contact succeeds within the threshold",
			outcomes:  []sender.Outcome{failure(sender.KindMutualContactRequired)},
			mutualMax: 2,
			wantCalls: 2,
			wantOK:    true,
		},
		{
			name:      "unclassified failure retried exactly once",
			outcomes:  []sender.Outcome{failure(sender.KindUnclassified), failure(sender.KindUnclassified)},
			wantCalls: 2,
			wantKind:  sender.KindUnclassified,
		},
		{
			name:      "peer flood moves on immediately",
			outcomes:  []sender.Outcome{failure(sender.KindPeerFlood)},
			wantCalls: 1,
			wantKind:  sender.KindPeerFlood,
		},
		{
			name:      "privacy rejection is final for the pair",
			outcomes:  []sender.Outcome{failure(sender.KindPrivacyRestricted)},
			wantCalls: 1,
			wantKind:  sender.KindPrivacyRestricted,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snd := &scriptedSender{outcomes: tc.outcomes}
			e, s := setupEnv(t, snd)

			job := &model.Job{ID: "job1", Mode: model.ModeNormal, Status: model.JobRunning, MutualRetryMax: tc.mutualMax}
			target := &model.Target{ID: "t1", JobID: "job1", Address: "user1@example.org"}
			if err := s.PutTarget(target); err != nil {
				t.Fatalf("put target: %v", err)
			}
			if err := s.PutJob(job); err != nil {
				t.Fatalf("put job: %v", err)
			}

			out := e.attemptPair(context.Background(), job, "acc1", target)
			if out.OK != tc.wantOK {
				t.Fatalf("ok = %v, want %v (outcome %+v)", out.OK, tc.wantOK, out)
			}
			if !tc.wantOK && out.Kind != tc.wantKind {
				t.Errorf("final kind = %s, want %s", out.Kind, tc.wantKind)
			}
			if snd.calls != tc.wantCalls {
				t.Errorf("send attempts = %d, want %d", snd.calls, tc.wantCalls)
			}
		})
	}
}
