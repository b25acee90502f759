package health

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxzi/volley/internal/model"
	"github.com/foxzi/volley/internal/store"
)

type fakeProber struct {
	response string
	calls    atomic.Int64
	delay    time.Duration
}

func (f *fakeProber) Probe(ctx context.Context, accountID string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.response, nil
}

func setupMonitor(t *testing.T, prober Prober, ttl time.Duration) (*Monitor, *store.Store) {
	t.Helper()

	dir, err := os.MkdirTemp("", "health_test")
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
	return NewMonitor(s, prober, ttl, logger), s
}

func TestCacheHitWithinTTL(t *testing.T) {
	prober := &fakeProber{response: "ok"}
	m, s := setupMonitor(t, prober, time.Minute)

	s.PutAccount(&model.Account{ID: "acc1", Status: model.AccountActive})

	for i := 0; i < 3; i++ {
		status, err := m.CheckRealStatus(context.Background(), "acc1")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if status != model.AccountActive {
			t.Errorf("check %d: expected active, got %s", i, status)
		}
	}

	if got := prober.calls.Load(); got != 1 {
		t.Errorf("expected 1 live probe within TTL, got %d", got)
	}
}

func TestConcurrentChecksShareOneProbe(t *testing.T) {
	prober := &fakeProber{response: "ok", delay: 50 * time.Millisecond}
	m, s := setupMonitor(t, prober, time.Minute)

	s.PutAccount(&model.Account{ID: "acc1", Status: model.AccountActive})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.CheckRealStatus(context.Background(), "acc1")
		}()
	}
	wg.Wait()

	if got := prober.calls.Load(); got != 1 {
		t.Errorf("expected a single shared probe, got %d", got)
	}
}

func TestProbeAfterExpiry(t *testing.T) {
	prober := &fakeProber{response: "ok"}
	m, s := setupMonitor(t, prober, 10*time.Millisecond)

	s.PutAccount(&model.Account{ID: "acc1", Status: model.AccountActive})

	m.CheckRealStatus(context.Background(), "acc1")
	time.Sleep(20 * time.Millisecond)
	m.CheckRealStatus(context.Background(), "acc1")

	if got := prober.calls.Load(); got != 2 {
		t.Errorf("expected 2 probes across TTL expiry, got %d", got)
	}
}

func TestClassifyAndWriteThrough(t *testing.T) {
	prober := &fakeProber{response: "550 account banned by operator"}
	m, s := setupMonitor(t, prober, time.Minute)

	s.PutAccount(&model.Account{ID: "acc1", Status: model.AccountActive})

	status, err := m.CheckRealStatus(context.Background(), "acc1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if status != model.AccountBanned {
		t.Errorf("expected banned, got %s", status)
	}

	a, _ := s.GetAccount("acc1")
	if a.Status != model.AccountBanned {
		t.Errorf("status not written through: %s", a.Status)
	}
	if a.StatusReason == "" {
		t.Error("status reason missing")
	}
}

func TestClassifyMarkers(t *testing.T) {
	cases := []struct {
		text string
		want model.AccountStatus
	}{
		{"ok", model.AccountActive},
		{"550 sender address banned", model.AccountBanned},
		{"account deactivated", model.AccountBanned},
		{"421 too many messages, rate limited", model.AccountLimited},
		{"454 sending restricted", model.AccountLimited},
		{"peer flood detected", model.AccountLimited},
		{"250 accepted", model.AccountActive},
	}
	for _, tc := range cases {
		got, _ := Classify(tc.text)
		if got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestShouldStopJob(t *testing.T) {
	prober := &fakeProber{response: "ok"}
	m, s := setupMonitor(t, prober, time.Minute)

	s.PutAccount(&model.Account{ID: "acc1", Status: model.AccountBanned, StatusReason: "banned by operator"})
	s.PutAccount(&model.Account{ID: "acc2", Status: model.AccountLimited, StatusReason: "PeerFlood"})

	job := &model.Job{ID: "job1", AccountIDs: []string{"acc1", "acc2"}}

	stop, reason := m.ShouldStopJob(job)
	if !stop {
		t.Fatal("expected stop with zero active accounts")
	}
	if !strings.Contains(reason, "acc1") || !strings.Contains(reason, "acc2") {
		t.Errorf("reason missing account breakdown: %s", reason)
	}

	// One account back to active keeps the job going.
	s.SetAccountStatus("acc2", model.AccountActive, "")
	if stop, _ := m.ShouldStopJob(job); stop {
		t.Error("job should continue with one active account")
	}

	// An active account over its daily budget no longer counts.
	s.UpdateAccount("acc2", func(a *model.Account) error {
		a.DailyLimit = 10
		a.SentToday = 10
		return nil
	})
	stop, reason = m.ShouldStopJob(job)
	if !stop {
		t.Fatal("expected stop when the only active account is over budget")
	}
	if !strings.Contains(reason, "daily limit reached") {
		t.Errorf("reason missing budget breakdown: %s", reason)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	prober := &fakeProber{response: "ok"}
	m, s := setupMonitor(t, prober, 10*time.Millisecond)

	s.PutAccount(&model.Account{ID: "acc1", Status: model.AccountActive})
	m.CheckRealStatus(context.Background(), "acc1")

	time.Sleep(20 * time.Millisecond)
	if removed := m.Sweep(); removed != 1 {
		t.Errorf("expected 1 entry swept, got %d", removed)
	}
}
