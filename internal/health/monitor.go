// Package health tracks the real usability of accounts, caching probe
// results so expensive live checks stay bounded.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/volley/internal/model"
	"github.com/foxzi/volley/internal/store"
)

// DefaultTTL is how long a probe result stays valid.
const DefaultTTL = 5 * time.Minute

// Prober performs one live status check through the account's own
// connection and returns the raw response text.
type Prober interface {
	Probe(ctx context.Context, accountID string) (string, error)
}

type cacheEntry struct {
	status    model.AccountStatus
	reason    string
	checkedAt time.Time
}

type inflight struct {
	done   chan struct{}
	status model.AccountStatus
	err    error
}

// Monitor classifies accounts as Active, Limited or Banned. Results
// are cached per account with a TTL; concurrent checks for the same
// account share a single probe.
type Monitor struct {
	store  *store.Store
	prober Prober
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	cache    map[string]cacheEntry
	inflight map[string]*inflight
}

// NewMonitor creates a monitor. A zero ttl uses DefaultTTL.
func NewMonitor(s *store.Store, prober Prober, ttl time.Duration, logger *slog.Logger) *Monitor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Monitor{
		store:    s,
		prober:   prober,
		ttl:      ttl,
		logger:   logger.With("component", "health_monitor"),
		cache:    make(map[string]cacheEntry),
		inflight: make(map[string]*inflight),
	}
}

// CheckRealStatus returns the account's current status, probing the
// network only when the cached result has expired. The fresh result is
// written through to persisted account state.
func (m *Monitor) CheckRealStatus(ctx context.Context, accountID string) (model.AccountStatus, error) {
	m.mu.Lock()
	if entry, ok := m.cache[accountID]; ok && time.Since(entry.checkedAt) < m.ttl {
		m.mu.Unlock()
		return entry.status, nil
	}
	if fl, ok := m.inflight[accountID]; ok {
		m.mu.Unlock()
		select {
		case <-fl.done:
			return fl.status, fl.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	m.inflight[accountID] = fl
	m.mu.Unlock()

	status, reason, err := m.probe(ctx, accountID)

	m.mu.Lock()
	delete(m.inflight, accountID)
	if err == nil {
		m.cache[accountID] = cacheEntry{status: status, reason: reason, checkedAt: time.Now()}
	}
	m.mu.Unlock()

	fl.status, fl.err = status, err
	close(fl.done)
	return status, err
}

// probe runs the live check and persists the classification.
func (m *Monitor) probe(ctx context.Context, accountID string) (model.AccountStatus, string, error) {
	text, err := m.prober.Probe(ctx, accountID)
	if err != nil {
		return "", "", fmt.Errorf("health probe failed for account %s: %w", accountID, err)
	}

	status, reason := Classify(text)
	if _, err := m.store.SetAccountStatus(accountID, status, reason); err != nil {
		m.logger.Error("failed to persist account status", "account_id", accountID, "error", err)
	}
	m.logger.Info("account health checked", "account_id", accountID, "status", status, "reason", reason)
	return status, reason, nil
}

// Classify maps probe response text to an account status using the
// network's restriction markers.
func Classify(text string) (model.AccountStatus, string) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "banned") || strings.Contains(lower, "deactivated") || strings.Contains(lower, "blacklist"):
		return model.AccountBanned, firstLine(text)
	case strings.Contains(lower, "restricted") || strings.Contains(lower, "limited") || strings.Contains(lower, "flood") || strings.Contains(lower, "rate"):
		return model.AccountLimited, firstLine(text)
	default:
		return model.AccountActive, ""
	}
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 120 {
		text = text[:120]
	}
	return text
}

// Invalidate drops the cached entry for an account so the next check
// probes again.
func (m *Monitor) Invalidate(accountID string) {
	m.mu.Lock()
	delete(m.cache, accountID)
	m.mu.Unlock()
}

// Sweep removes expired cache entries. Run from the maintenance
// scheduler.
func (m *Monitor) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, entry := range m.cache {
		if time.Since(entry.checkedAt) >= m.ttl {
			delete(m.cache, id)
			removed++
		}
	}
	return removed
}

// ShouldStopJob reports whether the job has run out of usable accounts.
// The reason lists why each assigned account is disqualified, for
// user-facing reporting.
func (m *Monitor) ShouldStopJob(job *model.Job) (bool, string) {
	var disqualified []string
	active := 0

	for _, id := range job.AccountIDs {
		account, err := m.store.GetAccount(id)
		if err != nil {
			disqualified = append(disqualified, fmt.Sprintf("%s: not found", id))
			continue
		}
		if account.Usable() && account.DailyBudgetLeft() {
			active++
			continue
		}
		reason := string(account.Status)
		if account.Usable() {
			reason = fmt.Sprintf("daily limit reached (%d/%d)", account.SentToday, account.DailyLimit)
		} else if account.StatusReason != "" {
			reason += " (" + account.StatusReason + ")"
		}
		disqualified = append(disqualified, fmt.Sprintf("%s: %s", id, reason))
	}

	if active > 0 {
		return false, ""
	}
	sort.Strings(disqualified)
	return true, "no active accounts left: " + strings.Join(disqualified, "; ")
}
