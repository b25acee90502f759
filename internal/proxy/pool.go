// Package proxy selects network intermediaries for account connections
// and retires the ones that keep failing.
package proxy

import (
	"errors"
	"log/slog"

	"github.com/foxzi/volley/internal/model"
	"github.com/foxzi/volley/internal/store"
)

// DisableThreshold is the failure count at which a proxy is taken out
// of rotation. A disabled proxy is never reused without external
// re-activation.
const DisableThreshold = 3

// ErrNoProxy is returned when the pool has no active proxy left; the
// caller falls back to a direct connection.
var ErrNoProxy = errors.New("proxy pool exhausted")

// Pool hands out proxies, load-balancing toward the least-used, and
// tracks per-proxy outcomes in the persistence store. Counters are
// advisory: concurrent leases may race, only crossing the disable
// threshold matters.
type Pool struct {
	store  *store.Store
	logger *slog.Logger
}

// NewPool creates a pool over the given store.
func NewPool(s *store.Store, logger *slog.Logger) *Pool {
	return &Pool{
		store:  s,
		logger: logger.With("component", "proxy_pool"),
	}
}

// Acquire returns the active proxy with the lowest success count, or
// ErrNoProxy when none is available.
func (p *Pool) Acquire() (*model.Proxy, error) {
	proxies, err := p.store.ListProxies()
	if err != nil {
		return nil, err
	}

	var best *model.Proxy
	for _, px := range proxies {
		if !px.Active {
			continue
		}
		if best == nil || px.SuccessCount < best.SuccessCount {
			best = px
		}
	}
	if best == nil {
		return nil, ErrNoProxy
	}
	return best, nil
}

// ReportOutcome records the result of one connection attempt through
// the proxy. The third failure disables it.
func (p *Pool) ReportOutcome(proxyID string, success bool) (*model.Proxy, error) {
	px, err := p.store.UpdateProxy(proxyID, func(px *model.Proxy) error {
		if success {
			px.SuccessCount++
			return nil
		}
		px.FailureCount++
		if px.FailureCount >= DisableThreshold && px.Active {
			px.Active = false
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !success && !px.Active {
		p.logger.Warn("proxy disabled", "proxy_id", px.ID, "address", px.Address, "failures", px.FailureCount)
	}
	return px, nil
}
