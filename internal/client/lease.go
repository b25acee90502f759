// Package client acquires live network connections for accounts,
// routing through the account's assigned proxy when it has one and
// falling back to a direct connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/foxzi/volley/internal/metrics"
	"github.com/foxzi/volley/internal/model"
	"github.com/foxzi/volley/internal/proxy"
	"github.com/foxzi/volley/internal/store"
	"github.com/foxzi/volley/internal/transport"
)

// DefaultConnectTimeout bounds the proxied connection attempt before
// falling back to a direct one.
const DefaultConnectTimeout = 30 * time.Second

// Lease is a scoped connection acquisition. Release must be called on
// every exit path; it is safe to call more than once.
type Lease struct {
	Conn    transport.Conn
	ProxyID string // proxy actually used, empty for direct

	released bool
}

// Release closes the underlying connection.
func (l *Lease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	if l.Conn != nil {
		l.Conn.Close()
	}
}

// Leaser builds leases from the session connector, the proxy pool and
// persisted account state.
type Leaser struct {
	store     *store.Store
	pool      *proxy.Pool
	connector transport.Connector
	metrics   *metrics.Metrics
	logger    *slog.Logger

	connectTimeout time.Duration
}

// NewLeaser creates a leaser. A zero timeout uses DefaultConnectTimeout.
func NewLeaser(s *store.Store, pool *proxy.Pool, connector transport.Connector, timeout time.Duration, logger *slog.Logger) *Leaser {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Leaser{
		store:          s,
		pool:           pool,
		connector:      connector,
		logger:         logger.With("component", "client_lease"),
		connectTimeout: timeout,
	}
}

// SetMetrics installs proxy outcome counters. nil disables them.
func (l *Leaser) SetMetrics(m *metrics.Metrics) {
	l.metrics = m
}

// Acquire opens a connection for the account. The assigned proxy is
// tried first, bounded by the connect timeout; on failure the outcome
// is reported to the pool and the connection falls back to direct.
// Session corruption surfaces as transport.ErrSessionInvalid and is
// never retried here.
func (l *Leaser) Acquire(ctx context.Context, accountID string) (*Lease, error) {
	account, err := l.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}

	px, err := l.resolveProxy(account)
	if err != nil {
		return nil, err
	}

	if px != nil {
		lease, err := l.connectVia(ctx, accountID, px)
		if err == nil {
			return lease, nil
		}
		if errors.Is(err, transport.ErrSessionInvalid) {
			return nil, err
		}
		l.logger.Warn("proxy connection failed, falling back to direct",
			"account_id", accountID, "proxy_id", px.ID, "error", err)
	}

	return l.connectDirect(ctx, accountID)
}

// resolveProxy returns the proxy to try first: the account's assigned
// one if still active, otherwise a fresh pool acquisition persisted to
// the account so concurrent leases converge on one proxy. A nil result
// means connect directly.
func (l *Leaser) resolveProxy(account *model.Account) (*model.Proxy, error) {
	if account.ProxyID != "" {
		px, err := l.store.GetProxy(account.ProxyID)
		if err == nil && px.Active {
			return px, nil
		}
		// Assignment is stale; clear it and fall through to the pool.
		if _, uerr := l.store.UpdateAccount(account.ID, func(a *model.Account) error {
			if a.ProxyID == account.ProxyID {
				a.ProxyID = ""
			}
			return nil
		}); uerr != nil {
			return nil, uerr
		}
	}

	px, err := l.pool.Acquire()
	if errors.Is(err, proxy.ErrNoProxy) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Persist the assignment before attempting the connection.
	if _, err := l.store.UpdateAccount(account.ID, func(a *model.Account) error {
		a.ProxyID = px.ID
		return nil
	}); err != nil {
		return nil, err
	}
	return px, nil
}

// connectVia attempts a proxied connection bounded by the connect
// timeout and reports the outcome to the pool.
func (l *Leaser) connectVia(ctx context.Context, accountID string, px *model.Proxy) (*Lease, error) {
	dialer, err := socks5Dialer(px.Address)
	if err != nil {
		l.reportProxy(accountID, px, false)
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, l.connectTimeout)
	defer cancel()

	conn, err := l.connector.Connect(connectCtx, accountID, dialer)
	if err != nil {
		if !errors.Is(err, transport.ErrSessionInvalid) {
			l.reportProxy(accountID, px, false)
		}
		return nil, err
	}

	l.reportProxy(accountID, px, true)
	return &Lease{Conn: conn, ProxyID: px.ID}, nil
}

// connectDirect attempts a proxy-less connection with normal network
// defaults only.
func (l *Leaser) connectDirect(ctx context.Context, accountID string) (*Lease, error) {
	conn, err := l.connector.Connect(ctx, accountID, transport.DirectDialer())
	if err != nil {
		return nil, err
	}
	return &Lease{Conn: conn}, nil
}

// reportProxy feeds the outcome back to the pool and, when the failure
// just disabled the proxy, clears the account's assignment so the next
// lease picks a fresh one.
func (l *Leaser) reportProxy(accountID string, px *model.Proxy, success bool) {
	if l.metrics != nil {
		outcome := "failure"
		if success {
			outcome = "success"
		}
		l.metrics.ProxyOutcomesTotal.WithLabelValues(outcome).Inc()
	}
	updated, err := l.pool.ReportOutcome(px.ID, success)
	if err != nil {
		l.logger.Error("failed to report proxy outcome", "proxy_id", px.ID, "error", err)
		return
	}
	if !success && !updated.Active {
		if _, err := l.store.UpdateAccount(accountID, func(a *model.Account) error {
			if a.ProxyID == px.ID {
				a.ProxyID = ""
			}
			return nil
		}); err != nil {
			l.logger.Error("failed to clear proxy assignment", "account_id", accountID, "error", err)
		}
	}
}

// socks5Dialer builds a context-aware dial function through the proxy
// address.
func socks5Dialer(address string) (transport.DialFunc, error) {
	d, err := xproxy.SOCKS5("tcp", address, nil, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("failed to build proxy dialer: %w", err)
	}
	cd, ok := d.(xproxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy dialer for %s does not support context", address)
	}
	return cd.DialContext, nil
}
