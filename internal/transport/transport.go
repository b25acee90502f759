// Package transport defines the boundary to the external messaging
// network. The engine only sees Connector and Conn; the wire protocol
// behind them is interchangeable.
package transport

import (
	"context"
	"errors"
	"net"
)

// DialFunc opens the raw network connection for a session. The client
// lease supplies either a direct dialer or one routed through a proxy.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ErrSessionInvalid signals that the account's session data is corrupt
// or unreadable. It is unrecoverable: the account is marked inactive
// and skipped, never retried.
var ErrSessionInvalid = errors.New("session data invalid")

// Conn is one live connection bound to a single account.
type Conn interface {
	// SendMessage delivers one message to the target.
	SendMessage(ctx context.Context, target, message string) error

	// Probe queries a well-known health-check peer and returns the raw
	// response text for restriction-marker parsing.
	Probe(ctx context.Context, peer string) (string, error)

	Close() error
}

// Connector builds a connection for an account. Implementations own
// the session data (credentials); the engine never reads it.
type Connector interface {
	Connect(ctx context.Context, accountID string, dial DialFunc) (Conn, error)
}
