package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// session holds the per-account credentials read from the sessions
// directory. One JSON file per account id.
type session struct {
	Server   string `json:"server"` // host:port
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

// SMTPConnector implements Connector over SMTP submission. It exists so
// the engine has one real network binding; any other protocol can slot
// in behind the same interface.
type SMTPConnector struct {
	sessionsDir string
	helloName   string
}

// NewSMTPConnector creates a connector reading session files from dir.
func NewSMTPConnector(dir, helloName string) *SMTPConnector {
	if helloName == "" {
		helloName = "localhost"
	}
	return &SMTPConnector{sessionsDir: dir, helloName: helloName}
}

// Connect loads the account's session file and opens an authenticated
// connection through the supplied dialer.
func (c *SMTPConnector) Connect(ctx context.Context, accountID string, dial DialFunc) (Conn, error) {
	sess, err := c.loadSession(accountID)
	if err != nil {
		return nil, err
	}

	raw, err := dial(ctx, "tcp", sess.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", sess.Server, err)
	}

	client := smtp.NewClient(raw)
	if err := client.Hello(c.helloName); err != nil {
		client.Close()
		return nil, fmt.Errorf("hello failed: %w", err)
	}
	if sess.Username != "" {
		auth := sasl.NewPlainClient("", sess.Username, sess.Password)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("auth failed: %w", err)
		}
	}

	return &smtpConn{client: client, from: sess.From}, nil
}

// ValidateSession checks that the account's session file exists and
// parses with the required fields. Used when registering an account,
// before any send attempt touches it.
func (c *SMTPConnector) ValidateSession(accountID string) error {
	_, err := c.loadSession(accountID)
	return err
}

// loadSession reads and validates the account's session file. Any
// corruption maps to ErrSessionInvalid so callers retire the account
// instead of retrying.
func (c *SMTPConnector) loadSession(accountID string) (*session, error) {
	path := filepath.Join(c.sessionsDir, accountID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w: %v", accountID, ErrSessionInvalid, err)
	}

	var sess session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("account %s: %w: %v", accountID, ErrSessionInvalid, err)
	}
	if sess.Server == "" || sess.From == "" {
		return nil, fmt.Errorf("account %s: %w: missing server or from", accountID, ErrSessionInvalid)
	}
	return &sess, nil
}

type smtpConn struct {
	client *smtp.Client
	from   string
}

func (c *smtpConn) SendMessage(ctx context.Context, target, message string) error {
	type result struct{ err error }
	done := make(chan result, 1)

	go func() {
		done <- result{err: c.send(target, message)}
	}()

	select {
	case <-ctx.Done():
		// The protocol library has no per-command context; abandon the
		// connection so the in-flight command cannot leak into the next
		// attempt.
		c.client.Close()
		return ctx.Err()
	case r := <-done:
		return r.err
	}
}

func (c *smtpConn) send(target, message string) error {
	if err := c.client.Mail(c.from, nil); err != nil {
		return err
	}
	if err := c.client.Rcpt(target, nil); err != nil {
		c.client.Reset()
		return err
	}
	w, err := c.client.Data()
	if err != nil {
		c.client.Reset()
		return err
	}
	if _, err := w.Write([]byte(message)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Probe issues MAIL/RCPT against the health-check peer and resets the
// transaction. The response text of a rejection carries the network's
// restriction markers.
func (c *smtpConn) Probe(ctx context.Context, peer string) (string, error) {
	if err := c.client.Mail(c.from, nil); err != nil {
		return smtpErrorText(err), nil
	}
	err := c.client.Rcpt(peer, nil)
	c.client.Reset()
	if err != nil {
		return smtpErrorText(err), nil
	}
	return "ok", nil
}

func (c *smtpConn) Close() error {
	return c.client.Quit()
}

// smtpErrorText extracts the response text from a protocol error.
func smtpErrorText(err error) string {
	if serr, ok := err.(*smtp.SMTPError); ok {
		return fmt.Sprintf("%d %s", serr.Code, serr.Message)
	}
	return err.Error()
}

// DirectDialer returns a DialFunc using the default network stack.
func DirectDialer() DialFunc {
	d := &net.Dialer{Timeout: 30 * time.Second}
	return d.DialContext
}
