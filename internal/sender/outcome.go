package sender

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/volley/internal/transport"
)

// Kind is the classified failure class of one send attempt.
type Kind string

const (
	KindAccountBlocked        Kind = "AccountBlocked"
	KindPrivacyRestricted     Kind = "PrivacyRestricted"
	KindMutualContactRequired Kind = "MutualContactRequired"
	KindRateLimited           Kind = "RateLimited"
	KindPeerFlood             Kind = "PeerFlood"
	KindTargetNotFound        Kind = "TargetNotFound"
	KindSessionInvalid        Kind = "SessionInvalid"
	KindConnectionTimeout     Kind = "ConnectionTimeout"
	KindUnclassified          Kind = "Unclassified"
)

// FatalForAccount reports whether the kind disqualifies the whole
// account rather than just this pair.
func (k Kind) FatalForAccount() bool {
	return k == KindAccountBlocked || k == KindSessionInvalid
}

// FatalForPair reports whether the kind permanently fails this
// (account, target) pair; other accounts may still try the target.
func (k Kind) FatalForPair() bool {
	return k == KindPrivacyRestricted || k == KindTargetNotFound || k.FatalForAccount()
}

// Retryable reports whether the same pair may be attempted again,
// subject to the per-kind retry budget the executor enforces.
func (k Kind) Retryable() bool {
	switch k {
	case KindMutualContactRequired, KindRateLimited, KindPeerFlood, KindConnectionTimeout, KindUnclassified:
		return true
	}
	return false
}

// TriggersHealthCheck reports whether the kind warrants an async
// re-check of the account's real status.
func (k Kind) TriggersHealthCheck() bool {
	return k == KindRateLimited || k == KindPeerFlood
}

// Outcome is the classified result of one send attempt. MessageSender
// never raises uncaught errors: every failure is mapped to a Kind
// before returning.
type Outcome struct {
	OK         bool
	Kind       Kind
	Err        error
	RetryAfter time.Duration // signaled backoff, RateLimited only
}

// Success is the outcome of a delivered message.
func Success() Outcome {
	return Outcome{OK: true}
}

var retryAfterPattern = regexp.MustCompile(`(?i)(?:flood[ _]?wait|retry after|wait)[^0-9]*(\d+)`)

// Classify maps a raw send error to the outcome taxonomy. Matching is
// marker-based on the network's response text, with typed sentinels
// checked first.
func Classify(err error) Outcome {
	if err == nil {
		return Success()
	}
	if errors.Is(err, transport.ErrSessionInvalid) {
		return Outcome{Kind: KindSessionInvalid, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: KindConnectionTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Outcome{Kind: KindConnectionTimeout, Err: err}
	}

	text := strings.ToLower(err.Error())
	switch {
	case containsAny(text, "banned", "deactivated", "blacklist", "account disabled"):
		return Outcome{Kind: KindAccountBlocked, Err: err}
	case containsAny(text, "peer flood", "peerflood", "peer_flood"):
		return Outcome{Kind: KindPeerFlood, Err: err}
	case containsAny(text, "privacy", "blocked by user", "write forbidden", "user is blocked"):
		return Outcome{Kind: KindPrivacyRestricted, Err: err}
	case containsAny(text, "mutual contact", "not mutual", "notmutual"):
		return Outcome{Kind: KindMutualContactRequired, Err: err}
	case containsAny(text, "flood", "rate limit", "ratelimited", "too many", "try again later"):
		return Outcome{Kind: KindRateLimited, Err: err, RetryAfter: parseRetryAfter(err.Error())}
	case containsAny(text, "not found", "no such user", "unknown recipient", "invalid recipient", "user deleted", "mailbox unavailable"):
		return Outcome{Kind: KindTargetNotFound, Err: err}
	case containsAny(text, "timeout", "timed out", "connection refused", "unreachable", "connection reset"):
		return Outcome{Kind: KindConnectionTimeout, Err: err}
	default:
		return Outcome{Kind: KindUnclassified, Err: err}
	}
}

func containsAny(text string, markers ...string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// parseRetryAfter extracts a signaled wait in seconds from the error
// text, zero when none is present.
func parseRetryAfter(text string) time.Duration {
	matches := retryAfterPattern.FindStringSubmatch(text)
	if len(matches) < 2 {
		return 0
	}
	secs, err := strconv.Atoi(matches[1])
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
