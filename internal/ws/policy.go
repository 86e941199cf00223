package ws

import (
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 3 * time.Second
)

// FixedPolicy retries forever with a constant delay.
func FixedPolicy(d time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(d)
}

// ExponentialPolicy grows the delay from initial up to max with jitter and
// gives up after maxAttempts consecutive failures (0 = never).
func ExponentialPolicy(initial, max time.Duration, maxAttempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	if maxAttempts > 0 {
		return backoff.WithMaxRetries(b, uint64(maxAttempts))
	}
	return b
}

// NamedPolicy returns a constructor for the "fixed" or "exponential" policy.
// Unknown names fall back to fixed.
func NamedPolicy(name string, delay, maxDelay time.Duration, maxAttempts int) func() backoff.BackOff {
	if name == "exponential" {
		return func() backoff.BackOff { return ExponentialPolicy(delay, maxDelay, maxAttempts) }
	}
	return func() backoff.BackOff {
		p := FixedPolicy(delay)
		if maxAttempts > 0 {
			return backoff.WithMaxRetries(p, uint64(maxAttempts))
		}
		return p
	}
}

// ChatURL builds the chat socket address for a match. http(s) bases are
// mapped to ws(s).
func ChatURL(base, matchID, userID string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/mystery/ws/chat/" + url.PathEscape(matchID) + "/" + url.PathEscape(userID)
}
