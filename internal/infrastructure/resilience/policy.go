package resilience

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64
	// RetryJitter spreads each computed backoff by up to this fraction in either direction.
	RetryJitter float64
	// RetryAfterMax caps server-provided Retry-After delays.
	RetryAfterMax time.Duration

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     400 * time.Millisecond,
		RetryMultiplier:     2.0,
		RetryJitter:         0.25,
		RetryAfterMax:       30 * time.Second,

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

// EmbeddingConfig is the policy for embedding endpoint calls: more attempts and
// longer backoff than the default because rate limiting is expected.
func EmbeddingConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryMaxAttempts = 6
	cfg.RetryInitialBackoff = 1500 * time.Millisecond
	cfg.RetryMaxBackoff = 20 * time.Second
	return cfg
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.RetryMaxAttempts <= 0 {
		out.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if out.RetryInitialBackoff <= 0 {
		out.RetryInitialBackoff = def.RetryInitialBackoff
	}
	if out.RetryMaxBackoff <= 0 {
		out.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if out.RetryMaxBackoff < out.RetryInitialBackoff {
		out.RetryMaxBackoff = out.RetryInitialBackoff
	}
	if out.RetryMultiplier < 1.0 {
		out.RetryMultiplier = def.RetryMultiplier
	}
	if out.RetryJitter < 0 || out.RetryJitter >= 1 {
		out.RetryJitter = def.RetryJitter
	}
	if out.RetryAfterMax <= 0 {
		out.RetryAfterMax = def.RetryAfterMax
	}

	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}

	return out
}

// Backoff is the wait policy between attempts: exponential growth from the initial
// delay up to the cap, spread by the jitter fraction. A server-provided hint replaces
// the computed wait and is capped separately.
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	afterMax   time.Duration
	multiplier float64
	jitter     float64
}

func (c Config) Backoff() Backoff {
	n := c.normalize()
	return Backoff{
		initial:    n.RetryInitialBackoff,
		max:        n.RetryMaxBackoff,
		afterMax:   n.RetryAfterMax,
		multiplier: n.RetryMultiplier,
		jitter:     n.RetryJitter,
	}
}

// Delay returns the wait after failed attempt number attempt (1-based) that ended with err.
func (b Backoff) Delay(attempt int, err error) time.Duration {
	if hint, ok := RetryAfter(err); ok {
		return min(hint, b.afterMax)
	}
	exp := float64(b.initial) * math.Pow(b.multiplier, float64(max(attempt-1, 0)))
	return b.spread(time.Duration(min(exp, float64(b.max))))
}

func (b Backoff) spread(d time.Duration) time.Duration {
	if b.jitter <= 0 || d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*b.jitter))
}

// RetryAfterError is implemented by errors that carry a server-provided retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter extracts a positive retry delay hint from err.
func RetryAfter(err error) (time.Duration, bool) {
	var hinted RetryAfterError
	if errors.As(err, &hinted) {
		if d := hinted.RetryAfter(); d > 0 {
			return d, true
		}
	}
	return 0, false
}
