// Package retry provides the pluggable retry engine used by the publish,
// webhook and recovery paths.
package retry

import (
	"math"
	"time"

	errspkg "github.com/pubtrack/pubtrack/internal/tracker/errors"
)

// Strategy decides whether and when a failed operation runs again.
type Strategy interface {
	// ShouldRetry reports whether the attempt-th failure (1-based) warrants
	// another run.
	ShouldRetry(err error, attempt int) bool

	// Delay returns how long to wait before re-running after the attempt-th
	// failure.
	Delay(attempt int) time.Duration

	// MaxAttempts is the total number of runs allowed, including the first.
	MaxAttempts() int

	// OnRetry fires before a delayed re-attempt is scheduled.
	OnRetry(err error, attempt int, delay time.Duration)

	// OnExhausted fires once when no further attempts will be made.
	OnExhausted(err error, attempts int)
}

// Hooks carries the optional before/exhausted callbacks shared by the
// concrete strategies.
type Hooks struct {
	BeforeRetry func(err error, attempt int, delay time.Duration)
	Exhausted   func(err error, attempts int)
}

func (h Hooks) onRetry(err error, attempt int, delay time.Duration) {
	if h.BeforeRetry != nil {
		h.BeforeRetry(err, attempt, delay)
	}
}

func (h Hooks) onExhausted(err error, attempts int) {
	if h.Exhausted != nil {
		h.Exhausted(err, attempts)
	}
}

// ExponentialBackoff retries transport-looking and generic runtime failures
// with delays growing as Initial × Multiplier^(attempt-1), capped at Max.
// Validation failures are never retried.
type ExponentialBackoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Attempts   int
	Hooks      Hooks
}

func (s ExponentialBackoff) withDefaults() ExponentialBackoff {
	if s.Initial <= 0 {
		s.Initial = 500 * time.Millisecond
	}
	if s.Multiplier < 1 {
		s.Multiplier = 2
	}
	if s.Max <= 0 {
		s.Max = 30 * time.Second
	}
	if s.Attempts <= 0 {
		s.Attempts = 3
	}
	return s
}

func (s ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	n := s.withDefaults()
	if attempt >= n.Attempts {
		return false
	}
	switch errspkg.Classify(err) {
	case errspkg.CategoryTransport, errspkg.CategoryOther:
		return true
	default:
		return false
	}
}

func (s ExponentialBackoff) Delay(attempt int) time.Duration {
	n := s.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(n.Initial) * math.Pow(n.Multiplier, float64(attempt-1)))
	if delay > n.Max || delay <= 0 {
		return n.Max
	}
	return delay
}

func (s ExponentialBackoff) MaxAttempts() int { return s.withDefaults().Attempts }

func (s ExponentialBackoff) OnRetry(err error, attempt int, delay time.Duration) {
	s.Hooks.onRetry(err, attempt, delay)
}

func (s ExponentialBackoff) OnExhausted(err error, attempts int) {
	s.Hooks.onExhausted(err, attempts)
}

// FixedDelay retries every failure except validation ones, waiting the same
// interval between attempts.
type FixedDelay struct {
	Interval time.Duration
	Attempts int
	Hooks    Hooks
}

func (s FixedDelay) withDefaults() FixedDelay {
	if s.Interval <= 0 {
		s.Interval = time.Second
	}
	if s.Attempts <= 0 {
		s.Attempts = 3
	}
	return s
}

func (s FixedDelay) ShouldRetry(err error, attempt int) bool {
	n := s.withDefaults()
	if attempt >= n.Attempts {
		return false
	}
	return errspkg.Classify(err) != errspkg.CategoryValidation
}

func (s FixedDelay) Delay(int) time.Duration { return s.withDefaults().Interval }

func (s FixedDelay) MaxAttempts() int { return s.withDefaults().Attempts }

func (s FixedDelay) OnRetry(err error, attempt int, delay time.Duration) {
	s.Hooks.onRetry(err, attempt, delay)
}

func (s FixedDelay) OnExhausted(err error, attempts int) {
	s.Hooks.onExhausted(err, attempts)
}

// NoRetry never retries; the first failure is final.
type NoRetry struct {
	Hooks Hooks
}

func (s NoRetry) ShouldRetry(error, int) bool { return false }

func (s NoRetry) Delay(int) time.Duration { return 0 }

func (s NoRetry) MaxAttempts() int { return 1 }

func (s NoRetry) OnRetry(err error, attempt int, delay time.Duration) {
	s.Hooks.onRetry(err, attempt, delay)
}

func (s NoRetry) OnExhausted(err error, attempts int) {
	s.Hooks.onExhausted(err, attempts)
}
