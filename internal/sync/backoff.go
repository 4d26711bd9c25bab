package sync

import (
	"math"
	"math/rand/v2"
	"time"
)

// Retry defaults for items that fail transiently.
const (
	DefaultBackoffBase   = 2 * time.Second
	DefaultBackoffMax    = 5 * time.Minute
	DefaultBackoffJitter = 0.2
	DefaultMaxRetries    = 10
	backoffFactor        = 2.0
)

// BackoffPolicy computes the delay before the next attempt of an item.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction, 0.2 means ±20%

	randFunc func() float64 // injectable for deterministic tests
}

// DefaultBackoff returns 2s base, 5 minute cap, ±20% jitter.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:   DefaultBackoffBase,
		Max:    DefaultBackoffMax,
		Jitter: DefaultBackoffJitter,
	}
}

// Delay returns the wait after the given retry count (1 for the first retry).
func (p BackoffPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}

	base := p.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}

	d := float64(base) * math.Pow(backoffFactor, float64(retry-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}

	rnd := p.randFunc
	if rnd == nil {
		rnd = rand.Float64 //nolint:gosec // jitter does not need crypto rand
	}

	d += d * p.Jitter * (rnd()*2 - 1)

	return time.Duration(d)
}
