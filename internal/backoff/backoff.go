// Package backoff provides exponential delay policies used by workers
// when polling for tasks and reconnecting to the gateway.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy computes exponentially growing delays with jitter. The zero
// value is not usable; construct one with New.
type Policy struct {
	Base    time.Duration
	Cap     time.Duration
	Factor  float64
	Jitter  float64 // fraction of the delay randomized, 0..1
	Retries int     // 0 means unlimited
}

// New returns a doubling policy with 20% jitter.
func New(base, cap time.Duration) Policy {
	return Policy{Base: base, Cap: cap, Factor: 2, Jitter: 0.2}
}

// Delay returns the delay for the given attempt number, starting at 0.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Exhausted reports whether the attempt count has passed the retry limit.
func (p Policy) Exhausted(attempt int) bool {
	return p.Retries > 0 && attempt >= p.Retries
}

// Wait sleeps for the attempt's delay or until the context is cancelled.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
