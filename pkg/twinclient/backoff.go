package twinclient

import (
	"crypto/rand"
	"math/big"
	"time"
)

// backoffParams computes retry delays for transient HTTP errors: base
// delay doubled per attempt, capped, and jittered with true randomness
// since this path has no replay requirement.
type backoffParams struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// compute returns base*2^attempt, capped at Max, plus up to Jitter of
// random jitter.
func (p backoffParams) compute(attempt int) time.Duration {
	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > p.Max {
			delay = p.Max
			break
		}
	}
	if p.Jitter > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(int64(p.Jitter))); err == nil {
			delay += time.Duration(n.Int64())
		}
	}
	return delay
}

// pollBackoff implements the job-poll schedule: exponential from 250ms,
// capped at maxInterval, with ±jitter.
func pollBackoff(attempt int, maxInterval, jitter time.Duration) time.Duration {
	p := backoffParams{Base: 250 * time.Millisecond, Max: maxInterval}
	delay := p.compute(attempt)
	if jitter > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(int64(2*jitter))); err == nil {
			delay += time.Duration(n.Int64()) - jitter
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
