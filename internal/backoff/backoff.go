// ABOUTME: Exponential backoff with jitter proportional to the computed delay.
// ABOUTME: Used for agent reconnects and coordinator command retries.

package backoff

import (
	"math/rand/v2"
	"time"
)

// JitterFraction bounds the jitter added on top of the exponential delay.
const JitterFraction = 0.1

// Delay returns min(base*2^attempt, ceiling) plus a random jitter of up to
// JitterFraction of that value. attempt is zero-based.
func Delay(attempt int, base, ceiling time.Duration) time.Duration {
	return DelayWithJitter(attempt, base, ceiling, rand.Float64())
}

// DelayWithJitter is Delay with the random factor supplied by the caller.
// frac is clamped to [0, 1].
func DelayWithJitter(attempt int, base, ceiling time.Duration, frac float64) time.Duration {
	d := Exponential(attempt, base, ceiling)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return d + time.Duration(float64(d)*JitterFraction*frac)
}

// Exponential returns min(base*2^attempt, ceiling) without jitter.
func Exponential(attempt int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if ceiling > 0 && d >= ceiling {
			break
		}
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}
