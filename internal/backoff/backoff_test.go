package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const (
	base     = 3000 * time.Millisecond
	maxDelay = 30000 * time.Millisecond
)

func TestExponentialCapsAtMax(t *testing.T) {
	assert.Equal(t, 3*time.Second, Exponential(0, base, maxDelay))
	assert.Equal(t, 6*time.Second, Exponential(1, base, maxDelay))
	assert.Equal(t, 12*time.Second, Exponential(2, base, maxDelay))
	assert.Equal(t, 24*time.Second, Exponential(3, base, maxDelay))
	assert.Equal(t, 30*time.Second, Exponential(4, base, maxDelay))
	assert.Equal(t, 30*time.Second, Exponential(500, base, maxDelay))
}

func TestDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		floor := Exponential(attempt, base, maxDelay)
		ceil := floor + floor/10
		for i := 0; i < 50; i++ {
			d := Delay(attempt, base, maxDelay)
			if d < floor || d > ceil {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, floor, ceil)
			}
		}
	}
}

func TestDelayNonDecreasingForFixedJitter(t *testing.T) {
	for _, frac := range []float64{0, 0.25, 0.5, 0.99, 1} {
		prev := time.Duration(0)
		for attempt := 0; attempt < 20; attempt++ {
			d := DelayWithJitter(attempt, base, maxDelay, frac)
			assert.GreaterOrEqual(t, d, prev, "frac %v attempt %d", frac, attempt)
			prev = d
		}
	}
}

func TestDelayWithJitterClampsFraction(t *testing.T) {
	assert.Equal(t, 3*time.Second, DelayWithJitter(0, base, maxDelay, -5))
	assert.Equal(t, 3300*time.Millisecond, DelayWithJitter(0, base, maxDelay, 7))
}

func TestZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), Delay(3, 0, maxDelay))
}
