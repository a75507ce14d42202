package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecideStopsWhenMaxAttemptsZero(t *testing.T) {
	assert.False(t, Decide(1, 0))
	assert.False(t, Decide(50, 0))
}

func TestDecideStopsAtMaxAttempts(t *testing.T) {
	assert.True(t, Decide(2, 3))
	assert.False(t, Decide(3, 3))
	assert.False(t, Decide(4, 3))
}

func TestDelayIsCenteredJitterAroundNominal(t *testing.T) {
	always0 := func() float64 { return 0 }
	always1 := func() float64 { return 0.999999 }

	// jitter() == 0 -> factor 0.75 (the floor); jitter() ~= 1 -> factor ~1.25.
	assert.InDelta(t, 750, Delay(1, 2.0, always0), 1)
	assert.InDelta(t, 1250, Delay(1, 2.0, always1), 1)
	assert.InDelta(t, 2500, Delay(2, 2.0, always1), 1)
	assert.InDelta(t, 5000, Delay(3, 2.0, always1), 1)
}

func TestDelayNeverBelowSpecFloor(t *testing.T) {
	// spec §8.5: each retry's delay must be at least base * factor^(attempts-1) * 0.75,
	// for any jitter draw in [0, 1).
	for _, j := range []float64{0, 0.1, 0.5, 0.9, 0.999999} {
		jitter := func() float64 { return j }
		nominal := float64(baseDelayMS) // attempt=1, factor=2.0: factor^0 = 1
		floor := int64(nominal * 0.75)
		assert.GreaterOrEqual(t, Delay(1, 2.0, jitter), floor)
	}
}

func TestDelayCapsAtMaximum(t *testing.T) {
	always1 := func() float64 { return 0.999999 }
	d := Delay(30, 2.0, always1)
	assert.LessOrEqual(t, d, int64(float64(maxDelayMS)*1.25)+1)
}

func TestDelayDefaultsBadFactor(t *testing.T) {
	always1 := func() float64 { return 0.999999 }
	d := Delay(2, 0, always1) // factor 0 falls back to 2.0: 1000 * 2 * ~1.25
	assert.InDelta(t, 2500, d, 1)
}
