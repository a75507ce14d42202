package sysprobe

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taskord/daemon/internal/clockid"
)

func newTestProbe(clock *clockid.MockClock) *Probe {
	p := New(DefaultConfig(), clock)
	return p
}

func TestMetricsIdleRequiresSustainedWindow(t *testing.T) {
	clock := clockid.NewMockClock(0)
	p := newTestProbe(clock)
	p.sampleCPU = func() (float64, error) { return 5, nil }
	p.sampleMem = func() (float64, error) { return 10, nil }

	m := p.Metrics()
	assert.False(t, m.IsIdle, "must not report idle before the sustained window elapses")

	clock.Advance(2 * time.Second)
	m = p.Metrics()
	assert.True(t, m.IsIdle)
}

func TestMetricsBusyResetsIdleWindow(t *testing.T) {
	clock := clockid.NewMockClock(0)
	p := newTestProbe(clock)
	busy := true
	p.sampleCPU = func() (float64, error) {
		if busy {
			return 95, nil
		}
		return 5, nil
	}
	p.sampleMem = func() (float64, error) { return 10, nil }

	clock.Advance(2 * time.Second)
	m := p.Metrics()
	assert.False(t, m.IsIdle)

	busy = false
	clock.Advance(2 * time.Second)
	m = p.Metrics()
	assert.False(t, m.IsIdle, "idle window must restart from the moment CPU drops")
}

func TestMetricsDegradesOpenOnError(t *testing.T) {
	clock := clockid.NewMockClock(0)
	p := newTestProbe(clock)
	p.sampleCPU = func() (float64, error) { return 0, errors.New("boom") }
	p.sampleMem = func() (float64, error) { return 0, nil }

	m := p.Metrics()
	assert.False(t, m.IsIdle)
}

func TestMetricsCached(t *testing.T) {
	clock := clockid.NewMockClock(0)
	p := newTestProbe(clock)
	calls := 0
	p.sampleCPU = func() (float64, error) { calls++; return 5, nil }
	p.sampleMem = func() (float64, error) { return 5, nil }

	p.Metrics()
	p.Metrics()
	assert.Equal(t, 1, calls, "second call within the TTL must not resample")

	clock.Advance(2 * time.Second)
	p.Metrics()
	assert.Equal(t, 2, calls)
}

func TestPowerDegradesOpenOnError(t *testing.T) {
	clock := clockid.NewMockClock(0)
	p := newTestProbe(clock)
	p.samplePower = func() (Power, error) { return Power{}, errors.New("boom") }

	pw := p.Power()
	assert.True(t, pw.OnAC)
}

func TestIsChargingOrHighBattery(t *testing.T) {
	clock := clockid.NewMockClock(0)
	p := newTestProbe(clock)

	high := 85.0
	p.samplePower = func() (Power, error) { return Power{OnAC: false, BatteryPercent: &high}, nil }
	assert.True(t, p.IsChargingOrHighBattery())

	clock.Advance(2 * time.Second)
	low := 20.0
	p.samplePower = func() (Power, error) { return Power{OnAC: false, BatteryPercent: &low}, nil }
	assert.False(t, p.IsChargingOrHighBattery())

	clock.Advance(2 * time.Second)
	p.samplePower = func() (Power, error) { return Power{OnAC: true}, nil }
	assert.True(t, p.IsChargingOrHighBattery())
}
