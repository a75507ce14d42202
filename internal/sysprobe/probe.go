// Package sysprobe samples CPU, memory, and power state so the scheduler
// and worker loop can gate jobs on idle/charging conditions without paying
// sampling cost on every hot-loop iteration.
package sysprobe

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/taskord/daemon/internal/clockid"
)

// Metrics is a point-in-time system snapshot.
type Metrics struct {
	CPUPercent float64
	MemPercent float64
	IsIdle     bool
}

// Power describes the machine's AC/battery state.
type Power struct {
	OnAC           bool
	BatteryPercent *float64 // nil when the platform reports no battery
}

// Config tunes the idle/cache thresholds of the probe.
type Config struct {
	IdleCPUThresholdPct float64       // default 30
	IdleWindow          time.Duration // default 1s — sustained-below-threshold window
	CacheTTL            time.Duration // default 1s
	HighBatteryPct      float64       // default 80 — is_charging_or_high_battery threshold
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() Config {
	return Config{
		IdleCPUThresholdPct: 30,
		IdleWindow:          1 * time.Second,
		CacheTTL:            1 * time.Second,
		HighBatteryPct:      80,
	}
}

// Probe samples system state, caching results for Config.CacheTTL to avoid
// sampling cost in the worker loop's hot path.
type Probe struct {
	cfg   Config
	clock clockid.Clock

	mu           sync.Mutex
	sampled      bool
	lastSampleMS int64
	lastMetrics  Metrics
	below        bool
	belowSinceMS int64 // epoch-ms the CPU first dropped below the idle threshold; valid while below is true

	powerSampled bool
	lastPowerMS  int64
	lastPower    Power

	sampleCPU   func() (float64, error)
	sampleMem   func() (float64, error)
	samplePower func() (Power, error)
}

// New creates a Probe using the real OS sampling functions.
func New(cfg Config, clock clockid.Clock) *Probe {
	return &Probe{
		cfg:         cfg,
		clock:       clock,
		sampleCPU:   sampleCPUPercent,
		sampleMem:   sampleMemPercent,
		samplePower: samplePower,
	}
}

// NewWithSamplers creates a Probe with injected sampling functions, for
// deterministic tests in other packages (scheduler, worker) that need a
// Probe without touching real CPU/memory/power state.
func NewWithSamplers(cfg Config, clock clockid.Clock, sampleCPU func() (float64, error), sampleMem func() (float64, error), samplePower func() (Power, error)) *Probe {
	return &Probe{
		cfg:         cfg,
		clock:       clock,
		sampleCPU:   sampleCPU,
		sampleMem:   sampleMem,
		samplePower: samplePower,
	}
}

// Metrics returns the current CPU/memory/idle snapshot, sampling only if
// the cache has expired. Probe errors degrade open: is_idle defaults to
// false so gated jobs do not spuriously run during a sampling failure.
func (p *Probe) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.NowMS()
	if p.sampled && now-p.lastSampleMS < p.cfg.CacheTTL.Milliseconds() {
		return p.lastMetrics
	}

	cpuPct, cpuErr := p.sampleCPU()
	memPct, memErr := p.sampleMem()

	m := Metrics{CPUPercent: cpuPct, MemPercent: memPct}

	if cpuErr != nil || memErr != nil {
		m.IsIdle = false
		p.below = false
		p.lastMetrics = m
		p.lastSampleMS = now
		p.sampled = true
		return m
	}

	if cpuPct < p.cfg.IdleCPUThresholdPct {
		if !p.below {
			p.below = true
			p.belowSinceMS = now
		}
		m.IsIdle = now-p.belowSinceMS >= p.cfg.IdleWindow.Milliseconds()
	} else {
		p.below = false
		m.IsIdle = false
	}

	p.lastMetrics = m
	p.lastSampleMS = now
	p.sampled = true
	return m
}

// Power returns the current AC/battery state, cached for Config.CacheTTL.
// Probe errors degrade open: on_ac defaults to true.
func (p *Probe) Power() Power {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.NowMS()
	if p.powerSampled && now-p.lastPowerMS < p.cfg.CacheTTL.Milliseconds() {
		return p.lastPower
	}

	pw, err := p.samplePower()
	if err != nil {
		pw = Power{OnAC: true}
	}
	p.lastPower = pw
	p.lastPowerMS = now
	p.powerSampled = true
	return pw
}

// IsChargingOrHighBattery implements spec §4.B:
// on_ac || battery_percent >= threshold.
func (p *Probe) IsChargingOrHighBattery() bool {
	pw := p.Power()
	if pw.OnAC {
		return true
	}
	if pw.BatteryPercent != nil && *pw.BatteryPercent >= p.cfg.HighBatteryPct {
		return true
	}
	return false
}

func sampleCPUPercent() (float64, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil || len(percentages) == 0 {
		return 0, err
	}
	return percentages[0], nil
}

func sampleMemPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
