package resource

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"convo-indexer/internal/contextutil"
)

// Pressure summarises memory usage against the thresholds.
type Pressure int

const (
	PressureOK Pressure = iota
	PressureWarning
	PressureCritical
)

func (p Pressure) String() string {
	switch p {
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	default:
		return "ok"
	}
}

// MarshalText renders the pressure by name in JSON.
func (p Pressure) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Budget is one resource sample. CPUPercent is normalized so 100 means every
// allotted core is busy.
type Budget struct {
	CPUPercent    float64   `json:"cpu_percent"`
	RawCPUPercent float64   `json:"raw_cpu_percent"`
	Cores         float64   `json:"cores"`
	MaxCPUPercent float64   `json:"max_cpu_percent"`
	MemoryBytes   uint64    `json:"memory_bytes"`
	WarningBytes  uint64    `json:"warning_bytes"`
	LimitBytes    uint64    `json:"limit_bytes"`
	Pressure      Pressure  `json:"pressure"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Config holds the monitor thresholds.
type Config struct {
	MaxCPUPercent float64
	// Cores is the effective core allotment; zero means GOMAXPROCS.
	Cores        float64
	WarningBytes uint64
	LimitBytes   uint64
	Interval     time.Duration
	MaxThrottle  time.Duration
}

// throttlePerPoint is the delay added for each CPU percentage point over the limit.
const throttlePerPoint = 100 * time.Millisecond

// Monitor samples the process on its own timer. Other components read the
// last sample through Snapshot and ShouldThrottle without measuring again.
type Monitor struct {
	cfg     Config
	sampler Sampler

	mu   sync.RWMutex
	last Budget

	reclaims    int64
	memoryStops int64
}

// NewMonitor creates a monitor.
func NewMonitor(cfg Config, sampler Sampler) *Monitor {
	if cfg.Cores <= 0 {
		cfg.Cores = float64(runtime.GOMAXPROCS(0))
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxThrottle <= 0 {
		cfg.MaxThrottle = 5 * time.Second
	}
	m := &Monitor{cfg: cfg, sampler: sampler}
	m.last = Budget{
		Cores:         cfg.Cores,
		MaxCPUPercent: cfg.MaxCPUPercent,
		WarningBytes:  cfg.WarningBytes,
		LimitBytes:    cfg.LimitBytes,
	}
	return m
}

// Run samples every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample measures now and stores the result. On sampler errors the previous
// values are kept.
func (m *Monitor) Sample(ctx context.Context) Budget {
	logger := contextutil.LoggerFromContext(ctx)

	m.mu.RLock()
	b := m.last
	m.mu.RUnlock()

	if raw, err := m.sampler.CPUPercent(ctx); err != nil {
		logger.DebugContext(ctx, "cpu sample failed", "error", err)
	} else {
		b.RawCPUPercent = raw
		b.CPUPercent = raw / m.cfg.Cores
	}
	if rss, err := m.sampler.RSS(ctx); err != nil {
		logger.DebugContext(ctx, "memory sample failed", "error", err)
	} else {
		b.MemoryBytes = rss
	}

	b.Cores = m.cfg.Cores
	b.MaxCPUPercent = m.cfg.MaxCPUPercent
	b.WarningBytes = m.cfg.WarningBytes
	b.LimitBytes = m.cfg.LimitBytes
	b.Pressure = m.pressure(b.MemoryBytes)
	b.SampledAt = time.Now()

	m.mu.Lock()
	prev := m.last.Pressure
	m.last = b
	m.mu.Unlock()

	if b.Pressure != prev {
		logger.InfoContext(ctx, "memory pressure changed",
			"from", prev.String(),
			"to", b.Pressure.String(),
			"memory_mb", b.MemoryBytes>>20,
		)
	}
	return b
}

// Snapshot returns the most recent sample.
func (m *Monitor) Snapshot() Budget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// ShouldThrottle returns how long to pause before heavy work. The delay grows
// with the overage and is capped.
func (m *Monitor) ShouldThrottle() time.Duration {
	b := m.Snapshot()
	over := b.CPUPercent - m.cfg.MaxCPUPercent
	if over <= 0 {
		return 0
	}
	d := time.Duration(over * float64(throttlePerPoint))
	if d > m.cfg.MaxThrottle {
		d = m.cfg.MaxThrottle
	}
	return d
}

// Throttle pauses for ShouldThrottle.
func (m *Monitor) Throttle(ctx context.Context) error {
	d := m.ShouldThrottle()
	if d <= 0 {
		return nil
	}
	contextutil.LoggerFromContext(ctx).DebugContext(ctx, "throttling", "delay", d, "cpu_percent", m.Snapshot().CPUPercent)
	return Pause(ctx, d)
}

// Reclaim returns freed heap to the OS once memory is above the warning threshold.
func (m *Monitor) Reclaim(ctx context.Context) bool {
	b := m.Snapshot()
	if b.Pressure < PressureWarning {
		return false
	}
	debug.FreeOSMemory()
	m.mu.Lock()
	m.reclaims++
	m.mu.Unlock()
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "released memory to the OS", "memory_mb", b.MemoryBytes>>20)
	return true
}

// WaitForCapacity blocks while memory is over the hard limit. onCritical runs
// once when a stop begins so the caller can flush state.
func (m *Monitor) WaitForCapacity(ctx context.Context, onCritical func()) error {
	if m.Snapshot().Pressure < PressureCritical {
		return nil
	}

	logger := contextutil.LoggerFromContext(ctx)
	m.mu.Lock()
	m.memoryStops++
	m.mu.Unlock()
	logger.WarnContext(ctx, "memory over hard limit, refusing new work", "limit_mb", m.cfg.LimitBytes>>20)
	if onCritical != nil {
		onCritical()
	}

	for {
		debug.FreeOSMemory()
		if err := Pause(ctx, m.cfg.Interval); err != nil {
			return err
		}
		if m.Sample(ctx).Pressure < PressureCritical {
			logger.InfoContext(ctx, "memory back under hard limit, resuming")
			return nil
		}
	}
}

// Counters returns how often memory was reclaimed and how often work stopped.
func (m *Monitor) Counters() (reclaims, memoryStops int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reclaims, m.memoryStops
}

func (m *Monitor) pressure(rss uint64) Pressure {
	switch {
	case m.cfg.LimitBytes > 0 && rss >= m.cfg.LimitBytes:
		return PressureCritical
	case m.cfg.WarningBytes > 0 && rss >= m.cfg.WarningBytes:
		return PressureWarning
	default:
		return PressureOK
	}
}

// Pause sleeps for d or until ctx is done.
func Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
