// Package memguard classifies system memory pressure and proposes worker
// concurrency adjustments. It samples system RAM and swap (not just the Go
// heap), keeps a bounded rolling window of samples, and rate-limits the
// forced garbage collection it triggers under critical pressure.
package memguard

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// Level is a coarse classification of memory/swap stress.
type Level int

// Pressure levels, ordered from calm to severe. Boundary percentages are
// inclusive: exactly 85% RAM is Warning, exactly 98% is Emergency.
const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Classification thresholds (percent of system RAM in use).
const (
	warningPercent   = 85.0
	criticalPercent  = 95.0
	emergencyPercent = 98.0
)

const (
	// forcedGCInterval is the minimum gap between forced GC passes.
	forcedGCInterval = 10 * time.Second

	// forcedGCSettle is how long to wait after a forced GC so the OS can
	// reclaim the freed pages before the next sample.
	forcedGCSettle = 500 * time.Millisecond

	// DefaultWindowSize is how many pressure samples are retained.
	DefaultWindowSize = 60
)

// Sample is one observation of system memory state.
type Sample struct {
	Timestamp        time.Time
	RAMPercent       float64
	SwapPercent      float64
	GrowthRateMBPerS float64
}

// Stats is the raw reading a sampler produces.
type Stats struct {
	RAMPercent  float64
	SwapPercent float64
	UsedBytes   uint64
}

// SamplerFunc reads current system memory state. The default implementation
// uses gopsutil; tests inject fixed readings.
type SamplerFunc func() (Stats, error)

// SystemSampler reads system RAM and swap via gopsutil.
func SystemSampler() (Stats, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		RAMPercent: vm.UsedPercent,
		UsedBytes:  vm.Used,
	}
	if sw, swapErr := mem.SwapMemory(); swapErr == nil && sw.Total > 0 {
		stats.SwapPercent = sw.UsedPercent
	}
	return stats, nil
}

// Option customizes a Guard.
type Option func(*Guard)

// WithSampler replaces the system memory sampler.
func WithSampler(s SamplerFunc) Option {
	return func(g *Guard) { g.sampler = s }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithSleep replaces the settle sleep performed after a forced GC.
func WithSleep(sleep func(time.Duration)) Option {
	return func(g *Guard) { g.sleep = sleep }
}

// WithForceGC replaces the forced garbage collection hook.
func WithForceGC(f func()) Option {
	return func(g *Guard) { g.forceGC = f }
}

// WithWindowSize sets how many samples the trend window retains.
func WithWindowSize(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.windowSize = n
		}
	}
}

// Guard monitors memory pressure. All methods are safe for concurrent use.
type Guard struct {
	mu         sync.Mutex
	sampler    SamplerFunc
	now        func() time.Time
	sleep      func(time.Duration)
	forceGC    func()
	windowSize int

	samples       []Sample
	prevUsedBytes float64
	level         Level
	lastForcedGC  time.Time
}

// NewGuard creates a memory guard sampling via gopsutil unless overridden.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		sampler:    SystemSampler,
		now:        time.Now,
		sleep:      time.Sleep,
		forceGC:    debug.FreeOSMemory,
		windowSize: DefaultWindowSize,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckPressure samples system memory and returns the current pressure
// level. Sampling errors leave the last known level in place so a transient
// read failure never drops mitigation mid-incident.
func (g *Guard) CheckPressure() Level {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats, err := g.sampler()
	if err != nil {
		return g.level
	}
	g.recordSampleLocked(stats)
	g.level = classify(stats.RAMPercent)
	return g.level
}

// Level returns the most recently observed pressure level without sampling.
func (g *Guard) Level() Level {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

// Mitigate proposes a new concurrency for the active worker pool given the
// current pressure level. The second return value requests a full intake
// pause; concurrency never drops below one unless pausing.
//
// Under critical pressure a forced GC pass runs at most once per
// forcedGCInterval, followed by a short settle sleep.
func (g *Guard) Mitigate(currentConcurrency int) (int, bool) {
	g.mu.Lock()
	level := g.level
	shouldGC := level == LevelCritical && g.now().Sub(g.lastForcedGC) > forcedGCInterval
	if shouldGC {
		g.lastForcedGC = g.now()
	}
	g.mu.Unlock()

	switch level {
	case LevelEmergency:
		return 0, true
	case LevelCritical:
		if shouldGC {
			g.forceGC()
			g.sleep(forcedGCSettle)
		}
		return max(1, currentConcurrency/2), false
	case LevelWarning:
		return max(1, currentConcurrency-1), false
	default:
		return currentConcurrency, false
	}
}

// Window returns a copy of the retained pressure samples, oldest first.
func (g *Guard) Window() []Sample {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Sample, len(g.samples))
	copy(out, g.samples)
	return out
}

// GrowthRate returns the most recent memory growth rate in MB/s, or zero
// when fewer than two samples exist.
func (g *Guard) GrowthRate() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.samples) == 0 {
		return 0
	}
	return g.samples[len(g.samples)-1].GrowthRateMBPerS
}

func (g *Guard) recordSampleLocked(stats Stats) {
	now := g.now()
	sample := Sample{
		Timestamp:   now,
		RAMPercent:  stats.RAMPercent,
		SwapPercent: stats.SwapPercent,
	}
	if n := len(g.samples); n > 0 {
		prev := g.samples[n-1]
		elapsed := now.Sub(prev.Timestamp).Seconds()
		if elapsed > 0 {
			deltaMB := (float64(stats.UsedBytes) - g.prevUsedBytes) / (1024 * 1024)
			sample.GrowthRateMBPerS = deltaMB / elapsed
		}
	}
	g.prevUsedBytes = float64(stats.UsedBytes)
	g.samples = append(g.samples, sample)
	if len(g.samples) > g.windowSize {
		g.samples = g.samples[len(g.samples)-g.windowSize:]
	}
}

func classify(ramPercent float64) Level {
	switch {
	case ramPercent >= emergencyPercent:
		return LevelEmergency
	case ramPercent >= criticalPercent:
		return LevelCritical
	case ramPercent >= warningPercent:
		return LevelWarning
	default:
		return LevelNormal
	}
}
