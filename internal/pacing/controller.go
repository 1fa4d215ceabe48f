// Package pacing computes inter-download delays that balance remote
// rate-limit risk against downstream processing throughput. The controller
// keeps bounded rolling windows of download and processing samples and
// derives all decisions from those windows; it never fails, and missing
// data falls back to conservative defaults.
package pacing

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Phase identifies which pipeline stage a sample belongs to.
type Phase string

// Pipeline phases tracked by the controller.
const (
	PhaseDownload Phase = "download"
	PhaseProcess  Phase = "process"
)

// Sample records one completed download or processing operation.
type Sample struct {
	Phase          Phase
	StartedAt      time.Time
	CompletedAt    time.Time
	ContentMinutes float64
}

// Duration returns the wall-clock time the operation took.
func (s Sample) Duration() time.Duration {
	return s.CompletedAt.Sub(s.StartedAt)
}

// Default pacing parameters.
const (
	DefaultBaseDelay       = 8 * time.Second
	DefaultMinDelay        = 2 * time.Second
	DefaultMaxDelay        = 5 * time.Minute
	DefaultWindowSize      = 20
	DefaultSecPerMinute    = 6.0  // processing seconds per content minute
	DefaultSecPerKiloChars = 0.05 // processing seconds per 1000 transcript chars

	// Content-length buckets for the base delay adjustment.
	longContentMinutes  = 60.0
	shortContentMinutes = 10.0

	// Intake pause thresholds.
	pauseQueueDepth       = 15
	pauseClearanceMinutes = 30.0
	pauseRateLimitPerMin  = 3.0
	pauseMinSpeedPerMin   = 0.1

	// Cancellation is observed at most one tick after it is requested.
	waitTick = time.Second
)

// Config holds the tunable pacing parameters. Zero values are replaced
// with the package defaults.
type Config struct {
	BaseDelay       time.Duration
	MinDelay        time.Duration
	MaxDelay        time.Duration
	WindowSize      int
	SecPerMinute    float64
	SecPerKiloChars float64
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.SecPerMinute <= 0 {
		c.SecPerMinute = DefaultSecPerMinute
	}
	if c.SecPerKiloChars <= 0 {
		c.SecPerKiloChars = DefaultSecPerKiloChars
	}
	return c
}

// Option customizes a Controller.
type Option func(*Controller)

// WithRandSource injects a seedable random source for the delay jitter.
// Tests use a fixed seed to make computed delays deterministic.
func WithRandSource(src rand.Source) Option {
	return func(c *Controller) {
		c.rng = rand.New(src) //nolint:gosec // jitter does not need crypto randomness
	}
}

// WithClock injects the time source used for window bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// Controller paces download starts. All methods are safe for concurrent use.
type Controller struct {
	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
	now func() time.Time

	downloadSamples []Sample
	processSamples  []Sample
	rateLimitTimes  []time.Time

	downloadsStarted   int
	downloadsCompleted int
	queueDepth         int // downloaded but not yet processed
}

// NewController creates a pacing controller with the given configuration.
func NewController(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EstimateProcessingTime predicts how long downstream processing of an item
// will take using a linear model over content duration and transcript length.
func (c *Controller) EstimateProcessingTime(contentMinutes float64, transcriptChars int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	seconds := c.cfg.SecPerMinute*contentMinutes + c.cfg.SecPerKiloChars*float64(transcriptChars)/1000.0
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// CalculateDelay computes the wait before the next download start.
//
// The delay starts from a content-length-bucketed base, is scaled up when
// processing lags behind downloading or when the remote has recently
// rate-limited us, escalates slowly as the run accumulates completed
// downloads, gets a bounded random jitter, and is finally clamped to the
// configured bounds.
func (c *Controller) CalculateDelay(contentMinutes float64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	delay := float64(c.cfg.BaseDelay)
	switch {
	case contentMinutes >= longContentMinutes:
		delay *= 1.2
	case contentMinutes > 0 && contentMinutes <= shortContentMinutes:
		delay *= 0.8
	}

	if ratio := c.processingDownloadRatioLocked(contentMinutes); ratio > 5 {
		delay *= 2.0
	} else if ratio > 2 {
		delay *= 1.5
	}

	if freq := c.rateLimitFrequencyLocked(); freq > 1.0 {
		delay *= 2.0
	} else if freq > 0.5 {
		delay *= 1.5
	}

	if c.downloadsCompleted >= 50 {
		delay *= 1.5
	} else if c.downloadsCompleted >= 10 {
		delay *= 1.2
	}

	// jitter in [0.8, 1.2)
	delay *= 0.8 + c.rng.Float64()*0.4

	if min := float64(c.cfg.MinDelay); delay < min {
		delay = min
	}
	if max := float64(c.cfg.MaxDelay); delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// ShouldPauseIntake reports whether new downloads should stop being admitted
// until the backlog drains or the remote calms down.
func (c *Controller) ShouldPauseIntake() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queueDepth > pauseQueueDepth {
		return true
	}
	speed := c.processingSpeedLocked()
	if speed > 0 {
		clearance := float64(c.queueDepth) / speed
		if clearance > pauseClearanceMinutes {
			return true
		}
	}
	if c.rateLimitFrequencyLocked() > pauseRateLimitPerMin {
		return true
	}
	if speed > 0 && speed < pauseMinSpeedPerMin {
		return true
	}
	return false
}

// RecordDownloadStart notes that a download began now.
func (c *Controller) RecordDownloadStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloadsStarted++
}

// RecordDownloadCompletion records a finished download along with how long
// it took and how much content it carried.
func (c *Controller) RecordDownloadCompletion(startedAt time.Time, contentMinutes float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloadsCompleted++
	c.queueDepth++
	c.pushSampleLocked(&c.downloadSamples, Sample{
		Phase:          PhaseDownload,
		StartedAt:      startedAt,
		CompletedAt:    c.now(),
		ContentMinutes: contentMinutes,
	})
}

// RecordProcessingStart notes that downstream processing of an item began.
func (c *Controller) RecordProcessingStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queueDepth > 0 {
		c.queueDepth--
	}
}

// RecordProcessingCompletion records a finished processing operation.
func (c *Controller) RecordProcessingCompletion(startedAt time.Time, contentMinutes float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushSampleLocked(&c.processSamples, Sample{
		Phase:          PhaseProcess,
		StartedAt:      startedAt,
		CompletedAt:    c.now(),
		ContentMinutes: contentMinutes,
	})
}

// RecordRateLimitEvent notes that the remote signalled rate limiting.
func (c *Controller) RecordRateLimitEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitTimes = append(c.rateLimitTimes, c.now())
	if len(c.rateLimitTimes) > c.cfg.WindowSize {
		c.rateLimitTimes = c.rateLimitTimes[len(c.rateLimitTimes)-c.cfg.WindowSize:]
	}
}

// QueueDepth returns the number of downloaded items awaiting processing.
func (c *Controller) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueDepth
}

// WaitForNext sleeps for the given delay in one-second increments, checking
// for cancellation at each tick. It returns true if the full delay elapsed
// and false the moment cancellation is observed.
func (c *Controller) WaitForNext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	deadline := time.Now().Add(delay)
	timer := time.NewTimer(waitTick)
	defer timer.Stop()
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx.Err() == nil
		}
		tick := waitTick
		if remaining < tick {
			tick = remaining
		}
		timer.Reset(tick)
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
}

// averageDownloadSecondsLocked returns the mean download duration over the
// window, or zero when no downloads completed yet.
func (c *Controller) averageDownloadSecondsLocked() float64 {
	if len(c.downloadSamples) == 0 {
		return 0
	}
	var total float64
	for _, s := range c.downloadSamples {
		total += s.Duration().Seconds()
	}
	return total / float64(len(c.downloadSamples))
}

// processingDownloadRatioLocked estimates how much slower processing is than
// downloading for content of the given length. Zero means unknown.
func (c *Controller) processingDownloadRatioLocked(contentMinutes float64) float64 {
	avgDownload := c.averageDownloadSecondsLocked()
	if avgDownload <= 0 {
		return 0
	}
	estimated := c.cfg.SecPerMinute * contentMinutes
	return estimated / avgDownload
}

// processingSpeedLocked returns processing throughput in items per minute
// measured over the sample window. Zero means no data.
func (c *Controller) processingSpeedLocked() float64 {
	if len(c.processSamples) < 2 {
		return 0
	}
	first := c.processSamples[0].CompletedAt
	last := c.processSamples[len(c.processSamples)-1].CompletedAt
	elapsed := last.Sub(first).Minutes()
	if elapsed <= 0 {
		return 0
	}
	return float64(len(c.processSamples)-1) / elapsed
}

// rateLimitFrequencyLocked returns recent rate-limit events per minute.
func (c *Controller) rateLimitFrequencyLocked() float64 {
	if len(c.rateLimitTimes) == 0 {
		return 0
	}
	cutoff := c.now().Add(-5 * time.Minute)
	recent := 0
	var oldest time.Time
	for _, t := range c.rateLimitTimes {
		if t.Before(cutoff) {
			continue
		}
		if recent == 0 {
			oldest = t
		}
		recent++
	}
	if recent == 0 {
		return 0
	}
	span := c.now().Sub(oldest).Minutes()
	if span < 1 {
		span = 1
	}
	return float64(recent) / span
}

func (c *Controller) pushSampleLocked(window *[]Sample, s Sample) {
	*window = append(*window, s)
	if len(*window) > c.cfg.WindowSize {
		*window = (*window)[len(*window)-c.cfg.WindowSize:]
	}
}
