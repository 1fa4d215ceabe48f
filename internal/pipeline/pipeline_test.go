package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msg43/mediabatch/internal/checkpoint"
	"github.com/msg43/mediabatch/internal/ledger"
	"github.com/msg43/mediabatch/internal/memguard"
)

// stubPacer admits everything immediately.
type stubPacer struct {
	mu              sync.Mutex
	rateLimitEvents int
}

func (p *stubPacer) CalculateDelay(float64) time.Duration { return 0 }

func (p *stubPacer) WaitForNext(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }

func (p *stubPacer) ShouldPauseIntake() bool { return false }

func (p *stubPacer) RecordDownloadStart() {}

func (p *stubPacer) RecordDownloadCompletion(time.Time, float64) {}

func (p *stubPacer) RecordProcessingStart() {}

func (p *stubPacer) RecordProcessingCompletion(time.Time, float64) {}
func (p *stubPacer) RecordRateLimitEvent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rateLimitEvents++
}

// stubGuard replays a scripted pressure-level sequence; the last level
// sticks once the script runs out.
type stubGuard struct {
	mu     sync.Mutex
	script []memguard.Level
	level  memguard.Level
}

func (g *stubGuard) CheckPressure() memguard.Level {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.script) > 0 {
		g.level = g.script[0]
		g.script = g.script[1:]
	}
	return g.level
}

func (g *stubGuard) Mitigate(current int) (int, bool) {
	g.mu.Lock()
	level := g.level
	g.mu.Unlock()
	switch level {
	case memguard.LevelEmergency:
		return 0, true
	case memguard.LevelCritical:
		return max(1, current/2), false
	case memguard.LevelWarning:
		return max(1, current-1), false
	default:
		return current, false
	}
}

// stubGate admits batches up to a fixed item count.
type stubGate struct {
	maxItems int
}

func (g *stubGate) HasCapacity(batchSize int, _ int64) bool { return batchSize <= g.maxItems }

func (g *stubGate) MaxItems(int64) int { return g.maxItems }

type downloaderFunc func(ctx context.Context, url string, session Session, destPath string, progress ProgressFunc) (string, error)

func (f downloaderFunc) Download(ctx context.Context, url string, session Session, destPath string, progress ProgressFunc) (string, error) {
	return f(ctx, url, session, destPath, progress)
}

type processorFunc func(ctx context.Context, localPath string) (Outcome, error)

func (f processorFunc) Process(ctx context.Context, localPath string) (Outcome, error) {
	return f(ctx, localPath)
}

// recordingDownloader writes a small artifact per URL and remembers which
// URLs it was asked for.
type recordingDownloader struct {
	mu   sync.Mutex
	urls []string
}

func (d *recordingDownloader) Download(_ context.Context, url string, _ Session, destPath string, _ ProgressFunc) (string, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	path := destPath + ".mp3"
	if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (d *recordingDownloader) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]string{}, d.urls...)
	sort.Strings(out)
	return out
}

type testEnv struct {
	cfg   Config
	deps  Deps
	store *checkpoint.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	workDir := t.TempDir()
	store, err := checkpoint.NewStore(filepath.Join(workDir, "checkpoints"))
	require.NoError(t, err)

	okProcessor := processorFunc(func(_ context.Context, localPath string) (Outcome, error) {
		return Outcome{Summary: "processed " + filepath.Base(localPath)}, nil
	})

	return &testEnv{
		cfg: Config{
			WorkDir:         workDir,
			HardwareLimit:   2,
			GlobalCap:       4,
			DownloadPoolCap: 2,
			PerItemTimeout:  5 * time.Second,
		},
		deps: Deps{
			Pacer:       &stubPacer{},
			Guard:       &stubGuard{},
			Gate:        &stubGate{maxItems: 1_000_000},
			Checkpoints: store,
			Failures:    ledger.NewLedger(),
			Sessions:    NewStaticSessionProvider(nil),
			Downloader:  &recordingDownloader{},
			Processor:   okProcessor,
			Logger:      zerolog.Nop(),
			TotalMemory: func() (uint64, error) { return 64 << 30, nil },
		},
		store: store,
	}
}

func (e *testEnv) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(e.cfg, e.deps)
	require.NoError(t, err)
	return o
}

// runCollecting executes the run and drains the event stream alongside it.
func runCollecting(t *testing.T, o *Orchestrator, urls []string) (*Result, []ProgressEvent, error) {
	t.Helper()
	collected := make(chan []ProgressEvent, 1)
	go func() {
		var evs []ProgressEvent
		for ev := range o.Events() {
			evs = append(evs, ev)
		}
		collected <- evs
	}()
	res, err := o.Run(context.Background(), urls)
	return res, <-collected, err
}

func urlSet(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/v/%03d", i)
	}
	return urls
}

func TestNewRequiresCollaborators(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Pacer = nil
	_, err := New(env.cfg, env.deps)
	assert.ErrorContains(t, err, "Pacer")

	env = newTestEnv(t)
	env.deps.Downloader = nil
	_, err = New(env.cfg, env.deps)
	assert.ErrorContains(t, err, "Downloader")
}

func TestRunRejectsEmptyItemSet(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	_, err := o.Run(context.Background(), []string{"", ""})
	assert.ErrorIs(t, err, ErrNoItems)
	assert.Equal(t, RunFailed, o.State())
}

func TestRunIsSingleShot(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t)
	_, err := o.Run(context.Background(), urlSet(1))
	require.NoError(t, err)
	_, err = o.Run(context.Background(), urlSet(1))
	assert.ErrorIs(t, err, ErrAlreadyRan)
}

func TestBulkRunCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.JobName = "bulk-job"
	o := env.orchestrator(t)

	res, events, err := runCollecting(t, o, urlSet(12))
	require.NoError(t, err)

	assert.Equal(t, ModeBulkDownload, res.Mode)
	assert.Equal(t, RunCompleted, res.State)
	assert.Equal(t, 12, res.Total)
	assert.Equal(t, 12, res.Succeeded)
	assert.Zero(t, res.Failed)
	assert.Empty(t, res.ManifestPath)

	// the artifact cache is removed entirely after a clean bulk run
	assert.NoDirExists(t, filepath.Join(env.cfg.WorkDir, "bulk-job"))

	// the final checkpoint classifies as completed
	cp, err := env.store.Read("bulk-job")
	require.NoError(t, err)
	assert.Equal(t, StageComplete, cp.Stage)
	assert.Len(t, cp.CompletedFiles, 12)
	assert.Equal(t, checkpoint.StateCompleted, checkpoint.Classify(cp, nil))

	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, EventJobStarted)
	assert.Contains(t, types, EventModeSelected)
	assert.Contains(t, types, EventCheckpointWritten)
	assert.Contains(t, types, EventJobFinished)
}

func TestConveyorRunBatchesBySpace(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.JobName = "conveyor-job"
	env.deps.Gate = &stubGate{maxItems: 15}
	o := env.orchestrator(t)

	res, events, err := runCollecting(t, o, urlSet(25))
	require.NoError(t, err)

	assert.Equal(t, ModeConveyor, res.Mode)
	assert.Equal(t, 15, o.BatchSize())
	assert.Equal(t, RunCompleted, res.State)
	assert.Equal(t, 25, res.Succeeded)
	assert.Zero(t, res.Failed)

	batches := 0
	for _, ev := range events {
		if ev.Type == EventBatchCompleted {
			batches++
		}
	}
	assert.Equal(t, 2, batches, "25 items at batch size 15 is two batches")

	// conveyor deletes each artifact right after processing
	entries, err := os.ReadDir(filepath.Join(env.cfg.WorkDir, "conveyor-job"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConveyorBatchSizeClampedToFloor(t *testing.T) {
	env := newTestEnv(t)
	// space for 3 items only; the floor of 10 still applies
	env.deps.Gate = &stubGate{maxItems: 3}
	o := env.orchestrator(t)

	_, err := o.Run(context.Background(), urlSet(5))
	assert.ErrorIs(t, err, ErrResourceExhausted,
		"a batch clamped above real capacity must be rejected by the per-batch check")
	assert.Equal(t, 10, o.BatchSize())
	assert.Equal(t, RunFailed, o.State())
}

func TestFailedItemsAreContainedAndExported(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.JobName = "flaky-job"
	env.deps.Downloader = downloaderFunc(func(_ context.Context, url string, _ Session, destPath string, _ ProgressFunc) (string, error) {
		if strings.HasSuffix(url, "007") {
			return "", errors.New("HTTP Error 429: Too Many Requests")
		}
		path := destPath + ".mp3"
		if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
			return "", err
		}
		return path, nil
	})
	pacer := &stubPacer{}
	env.deps.Pacer = pacer
	o := env.orchestrator(t)

	res, _, err := runCollecting(t, o, urlSet(10))
	require.NoError(t, err, "per-item failures never abort the job")

	assert.Equal(t, RunCompleted, res.State)
	assert.Equal(t, 9, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, res.Total, res.Succeeded+res.Failed)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, ledger.CategoryRateLimited, res.Failures[0].Category)
	assert.Equal(t, 1, pacer.rateLimitEvents, "a 429 must feed the pacing controller")

	require.NotEmpty(t, res.ManifestPath)
	urls, err := ledger.ReadRetryManifest(res.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/v/007"}, urls)
}

func TestProcessingFailureKeepsArtifactInBulk(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.JobName = "keep-artifacts"
	env.cfg.HardwareLimit = 1 // serial processing makes the failure deterministic
	var calls int
	var mu sync.Mutex
	env.deps.Processor = processorFunc(func(_ context.Context, _ string) (Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return Outcome{}, errors.New("transcription crashed")
		}
		return Outcome{Summary: "ok"}, nil
	})
	o := env.orchestrator(t)

	res, err := o.Run(context.Background(), urlSet(5))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	// the failed item's artifact survives the cleanup pass for retry
	cacheDir := filepath.Join(env.cfg.WorkDir, "keep-artifacts")
	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDownloadTimeoutCategorizedAsNetwork(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.PerItemTimeout = 30 * time.Millisecond
	env.deps.Downloader = downloaderFunc(func(ctx context.Context, _ string, _ Session, _ string, _ ProgressFunc) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	o := env.orchestrator(t)

	res, err := o.Run(context.Background(), urlSet(1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, ledger.CategoryNetwork, res.Failures[0].Category)
	assert.Contains(t, res.Failures[0].Message, "download timed out")
}

func TestCancellationIsGraceful(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	var once sync.Once
	env.deps.Downloader = downloaderFunc(func(ctx context.Context, _ string, _ Session, _ string, _ ProgressFunc) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	})
	o := env.orchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := o.Run(ctx, urlSet(4))
	require.NoError(t, err, "a graceful stop is not an error")
	assert.Equal(t, RunCancelled, res.State)
	assert.Zero(t, res.Succeeded)
	assert.Zero(t, res.Failed, "cancelled items are not failures")
}

func TestSessionProviderFailureIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Sessions = sessionProviderFunc(func(context.Context, string) (Session, error) {
		return Session{}, errors.New("proxy pool exhausted")
	})
	o := env.orchestrator(t)

	_, err := o.Run(context.Background(), urlSet(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionProvider)
	assert.Equal(t, RunFailed, o.State())
}

type sessionProviderFunc func(ctx context.Context, id string) (Session, error)

func (f sessionProviderFunc) GetSession(ctx context.Context, id string) (Session, error) {
	return f(ctx, id)
}

func TestEmergencyPressurePausesAndResumes(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.HardwareLimit = 1
	env.cfg.DownloadPoolCap = 1
	env.deps.Guard = &stubGuard{script: []memguard.Level{
		memguard.LevelEmergency, // after the first download completes
		memguard.LevelNormal,    // next admission check clears the pause
	}}
	o := env.orchestrator(t)

	res, events, err := runCollecting(t, o, urlSet(3))
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.State)
	assert.Equal(t, 3, res.Succeeded)

	var sawPressure bool
	for _, ev := range events {
		if ev.Type == EventMemoryPressure {
			sawPressure = true
		}
	}
	assert.True(t, sawPressure, "emergency pressure must surface in the event stream")
}

func TestResumeRunsOnlyRemainingItems(t *testing.T) {
	env := newTestEnv(t)
	dl := &recordingDownloader{}
	env.deps.Downloader = dl
	o := env.orchestrator(t)

	cp := checkpoint.Checkpoint{
		JobName:        "resumed-job",
		Stage:          StageProcess,
		TotalFiles:     3,
		CompletedFiles: []string{"id-a"},
		Files: []checkpoint.ItemRef{
			{ID: "id-a", SourceURL: "https://example.com/a", State: "succeeded"},
			{ID: "id-b", SourceURL: "https://example.com/b", State: "downloading"},
			{ID: "id-c", SourceURL: "https://example.com/c", State: "queued"},
		},
		Results: map[string]string{"id-a": "done"},
	}

	res, err := o.Resume(context.Background(), cp)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/b", "https://example.com/c"}, dl.seen(),
		"completed items must not be downloaded again")
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Succeeded, "one carried over, two fresh")
	assert.Equal(t, RunCompleted, res.State)

	got, err := env.store.Read("resumed-job")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id-a", "id-b", "id-c"}, got.CompletedFiles)
	assert.Equal(t, checkpoint.StateCompleted, checkpoint.Classify(got, nil))
}

func TestResumeIsIdempotentWhenNothingRemains(t *testing.T) {
	env := newTestEnv(t)
	dl := &recordingDownloader{}
	env.deps.Downloader = dl
	o := env.orchestrator(t)

	cp := checkpoint.Checkpoint{
		JobName:        "finished-job",
		Stage:          StageComplete,
		TotalFiles:     2,
		CompletedFiles: []string{"id-a", "id-b"},
		Files: []checkpoint.ItemRef{
			{ID: "id-a", SourceURL: "https://example.com/a", State: "succeeded"},
			{ID: "id-b", SourceURL: "https://example.com/b", State: "succeeded"},
		},
	}

	res, err := o.Resume(context.Background(), cp)
	require.NoError(t, err)
	assert.Empty(t, dl.seen(), "nothing left to download")
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, RunCompleted, res.State)
}

func TestBatchBudgetExpiresLeftoverItems(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Gate = &stubGate{maxItems: 10} // forces conveyor for 12 items
	env.cfg.BatchBudget = 100 * time.Millisecond
	env.deps.Downloader = downloaderFunc(func(ctx context.Context, _ string, _ Session, _ string, _ ProgressFunc) (string, error) {
		<-ctx.Done() // slower than any batch budget
		return "", ctx.Err()
	})
	o := env.orchestrator(t)

	res, err := o.Run(context.Background(), urlSet(12))
	require.NoError(t, err, "an expired batch budget is not a job failure")

	assert.Equal(t, ModeConveyor, res.Mode)
	assert.Equal(t, RunCompleted, res.State)
	assert.Equal(t, 12, res.Failed)
	assert.Zero(t, res.Succeeded)
	assert.Equal(t, res.Total, res.Succeeded+res.Failed)

	require.NotEmpty(t, res.Failures)
	for _, rec := range res.Failures {
		assert.Equal(t, ledger.CategoryNetwork, rec.Category)
		assert.Contains(t, rec.Message, "batch wall-clock budget exceeded")
	}
}

func TestAccountingInvariantUnderMixedOutcomes(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Downloader = downloaderFunc(func(_ context.Context, url string, _ Session, destPath string, _ ProgressFunc) (string, error) {
		if strings.HasSuffix(url, "3") || strings.HasSuffix(url, "7") {
			return "", errors.New("Video unavailable")
		}
		path := destPath + ".mp3"
		return path, os.WriteFile(path, []byte("x"), 0o644)
	})
	o := env.orchestrator(t)

	res, err := o.Run(context.Background(), urlSet(10))
	require.NoError(t, err)
	assert.Equal(t, res.Total, res.Succeeded+res.Failed,
		"every admitted item must reach a terminal state")
	assert.Equal(t, 10, res.Total)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 8, res.Succeeded)

	counts := env.deps.Failures.CountByCategory()
	assert.Equal(t, 2, counts[ledger.CategoryUnavailable])
}
