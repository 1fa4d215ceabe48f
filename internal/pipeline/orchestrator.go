// Package pipeline contains the batch orchestrator: the state machine that
// drives work items through download and processing worker pools while
// consulting the pacing controller, memory guard and disk gate, writing
// progress through the checkpoint store and failures through the ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/msg43/mediabatch/internal/cache"
	"github.com/msg43/mediabatch/internal/checkpoint"
	"github.com/msg43/mediabatch/internal/ledger"
)

// Mode is the batch execution strategy.
type Mode string

// Execution modes. BulkDownload fetches the entire set into the artifact
// cache before any processing starts; Conveyor interleaves download and
// processing batch by batch, bounded by per-batch disk capacity.
const (
	ModeConveyor     Mode = "conveyor"
	ModeBulkDownload Mode = "bulk_download"
)

// RunState is the orchestrator's top-level state.
type RunState string

// Orchestrator states.
const (
	RunIdle         RunState = "idle"
	RunInitializing RunState = "initializing"
	RunRunning      RunState = "running"
	RunDraining     RunState = "draining"
	RunCompleted    RunState = "completed"
	RunFailed       RunState = "failed"
	RunCancelled    RunState = "cancelled"
)

// Checkpoint stages.
const (
	StageDownload = "download"
	StageProcess  = "process"
	StageComplete = "complete"
)

// Job-level errors. Per-item failures never surface here; these abort the
// remaining work.
var (
	ErrNoItems           = errors.New("no work items")
	ErrResourceExhausted = errors.New("insufficient disk capacity")
	ErrSessionProvider   = errors.New("session provider unavailable")
	ErrAlreadyRan        = errors.New("orchestrator has already run")
)

// Config tunes a run. Zero values get defaults.
type Config struct {
	// JobName identifies the job in checkpoints and logs. Defaults to a
	// fresh ULID.
	JobName string

	// WorkDir is where artifacts, checkpoints and manifests live.
	WorkDir string

	// HardwareLimit caps concurrency regardless of machine size.
	HardwareLimit int

	// GlobalCap is the absolute concurrency ceiling.
	GlobalCap int

	// DownloadPoolCap is the download pool ceiling in bulk mode, where
	// downloads are I/O bound and tolerate more parallelism than the
	// processing pool.
	DownloadPoolCap int

	// ItemSizeEstimate is the assumed artifact size per item in bytes.
	// A rough operational estimate, not a guarantee.
	ItemSizeEstimate int64

	// BatchMin and BatchMax bound the conveyor batch size.
	BatchMin int
	BatchMax int

	// PerItemTimeout bounds a single download or processing operation.
	PerItemTimeout time.Duration

	// BatchBudget bounds one conveyor batch wall-clock. Zero disables it.
	BatchBudget time.Duration

	// ContentMinutesEstimate is the assumed content length per item used
	// for pacing until real metadata is known.
	ContentMinutesEstimate float64
}

func (c Config) withDefaults() Config {
	if c.WorkDir == "" {
		c.WorkDir = "."
	}
	if c.HardwareLimit <= 0 {
		c.HardwareLimit = 8
	}
	if c.GlobalCap <= 0 {
		c.GlobalCap = 12
	}
	if c.DownloadPoolCap <= 0 {
		c.DownloadPoolCap = 8
	}
	if c.ItemSizeEstimate <= 0 {
		c.ItemSizeEstimate = 10 * 1024 * 1024
	}
	if c.BatchMin <= 0 {
		c.BatchMin = 10
	}
	if c.BatchMax <= 0 {
		c.BatchMax = 100
	}
	if c.PerItemTimeout <= 0 {
		c.PerItemTimeout = 30 * time.Minute
	}
	if c.ContentMinutesEstimate <= 0 {
		c.ContentMinutesEstimate = 30
	}
	return c
}

// Result is the final outcome of a run, including whatever partial results
// exist when the run aborts.
type Result struct {
	JobName      string
	Mode         Mode
	State        RunState
	Total        int
	Succeeded    int
	Failed       int
	Failures     []ledger.Record
	Categories   map[ledger.Category]int
	ManifestPath string
}

// Orchestrator drives one job from URLs to terminal state. It is
// single-shot: construct, optionally subscribe to Events, then call Run or
// Resume exactly once.
type Orchestrator struct {
	cfg  Config
	log  zerolog.Logger
	deps Deps

	events chan ProgressEvent

	mu        sync.Mutex
	state     RunState
	mode      Mode
	jobName   string
	batchSize int
	items     []*WorkItem
	baseRefs  map[string]checkpoint.ItemRef
	refOrder  []string
	completed map[string]bool
	results   map[string]string
	succeeded int
	failed    int
	ran       bool

	paused      atomic.Bool
	artifacts   *cache.Store
	downloadWin *Window
	processWin  *Window
}

// New creates an orchestrator from its configuration and collaborators.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Pacer == nil:
		return nil, errors.New("pipeline: Pacer is required")
	case deps.Guard == nil:
		return nil, errors.New("pipeline: Guard is required")
	case deps.Gate == nil:
		return nil, errors.New("pipeline: Gate is required")
	case deps.Checkpoints == nil:
		return nil, errors.New("pipeline: Checkpoints store is required")
	case deps.Failures == nil:
		return nil, errors.New("pipeline: Failures ledger is required")
	case deps.Sessions == nil:
		return nil, errors.New("pipeline: Sessions provider is required")
	case deps.Downloader == nil:
		return nil, errors.New("pipeline: Downloader is required")
	case deps.Processor == nil:
		return nil, errors.New("pipeline: Processor is required")
	}
	if deps.TotalMemory == nil {
		deps.TotalMemory = systemTotalMemory
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		log:       deps.Logger,
		deps:      deps,
		events:    make(chan ProgressEvent, 256),
		state:     RunIdle,
		completed: make(map[string]bool),
		results:   make(map[string]string),
		baseRefs:  make(map[string]checkpoint.ItemRef),
	}, nil
}

// Events returns the progress event stream. The channel is closed when the
// run finishes.
func (o *Orchestrator) Events() <-chan ProgressEvent {
	return o.events
}

// State returns the orchestrator's current top-level state.
func (o *Orchestrator) State() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Mode returns the execution mode chosen during initialization.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// BatchSize returns the conveyor batch size chosen during initialization.
// Zero in bulk mode.
func (o *Orchestrator) BatchSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.batchSize
}

// Run executes a fresh job over the given URLs.
func (o *Orchestrator) Run(ctx context.Context, urls []string) (*Result, error) {
	items := make([]*WorkItem, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		items = append(items, &WorkItem{
			ID:             uuid.NewString(),
			SourceURL:      u,
			State:          StateQueued,
			ContentMinutes: o.cfg.ContentMinutesEstimate,
		})
	}
	return o.run(ctx, items, nil)
}

// Resume continues a crashed or interrupted job from its checkpoint,
// re-enqueuing only the items that are not in the completed set.
func (o *Orchestrator) Resume(ctx context.Context, cp checkpoint.Checkpoint) (*Result, error) {
	o.mu.Lock()
	o.jobName = cp.JobName
	for _, ref := range cp.Files {
		if _, seen := o.baseRefs[ref.ID]; !seen {
			o.refOrder = append(o.refOrder, ref.ID)
		}
		o.baseRefs[ref.ID] = ref
	}
	done := make(map[string]bool, len(cp.CompletedFiles))
	for _, id := range cp.CompletedFiles {
		done[id] = true
		o.completed[id] = true
	}
	o.mu.Unlock()

	items := make([]*WorkItem, 0, len(cp.Files))
	for _, ref := range checkpoint.Remaining(cp) {
		items = append(items, &WorkItem{
			ID:             ref.ID,
			SourceURL:      ref.SourceURL,
			State:          StateQueued,
			ContentMinutes: o.cfg.ContentMinutesEstimate,
		})
	}
	return o.run(ctx, items, done)
}

func (o *Orchestrator) run(ctx context.Context, items []*WorkItem, preCompleted map[string]bool) (res *Result, err error) {
	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		return nil, ErrAlreadyRan
	}
	o.ran = true
	if o.jobName == "" {
		if o.cfg.JobName != "" {
			o.jobName = o.cfg.JobName
		} else {
			o.jobName = ulid.Make().String()
		}
	}
	o.items = items
	o.state = RunInitializing
	for _, item := range items {
		if _, seen := o.baseRefs[item.ID]; !seen {
			o.refOrder = append(o.refOrder, item.ID)
		}
		o.baseRefs[item.ID] = checkpoint.ItemRef{ID: item.ID, SourceURL: item.SourceURL, State: string(item.State)}
	}
	o.mu.Unlock()

	defer close(o.events)

	if len(items) == 0 && len(preCompleted) == 0 {
		o.setState(RunFailed)
		return nil, ErrNoItems
	}

	o.emit(ProgressEvent{Type: EventJobStarted, Message: o.jobName})
	o.log.Info().Str("job", o.jobName).Int("items", len(items)).Msg("job starting")

	if err := o.initialize(len(items)); err != nil {
		o.setState(RunFailed)
		return o.finalize(), err
	}

	runErr := o.execute(ctx)

	o.setState(RunDraining)
	o.writeCheckpoint(StageComplete, false)

	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		o.setState(RunCancelled)
		runErr = nil // graceful stop is not an error to the caller
	case runErr != nil:
		o.setState(RunFailed)
	case ctx.Err() != nil:
		o.setState(RunCancelled)
	default:
		o.setState(RunCompleted)
	}

	res = o.finalize()
	o.emit(ProgressEvent{Type: EventJobFinished, Message: string(o.State())})
	finished := o.log.Info().
		Str("job", o.jobName).
		Str("state", string(res.State)).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed)
	for category, n := range res.Categories {
		finished = finished.Int("failed_"+string(category), n)
	}
	finished.Msg("job finished")
	return res, runErr
}

// initialize sizes the pools, selects the execution mode and prepares the
// artifact cache.
func (o *Orchestrator) initialize(pending int) error {
	store, err := cache.NewStore(filepath.Join(o.cfg.WorkDir, o.jobName))
	if err != nil {
		return fmt.Errorf("prepare artifact cache: %w", err)
	}

	conc := o.initialConcurrency()

	o.mu.Lock()
	o.artifacts = store
	o.processWin = NewWindow(conc)

	if o.deps.Gate.HasCapacity(pending, o.cfg.ItemSizeEstimate) {
		o.mode = ModeBulkDownload
		// Downloads are I/O bound; give them a wider pool than the
		// CPU-heavy processing stage.
		dlConc := o.cfg.DownloadPoolCap
		if dlConc < conc {
			dlConc = conc
		}
		o.downloadWin = NewWindow(dlConc)
	} else {
		o.mode = ModeConveyor
		o.downloadWin = NewWindow(conc)
		size := o.deps.Gate.MaxItems(o.cfg.ItemSizeEstimate)
		if size < o.cfg.BatchMin {
			size = o.cfg.BatchMin
		}
		if size > o.cfg.BatchMax {
			size = o.cfg.BatchMax
		}
		o.batchSize = size
	}
	mode := o.mode
	batch := o.batchSize
	o.state = RunRunning
	o.mu.Unlock()

	o.emit(ProgressEvent{Type: EventModeSelected, Message: string(mode)})
	o.log.Info().
		Str("job", o.jobName).
		Str("mode", string(mode)).
		Int("batch_size", batch).
		Int("concurrency", conc).
		Msg("mode selected")
	return nil
}

func (o *Orchestrator) execute(ctx context.Context) error {
	if o.Mode() == ModeBulkDownload {
		return o.runBulk(ctx)
	}
	return o.runConveyor(ctx)
}

// initialConcurrency derives the starting pool size from the machine:
// min(hardware limit, memory GB / 4, CPU cores / 2, global cap), never
// below one.
func (o *Orchestrator) initialConcurrency() int {
	conc := o.cfg.HardwareLimit
	if totalBytes, err := o.deps.TotalMemory(); err == nil {
		memGB := int(totalBytes / (1024 * 1024 * 1024))
		if byMem := memGB / 4; byMem < conc {
			conc = byMem
		}
	}
	if byCPU := runtime.NumCPU() / 2; byCPU < conc {
		conc = byCPU
	}
	if o.cfg.GlobalCap < conc {
		conc = o.cfg.GlobalCap
	}
	if conc < 1 {
		conc = 1
	}
	return conc
}

func (o *Orchestrator) finalize() *Result {
	o.mu.Lock()
	res := &Result{
		JobName:   o.jobName,
		Mode:      o.mode,
		State:     o.state,
		Total:     len(o.refOrder),
		Succeeded: o.succeeded + len(o.completed),
		Failed:    o.failed,
	}
	o.mu.Unlock()

	res.Failures = o.deps.Failures.Records()
	res.Categories = o.deps.Failures.CountByCategory()
	if len(res.Failures) > 0 {
		path := filepath.Join(o.cfg.WorkDir, o.jobName+"-retry.txt")
		if err := o.deps.Failures.ExportRetryManifest(path); err != nil {
			o.log.Warn().Err(err).Msg("retry manifest export failed")
		} else {
			res.ManifestPath = path
		}
	}
	return res
}

func (o *Orchestrator) setState(s RunState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// writeCheckpoint persists the current snapshot. Persistence is
// best-effort for the running job: a write failure is logged, never fatal.
func (o *Orchestrator) writeCheckpoint(stage string, running bool) {
	o.mu.Lock()
	completedIDs := make([]string, 0, len(o.completed)+o.succeeded)
	for id := range o.completed {
		completedIDs = append(completedIDs, id)
	}
	for _, item := range o.items {
		if item.State == StateSucceeded && !o.completed[item.ID] {
			completedIDs = append(completedIDs, item.ID)
		}
		ref := o.baseRefs[item.ID]
		ref.State = string(item.State)
		o.baseRefs[item.ID] = ref
	}
	refs := make([]checkpoint.ItemRef, 0, len(o.refOrder))
	for _, id := range o.refOrder {
		refs = append(refs, o.baseRefs[id])
	}
	results := make(map[string]string, len(o.results))
	for k, v := range o.results {
		results[k] = v
	}
	cp := checkpoint.Checkpoint{
		JobName:        o.jobName,
		Stage:          stage,
		TotalFiles:     len(o.refOrder),
		CompletedFiles: completedIDs,
		Files:          refs,
		Config: map[string]any{
			"mode":            string(o.mode),
			"batch_size":      o.batchSize,
			"work_dir":        o.cfg.WorkDir,
			"item_size_est":   o.cfg.ItemSizeEstimate,
			"content_min_est": o.cfg.ContentMinutesEstimate,
		},
		Results: results,
	}
	o.mu.Unlock()

	if running {
		cp.ProcessPID = os.Getpid()
	}
	if err := o.deps.Checkpoints.Write(cp); err != nil {
		o.log.Warn().Err(err).Str("job", o.jobName).Msg("checkpoint write failed")
		return
	}
	o.emit(ProgressEvent{Type: EventCheckpointWritten, Message: stage})
}

func (o *Orchestrator) emit(ev ProgressEvent) {
	ev.Timestamp = time.Now()
	o.mu.Lock()
	ev.Completed = o.succeeded + len(o.completed)
	ev.Failed = o.failed
	ev.Total = len(o.refOrder)
	o.mu.Unlock()
	select {
	case o.events <- ev:
	default:
		// slow consumer; drop rather than stall the pipeline
	}
}

func systemTotalMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}
