package cli

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/msg43/mediabatch/internal/checkpoint"
	"github.com/msg43/mediabatch/internal/config"
	"github.com/msg43/mediabatch/internal/diskgate"
	"github.com/msg43/mediabatch/internal/extdl"
	"github.com/msg43/mediabatch/internal/ledger"
	"github.com/msg43/mediabatch/internal/memguard"
	"github.com/msg43/mediabatch/internal/pacing"
	"github.com/msg43/mediabatch/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run [urls...]",
		Short:   "Download and process a set of media URLs",
		Example: runCmdExample,
		RunE:    runRun,
	}
	cmd.Flags().String("urls-file", "", "file with one URL per line (comment lines ignored)")
	cmd.Flags().String("from-manifest", "", "retry manifest from a previous run")
	cmd.Flags().String("job", "", "job name (defaults to a generated id)")
	cmd.Flags().String("work-dir", "", "working directory override")
	cmd.Flags().String("downloader", "", "download binary override")
	cmd.Flags().String("processor", "", "processing binary to run on each artifact")
	cmd.Flags().Bool("no-progress", false, "disable the progress bar")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfigAndLogger(cmd)
	if err != nil {
		return err
	}

	urls := append([]string{}, args...)
	if urlsFile, _ := cmd.Flags().GetString("urls-file"); urlsFile != "" {
		fileURLs, err := readURLList(urlsFile)
		if err != nil {
			return err
		}
		urls = append(urls, fileURLs...)
	}
	if manifest, _ := cmd.Flags().GetString("from-manifest"); manifest != "" {
		retryURLs, err := ledger.ReadRetryManifest(manifest)
		if err != nil {
			return err
		}
		urls = append(urls, retryURLs...)
	}
	if len(urls) == 0 {
		return fmt.Errorf("no URLs given; pass them as arguments or via --urls-file")
	}

	jobName, _ := cmd.Flags().GetString("job")
	orch, err := buildOrchestrator(cmd, cfg, logger, jobName)
	if err != nil {
		return err
	}

	noProgress, _ := cmd.Flags().GetBool("no-progress")
	done := make(chan struct{})
	go renderProgress(cmd, orch.Events(), len(urls), noProgress, done)

	result, err := orch.Run(cmd.Context(), urls)
	<-done
	if result != nil {
		printResult(cmd, result)
	}
	return err
}

// buildOrchestrator assembles the pipeline from configuration. Each run
// owns its own pacing controller, memory guard, gate, stores and ledger.
func buildOrchestrator(cmd *cobra.Command, cfg config.Config, logger zerolog.Logger, jobName string) (*pipeline.Orchestrator, error) {
	workDir := cfg.Pipeline.WorkDir
	if override, _ := cmd.Flags().GetString("work-dir"); override != "" {
		workDir = override
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work directory %s: %w", workDir, err)
	}

	store, err := checkpoint.NewStore(filepath.Join(workDir, "checkpoints"))
	if err != nil {
		return nil, err
	}

	downloaderBin, _ := cmd.Flags().GetString("downloader")
	downloader := extdl.NewCommandDownloader(extdl.DownloaderOptions{Binary: downloaderBin})
	if err := downloader.CheckDependency(); err != nil {
		return nil, err
	}

	processorBin, _ := cmd.Flags().GetString("processor")
	if processorBin == "" {
		processorBin = "whisper"
	}
	processor, err := extdl.NewCommandProcessor(extdl.ProcessorOptions{Binary: processorBin})
	if err != nil {
		return nil, err
	}

	pacer := pacing.NewController(pacing.Config{
		BaseDelay:       time.Duration(cfg.Pacing.BaseDelaySeconds) * time.Second,
		MinDelay:        time.Duration(cfg.Pacing.MinDelaySeconds) * time.Second,
		MaxDelay:        time.Duration(cfg.Pacing.MaxDelaySeconds) * time.Second,
		WindowSize:      cfg.Pacing.WindowSize,
		SecPerMinute:    cfg.Pacing.SecPerMinute,
		SecPerKiloChars: cfg.Pacing.SecPerKiloChars,
	}, pacing.WithRandSource(rand.NewSource(time.Now().UnixNano())))

	return pipeline.New(pipeline.Config{
		JobName:                jobName,
		WorkDir:                workDir,
		HardwareLimit:          cfg.Pipeline.HardwareLimit,
		GlobalCap:              cfg.Pipeline.GlobalCap,
		DownloadPoolCap:        cfg.Pipeline.DownloadPoolCap,
		ItemSizeEstimate:       cfg.Disk.ItemSizeBytes(),
		BatchMin:               cfg.Pipeline.BatchMin,
		BatchMax:               cfg.Pipeline.BatchMax,
		PerItemTimeout:         cfg.Pipeline.PerItemTimeout(),
		BatchBudget:            cfg.Pipeline.BatchBudget(),
		ContentMinutesEstimate: cfg.Pipeline.ContentMinutesEstimate,
	}, pipeline.Deps{
		Pacer:       pacer,
		Guard:       memguard.NewGuard(memguard.WithWindowSize(cfg.Memory.WindowSize)),
		Gate:        diskgate.New(workDir, diskgate.WithSafetyFactor(cfg.Disk.SafetyFactor)),
		Checkpoints: store,
		Failures:    ledger.NewLedger(),
		Sessions:    pipeline.NewStaticSessionProvider(cfg.Proxies),
		Downloader:  downloader,
		Processor:   processor,
		Logger:      logger,
	})
}

func loadConfigAndLogger(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Logging.Level = "debug"
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

// renderProgress consumes the event stream and drives a progress bar over
// terminal item states.
func renderProgress(cmd *cobra.Command, events <-chan pipeline.ProgressEvent, total int, disabled bool, done chan<- struct{}) {
	defer close(done)

	var bar *progressbar.ProgressBar
	if !disabled {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("items"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	for ev := range events {
		switch ev.Type {
		case pipeline.EventModeSelected:
			cmd.PrintErrf("mode: %s\n", ev.Message)
		case pipeline.EventMemoryPressure:
			cmd.PrintErrln("memory pressure: pausing intake")
		case pipeline.EventItemState:
			if bar != nil && (ev.State == pipeline.StateSucceeded || ev.State == pipeline.StateFailed) {
				_ = bar.Add(1)
			}
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
}

func printResult(cmd *cobra.Command, result *pipeline.Result) {
	cmd.Printf("job %s: %s (%d succeeded, %d failed of %d)\n",
		result.JobName, result.State, result.Succeeded, result.Failed, result.Total)
	for _, category := range []ledger.Category{
		ledger.CategoryRateLimited, ledger.CategoryNetwork, ledger.CategoryUnavailable,
		ledger.CategoryPermission, ledger.CategoryFormat, ledger.CategoryCopyright,
		ledger.CategoryOther,
	} {
		if n := result.Categories[category]; n > 0 {
			cmd.Printf("  %s: %d\n", category, n)
		}
	}
	if result.ManifestPath != "" {
		cmd.Printf("retry manifest: %s\n", result.ManifestPath)
	}
}

// readURLList reads one URL per line, skipping blanks and comment lines,
// so exported retry manifests can be fed straight back in.
func readURLList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open URL list %s: %w", path, err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read URL list %s: %w", path, err)
	}
	return urls, nil
}
