package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msg43/mediabatch/internal/checkpoint"
	"github.com/msg43/mediabatch/internal/config"
)

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <job>",
		Short: "Continue a crashed or interrupted job from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	cmd.Flags().String("work-dir", "", "working directory override")
	cmd.Flags().String("downloader", "", "download binary override")
	cmd.Flags().String("processor", "", "processing binary to run on each artifact")
	cmd.Flags().Bool("no-progress", false, "disable the progress bar")
	return cmd
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfigAndLogger(cmd)
	if err != nil {
		return err
	}

	cp, err := findCheckpoint(cfg, args[0])
	if err != nil {
		return err
	}
	switch state := checkpoint.Classify(cp, checkpoint.SystemLiveness); state {
	case checkpoint.StateRunning:
		return fmt.Errorf("job %s is still running (pid %d)", cp.JobName, cp.ProcessPID)
	case checkpoint.StateCompleted:
		return fmt.Errorf("job %s already completed; use restart to run it again", cp.JobName)
	}

	remaining := checkpoint.Remaining(cp)
	cmd.Printf("resuming %s: %d of %d items remaining\n", cp.JobName, len(remaining), cp.TotalFiles)

	orch, err := buildOrchestrator(cmd, cfg, logger, cp.JobName)
	if err != nil {
		return err
	}

	noProgress, _ := cmd.Flags().GetBool("no-progress")
	done := make(chan struct{})
	go renderProgress(cmd, orch.Events(), len(remaining), noProgress, done)

	result, err := orch.Resume(cmd.Context(), cp)
	<-done
	if result != nil {
		printResult(cmd, result)
	}
	return err
}

func newRestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart <job>",
		Short: "Rerun a checkpointed job from scratch",
		Long: `Discards the completed set and runs every item of the checkpointed
job again under the same job name.`,
		Args: cobra.ExactArgs(1),
		RunE: runRestart,
	}
	cmd.Flags().String("work-dir", "", "working directory override")
	cmd.Flags().String("downloader", "", "download binary override")
	cmd.Flags().String("processor", "", "processing binary to run on each artifact")
	cmd.Flags().Bool("no-progress", false, "disable the progress bar")
	return cmd
}

func runRestart(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfigAndLogger(cmd)
	if err != nil {
		return err
	}

	cp, err := findCheckpoint(cfg, args[0])
	if err != nil {
		return err
	}
	if checkpoint.Classify(cp, checkpoint.SystemLiveness) == checkpoint.StateRunning {
		return fmt.Errorf("job %s is still running (pid %d)", cp.JobName, cp.ProcessPID)
	}

	urls := make([]string, 0, len(cp.Files))
	for _, ref := range cp.Files {
		urls = append(urls, ref.SourceURL)
	}
	if len(urls) == 0 {
		return fmt.Errorf("checkpoint for %s holds no items", cp.JobName)
	}

	orch, err := buildOrchestrator(cmd, cfg, logger, cp.JobName)
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

func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <job>",
		Short: "Delete a job's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfigAndLogger(cmd)
			if err != nil {
				return err
			}
			cp, err := findCheckpoint(cfg, args[0])
			if err != nil {
				return err
			}
			if checkpoint.Classify(cp, checkpoint.SystemLiveness) == checkpoint.StateRunning {
				return fmt.Errorf("job %s is still running (pid %d)", cp.JobName, cp.ProcessPID)
			}
			store, err := checkpoint.NewStore(defaultCheckpointDir(cfg))
			if err != nil {
				return err
			}
			if err := store.Delete(cp.JobName); err != nil {
				return err
			}
			cmd.Printf("forgot job %s\n", cp.JobName)
			return nil
		},
	}
}

// findCheckpoint locates a job's checkpoint across all configured
// checkpoint directories.
func findCheckpoint(cfg config.Config, jobName string) (checkpoint.Checkpoint, error) {
	for _, cp := range checkpoint.Scan(checkpointDirs(cfg.Disk.CheckpointDirs, cfg.Pipeline.WorkDir)) {
		if cp.JobName == jobName {
			return cp, nil
		}
	}
	return checkpoint.Checkpoint{}, fmt.Errorf("no checkpoint found for job %s", jobName)
}

func defaultCheckpointDir(cfg config.Config) string {
	dirs := checkpointDirs(cfg.Disk.CheckpointDirs, cfg.Pipeline.WorkDir)
	return dirs[len(dirs)-1]
}
