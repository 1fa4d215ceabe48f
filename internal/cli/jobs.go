package cli

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/msg43/mediabatch/internal/checkpoint"
)

func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List checkpointed jobs and their states",
		Long: `Scans the checkpoint directories and classifies each job: running
jobs have a live owner process, crashed jobs have a dead one, and
ownerless checkpoints are judged by their completion counts.`,
		RunE: runJobs,
	}
}

func runJobs(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfigAndLogger(cmd)
	if err != nil {
		return err
	}

	checkpoints := checkpoint.Scan(checkpointDirs(cfg.Disk.CheckpointDirs, cfg.Pipeline.WorkDir))
	if len(checkpoints) == 0 {
		cmd.Println("no checkpointed jobs")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATE\tSTAGE\tDONE\tWRITTEN")
	for _, cp := range checkpoints {
		state := checkpoint.Classify(cp, checkpoint.SystemLiveness)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			cp.JobName, state, cp.Stage,
			len(cp.CompletedFiles), cp.TotalFiles,
			cp.WrittenAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

// checkpointDirs combines configured extra directories with the default
// store location under the work directory.
func checkpointDirs(extra []string, workDir string) []string {
	dirs := append([]string{}, extra...)
	return append(dirs, filepath.Join(workDir, "checkpoints"))
}
