// Package cli wires the mediabatch commands. Presentation only; all
// behavior lives in the internal pipeline packages.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the mediabatch CLI.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mediabatch",
		Short:         "Bulk media acquisition and processing pipeline",
		Long:          "mediabatch downloads large sets of remote media items, paces them\nagainst rate limits and local resources, runs them through a processing\nstage, and survives crashes via checkpoints.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "path to YAML config file")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	cmd.AddCommand(newRunCmd(), newJobsCmd(), newResumeCmd(), newRestartCmd(), newForgetCmd(), newManifestCmd())
	return cmd
}

const runCmdExample = `  # Download and process a list of URLs
  mediabatch run --urls-file videos.txt

  # Retry everything a previous run exported
  mediabatch run --from-manifest job-retry.txt

  # List resumable jobs and continue one
  mediabatch jobs
  mediabatch resume 01JC0JB0V9M2
`
