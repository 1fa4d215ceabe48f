package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msg43/mediabatch/internal/ledger"
)

func newManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-manifest <job>",
		Short: "Print the retry URLs a failed run exported",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfigAndLogger(cmd)
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Pipeline.WorkDir, args[0]+"-retry.txt")
			urls, err := ledger.ReadRetryManifest(path)
			if err != nil {
				return err
			}
			for _, u := range urls {
				cmd.Println(u)
			}
			return nil
		},
	}
}
