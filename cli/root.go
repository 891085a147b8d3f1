// Package cli is the archiver's command tree.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stream-archiver",
		Short: "Capture and archive Twitch sessions",
		Long: `stream-archiver - record live Twitch sessions and backfill past broadcasts

Live sessions capture video, chat and audience telemetry into one folder per
session. Backfill downloads every archived broadcast of a channel exactly once.

Configuration comes from the environment (and .env), optionally overlaid by a
TOML file given with --config or ARCHIVER_CONFIG.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configPath != "" {
				_ = os.Setenv("ARCHIVER_CONFIG", configPath)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file")

	root.AddCommand(
		newRecordCmd(),
		newWatchCmd(),
		newBackfillCmd(),
		newChatCmd(),
		newAuthCmd(),
		newIndexCmd(),
	)
	return root
}

// Execute runs the CLI with ctx as the command context.
func Execute(ctx context.Context, version string) error {
	root := NewRootCmd()
	root.Version = version
	return root.ExecuteContext(ctx)
}
