package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/onnwee/stream-archiver/session"
)

func newRecordCmd() *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "record <channel>",
		Short: "Capture one live session",
		Long: `Capture one live session of a channel: video, chat and viewer telemetry.

The command returns when the recorder exits (the broadcast ended) or on
interrupt, after the session's metadata and index row are finalized.

Examples:
  stream-archiver record somechannel
  stream-archiver record somechannel --folder data/persons/somechannel/twitch/livestreams/somechannel_20240101_120000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			orch := a.orchestrator()
			a.serveHTTP(ctx, orch)
			a.keepTokenFresh(ctx)
			channel := strings.ToLower(strings.TrimSpace(args[0]))
			res, err := orch.Run(ctx, channel, folder)
			if res != nil {
				printResult(cmd, res)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "Resume into an existing session folder")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Record configured channels whenever they go live",
		Long: `Poll every channel in CHANNEL_NAMES and start a session when one goes live.
A channel never has more than one session at a time. On interrupt the running
sessions are stopped and finalized before the command returns.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if len(a.cfg.Channels) == 0 {
				return errors.New("no channels configured: set CHANNEL_NAMES")
			}

			orch := a.orchestrator()
			a.serveHTTP(ctx, orch)
			a.keepTokenFresh(ctx)
			w := &session.Watcher{
				Channels:     a.cfg.Channels,
				Streams:      a.helix,
				Orchestrator: orch,
				Interval:     a.cfg.LivePollInterval,
			}
			return w.Run(ctx)
		},
	}
}

func printResult(cmd *cobra.Command, res *session.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s (%s)\n", res.StreamID, res.Folder)
	fmt.Fprintf(out, "  duration:  %.0fs\n", res.Duration)
	fmt.Fprintf(out, "  chat:      %s messages (%s imported)\n", humanize.Comma(int64(res.Chat.Written)), humanize.Comma(int64(res.ChatImported)))
	fmt.Fprintf(out, "  telemetry: %d samples, %d chapters, %d title changes\n", res.Telemetry.Samples, res.Telemetry.Chapters, res.Telemetry.TitleChanges)
	for _, s := range res.Steps {
		if s.Err != nil {
			fmt.Fprintf(out, "  failed %-16s %v\n", s.Step+":", s.Err)
		}
	}
}
