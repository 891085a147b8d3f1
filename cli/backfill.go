package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onnwee/stream-archiver/archerr"
)

func newBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill [channel...]",
		Short: "Download and index every archived broadcast",
		Long: `Backfill archived broadcasts for the given channels (default: CHANNEL_NAMES).

Each recording is downloaded, thumbnailed and hashed at most once and merged
into its folder's metadata. Running the command again only refreshes metadata
that changed upstream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			channels := a.cfg.Channels
			if len(args) > 0 {
				channels = nil
				for _, c := range args {
					channels = append(channels, strings.ToLower(strings.TrimSpace(c)))
				}
			}
			if len(channels) == 0 {
				return errors.New("no channels given and CHANNEL_NAMES is empty")
			}

			r := a.reconciler()
			out := cmd.OutOrStdout()
			var errs []error
			for _, ch := range channels {
				rep, err := r.ReconcileChannel(ctx, ch)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", ch, err))
					if archerr.IsFatal(err) || ctx.Err() != nil {
						break
					}
					continue
				}
				fmt.Fprintf(out, "%s: %d recordings over %d pages, %d downloaded, %d hashed, %d metadata updates, %d failures\n",
					ch, rep.Items, rep.Pages, rep.Downloaded, rep.Hashed, rep.Written, len(rep.Failures))
				for _, f := range rep.Failures {
					fmt.Fprintf(out, "  %s %s: %v\n", f.VODID, f.Step, f.Err)
				}
				if rep.ListErr != nil {
					fmt.Fprintf(out, "  listing stopped early: %v\n", rep.ListErr)
				}
			}
			return errors.Join(errs...)
		},
	}
}
