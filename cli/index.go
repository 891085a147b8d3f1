package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect the durable index",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list [channel...]",
		Short: "List indexed sessions and recordings, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			channels := args
			if len(channels) == 0 {
				channels = a.cfg.Channels
			}
			if len(channels) == 0 {
				return fmt.Errorf("no channels given and CHANNEL_NAMES is empty")
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHANNEL\tSTREAM\tSOURCE\tSTARTED\tENDED\tTITLE")
			for _, ch := range channels {
				recs, err := a.index.ListByChannel(ctx, ch, limit)
				if err != nil {
					return err
				}
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ChannelName, r.StreamID, r.Source, relTime(r.StartTime), relTime(r.EndTime), r.Title)
				}
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum rows per channel (0 = all)")
	cmd.AddCommand(list)
	return cmd
}

func relTime(ts string) string {
	if ts == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}
