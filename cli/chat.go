package cli

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/onnwee/stream-archiver/sessiondb"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat store maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <transcript.json> <db>",
		Short: "Import an archived chat transcript into a chat store",
		Long: `Import a downloaded chat transcript (comments[] with commenter and message
objects) into a chat store, creating it when missing. Messages already in the
store are skipped, so importing the same transcript twice is harmless.

Example:
  stream-archiver chat import vod_chat.json data/.../chat.live.sqlite`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open transcript: %w", err)
			}
			defer func() { _ = f.Close() }()

			store, err := sessiondb.OpenChat(ctx, args[1])
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			n, err := store.ImportTranscript(ctx, f)
			if err != nil {
				return err
			}
			total, err := store.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s messages (%s in store)\n", humanize.Comma(int64(n)), humanize.Comma(int64(total)))
			return nil
		},
	})
	return cmd
}
