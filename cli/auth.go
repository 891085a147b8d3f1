package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/onnwee/stream-archiver/archerr"
	"github.com/onnwee/stream-archiver/config"
	"github.com/onnwee/stream-archiver/twitchapi"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the Twitch user token",
		Long: `Obtain, refresh and check the user token used for chat and Helix calls.
New tokens are written back to the env file (ENV_FILE, default .env) as
ACCESS_TOKEN and REFRESH_TOKEN.

Typical flow:
  stream-archiver auth url          # open the printed URL and approve
  stream-archiver auth exchange <code>
  stream-archiver auth validate`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "url",
			Short: "Print the authorization URL",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				u, err := twitchapi.BuildAuthorizeURL(oauthConfig(cfg), uuid.NewString())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), u)
				return nil
			},
		},
		&cobra.Command{
			Use:   "exchange <code>",
			Short: "Exchange an authorization code for a token pair",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				tok, err := twitchapi.ExchangeAuthCode(cmd.Context(), oauthConfig(cfg), strings.TrimSpace(args[0]), nil)
				if err != nil {
					return err
				}
				if err := persistTokens(cfg.EnvFile, tok); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "token saved to %s (expires %s)\n", cfg.EnvFile, tok.Expiry.Format(time.RFC3339))
				return nil
			},
		},
		&cobra.Command{
			Use:   "refresh",
			Short: "Refresh the access token with REFRESH_TOKEN",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				if cfg.TwitchClientID == "" || cfg.TwitchClientSecret == "" {
					return archerr.Auth("auth refresh", errors.New("TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET required"))
				}
				tok, err := twitchapi.RefreshToken(cmd.Context(), oauthConfig(cfg), cfg.RefreshToken, nil)
				if err != nil {
					return err
				}
				if err := persistTokens(cfg.EnvFile, tok); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "token refreshed and saved to %s (expires %s)\n", cfg.EnvFile, tok.Expiry.Format(time.RFC3339))
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check ACCESS_TOKEN against the identity service",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				v, err := twitchapi.ValidateToken(cmd.Context(), cfg.AccessToken, nil)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "login:      %s (%s)\n", v.Login, v.UserID)
				fmt.Fprintf(out, "client id:  %s\n", v.ClientID)
				fmt.Fprintf(out, "scopes:     %s\n", strings.Join(v.Scopes, " "))
				fmt.Fprintf(out, "expires in: %s\n", time.Duration(v.ExpiresIn)*time.Second)
				return nil
			},
		},
	)
	return cmd
}
