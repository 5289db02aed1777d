package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/sells-group/salesops-cli/pkg/amocrm"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect, refresh, or obtain the amoCRM OAuth token pair",
}

type tokenStatus struct {
	Configured      bool       `json:"configured"`
	AccessToken     string     `json:"access_token"`
	HasRefreshToken bool       `json:"has_refresh_token"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Valid           bool       `json:"valid"`
	Driver          string     `json:"store_driver"`
}

func newTokenStatus(tok amocrm.Token, oauth amocrm.OAuthConfig, driver string, now time.Time) tokenStatus {
	st := tokenStatus{
		Configured:      oauth.Validate() == nil,
		AccessToken:     maskToken(tok.AccessToken),
		HasRefreshToken: tok.RefreshToken != "",
		Valid:           amocrm.ValidAt(tok, now),
		Driver:          driver,
	}
	if driver == "" {
		st.Driver = "file"
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		st.ExpiresAt = &exp
	}
	return st
}

func maskToken(s string) string {
	if len(s) <= 8 {
		if s == "" {
			return ""
		}
		return "****"
	}
	return s[:4] + "…" + s[len(s)-4:]
}

var tokenStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored token state without refreshing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		return printJSON(cmd.OutOrStdout(),
			newTokenStatus(env.Tokens.Current(), env.Settings.OAuth, cfg.Store.Driver, time.Now()))
	},
}

var tokenRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force a token refresh and persist the new pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Settings.OAuth.Validate(); err != nil {
			return err
		}
		if _, err := env.Tokens.ForceRefresh(ctx, env.Tokens.Current().AccessToken); err != nil {
			return eris.Wrap(err, "refresh token")
		}
		return printJSON(cmd.OutOrStdout(),
			newTokenStatus(env.Tokens.Current(), env.Settings.OAuth, cfg.Store.Driver, time.Now()))
	},
}

var tokenExchangeCmd = &cobra.Command{
	Use:   "exchange",
	Short: "Trade an authorization code for the first token pair",
	Long: "Without --code, prints the authorization URL to open in a browser. " +
		"With --code, exchanges the code returned to the redirect URI and stores the token pair.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Settings.OAuth.Validate(); err != nil {
			return err
		}
		code, _ := cmd.Flags().GetString("code")
		if code == "" {
			state, _ := cmd.Flags().GetString("state")
			url := env.Settings.OAuth.Config().AuthCodeURL(state, oauth2.SetAuthURLParam("mode", "post_message"))
			return printJSON(cmd.OutOrStdout(), map[string]string{"auth_url": url})
		}
		if _, err := env.Tokens.Exchange(ctx, code); err != nil {
			return eris.Wrap(err, "exchange authorization code")
		}
		return printJSON(cmd.OutOrStdout(),
			newTokenStatus(env.Tokens.Current(), env.Settings.OAuth, cfg.Store.Driver, time.Now()))
	},
}

func init() {
	tokenExchangeCmd.Flags().String("code", "", "authorization code from the redirect")
	tokenExchangeCmd.Flags().String("state", "salesops", "state value for the authorization URL")

	tokenCmd.AddCommand(tokenStatusCmd, tokenRefreshCmd, tokenExchangeCmd)
	rootCmd.AddCommand(tokenCmd)
}
