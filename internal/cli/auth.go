package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"adx-trader/internal/broker"
	"adx-trader/internal/config"
	"adx-trader/internal/security"
)

// addAuthCommands adds broker session commands.
func addAuthCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newLoginCmd(app))
	rootCmd.AddCommand(newLogoutCmd(app))
	rootCmd.AddCommand(newAuthStatusCmd(app))
}

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login to Zerodha Kite Connect",
		Long: `Establish a broker session.

With totp_secret configured in credentials.toml the login is headless: the
password and a generated TOTP are submitted directly and the session token
is persisted. Without it, the Kite login page opens in a browser and the
request_token from the redirect URL completes the exchange.

Kite access tokens expire at 06:00 IST the next day, so a live session
usually needs one login every morning. The run command performs the same
headless login itself when the persisted token has expired.`,
		Example: `  adxtrader login
  adxtrader login --browser        # Force the browser flow
  adxtrader login --token=<token>  # Complete login with a request token`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			if app.Gateway == nil {
				output.Error("Broker not configured. Add kite api_key and api_secret to credentials.toml")
				return fmt.Errorf("broker not configured")
			}

			if token, _ := cmd.Flags().GetString("token"); token != "" {
				return completeLogin(app, output, token)
			}

			forceBrowser, _ := cmd.Flags().GetBool("browser")
			if !forceBrowser && app.Config.Credentials.Kite.TOTPSecret != "" {
				output.Info("Performing headless TOTP login...")
				if err := app.Gateway.Authenticate(ctx); err != nil {
					output.Warning("Headless login failed: %v", err)
					output.Info("Falling back to browser login...")
					output.Println()
				} else {
					output.Success("✓ Login successful!")
					return showAuthStatus(app, output)
				}
			}

			loginURL := app.Gateway.LoginURL()
			output.Info("Opening Kite login page...")
			output.Println()
			output.Bold("Login URL:")
			output.Println(loginURL)
			output.Println()

			if err := openURL(loginURL); err != nil {
				output.Warning("Could not open browser automatically")
			}

			output.Info("After logging in, you'll be redirected to a URL like:")
			output.Dim("  https://your-redirect-url.com/?request_token=XXXXXX&status=success")
			output.Println()
			output.Bold("Paste the request_token value here:")

			reader := bufio.NewReader(os.Stdin)
			fmt.Print("> ")
			inputToken, _ := reader.ReadString('\n')
			inputToken = strings.TrimSpace(inputToken)

			if inputToken == "" {
				output.Error("No token provided")
				return fmt.Errorf("no token provided")
			}

			return completeLogin(app, output, inputToken)
		},
	}

	cmd.Flags().Bool("browser", false, "Force the browser flow (skip headless TOTP login)")
	cmd.Flags().String("token", "", "Request token from the redirect URL")

	return cmd
}

func completeLogin(app *App, output *Output, token string) error {
	output.Info("Exchanging request token for a session...")

	if err := app.Gateway.ExchangeToken(token); err != nil {
		output.Error("Login failed: %v", err)
		return err
	}

	output.Success("✓ Login successful!")
	return showAuthStatus(app, output)
}

// showAuthStatus displays the persisted session and auto-login readiness.
func showAuthStatus(app *App, output *Output) error {
	creds := app.Config.Credentials.Kite
	tokenFile := creds.TokenFile
	if tokenFile == "" {
		tokenFile = config.DefaultConfigDir() + "/tokens.json"
	}
	tokens := broker.NewTokenManager(tokenFile)

	output.Println()
	output.Bold("Session")
	output.Printf("  User ID:    %s\n", creds.UserID)

	now := time.Now()
	if tokens.Valid(now) {
		ts := tokens.Current()
		output.Printf("  Status:     %s\n", output.Green("● ACTIVE"))
		output.Printf("  Token:      %s\n", security.Mask(ts.AccessToken))
		output.Printf("  Expires:    %s (%s remaining)\n",
			FormatDateTime(ts.AccessExpiry), FormatDuration(tokens.ExpiresIn(now)))
	} else {
		output.Printf("  Status:     %s\n", output.Red("○ NO SESSION"))
	}

	if creds.TOTPSecret != "" && creds.Password != "" {
		output.Printf("  Auto-login: %s\n", output.Green("configured"))
	} else {
		output.Printf("  Auto-login: %s\n", output.Yellow("not configured"))
		output.Dim("  Add password and totp_secret to credentials.toml for headless logins")
	}

	return nil
}

func openURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Logout and clear the stored session",
		Long: `Invalidate the broker session and remove the persisted token file.

A fresh login is required before the next run.`,
		Example: `  adxtrader logout`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			if app.Gateway == nil {
				output.Warning("Broker not configured, nothing to log out from.")
				return nil
			}

			if err := app.Gateway.Logout(); err != nil {
				output.Error("Logout failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"success":   true,
					"timestamp": time.Now().Format(time.RFC3339),
				})
			}

			output.Success("✓ Logged out")
			output.Dim("Session tokens have been cleared.")

			return nil
		},
	}
}

func newAuthStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "auth-status",
		Short: "Check authentication status",
		Long:  "Display the persisted broker session and its expiry without touching the network.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			if app.Gateway == nil {
				output.Error("Broker not configured. Add kite credentials to credentials.toml")
				return nil
			}

			creds := app.Config.Credentials.Kite
			tokenFile := creds.TokenFile
			if tokenFile == "" {
				tokenFile = config.DefaultConfigDir() + "/tokens.json"
			}
			tokens := broker.NewTokenManager(tokenFile)
			now := time.Now()

			if output.IsJSON() {
				ts := tokens.Current()
				payload := map[string]interface{}{
					"authenticated": tokens.Valid(now),
					"user_id":       creds.UserID,
					"auto_login":    creds.TOTPSecret != "" && creds.Password != "",
				}
				if ts != nil {
					payload["expires"] = ts.AccessExpiry
				}
				return output.JSON(payload)
			}

			if !tokens.Valid(now) {
				output.Warning("Not authenticated")
				output.Println()
				output.Info("Run 'adxtrader login' to authenticate")
				return nil
			}

			output.Success("✓ Authenticated")
			return showAuthStatus(app, output)
		},
	}
}
