package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the bearer token used for sync requests",
	Long: `Login stores a bearer token for future sync requests. JWT tokens have
their expiry read from the exp claim; expired tokens are refused.`,
	Example: `  marksync login --email user@example.com
  marksync login --token "$MARKSYNC_TOKEN"`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Auth.Logout(); err != nil {
			return err
		}

		if jsonOutput {
			printJSON(map[string]interface{}{"success": true})
		} else {
			printSuccess("Logged out")
		}
		return nil
	},
}

var (
	loginEmail string
	loginToken string
)

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)

	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "",
		"Account email, for display only")
	loginCmd.Flags().StringVarP(&loginToken, "token", "t", "",
		"Bearer token (will prompt if not provided)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	if loginToken == "" {
		var err error
		loginToken, err = promptSecret("Token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
	}

	if err := apiClient.Auth.Login(loginToken, loginEmail); err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		} else {
			printError("Login failed: %v", err)
		}
		return err
	}

	info, err := apiClient.Auth.GetToken()
	if err != nil {
		return err
	}

	if jsonOutput {
		out := map[string]interface{}{
			"success": true,
			"email":   info.Email,
		}
		if !info.ExpiresAt.IsZero() {
			out["expires_at"] = info.ExpiresAt
		}
		printJSON(out)
		return nil
	}

	who := info.Email
	if who == "" {
		who = "token"
	}
	printSuccess("Logged in (%s)", who)
	if !info.ExpiresAt.IsZero() {
		printInfo("Token expires in %s", time.Until(info.ExpiresAt).Round(time.Minute))
	}

	return nil
}

func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	// Read without echo
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(secret)), nil
}
