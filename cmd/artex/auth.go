package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"artex/pkg/credentials"
	"artex/pkg/kvstore"
)

var mergeCookies bool

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage platform credentials",
	Long: `Manage stored platform credentials securely.

Credentials are stored using:
  - System keychain (when available)
  - Encrypted file with PBKDF2 key derivation

Never share your credentials or config files!`,
}

// loginCmd represents the auth login command
var loginCmd = &cobra.Command{
	Use:   "login <account>",
	Short: "Store platform credentials securely",
	Long: `Store a bearer token and session cookies for an account.

You will be prompted for:
  - Bearer token (optional, press Enter to skip)
  - Cookie lines, one per line, ending with a blank line

To get the cookie values:
1. Log into the platform in your browser
2. Open Developer Tools (F12)
3. Go to Application/Storage > Cookies
4. Copy each cookie as "name=value; Expires=..." lines`,
	Example: `  # Store credentials for an account
  artex auth login alice

  # Merge fresh cookies into the stored credential
  artex auth login alice --merge`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

// logoutCmd represents the auth logout command
var logoutCmd = &cobra.Command{
	Use:   "logout <account>",
	Short: "Remove stored credentials",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogout,
}

// statusCmd represents the auth status command
var statusCmd = &cobra.Command{
	Use:   "status <account>",
	Short: "Show whether stored credentials are still live",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(loginCmd)
	authCmd.AddCommand(logoutCmd)
	authCmd.AddCommand(statusCmd)

	loginCmd.Flags().BoolVar(&mergeCookies, "merge", false, "merge cookies into the existing credential instead of replacing it")
}

func newCredentialStore() (*credentials.Store, error) {
	kv, err := kvstore.NewDefaultFallback()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential backend: %w", err)
	}
	return credentials.NewStore(kv, nil), nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	authKey := strings.TrimSpace(args[0])
	store, err := newCredentialStore()
	if err != nil {
		return err
	}

	// The token is immutable after creation, so a merge never asks for one
	var token string
	if !mergeCookies {
		fmt.Print("Bearer token (press Enter to skip): ")
		token, err = readSecret()
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
	}

	fmt.Println("\nCookie lines (one per line, blank line to finish):")
	var cookieLines []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		cookieLines = append(cookieLines, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}

	if token == "" && len(cookieLines) == 0 {
		return fmt.Errorf("nothing to store: provide a token or at least one cookie")
	}

	var cred *credentials.Credential
	if mergeCookies {
		cred, err = store.Update(authKey, cookieLines)
		if errors.Is(err, credentials.ErrCredentialNotFound) {
			return fmt.Errorf("no credentials stored for %s, log in without --merge first", authKey)
		}
	} else {
		cred, err = store.Put(authKey, token, cookieLines)
	}
	if err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	fmt.Printf("\nCredentials stored for %s (%d cookies)\n", authKey, cred.Cookies.Len())
	fmt.Println("\nStart an export with:")
	fmt.Printf("  artex export <article-id> --account %s\n", authKey)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	authKey := strings.TrimSpace(args[0])

	store, err := newCredentialStore()
	if err != nil {
		return err
	}
	if err := store.Invalidate(authKey); err != nil {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}

	fmt.Printf("Credentials removed for %s\n", authKey)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	authKey := strings.TrimSpace(args[0])

	store, err := newCredentialStore()
	if err != nil {
		return err
	}

	cred, err := store.Resolve(authKey)
	switch {
	case err == nil:
		fmt.Printf("Account:     %s\n", authKey)
		fmt.Printf("Cookies:     %d\n", cred.Cookies.Len())
		fmt.Printf("Token:       %s\n", describeToken(cred.Token))
		fmt.Printf("Updated:     %s\n", cred.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	case err == credentials.ErrCredentialExpired:
		return fmt.Errorf("credentials for %s have expired, run 'artex auth login %s' to refresh", authKey, authKey)
	case err == credentials.ErrCredentialNotFound:
		return fmt.Errorf("no credentials stored for %s", authKey)
	default:
		return err
	}
}

func describeToken(token string) string {
	if token == "" {
		return "(none)"
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// readSecret reads a value from stdin without echoing
func readSecret() (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(secret)), nil
		}
	}

	// Fallback to regular input when stdin is not a terminal
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(input), nil
}
