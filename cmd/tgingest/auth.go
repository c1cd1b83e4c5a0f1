package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tgingest/pkg/auth"
	"tgingest/pkg/ui"
)

var (
	authAccount string
	authAPIID   int
	authAPIHash string
	authPhone   string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage Telegram API credentials and the login session",
	Long: `Manage stored Telegram API credentials.

Credentials are looked up in order:
  - System keychain (when available)
  - Encrypted file with PBKDF2 key derivation
  - Environment variables (TELEGRAM_API_ID, TELEGRAM_API_HASH, TELEGRAM_PHONE)

Never share your api hash or session file!`,
}

var authSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store API credentials for an account",
	Long: `Store the api_id and api_hash from my.telegram.org under an account name.
Missing values are prompted for; the api hash is read without echo.`,
	Example: `  # Interactive
  tgingest auth set

  # Non-interactive, under the account "ops"
  tgingest auth set --account ops --api-id 123456 --api-hash 0123456789abcdef0123456789abcdef --phone +15551234567`,
	Args: cobra.NoArgs,
	RunE: runAuthSet,
}

var authShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"list"},
	Short:   "List stored accounts with masked credentials",
	Args:    cobra.NoArgs,
	RunE:    runAuthShow,
}

var authDeleteCmd = &cobra.Command{
	Use:   "delete <account>",
	Short: "Remove stored credentials for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := auth.NewManager()
		if err != nil {
			return fmt.Errorf("failed to initialize credential manager: %w", err)
		}
		if err := manager.Delete(args[0]); err != nil {
			return err
		}
		ui.PrintSuccess("Removed credentials for " + args[0])
		return nil
	},
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to Telegram once and save the session file",
	Long: `Login connects with the stored credentials, asks for the code Telegram sends
(and the 2FA password when one is set) and saves the session to
telegram.session_file. Scheduled runs reuse that session without prompting.`,
	Args: cobra.NoArgs,
	RunE: runAuthLogin,
}

func init() {
	authSetCmd.Flags().StringVar(&authAccount, "account", "default", "account name")
	authSetCmd.Flags().IntVar(&authAPIID, "api-id", 0, "api_id from my.telegram.org")
	authSetCmd.Flags().StringVar(&authAPIHash, "api-hash", "", "api_hash from my.telegram.org")
	authSetCmd.Flags().StringVar(&authPhone, "phone", "", "phone number used to sign in (optional)")

	authCmd.AddCommand(authSetCmd, authShowCmd, authDeleteCmd, authLoginCmd)
	rootCmd.AddCommand(authCmd)
}

func runAuthSet(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("failed to initialize credential manager: %w", err)
	}

	reader := bufio.NewReader(os.Stdin)
	if authAPIID == 0 || authAPIHash == "" {
		auth.ShowAPICredentialsGuide(cmd.OutOrStdout())
		fmt.Println()
	}

	if authAPIID == 0 {
		fmt.Print("api_id: ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read api id: %w", err)
		}
		authAPIID, err = strconv.Atoi(strings.TrimSpace(input))
		if err != nil {
			return fmt.Errorf("api id must be a number: %w", err)
		}
	}

	if authAPIHash == "" {
		fmt.Print("api_hash (hidden): ")
		if term.IsTerminal(int(os.Stdin.Fd())) {
			b, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("failed to read api hash: %w", err)
			}
			authAPIHash = strings.TrimSpace(string(b))
		} else {
			input, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read api hash: %w", err)
			}
			authAPIHash = strings.TrimSpace(input)
		}
	}

	if err := auth.ValidateAPIHash(authAPIHash); err != nil {
		return err
	}

	account := &auth.Account{
		Name:         authAccount,
		APIID:        authAPIID,
		APIHash:      authAPIHash,
		Phone:        authPhone,
		LastModified: time.Now(),
	}
	if err := manager.Store(account); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	ui.PrintSuccess("Credentials stored for account " + authAccount)
	fmt.Println("\nNext: run 'tgingest auth login' to create the session file.")
	return nil
}

func runAuthShow(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("failed to initialize credential manager: %w", err)
	}
	accounts, err := manager.List()
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		ui.PrintInfo("No stored accounts", "run 'tgingest auth set'")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tAPI ID\tAPI HASH\tPHONE\tMODIFIED")
	for _, a := range accounts {
		s := auth.SanitizeAccount(a)
		modified := "-"
		if !s.LastModified.IsZero() {
			modified = s.LastModified.Format("2006-01-02 15:04")
		}
		phone := s.Phone
		if phone == "" {
			phone = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.Name, s.APIID, s.APIHash, phone, modified)
	}
	return tw.Flush()
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd, nil)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	src, err := a.NewSource(true)
	if err != nil {
		return err
	}
	err = src.Run(ctx, func(ctx context.Context) error { return nil })
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	ui.PrintSuccess("Signed in; session saved to " + a.Config.Telegram.SessionFile)
	return nil
}
