package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/volley/internal/model"
	"github.com/foxzi/volley/internal/store"
	"github.com/foxzi/volley/internal/transport"
)

var (
	accountLabel      string
	accountDailyLimit int
	accountStatus     string
	accountReason     string
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Account management commands",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE:  runAccountsList,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <account_id>",
	Short: "Register an account",
	Long:  `Register an account. The id must match a session file in the configured sessions directory.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsAdd,
}

var accountsSetStatusCmd = &cobra.Command{
	Use:   "set-status <account_id>",
	Short: "Override an account's status",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsSetStatus,
}

var accountsResetCmd = &cobra.Command{
	Use:   "reset-daily",
	Short: "Reset all daily send counters now",
	RunE:  runAccountsReset,
}

func init() {
	accountsAddCmd.Flags().StringVar(&accountLabel, "label", "", "Human-readable label")
	accountsAddCmd.Flags().IntVar(&accountDailyLimit, "daily-limit", 0, "Daily send limit (0 = unlimited)")

	accountsSetStatusCmd.Flags().StringVar(&accountStatus, "status", "", "New status (active, limited, banned, inactive)")
	accountsSetStatusCmd.Flags().StringVar(&accountReason, "reason", "manual override", "Reason recorded with the change")

	accountsCmd.AddCommand(accountsListCmd, accountsAddCmd, accountsSetStatusCmd, accountsResetCmd)
	rootCmd.AddCommand(accountsCmd)
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	accounts, err := s.ListAccounts()
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts")
		return nil
	}

	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tSTATUS\tSENT TODAY\tLIMIT\tPROXY\tLAST USED")
	for _, a := range accounts {
		lastUsed := "-"
		if !a.LastUsed.IsZero() {
			lastUsed = a.LastUsed.Format("2006-01-02 15:04")
		}
		limit := "-"
		if a.DailyLimit > 0 {
			limit = fmt.Sprintf("%d", a.DailyLimit)
		}
		proxy := a.ProxyID
		if proxy == "" {
			proxy = "direct"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			a.ID, a.Label, a.Status, a.SentToday, limit, truncateID(proxy), lastUsed)
	}
	w.Flush()
	return nil
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	account := &model.Account{
		ID:         args[0],
		Label:      accountLabel,
		Status:     model.AccountActive,
		DailyLimit: accountDailyLimit,
		CheckedAt:  time.Now(),
	}

	// Verify the session data up front so a broken import never enters
	// the rotation as active.
	connector := transport.NewSMTPConnector(cfg.Transport.SessionsDir, cfg.Transport.HelloName)
	if err := connector.ValidateSession(account.ID); err != nil {
		account.Status = model.AccountInactive
		account.StatusReason = err.Error()
	}

	if err := s.PutAccount(account); err != nil {
		return fmt.Errorf("failed to store account: %w", err)
	}

	if account.Status != model.AccountActive {
		fmt.Printf("Account %s registered as %s: %s\n", account.ID, account.Status, account.StatusReason)
	} else {
		fmt.Printf("Account %s registered\n", account.ID)
	}
	return nil
}

func runAccountsSetStatus(cmd *cobra.Command, args []string) error {
	status := model.AccountStatus(accountStatus)
	switch status {
	case model.AccountActive, model.AccountLimited, model.AccountBanned, model.AccountInactive:
	default:
		return fmt.Errorf("unknown status %q", accountStatus)
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	account, err := s.SetAccountStatus(args[0], status, accountReason)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}

	fmt.Printf("Account %s is now %s (checked %s)\n",
		account.ID, account.Status, account.CheckedAt.Format(time.RFC3339))
	return nil
}

func runAccountsReset(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	reset, err := s.ResetDailyCounters()
	if err != nil {
		return fmt.Errorf("failed to reset counters: %w", err)
	}

	fmt.Printf("Reset daily counters for %d accounts\n", reset)
	return nil
}
