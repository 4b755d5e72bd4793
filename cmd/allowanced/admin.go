package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

var (
	ensureSource       string
	ensureForceTokens  int
	ensureSkipRollover bool
	ensureStart        string
	ensureEnd          string

	correctGranted int
	correctUsed    int
	correctReason  string
	correctAdmin   string
)

var ensureCmd = &cobra.Command{
	Use:   "ensure <user>",
	Short: "Ensure a user's current allowance period",
	Long: `Ensure returns the user's active allowance period, creating it with the
plan-based grant plus rollover when none is active.

Examples:
  allowanced ensure user-123
  allowanced ensure user-123 --force-tokens 5000 --skip-rollover --source promo
  allowanced ensure user-123 --start 2024-03-01T00:00:00Z --end 2024-04-01T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: runEnsure,
}

var batchInitCmd = &cobra.Command{
	Use:   "batch-init",
	Short: "Ensure an allowance period for every known user",
	Args:  cobra.NoArgs,
	RunE:  runBatchInit,
}

var correctCmd = &cobra.Command{
	Use:   "correct <period-id>",
	Short: "Overwrite the granted and used tokens of a period",
	Long: `Correct sets both balance fields of an existing period and writes one
audit record. Rollover is not recomputed.

Example:
  allowanced correct 2f1c... --granted 300000 --used 1200 --reason "refund" --admin ops-1`,
	Args: cobra.ExactArgs(1),
	RunE: runCorrect,
}

func init() {
	rootCmd.AddCommand(ensureCmd, batchInitCmd, correctCmd)

	ensureCmd.Flags().StringVar(&ensureSource, "source", "", "source label for a new period")
	ensureCmd.Flags().IntVar(&ensureForceTokens, "force-tokens", 0, "grant exactly this many base tokens")
	ensureCmd.Flags().BoolVar(&ensureSkipRollover, "skip-rollover", false, "do not carry unused tokens over")
	ensureCmd.Flags().StringVar(&ensureStart, "start", "", "window start (RFC3339)")
	ensureCmd.Flags().StringVar(&ensureEnd, "end", "", "window end (RFC3339)")

	correctCmd.Flags().IntVar(&correctGranted, "granted", 0, "new tokens granted")
	correctCmd.Flags().IntVar(&correctUsed, "used", 0, "new tokens used")
	correctCmd.Flags().StringVar(&correctReason, "reason", "", "reason recorded in the audit log")
	correctCmd.Flags().StringVar(&correctAdmin, "admin", "", "admin user id performing the correction")
	_ = correctCmd.MarkFlagRequired("granted")
	_ = correctCmd.MarkFlagRequired("used")
	_ = correctCmd.MarkFlagRequired("admin")
}

func ensureOptions(cmd *cobra.Command) ([]allowance.EnsureOption, error) {
	opts := []allowance.EnsureOption{allowance.WithActor("cli")}
	if ensureStart != "" || ensureEnd != "" {
		start, err := time.Parse(time.RFC3339, ensureStart)
		if err != nil {
			return nil, fmt.Errorf("invalid --start: %w", err)
		}
		end, err := time.Parse(time.RFC3339, ensureEnd)
		if err != nil {
			return nil, fmt.Errorf("invalid --end: %w", err)
		}
		opts = append(opts, allowance.WithWindow(start, end))
	}
	if ensureSource != "" {
		opts = append(opts, allowance.WithSource(ensureSource))
	}
	if cmd.Flags().Changed("force-tokens") {
		opts = append(opts, allowance.WithForceTokens(ensureForceTokens))
	}
	if ensureSkipRollover {
		opts = append(opts, allowance.WithSkipRollover())
	}
	return opts, nil
}

func runEnsure(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	opts, err := ensureOptions(cmd)
	if err != nil {
		return err
	}
	result, err := a.resolver.EnsureAllowance(cmd.Context(), args[0], opts...)
	if err != nil {
		return fmt.Errorf("failed to ensure allowance: %w", err)
	}

	out := cmd.OutOrStdout()
	if result.Created {
		fmt.Fprintf(out, "Created period (base %d, rollover %d)\n", result.BaseTokens, result.RolloverTokens)
	} else {
		fmt.Fprintln(out, "Active period already exists")
	}
	printPeriods(out, result.Allowance)
	return nil
}

func runBatchInit(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.resolver.BatchEnsure(cmd.Context())
	if err != nil {
		return fmt.Errorf("batch init failed: %w", err)
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tSTATUS\tPERIOD\tERROR")
	for _, item := range result.Results {
		periodID := ""
		if item.Allowance != nil {
			periodID = item.Allowance.ID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", item.UserID, item.Status, periodID, item.Error)
	}
	w.Flush()

	fmt.Fprintf(out, "\ncreated=%d skipped=%d errors=%d\n",
		result.Summary.Created, result.Summary.Skipped, result.Summary.Errors)
	return nil
}

func runCorrect(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.resolver.CorrectBalance(cmd.Context(), allowance.BalanceCorrection{
		AdminID:       correctAdmin,
		PeriodID:      args[0],
		TokensGranted: correctGranted,
		TokensUsed:    correctUsed,
		Reason:        correctReason,
	})
	if err != nil {
		return fmt.Errorf("correction failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Corrected (idempotency key %s)\n", result.IdempotencyKey)
	fmt.Fprintf(out, "  granted %d -> %d\n", result.Before.TokensGranted, result.Allowance.TokensGranted)
	fmt.Fprintf(out, "  used    %d -> %d\n", result.Before.TokensUsed, result.Allowance.TokensUsed)
	if result.AuditWarning != "" {
		fmt.Fprintf(out, "WARNING: %s\n", result.AuditWarning)
	}
	return nil
}

func printPeriods(out io.Writer, periods ...*allowance.AllowancePeriod) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tSTART\tEND\tGRANTED\tUSED\tREMAINING\tSOURCE")
	for _, p := range periods {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.UserID,
			p.PeriodStart.Format(time.RFC3339), p.PeriodEnd.Format(time.RFC3339),
			strconv.Itoa(p.TokensGranted), strconv.Itoa(p.TokensUsed), strconv.Itoa(p.Remaining()),
			p.Source)
	}
	w.Flush()
}
