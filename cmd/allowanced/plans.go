package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

var (
	planRole  string
	tokenRole string
	tokenTTL  time.Duration
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Manage user plans",
	Long: `Manage the plan registry. A plan change only affects periods created
after it; the active period keeps its grant.

Examples:
  allowanced plans set user-123 premium
  allowanced plans set ops-1 free --role admin
  allowanced plans get user-123`,
}

var plansSetCmd = &cobra.Command{
	Use:   "set <user> <free|premium>",
	Short: "Set a user's plan",
	Args:  cobra.ExactArgs(2),
	RunE:  runPlansSet,
}

var plansGetCmd = &cobra.Command{
	Use:   "get <user>",
	Short: "Show a user's plan and role",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlansGet,
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage allowance settings",
	Long: `Manage the integer settings that size monthly grants.

Keys:
  tokens_per_credit           (default 200)
  credits_free_per_month      (default 0)
  credits_premium_per_month   (default 1500)`,
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List settings with defaults applied",
	Args:  cobra.NoArgs,
	RunE:  runSettingsList,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a setting value",
	Args:  cobra.ExactArgs(2),
	RunE:  runSettingsSet,
}

var tokenCmd = &cobra.Command{
	Use:   "token <user>",
	Short: "Issue a bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	rootCmd.AddCommand(plansCmd, settingsCmd, tokenCmd)

	plansCmd.AddCommand(plansSetCmd, plansGetCmd)
	plansSetCmd.Flags().StringVar(&planRole, "role", "", "also set the user's role (e.g. admin)")

	settingsCmd.AddCommand(settingsListCmd, settingsSetCmd)

	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "role claim written to the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default from config)")
}

func parsePlan(s string) (allowance.PlanType, error) {
	switch plan := allowance.PlanType(s); plan {
	case allowance.PlanFree, allowance.PlanPremium:
		return plan, nil
	default:
		return "", fmt.Errorf("unknown plan %q (want %s or %s)", s, allowance.PlanFree, allowance.PlanPremium)
	}
}

func runPlansSet(cmd *cobra.Command, args []string) error {
	plan, err := parsePlan(args[1])
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.storage.SetPlan(cmd.Context(), args[0], plan); err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	if planRole != "" {
		if err := a.storage.SetRole(cmd.Context(), args[0], planRole); err != nil {
			return fmt.Errorf("failed to set role: %w", err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Plan for %s set to %s\n", args[0], plan)
	return nil
}

func runPlansGet(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.storage.GetPlan(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get plan: %w", err)
	}
	role, err := a.storage.GetRole(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get role: %w", err)
	}
	if role == "" {
		role = "-"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "plan: %s\nrole: %s\n", plan, role)
	return nil
}

func runSettingsList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	stored, err := a.storage.GetSettings(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list settings: %w", err)
	}
	defaults := allowance.DefaultSettings()

	out := cmd.OutOrStdout()
	for _, s := range []struct {
		key string
		def int
	}{
		{allowance.SettingTokensPerCredit, defaults.TokensPerCredit},
		{allowance.SettingCreditsFreePerMonth, defaults.CreditsFreePerMonth},
		{allowance.SettingCreditsPremiumPerMonth, defaults.CreditsPremiumPerMonth},
	} {
		value, ok := stored[s.key]
		origin := "stored"
		if !ok {
			value, origin = s.def, "default"
		}
		fmt.Fprintf(out, "%-26s %d (%s)\n", s.key, value, origin)
	}
	return nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	switch args[0] {
	case allowance.SettingTokensPerCredit, allowance.SettingCreditsFreePerMonth, allowance.SettingCreditsPremiumPerMonth:
	default:
		return fmt.Errorf("unknown setting %q", args[0])
	}
	value, err := strconv.Atoi(args[1])
	if err != nil || value < 0 {
		return fmt.Errorf("setting value must be a non-negative integer")
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.storage.SetSetting(cmd.Context(), args[0], value); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %d\n", args[0], value)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must be set to issue tokens a server will accept")
	}
	svc := a.tokens
	if tokenTTL > 0 {
		if svc, err = newTokenService(a, tokenTTL); err != nil {
			return err
		}
	}

	token, expires, err := svc.IssueToken(args[0], tokenRole)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
	return nil
}
