package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goallowance/pkg/config"
)

var (
	// Global flags
	cfgFile string
	envFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "allowanced",
	Short: "Monthly AI token allowances with rollover",
	Long: `allowanced grants every user a monthly token allowance based on their plan,
carrying unused tokens into the next month up to one month's grant.

Server:
  allowanced serve                  # HTTP API, Stripe webhooks and /metrics

Administration:
  allowanced ensure <user>          # Ensure the user's current allowance
  allowanced batch-init             # Ensure allowances for every user
  allowanced correct <period-id>    # Overwrite a period's balance
  allowanced plans set <user> <plan>
  allowanced settings set <key> <value>
  allowanced token <user>           # Issue a bearer token`,
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if envFile != "" {
			return config.LoadEnv(envFile)
		}
		return config.LoadEnv()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("ALLOWANCE_CONFIG"), "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading config")
}
