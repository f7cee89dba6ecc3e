package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"premiumpay/config"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "premiumpay",
	Short: "Premium subscription payment service",
	Long: `premiumpay starts subscription payments with the payment provider,
reconciles their status from client polls and provider webhooks, and upgrades
accounts to premium once a payment completes.

Running without a subcommand is the same as "serve".`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the environment")
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(envFile)
}
