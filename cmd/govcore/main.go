// Package main is the entry point for the govcore binary.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/policyforge/govcore/pkg/logging"
)

var (
	flagConfig   string
	flagLogLevel string
	flagPretty   bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "govcore",
		Short: "Compile governance rules into a policy engine and serve enforcement decisions",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			// Optional; local runs keep engine URLs and collector endpoints
			// in a .env file.
			_ = godotenv.Load()
			logging.SetupGlobal(logging.Config{Level: flagLogLevel, Pretty: flagPretty})
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "Enable pretty console logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newCompileCmd())
	root.AddCommand(newValidateCmd())
	return root
}
