package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/policyforge/govcore/pkg/compiler"
	"github.com/policyforge/govcore/pkg/config"
	"github.com/policyforge/govcore/pkg/logging"
)

func newCompileCmd() *cobra.Command {
	var forceFull bool

	cmd := &cobra.Command{
		Use:   "compile [rules-dir]",
		Short: "One-shot compile of a rules directory into the policy engine",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			dir := cfg.RulesDir
			if len(args) == 1 {
				dir = args[0]
			}

			logger := logging.NewLogger(logging.Config{Level: flagLogLevel, Pretty: flagPretty})
			slog.SetDefault(logger)

			service, err := buildService(cfg, logger)
			if err != nil {
				return err
			}

			rules, err := loadRulesDir(dir)
			if err != nil {
				return err
			}

			metrics, err := service.CompilePolicies(cmd.Context(), rules, forceFull)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(metrics, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().BoolVar(&forceFull, "force-full", false, "Force a full recompilation regardless of what changed")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules-dir>",
		Short: "Parse-check a rules directory without touching the engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loadRulesDir(args[0])
			if err != nil {
				return err
			}
			if err := compiler.ValidateRules(rules); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rules parsed successfully\n", len(rules))
			return nil
		},
	}
}
