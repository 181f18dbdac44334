package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-tts-batch/internal/runtime"
	"github.com/loqalabs/loqa-tts-batch/internal/source"
)

func (a *app) validateCmd() *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check term spans in the input without synthesizing",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				a.bootstrapLogger().Error("failed to load config", slog.String("error", err.Error()))
				return err
			}
			if input != "" {
				cfg.Input = input
			}
			logger := a.newLogger(cfg)

			groups, err := runtime.New(cfg, logger, a.stdout).Validate(cmd.Context())
			if err != nil {
				logger.Error("validation failed", slog.String("error", err.Error()))
				return err
			}
			fmt.Fprintf(a.stdout, "input valid: %d group(s), %d record(s)\n", len(groups), source.Count(groups))
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Input JSON file (overrides config)")
	return cmd
}
