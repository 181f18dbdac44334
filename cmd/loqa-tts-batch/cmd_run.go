package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-tts-batch/internal/config"
	"github.com/loqalabs/loqa-tts-batch/internal/runtime"
)

type runFlags struct {
	input       string
	output      string
	mode        string
	naming      string
	concurrency int
	maxRetries  int
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Validate the input and synthesize every record",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				a.bootstrapLogger().Error("failed to load config", slog.String("error", err.Error()))
				return err
			}
			if err := f.apply(cmd, &cfg); err != nil {
				a.bootstrapLogger().Error("invalid flags", slog.String("error", err.Error()))
				return usageError{err}
			}
			logger := a.newLogger(cfg)

			rt := runtime.New(cfg, logger, a.stdout)
			if _, err := rt.Run(cmd.Context()); err != nil {
				logger.Error("batch failed", slog.String("error", err.Error()))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "Input JSON file (overrides config)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Output directory (overrides config)")
	cmd.Flags().StringVar(&f.mode, "mode", "", "Provider mode: openai, exec or mock")
	cmd.Flags().StringVar(&f.naming, "naming", "", "File naming scheme: deterministic or uuid")
	cmd.Flags().IntVarP(&f.concurrency, "concurrency", "c", 0, "Maximum concurrent provider calls")
	cmd.Flags().IntVar(&f.maxRetries, "max-retries", 0, "Retries for transient provider errors")
	return cmd
}

func (f runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if f.input != "" {
		cfg.Input = f.input
	}
	if f.output != "" {
		cfg.Output.Directory = f.output
	}
	if f.mode != "" {
		cfg.Provider.Mode = f.mode
	}
	if f.naming != "" {
		cfg.Output.Naming = f.naming
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Batch.Concurrency = f.concurrency
	}
	if cmd.Flags().Changed("max-retries") {
		cfg.Batch.MaxRetries = f.maxRetries
	}
	return config.Validate(*cfg)
}
