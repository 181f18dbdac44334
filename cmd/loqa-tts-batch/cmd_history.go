package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-tts-batch/internal/batch"
	"github.com/loqalabs/loqa-tts-batch/internal/eventstore"
)

func (a *app) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs from the run ledger",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				a.bootstrapLogger().Error("failed to load config", slog.String("error", err.Error()))
				return err
			}
			logger := a.newLogger(cfg)
			if cfg.EventStore.RetentionMode == "ephemeral" {
				fmt.Fprintln(a.stdout, "run ledger disabled (event_store.retention_mode=ephemeral)")
				return nil
			}

			store, err := eventstore.Open(cmd.Context(), cfg.EventStore, logger)
			if err != nil {
				logger.Error("failed to open run ledger", slog.String("error", err.Error()))
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				logger.Error("failed to list runs", slog.String("error", err.Error()))
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(a.stdout, "no runs recorded")
				return nil
			}
			for _, run := range runs {
				fmt.Fprintf(a.stdout, "%s  %-9s  %s  %s\n", run.ID, run.Status, run.StartedAt.Local().Format(time.DateTime), describeSummary(run.Summary))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	return cmd
}

func describeSummary(raw []byte) string {
	if len(raw) == 0 {
		return "-"
	}
	var s batch.Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return "-"
	}
	return fmt.Sprintf("%d total, %d synthesized, %d resumed, %d skipped, %d failed, %d cancelled",
		s.Total, s.Succeeded, s.Resumed, s.Skipped, s.Failed, s.Cancelled)
}
