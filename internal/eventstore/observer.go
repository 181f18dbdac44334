package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-tts-batch/internal/batch"
)

type taskPayload struct {
	Text       string `json:"text"`
	Attempts   int    `json:"attempts,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Reconciled bool   `json:"reconciled,omitempty"`
	UUID       string `json:"uuid,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Recorder stores batch results for one run.
type Recorder struct {
	store *Store
	runID string
	log   *slog.Logger
}

func NewRecorder(store *Store, runID string, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, runID: runID, log: log.With(slog.String("component", "eventstore"))}
}

func (r *Recorder) TaskDone(ctx context.Context, res batch.Result) {
	payload := taskPayload{
		Text:       res.Task.Text,
		Attempts:   res.Attempts,
		DurationMS: res.Duration.Milliseconds(),
		Reconciled: res.Reconciled,
	}
	if res.Row != nil {
		payload.UUID = res.Row.UUID
	}
	if res.Err != nil {
		payload.Error = res.Err.Error()
	}
	data, _ := json.Marshal(payload)
	evt := Event{
		RunID:    r.runID,
		TraceID:  res.TraceID,
		Type:     "task." + res.Outcome.String(),
		Category: res.Task.Category,
		Index:    res.Task.Index,
		File:     res.File,
		Payload:  data,
	}
	if err := r.store.AppendEvent(ctx, evt); err != nil {
		r.log.Warn("failed to record task event", slog.String("run_id", r.runID), slog.String("error", err.Error()))
	}
}

func (r *Recorder) BatchDone(ctx context.Context, summary batch.Summary, err error) {
	data, _ := json.Marshal(summary)
	if ferr := r.store.FinishRun(ctx, r.runID, batch.Status(err), data); ferr != nil {
		r.log.Warn("failed to finish run", slog.String("run_id", r.runID), slog.String("error", ferr.Error()))
	}
}
