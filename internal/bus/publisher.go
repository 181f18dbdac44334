package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-tts-batch/internal/batch"
	"github.com/loqalabs/loqa-tts-batch/internal/protocol"
)

// Publisher broadcasts batch progress. Publish failures are logged and
// never affect the batch.
type Publisher struct {
	client *Client
	runID  string
	log    *slog.Logger
	now    func() time.Time
}

func NewPublisher(client *Client, runID string) *Publisher {
	return &Publisher{
		client: client,
		runID:  runID,
		log:    client.log.With(slog.String("component", "bus")),
		now:    time.Now,
	}
}

func (p *Publisher) TaskDone(_ context.Context, res batch.Result) {
	evt := protocol.TaskEvent{
		RunID:      p.runID,
		Category:   res.Task.Category,
		Index:      res.Task.Index,
		File:       res.File,
		Outcome:    res.Outcome.String(),
		Attempts:   res.Attempts,
		Reconciled: res.Reconciled,
		TraceID:    res.TraceID,
		DurationMS: res.Duration.Milliseconds(),
		Timestamp:  p.now().UTC(),
	}
	if res.Row != nil {
		evt.UUID = res.Row.UUID
	}
	if res.Err != nil {
		evt.Error = res.Err.Error()
	}
	p.publish(protocol.SubjectTaskEvent, evt)
}

func (p *Publisher) BatchDone(ctx context.Context, s batch.Summary, err error) {
	status := protocol.BatchStatus{
		RunID:     p.runID,
		Status:    batch.Status(err),
		Total:     s.Total,
		Succeeded: s.Succeeded,
		Resumed:   s.Resumed,
		Skipped:   s.Skipped,
		Failed:    s.Failed,
		Cancelled: s.Cancelled,
		Timestamp: p.now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	p.publish(protocol.SubjectBatchStatus, status)

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if ferr := p.client.Flush(flushCtx); ferr != nil {
		p.log.Warn("failed to flush progress events", slog.String("error", ferr.Error()))
	}
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Warn("failed to encode progress event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := p.client.conn.Publish(subject, data); err != nil {
		p.log.Warn("failed to publish progress event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
