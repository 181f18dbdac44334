package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-tts-batch/internal/output"
	"github.com/loqalabs/loqa-tts-batch/internal/tts"
)

const instrumentation = "github.com/loqalabs/loqa-tts-batch/batch"

// Options tune a Runner.
type Options struct {
	Concurrency       int
	MaxRetries        int
	InitialBackoff    time.Duration
	Multiplier        float64
	MaxBackoff        time.Duration
	RequestsPerMinute int
	// Request carries the provider-wide fields; Input is set per task.
	Request tts.Request
}

// Deps are the collaborators a Runner works with.
type Deps struct {
	Synth     tts.Synthesizer
	Writer    *output.Writer
	Manifest  *output.Manifest
	Logger    *slog.Logger
	Observers []Observer
	Tracer    trace.Tracer
	Meter     metric.Meter
	// Sleep waits between retries; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Runner executes planned tasks with a fixed concurrency ceiling.
type Runner struct {
	opts      Options
	synth     tts.Synthesizer
	writer    *output.Writer
	manifest  *output.Manifest
	logger    *slog.Logger
	observers []Observer
	tracer    trace.Tracer
	sleep     func(ctx context.Context, d time.Duration) error
	limiter   *rate.Limiter

	tasks    metric.Int64Counter
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

func NewRunner(opts Options, deps Deps) (*Runner, error) {
	if deps.Synth == nil {
		return nil, errors.New("batch: synthesizer is required")
	}
	if deps.Writer == nil || deps.Manifest == nil {
		return nil, errors.New("batch: writer and manifest are required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 1
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentation)
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(instrumentation)
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	r := &Runner{
		opts:      opts,
		synth:     deps.Synth,
		writer:    deps.Writer,
		manifest:  deps.Manifest,
		logger:    logger.With(slog.String("component", "batch")),
		observers: deps.Observers,
		tracer:    tracer,
		sleep:     sleep,
	}
	if opts.RequestsPerMinute > 0 {
		r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}

	var err error
	if r.tasks, err = meter.Int64Counter("loqa_tts.tasks", metric.WithDescription("Finished tasks by outcome")); err != nil {
		return nil, err
	}
	if r.attempts, err = meter.Int64Counter("loqa_tts.provider.attempts", metric.WithDescription("Provider calls issued")); err != nil {
		return nil, err
	}
	if r.duration, err = meter.Float64Histogram("loqa_tts.task.duration", metric.WithDescription("Task wall time"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return r, nil
}

// Run executes tasks and blocks until every scheduled task has finished.
// The first unrecoverable task failure stops scheduling and is returned as *Error;
// tasks already in flight run to completion.
func (r *Runner) Run(ctx context.Context, tasks []Task) (Summary, error) {
	summary := Summary{Total: len(tasks)}
	sem := semaphore.NewWeighted(int64(r.opts.Concurrency))
	results := make(chan Result, r.opts.Concurrency)
	notifyCtx := context.WithoutCancel(ctx)

	var (
		stop     atomic.Bool
		wg       sync.WaitGroup
		batchErr *Error
	)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for res := range results {
			summary.add(res)
			if res.Outcome == Failed && batchErr == nil {
				batchErr = &Error{
					Category: res.Task.Category,
					Index:    res.Task.Index,
					Text:     res.Task.Text,
					Attempts: res.Attempts,
					Err:      res.Err,
				}
				r.logger.Error("stopping batch after unrecoverable failure",
					slog.String("category", res.Task.Category),
					slog.Int("index", res.Task.Index),
					slog.String("error", res.Err.Error()),
				)
			}
			for _, obs := range r.observers {
				obs.TaskDone(notifyCtx, res)
			}
		}
	}()

	dispatched := 0
	for _, task := range tasks {
		if stop.Load() || ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if stop.Load() {
			sem.Release(1)
			break
		}
		dispatched++
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer sem.Release(1)
			res := r.execute(ctx, task)
			if res.Outcome == Failed {
				stop.Store(true)
			}
			results <- res
		}(task)
	}
	wg.Wait()
	close(results)
	<-collected

	summary.Cancelled += len(tasks) - dispatched

	var err error
	switch {
	case batchErr != nil:
		err = batchErr
	case ctx.Err() != nil:
		err = ctx.Err()
	}
	r.logger.Info("batch finished",
		slog.Int("total", summary.Total),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("resumed", summary.Resumed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Int("cancelled", summary.Cancelled),
	)
	for _, obs := range r.observers {
		obs.BatchDone(notifyCtx, summary, err)
	}
	return summary, err
}

func (r *Runner) execute(ctx context.Context, task Task) (res Result) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "tts.task", trace.WithAttributes(
		attribute.String("task.category", task.Category),
		attribute.Int("task.index", task.Index),
	))
	res = Result{Task: task, File: task.File}
	if sc := span.SpanContext(); sc.HasTraceID() {
		res.TraceID = sc.TraceID().String()
	}
	defer func() {
		res.Duration = time.Since(start)
		outcome := attribute.String("outcome", res.Outcome.String())
		span.SetAttributes(outcome, attribute.Int("task.attempts", res.Attempts))
		if res.Err != nil && (res.Outcome == Failed || res.Outcome == Skipped) {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
		r.tasks.Add(ctx, 1, metric.WithAttributes(outcome))
		r.duration.Record(ctx, res.Duration.Seconds(), metric.WithAttributes(outcome))
	}()

	if err := ctx.Err(); err != nil {
		res.Outcome, res.Err = Cancelled, err
		return res
	}

	if done, ok := r.resume(task, &res); ok {
		return done
	}

	if task.Text == "" {
		res.Outcome, res.Err = Skipped, ErrEmptyText
		r.logSkip(task, res)
		return res
	}

	id := uuid.NewString()
	file := task.File
	if file == "" {
		file = id + "." + task.Ext
	}
	res.File = file

	audio, attempts, err := r.synthesize(ctx, task)
	res.Attempts = attempts
	if err != nil {
		res.Err = err
		switch {
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			res.Outcome = Cancelled
		case tts.IsTransient(err):
			res.Outcome = Failed
		default:
			res.Outcome = Skipped
			r.logSkip(task, res)
		}
		return res
	}

	if err := r.writer.Write(ctx, file, audio); err != nil {
		res.Err = fmt.Errorf("write %s: %w", file, err)
		if ctx.Err() != nil {
			res.Outcome = Cancelled
		} else {
			res.Outcome = Failed
		}
		return res
	}

	row := rowFor(task, id, file)
	if err := r.manifest.Append(row); err != nil {
		res.Outcome, res.Err = Failed, err
		return res
	}
	res.Outcome, res.Row = Succeeded, &row
	return res
}

// resume reports whether task's output is already durable.
func (r *Runner) resume(task Task, res *Result) (Result, bool) {
	if task.File == "" {
		row, ok := r.manifest.Lookup(task.Category, task.Index)
		if !ok || !r.writer.Exists(row.File) {
			return Result{}, false
		}
		res.Outcome, res.File, res.Row = Resumed, row.File, &row
		return *res, true
	}

	if !r.writer.Exists(task.File) {
		return Result{}, false
	}
	res.Outcome = Resumed
	if !r.manifest.HasFile(task.File) {
		row := rowFor(task, uuid.NewString(), task.File)
		if err := r.manifest.Append(row); err != nil {
			res.Outcome, res.Err = Failed, err
			return *res, true
		}
		res.Reconciled, res.Row = true, &row
		r.logger.Warn("restored missing manifest row for existing file", slog.String("file", task.File))
	}
	return *res, true
}

func (r *Runner) synthesize(ctx context.Context, task Task) ([]byte, int, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.opts.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          r.opts.Multiplier,
		MaxInterval:         r.opts.MaxBackoff,
	}
	b.Reset()

	req := r.opts.Request
	req.Input = task.Text
	for attempt := 1; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, attempt - 1, ctx.Err()
				}
				return nil, attempt - 1, err
			}
		}
		r.attempts.Add(ctx, 1)
		audio, err := r.synth.Synthesize(ctx, req)
		if err == nil && len(audio) == 0 {
			err = tts.ErrEmptyAudio
		}
		if err == nil {
			return audio, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		if !tts.IsTransient(err) || attempt > r.opts.MaxRetries {
			return nil, attempt, err
		}
		delay := b.NextBackOff()
		r.logger.Warn("transient provider error, retrying",
			slog.String("category", task.Category),
			slog.Int("index", task.Index),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}
}

func (r *Runner) logSkip(task Task, res Result) {
	r.logger.Error("skipping record",
		slog.String("category", task.Category),
		slog.Int("index", task.Index),
		slog.String("text", task.Record.Text),
		slog.Int("attempts", res.Attempts),
		slog.String("trace_id", res.TraceID),
		slog.String("error", res.Err.Error()),
	)
}

func rowFor(task Task, id, file string) output.Row {
	return output.Row{
		UUID:     id,
		File:     file,
		Category: task.Category,
		Index:    task.Index,
		ChunkID:  task.Record.ChunkID,
		OrigID:   task.Record.OrigID,
		Label:    task.Record.Label,
		Text:     task.Text,
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
