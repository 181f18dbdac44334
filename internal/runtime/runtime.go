package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-tts-batch/internal/batch"
	"github.com/loqalabs/loqa-tts-batch/internal/bus"
	"github.com/loqalabs/loqa-tts-batch/internal/config"
	"github.com/loqalabs/loqa-tts-batch/internal/eventstore"
	"github.com/loqalabs/loqa-tts-batch/internal/natsserver"
	"github.com/loqalabs/loqa-tts-batch/internal/output"
	"github.com/loqalabs/loqa-tts-batch/internal/source"
	"github.com/loqalabs/loqa-tts-batch/internal/spans"
	"github.com/loqalabs/loqa-tts-batch/internal/tts"
)

// Option customizes a Runtime.
type Option func(*Runtime)

// WithSynthesizer replaces the provider built from config.
func WithSynthesizer(s tts.Synthesizer) Option {
	return func(r *Runtime) { r.synth = s }
}

// WithSleep replaces the wait used between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runtime) { r.sleep = fn }
}

// Runtime wires configuration into one batch run.
type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	progress *batch.Progress
	synth    tts.Synthesizer
	sleep    func(ctx context.Context, d time.Duration) error

	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
}

// New creates a runtime. Progress lines are written to stdout.
func New(cfg config.Config, logger *slog.Logger, stdout io.Writer, opts ...Option) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		progress: batch.NewProgress(stdout),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate loads the input and checks every term span, printing a
// confirmation for each group that passes.
func (r *Runtime) Validate(_ context.Context) ([]source.Group, error) {
	groups, err := source.Load(r.cfg.Input, r.cfg.Output.DefaultGroup)
	if err != nil {
		return nil, err
	}
	if err := spans.Validate(groups, r.progress.GroupValidated); err != nil {
		return nil, fmt.Errorf("term span validation failed: %w", err)
	}
	r.logger.Info("input validated",
		slog.String("input", r.cfg.Input),
		slog.Int("groups", len(groups)),
		slog.Int("records", source.Count(groups)),
	)
	return groups, nil
}

// Run executes the whole batch: validate, plan, synthesize, record.
func (r *Runtime) Run(ctx context.Context) (batch.Summary, error) {
	shutdownTelemetry, metricHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return batch.Summary{}, fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
		if err := r.startStatusServer(bind, metricHandler); err != nil {
			return batch.Summary{}, err
		}
		defer r.stopStatusServer()
	}

	var groups []source.Group
	if r.cfg.Batch.ValidateSpans {
		groups, err = r.Validate(ctx)
	} else {
		groups, err = source.Load(r.cfg.Input, r.cfg.Output.DefaultGroup)
	}
	if err != nil {
		return batch.Summary{}, err
	}

	tasks, err := batch.Plan(groups, batch.Naming{
		Scheme:       r.cfg.Output.Naming,
		PrefixLength: r.cfg.Output.PrefixLength,
		IndexWidth:   r.cfg.Output.IndexWidth,
		Format:       r.cfg.Provider.Format,
	}, r.cfg.Batch.Sentinels)
	if err != nil {
		return batch.Summary{}, fmt.Errorf("plan batch: %w", err)
	}

	synth := r.synth
	if synth == nil {
		synth, err = tts.New(r.cfg.Provider)
		if err != nil {
			return batch.Summary{}, fmt.Errorf("create synthesizer: %w", err)
		}
	}

	writer, err := output.NewWriter(r.cfg.Output.Directory, r.logger)
	if err != nil {
		return batch.Summary{}, err
	}
	manifest, err := output.OpenManifest(r.manifestPath(), r.logger)
	if err != nil {
		return batch.Summary{}, err
	}
	defer manifest.Close()

	runID := uuid.NewString()
	logger := r.logger.With(slog.String("run_id", runID))
	observers := []batch.Observer{r.progress}

	if rec, closeStore := r.openLedger(ctx, runID, logger); rec != nil {
		defer closeStore()
		observers = append(observers, rec)
	}
	if pub, closeBus := r.openBus(ctx, runID, logger); pub != nil {
		defer closeBus()
		observers = append(observers, pub)
	}

	runner, err := batch.NewRunner(batch.Options{
		Concurrency:       r.cfg.Batch.Concurrency,
		MaxRetries:        r.cfg.Batch.MaxRetries,
		InitialBackoff:    time.Duration(r.cfg.Batch.InitialBackoffMS) * time.Millisecond,
		Multiplier:        r.cfg.Batch.BackoffMultiplier,
		MaxBackoff:        time.Duration(r.cfg.Batch.MaxBackoffMS) * time.Millisecond,
		RequestsPerMinute: r.cfg.Provider.RequestsPerMinute,
		Request:           tts.RequestFor(r.cfg.Provider, ""),
	}, batch.Deps{
		Synth:     synth,
		Writer:    writer,
		Manifest:  manifest,
		Logger:    logger,
		Observers: observers,
		Sleep:     r.sleep,
	})
	if err != nil {
		return batch.Summary{}, err
	}

	r.ready.Store(true)
	logger.Info("batch starting",
		slog.Int("tasks", len(tasks)),
		slog.Int("concurrency", r.cfg.Batch.Concurrency),
		slog.String("provider", r.cfg.Provider.Mode),
		slog.String("output", writer.Dir()),
	)
	return runner.Run(ctx, tasks)
}

func (r *Runtime) manifestPath() string {
	if filepath.IsAbs(r.cfg.Output.Manifest) {
		return r.cfg.Output.Manifest
	}
	return filepath.Join(r.cfg.Output.Directory, r.cfg.Output.Manifest)
}

// openLedger starts a run in the event store. The ledger is advisory, so
// failures are logged and the batch continues without it.
func (r *Runtime) openLedger(ctx context.Context, runID string, logger *slog.Logger) (batch.Observer, func()) {
	if r.cfg.EventStore.RetentionMode == "ephemeral" {
		return nil, nil
	}
	store, err := eventstore.Open(ctx, r.cfg.EventStore, logger)
	if err != nil {
		logger.Warn("event store unavailable", slog.String("error", err.Error()))
		return nil, nil
	}
	err = store.BeginRun(ctx, eventstore.Run{ID: runID, Input: r.cfg.Input, OutputDir: r.cfg.Output.Directory})
	if err != nil {
		logger.Warn("failed to record run start", slog.String("error", err.Error()))
		_ = store.Close()
		return nil, nil
	}
	return eventstore.NewRecorder(store, runID, logger), func() { _ = store.Close() }
}

// openBus connects the progress publisher, starting an embedded broker when
// configured. Like the ledger it never blocks the batch.
func (r *Runtime) openBus(ctx context.Context, runID string, logger *slog.Logger) (batch.Observer, func()) {
	if !r.cfg.Bus.Enabled {
		return nil, nil
	}
	cfg := r.cfg.Bus
	embedded, err := natsserver.Start(cfg, logger)
	if err != nil {
		logger.Warn("embedded NATS server unavailable", slog.String("error", err.Error()))
		return nil, nil
	}
	if embedded != nil {
		cfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Warn("progress bus unavailable", slog.String("error", err.Error()))
		embedded.Shutdown()
		return nil, nil
	}
	return bus.NewPublisher(client, runID), func() {
		client.Close()
		embedded.Shutdown()
	}
}

func (r *Runtime) statusHandler(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (r *Runtime) startStatusServer(addr string, metrics http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           r.statusHandler(metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("status server started", slog.String("addr", ln.Addr().String()))
	return nil
}

func (r *Runtime) stopStatusServer() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
