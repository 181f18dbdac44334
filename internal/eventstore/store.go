package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-tts-batch/internal/config"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("eventstore: run not found")

// Run is one invocation of the batch.
type Run struct {
	ID         string
	Input      string
	OutputDir  string
	Status     string
	Summary    []byte
	StartedAt  time.Time
	FinishedAt time.Time
}

// Event is one task outcome recorded for a run.
type Event struct {
	ID        int64
	RunID     string
	TraceID   string
	Type      string
	Category  string
	Index     int
	File      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed ledger of runs and task events. It is advisory:
// resuming a batch relies on the output directory, never on this store.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    input TEXT,
    output_dir TEXT,
    status TEXT NOT NULL,
    summary BLOB,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    category TEXT,
    idx INTEGER,
    file TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_run_created ON events(run_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun records the start of a run with status "running".
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	if !s.enabled() {
		return nil
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, input, output_dir, status, started_at)
		 VALUES(?, ?, ?, 'running', ?)`,
		run.ID, run.Input, run.OutputDir, run.StartedAt.UnixNano())
	return err
}

// FinishRun stores the final status and summary of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status string, summary []byte) error {
	if !s.enabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, finished_at = ? WHERE run_id = ?`,
		status, summary, s.clock().UnixNano(), runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	if !s.enabled() {
		return Run{}, ErrRunNotFound
	}
	var (
		run      Run
		started  int64
		finished sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, input, output_dir, status, summary, started_at, finished_at FROM runs WHERE run_id = ?`, runID).
		Scan(&run.ID, &run.Input, &run.OutputDir, &run.Status, &run.Summary, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, err
	}
	run.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		run.FinishedAt = time.Unix(0, finished.Int64).UTC()
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, input, output_dir, status, summary, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run      Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&run.ID, &run.Input, &run.OutputDir, &run.Status, &run.Summary, &started, &finished); err != nil {
			return nil, err
		}
		run.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			run.FinishedAt = time.Unix(0, finished.Int64).UTC()
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(run_id, trace_id, event_type, category, idx, file, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.RunID, evt.TraceID, evt.Type, evt.Category, evt.Index, evt.File, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// ListRunEvents retrieves up to limit events for a run in insertion order.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, trace_id, event_type, category, idx, file, payload, created_at
		 FROM events WHERE run_id = ? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.TraceID, &e.Type, &e.Category, &e.Index, &e.File, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
