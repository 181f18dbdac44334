package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-tts-batch/internal/output"
)

// ErrEmptyText marks a record whose text is empty once cleaned.
var ErrEmptyText = errors.New("record text is empty after cleaning")

// Outcome classifies how a task ended.
type Outcome int

const (
	Succeeded Outcome = iota
	Resumed
	Skipped
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Resumed:
		return "resumed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what a worker reports for one task.
type Result struct {
	Task     Task
	Outcome  Outcome
	File     string
	Row      *output.Row // set for Succeeded, and for Resumed when a row is known
	Err      error
	Attempts int
	// Reconciled is set when an existing file was missing its manifest row
	// and the row was appended without synthesis.
	Reconciled bool
	TraceID    string
	Duration   time.Duration
}

// Summary counts outcomes for a run. Tasks never scheduled count as Cancelled.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Resumed   int `json:"resumed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (s *Summary) add(r Result) {
	switch r.Outcome {
	case Succeeded:
		s.Succeeded++
	case Resumed:
		s.Resumed++
	case Skipped:
		s.Skipped++
	case Failed:
		s.Failed++
	case Cancelled:
		s.Cancelled++
	}
}

// Error reports the failure that stopped a batch.
type Error struct {
	Category string
	Index    int
	Text     string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("batch stopped: %s #%d failed after %d attempt(s): %v", e.Category, e.Index, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Run statuses derived from the error Runner.Run returned.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Status maps the error returned by Runner.Run to a run status.
func Status(err error) string {
	var batchErr *Error
	switch {
	case err == nil:
		return StatusCompleted
	case errors.As(err, &batchErr):
		return StatusFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCancelled
	default:
		return StatusFailed
	}
}
