package batch

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Observer receives task results as they complete and the final summary.
// Calls are made from a single goroutine, in completion order.
type Observer interface {
	TaskDone(ctx context.Context, res Result)
	BatchDone(ctx context.Context, summary Summary, err error)
}

// Progress prints one line per finished task and a closing summary.
type Progress struct {
	mu sync.Mutex
	w  io.Writer
}

func NewProgress(w io.Writer) *Progress {
	return &Progress{w: w}
}

// GroupValidated prints the confirmation for a group whose spans checked out.
func (p *Progress) GroupValidated(name string, records int) {
	p.printf("✓ %s: %d record(s), term spans valid\n", name, records)
}

func (p *Progress) TaskDone(_ context.Context, res Result) {
	switch res.Outcome {
	case Succeeded:
		p.printf("✓ %s\n", res.File)
	case Resumed:
		if res.Reconciled {
			p.printf("↺ %s (manifest row restored)\n", res.File)
			return
		}
		p.printf("↺ %s (exists)\n", res.File)
	case Skipped:
		p.printf("✗ %s #%d skipped: %v\n", res.Task.Category, res.Task.Index, res.Err)
	case Failed:
		p.printf("✗ %s #%d failed after %d attempt(s): %v\n", res.Task.Category, res.Task.Index, res.Attempts, res.Err)
	}
}

func (p *Progress) BatchDone(_ context.Context, s Summary, err error) {
	p.printf("done: %d total, %d synthesized, %d resumed, %d skipped, %d failed, %d cancelled\n",
		s.Total, s.Succeeded, s.Resumed, s.Skipped, s.Failed, s.Cancelled)
	if err != nil {
		p.printf("batch did not complete: %v\n", err)
	}
}

func (p *Progress) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}
