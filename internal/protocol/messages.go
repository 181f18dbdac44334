package protocol

import "time"

// TaskEvent is published once per finished task.
type TaskEvent struct {
	RunID      string    `json:"run_id"`
	Category   string    `json:"category"`
	Index      int       `json:"index"`
	File       string    `json:"file,omitempty"`
	UUID       string    `json:"uuid,omitempty"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts,omitempty"`
	Reconciled bool      `json:"reconciled,omitempty"`
	Error      string    `json:"error,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// BatchStatus is published when a run ends.
type BatchStatus struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Resumed   int       `json:"resumed"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTaskEvent   = "tts.batch.task"
	SubjectBatchStatus = "tts.batch.done"
)
