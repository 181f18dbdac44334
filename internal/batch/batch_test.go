package batch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-tts-batch/internal/output"
	"github.com/loqalabs/loqa-tts-batch/internal/source"
	"github.com/loqalabs/loqa-tts-batch/internal/tts"
)

var (
	errRateLimited = tts.Transient("fake", errors.New("429 too many requests"))
	errBadInput    = tts.Permanent("fake", errors.New("400 invalid input"))
)

type harness struct {
	dir      string
	writer   *output.Writer
	manifest *output.Manifest
	synth    *tts.Scripted

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, dir string) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := output.NewWriter(dir, logger)
	require.NoError(t, err)
	m, err := output.OpenManifest(filepath.Join(dir, "manifest.jsonl"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return &harness{dir: dir, writer: w, manifest: m, synth: &tts.Scripted{}}
}

func (h *harness) runner(t *testing.T, opts Options, observers ...Observer) *Runner {
	t.Helper()
	if opts.Concurrency == 0 {
		opts.Concurrency = 6
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = time.Second
		opts.Multiplier = 2
		opts.MaxBackoff = time.Minute
	}
	opts.Request = tts.Request{Model: "gpt-4o-mini-tts", Voice: "nova", Format: "wav"}
	r, err := NewRunner(opts, Deps{
		Synth:     h.synth,
		Writer:    h.writer,
		Manifest:  h.manifest,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observers: observers,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	return r
}

func planTasks(t *testing.T, groups []source.Group, scheme string) []Task {
	t.Helper()
	tasks, err := Plan(groups, Naming{Scheme: scheme, PrefixLength: 3, IndexWidth: 2, Format: "wav"}, []string{"nan"})
	require.NoError(t, err)
	return tasks
}

func exampleGroups() []source.Group {
	return []source.Group{
		{Name: "doctor_sentences", Records: []source.Record{{Text: "Patient has a fever nan"}}},
		{Name: "claim_sentences", Records: []source.Record{{
			Text:  "Claim accepted",
			Terms: []source.Term{{Start: 0, End: 5, Text: "Claim"}},
		}}},
	}
}

func manyGroup(n int) []source.Group {
	recs := make([]source.Record, n)
	for i := range recs {
		recs[i] = source.Record{Text: fmt.Sprintf("sentence number %d", i+1)}
	}
	return []source.Group{{Name: "doctor_sentences", Records: recs}}
}

func readRows(t *testing.T, path string) []output.Row {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var rows []output.Row
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row output.Row
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row), "line %q", scanner.Text())
		rows = append(rows, row)
	}
	require.NoError(t, scanner.Err())
	return rows
}

type recorder struct {
	mu      sync.Mutex
	results []Result
	summary *Summary
	err     error
}

func (r *recorder) TaskDone(_ context.Context, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) BatchDone(_ context.Context, s Summary, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary, r.err = &s, err
}

func TestPlanNamesAndCleans(t *testing.T) {
	tasks := planTasks(t, exampleGroups(), SchemeDeterministic)
	require.Len(t, tasks, 2)
	assert.Equal(t, "doc_01.wav", tasks[0].File)
	assert.Equal(t, "Patient has a fever", tasks[0].Text)
	assert.Equal(t, "cla_01.wav", tasks[1].File)
	assert.Equal(t, 1, tasks[1].Index)
}

func TestPlanRejectsPrefixCollision(t *testing.T) {
	groups := []source.Group{
		{Name: "doctor_sentences", Records: []source.Record{{Text: "a"}}},
		{Name: "documents", Records: []source.Record{{Text: "b"}}},
	}
	_, err := Plan(groups, Naming{PrefixLength: 3, IndexWidth: 2, Format: "wav"}, nil)
	assert.ErrorContains(t, err, `share file prefix "doc"`)
}

func TestPlanUUIDSchemeLeavesFileOpen(t *testing.T) {
	tasks := planTasks(t, exampleGroups(), SchemeUUID)
	for _, task := range tasks {
		assert.Empty(t, task.File)
		assert.Equal(t, "wav", task.Ext)
	}
}

func TestCleaner(t *testing.T) {
	clean := NewCleaner([]string{"nan", "N/A"})
	cases := map[string]string{
		"Patient has a fever nan": "Patient has a fever",
		"  Fever NaN  ":           "Fever",
		"Fever nan nan":           "Fever",
		"Fever n/a":               "Fever",
		"nan":                     "",
		"banana":                  "banana",
		"nan at the start":        "nan at the start",
	}
	for in, want := range cases {
		assert.Equal(t, want, clean(in), "input %q", in)
	}
}

func TestFilePrefix(t *testing.T) {
	assert.Equal(t, "doc", FilePrefix("doctor_sentences", 3))
	assert.Equal(t, "cla", FilePrefix("Claim Sentences", 3))
	assert.Equal(t, "a1b", FilePrefix("__a-1_b2", 3))
	assert.Equal(t, "", FilePrefix("___", 3))
}

func TestRunExampleScenario(t *testing.T) {
	h := newHarness(t, t.TempDir())
	var out bytes.Buffer
	r := h.runner(t, Options{MaxRetries: 3}, NewProgress(&out))

	summary, err := r.Run(context.Background(), planTasks(t, exampleGroups(), SchemeDeterministic))
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 2, Succeeded: 2}, summary)

	assert.FileExists(t, filepath.Join(h.dir, "doc_01.wav"))
	assert.FileExists(t, filepath.Join(h.dir, "cla_01.wav"))
	rows := readRows(t, filepath.Join(h.dir, "manifest.jsonl"))
	require.Len(t, rows, 2)
	byFile := map[string]output.Row{}
	for _, row := range rows {
		byFile[row.File] = row
	}
	assert.Equal(t, "doctor_sentences", byFile["doc_01.wav"].Category)
	assert.Equal(t, "Patient has a fever", byFile["doc_01.wav"].Text)
	assert.Equal(t, 1, h.synth.CallsFor("Patient has a fever"))
	assert.Contains(t, out.String(), "✓ doc_01.wav")
	assert.Contains(t, out.String(), "✓ cla_01.wav")
}

func TestRerunMakesNoProviderCalls(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	tasks := planTasks(t, manyGroup(10), SchemeDeterministic)
	_, err := h.runner(t, Options{}).Run(context.Background(), tasks)
	require.NoError(t, err)
	require.NoError(t, h.manifest.Close())
	require.Equal(t, 10, h.synth.Calls())

	again := newHarness(t, dir)
	summary, err := again.runner(t, Options{}).Run(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, 0, again.synth.Calls())
	assert.Equal(t, 10, summary.Resumed)
	assert.Len(t, readRows(t, filepath.Join(dir, "manifest.jsonl")), 10)
}

func TestTransientWithinBudgetSucceeds(t *testing.T) {
	h := newHarness(t, t.TempDir())
	h.synth.Plan = tts.FailTimes(3, errRateLimited)
	r := h.runner(t, Options{Concurrency: 1, MaxRetries: 3})

	summary, err := r.Run(context.Background(), planTasks(t, exampleGroups()[:1], SchemeDeterministic))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 4, h.synth.Calls())
	assert.Len(t, readRows(t, filepath.Join(h.dir, "manifest.jsonl")), 1)

	require.Len(t, h.sleeps, 3)
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		assert.InDelta(t, want.Seconds(), h.sleeps[i].Seconds(), 0.001, "delay %d", i)
	}
}

func TestTransientBeyondBudgetEscalates(t *testing.T) {
	h := newHarness(t, t.TempDir())
	h.synth.Plan = tts.FailTimes(4, errRateLimited)
	rec := &recorder{}
	r := h.runner(t, Options{Concurrency: 1, MaxRetries: 3}, rec)

	summary, err := r.Run(context.Background(), planTasks(t, exampleGroups(), SchemeDeterministic))
	var batchErr *Error
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, "doctor_sentences", batchErr.Category)
	assert.Equal(t, 4, batchErr.Attempts)
	assert.True(t, tts.IsTransient(err))

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Cancelled, "second task must not be scheduled")
	assert.Equal(t, 4, h.synth.Calls())
	assert.Equal(t, 0, h.manifest.Len())
	require.NotNil(t, rec.summary)
	assert.Equal(t, err, rec.err)
}

func TestOtherErrorSkipsAndContinues(t *testing.T) {
	h := newHarness(t, t.TempDir())
	h.synth.Plan = func(req tts.Request, _ int) error {
		if req.Input == "sentence number 7" || req.Input == "sentence number 21" {
			return errBadInput
		}
		return nil
	}
	r := h.runner(t, Options{MaxRetries: 3})

	summary, err := r.Run(context.Background(), planTasks(t, manyGroup(30), SchemeDeterministic))
	require.NoError(t, err)
	assert.Equal(t, 28, summary.Succeeded)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 1, h.synth.CallsFor("sentence number 7"), "other errors are not retried")
	assert.Len(t, readRows(t, filepath.Join(h.dir, "manifest.jsonl")), 28)
	assert.NoFileExists(t, filepath.Join(h.dir, "doc_07.wav"))
	assert.Empty(t, h.sleeps)
}

func TestFiftyTasksPoolOfSix(t *testing.T) {
	h := newHarness(t, t.TempDir())
	var inFlight, peak atomic.Int32
	h.synth.Delay = 5 * time.Millisecond
	h.synth.Audio = func(req tts.Request) []byte {
		return bytes.Repeat([]byte(req.Input), 64)
	}
	h.synth.Plan = func(tts.Request, int) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return nil
	}
	r := h.runner(t, Options{Concurrency: 6})

	summary, err := r.Run(context.Background(), planTasks(t, manyGroup(50), SchemeDeterministic))
	require.NoError(t, err)
	assert.Equal(t, 50, summary.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(6))

	files, err := filepath.Glob(filepath.Join(h.dir, "doc_*.wav"))
	require.NoError(t, err)
	assert.Len(t, files, 50)

	rows := readRows(t, filepath.Join(h.dir, "manifest.jsonl"))
	require.Len(t, rows, 50)
	ids := map[string]bool{}
	for _, row := range rows {
		assert.False(t, ids[row.UUID], "duplicate uuid %s", row.UUID)
		ids[row.UUID] = true
	}
}

func TestEmptyTextIsSkippedWithoutCall(t *testing.T) {
	h := newHarness(t, t.TempDir())
	groups := []source.Group{{Name: "doctor_sentences", Records: []source.Record{{Text: " nan "}, {Text: "ok"}}}}
	summary, err := h.runner(t, Options{}).Run(context.Background(), planTasks(t, groups, SchemeDeterministic))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, h.synth.Calls())
}

func TestReconcilesOrphanedFile(t *testing.T) {
	h := newHarness(t, t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "doc_01.wav"), []byte("RIFF"), 0o644))
	rec := &recorder{}

	summary, err := h.runner(t, Options{}, rec).Run(context.Background(), planTasks(t, exampleGroups()[:1], SchemeDeterministic))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Resumed)
	assert.Equal(t, 0, h.synth.Calls())
	require.Len(t, rec.results, 1)
	assert.True(t, rec.results[0].Reconciled)

	rows := readRows(t, filepath.Join(h.dir, "manifest.jsonl"))
	require.Len(t, rows, 1)
	assert.Equal(t, "doc_01.wav", rows[0].File)
}

func TestUUIDSchemeResumesFromManifest(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	tasks := planTasks(t, exampleGroups(), SchemeUUID)
	_, err := h.runner(t, Options{}).Run(context.Background(), tasks)
	require.NoError(t, err)
	rows := readRows(t, filepath.Join(dir, "manifest.jsonl"))
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, row.UUID+".wav", row.File)
	}
	require.NoError(t, h.manifest.Close())

	// losing one file makes only that task run again
	require.NoError(t, os.Remove(filepath.Join(dir, rows[0].File)))
	again := newHarness(t, dir)
	summary, err := again.runner(t, Options{}).Run(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Resumed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, again.synth.Calls())
}

func TestCancelStopsScheduling(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	h.synth.Plan = func(tts.Request, int) error {
		if started.Add(1) == 2 {
			cancel()
		}
		return nil
	}
	h.synth.Delay = time.Millisecond

	summary, err := h.runner(t, Options{Concurrency: 2}).Run(ctx, planTasks(t, manyGroup(20), SchemeDeterministic))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 20, summary.Succeeded+summary.Cancelled+summary.Skipped)
	assert.Less(t, h.synth.Calls(), 20)
	assert.Equal(t, summary.Succeeded, h.manifest.Len())
}

func TestManifestFailureEscalates(t *testing.T) {
	h := newHarness(t, t.TempDir())
	require.NoError(t, h.manifest.Close())

	summary, err := h.runner(t, Options{Concurrency: 1}).Run(context.Background(), planTasks(t, manyGroup(3), SchemeDeterministic))
	var batchErr *Error
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Cancelled)
}

func TestProgressOutput(t *testing.T) {
	var out bytes.Buffer
	p := NewProgress(&out)
	p.GroupValidated("doctor_sentences", 2)
	p.TaskDone(context.Background(), Result{Outcome: Succeeded, File: "doc_01.wav"})
	p.TaskDone(context.Background(), Result{Outcome: Skipped, Task: Task{Category: "doctor_sentences", Index: 2}, Err: errBadInput})
	p.BatchDone(context.Background(), Summary{Total: 2, Succeeded: 1, Skipped: 1}, nil)

	text := out.String()
	assert.Contains(t, text, "✓ doctor_sentences: 2 record(s)")
	assert.Contains(t, text, "✓ doc_01.wav\n")
	assert.Contains(t, text, "doctor_sentences #2 skipped")
	assert.Contains(t, text, "done: 2 total, 1 synthesized")
}

func TestStatus(t *testing.T) {
	assert.Equal(t, StatusCompleted, Status(nil))
	assert.Equal(t, StatusFailed, Status(&Error{Err: errRateLimited}))
	assert.Equal(t, StatusCancelled, Status(fmt.Errorf("run: %w", context.Canceled)))
	assert.Equal(t, StatusFailed, Status(errors.New("disk full")))
}
