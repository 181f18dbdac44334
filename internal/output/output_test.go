package output

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriterAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, discardLogger())
	require.NoError(t, err)

	require.False(t, w.Exists("doc_01.wav"))
	require.NoError(t, w.Write(context.Background(), "doc_01.wav", []byte("RIFF")))
	assert.True(t, w.Exists("doc_01.wav"))

	data, err := os.ReadFile(filepath.Join(dir, "doc_01.wav"))
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data))

	leftovers, _ := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	assert.Empty(t, leftovers)
}

func TestWriterRemovesStaleTemps(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ".tmp-12345")
	require.NoError(t, os.WriteFile(stale, []byte("half"), 0o644))

	_, err := NewWriter(dir, discardLogger())
	require.NoError(t, err)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestWriterRejectsEmptyAndBadNames(t *testing.T) {
	w, err := NewWriter(t.TempDir(), discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, w.Write(ctx, "a.wav", nil))
	assert.ErrorIs(t, w.Write(ctx, "../a.wav", []byte("x")), ErrPathInvalid)
	assert.ErrorIs(t, w.Write(ctx, "sub/a.wav", []byte("x")), ErrPathInvalid)
	assert.ErrorIs(t, w.Write(ctx, ".tmp-a", []byte("x")), ErrPathInvalid)
}

func TestWriterZeroLengthFileIsIncomplete(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, discardLogger())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc_01.wav"), nil, 0o644))
	assert.False(t, w.Exists("doc_01.wav"))
}

func TestWriterHonoursCancel(t *testing.T) {
	w, err := NewWriter(t.TempDir(), discardLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Write(ctx, "a.wav", []byte("x")), context.Canceled)
	assert.False(t, w.Exists("a.wav"))
}

func TestManifestAppendAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.jsonl")
	m, err := OpenManifest(path, discardLogger())
	require.NoError(t, err)

	row := Row{
		UUID:     uuid.NewString(),
		File:     "doc_01.wav",
		Category: "doctor_sentences",
		Index:    1,
		ChunkID:  json.RawMessage(`"c-7"`),
		Text:     "Patient has a fever <38>",
	}
	require.NoError(t, m.Append(row))
	assert.ErrorIs(t, m.Append(row), ErrDuplicateID)
	require.NoError(t, m.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"text":"Patient has a fever <38>"`)
	assert.NotContains(t, string(raw), "orig_id")

	m, err = OpenManifest(path, discardLogger())
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 1, m.Len())
	assert.True(t, m.HasFile("doc_01.wav"))
	got, ok := m.Lookup("doctor_sentences", 1)
	require.True(t, ok)
	assert.Equal(t, row.UUID, got.UUID)
	assert.JSONEq(t, `"c-7"`, string(got.ChunkID))
}

func TestManifestSkipsMalformedAndRepairsTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.jsonl")
	content := `{"uuid":"a","file":"doc_01.wav","category":"doctor_sentences","index":1,"text":"x"}
not json
{"uuid":"b","file":"doc_02.wav","category":"doc`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m, err := OpenManifest(path, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
	require.NoError(t, m.Append(Row{UUID: "c", File: "doc_02.wav", Category: "doctor_sentences", Index: 2, Text: "y"}))
	require.NoError(t, m.Close())

	m, err = OpenManifest(path, discardLogger())
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 2, m.Len())
	assert.True(t, m.HasFile("doc_02.wav"))
}

func TestManifestConcurrentAppendsDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.jsonl")
	m, err := OpenManifest(path, discardLogger())
	require.NoError(t, err)

	const n = 50
	long := strings.Repeat("lorem ipsum ", 400)
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := m.Append(Row{UUID: uuid.NewString(), File: fmt.Sprintf("doc_%02d.wav", i), Category: "doctor_sentences", Index: i, Text: long})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.NoError(t, m.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	seen := map[string]bool{}
	lines := 0
	for scanner.Scan() {
		lines++
		var row Row
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		require.False(t, seen[row.UUID])
		seen[row.UUID] = true
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, n, lines)
}

func TestManifestAppendAfterClose(t *testing.T) {
	m, err := OpenManifest(filepath.Join(t.TempDir(), "m.jsonl"), discardLogger())
	require.NoError(t, err)
	require.NoError(t, m.Close())
	err = m.Append(Row{UUID: "a", File: "f.wav"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDuplicateID))
}
