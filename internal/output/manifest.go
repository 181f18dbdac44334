package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrDuplicateID is returned when a row's uuid is already in the manifest.
var ErrDuplicateID = errors.New("output: duplicate manifest uuid")

// Row is one manifest line describing a synthesized file.
type Row struct {
	UUID     string          `json:"uuid"`
	File     string          `json:"file"`
	Category string          `json:"category"`
	Index    int             `json:"index"`
	ChunkID  json.RawMessage `json:"chunk_id,omitempty"`
	OrigID   json.RawMessage `json:"orig_id,omitempty"`
	Label    json.RawMessage `json:"label,omitempty"`
	Text     string          `json:"text"`
}

type rowKey struct {
	category string
	index    int
}

// Manifest is an append-only JSONL file shared by all workers of a run.
type Manifest struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	rows   []Row
	byFile map[string]int
	byUUID map[string]int
	byKey  map[rowKey]int
}

// OpenManifest loads the existing rows at path, if any, and opens it for appending.
func OpenManifest(path string, logger *slog.Logger) (*Manifest, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create manifest directory: %w", err)
	}
	m := &Manifest{
		path:   path,
		logger: logger.With(slog.String("component", "manifest")),
		byFile: make(map[string]int),
		byUUID: make(map[string]int),
		byKey:  make(map[rowKey]int),
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	if err := m.load(f); err != nil {
		f.Close()
		return nil, err
	}
	m.file = f
	return m, nil
}

func (m *Manifest) load(f *os.File) error {
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var row Row
		if err := json.Unmarshal(raw, &row); err != nil || row.UUID == "" || row.File == "" {
			m.logger.Warn("skipping malformed manifest line", slog.String("path", m.path), slog.Int("line", line))
			continue
		}
		if _, dup := m.byUUID[row.UUID]; dup {
			m.logger.Warn("skipping duplicate manifest uuid", slog.String("uuid", row.UUID), slog.Int("line", line))
			continue
		}
		m.index(row)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan manifest: %w", err)
	}
	// a crash mid-append can leave the tail without its newline
	if len(data) > 0 && data[len(data)-1] != '\n' {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("repair manifest tail: %w", err)
		}
	}
	return nil
}

func (m *Manifest) index(row Row) {
	pos := len(m.rows)
	m.rows = append(m.rows, row)
	m.byFile[row.File] = pos
	m.byUUID[row.UUID] = pos
	m.byKey[rowKey{row.Category, row.Index}] = pos
}

// Path returns the manifest location.
func (m *Manifest) Path() string { return m.path }

// HasFile reports whether a row already references file.
func (m *Manifest) HasFile(file string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byFile[file]
	return ok
}

// Lookup returns the latest row recorded for a category and index.
func (m *Manifest) Lookup(category string, index int) (Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.byKey[rowKey{category, index}]
	if !ok {
		return Row{}, false
	}
	return m.rows[pos], true
}

// Len returns the number of indexed rows.
func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Rows returns a copy of all rows in file order.
func (m *Manifest) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, len(m.rows))
	copy(out, m.rows)
	return out
}

// Append writes row as a single line and syncs it to disk.
func (m *Manifest) Append(row Row) error {
	if row.UUID == "" || row.File == "" {
		return errors.New("output: manifest row needs uuid and file")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(row); err != nil {
		return fmt.Errorf("encode manifest row: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return errors.New("output: manifest closed")
	}
	if _, dup := m.byUUID[row.UUID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateID, row.UUID)
	}
	if _, err := m.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append manifest row: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("sync manifest: %w", err)
	}
	m.index(row)
	return nil
}

// Close releases the file handle.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}
