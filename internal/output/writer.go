// Package output persists synthesized audio and the manifest that indexes it.
package output

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const tempPattern = ".tmp-*"

// ErrPathInvalid is returned for names that would escape the output directory.
var ErrPathInvalid = errors.New("output: invalid file name")

// Writer stores audio files under a single directory using temp file + rename.
type Writer struct {
	dir    string
	logger *slog.Logger
}

// NewWriter creates dir if needed and removes temp files left by killed runs.
func NewWriter(dir string, logger *slog.Logger) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("output directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	w := &Writer{dir: dir, logger: logger.With(slog.String("component", "output"))}
	w.removeStale()
	return w, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

func (w *Writer) removeStale() {
	matches, err := filepath.Glob(filepath.Join(w.dir, tempPattern))
	if err != nil {
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			w.logger.Warn("failed to remove stale temp file", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		w.logger.Debug("removed stale temp file", slog.String("path", path))
	}
}

// Path maps a bare file name to its location in the output directory.
func (w *Writer) Path(name string) (string, error) {
	clean := filepath.Base(filepath.Clean(name))
	if clean != name || clean == "." || clean == ".." || clean == "" || strings.HasPrefix(clean, ".tmp-") {
		return "", fmt.Errorf("%w: %q", ErrPathInvalid, name)
	}
	return filepath.Join(w.dir, clean), nil
}

// Exists reports whether name is present as a complete, non-empty file.
func (w *Writer) Exists(name string) bool {
	path, err := w.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Write stores data under name. The final name only ever points at complete content.
func (w *Writer) Write(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("output: refusing to write empty audio")
	}
	dest, err := w.Path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(w.dir, tempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, 0o644)

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	bw := bufio.NewWriterSize(tmp, 64*1024)
	if _, err := bw.Write(data); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = syncDir(w.dir)
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
