package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/redaction"
)

// DefaultMaxFileBytes caps a single trace file; the writer rolls to
// <name>.ndjson.1 beyond it.
const DefaultMaxFileBytes = 100 << 20

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether a task or session id is safe to embed in a path.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Dir returns the incremental trace directory for a working directory.
func Dir(workingDir string) string {
	return filepath.Join(workingDir, ".kb", "traces", "incremental")
}

// Writer appends TraceEvents to <workingDir>/.kb/traces/incremental/<taskId>.ndjson.
// Single writer per task; seq is assigned here and is strictly increasing.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	seq      uint64
	written  int64
	maxBytes int64
}

// NewWriter opens (creating directories as needed) the trace file for taskID.
func NewWriter(workingDir, taskID string, maxBytes int64) (*Writer, error) {
	if !ValidID(taskID) {
		return nil, fmt.Errorf("invalid task id %q", taskID)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}

	dir := Dir(workingDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}

	path := filepath.Join(dir, taskID+".ndjson")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Writer{
		file:     file,
		path:     path,
		written:  info.Size(),
		maxBytes: maxBytes,
	}, nil
}

// Append assigns the next seq and writes the event as one NDJSON line.
func (w *Writer) Append(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("trace writer closed")
	}

	w.seq++
	event.Seq = w.seq
	event.Data = redaction.RedactFields(event.Data)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}
	line := append(data, '\n')

	if w.written+int64(len(line)) > w.maxBytes {
		if err := w.roll(); err != nil {
			return err
		}
	}

	n, err := w.file.Write(line)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("write trace event: %w", err)
	}
	return nil
}

// Seq returns the last assigned sequence number.
func (w *Writer) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the trace file path (the trace ref handed to verifiers).
func (w *Writer) Path() string {
	return w.path
}

// roll moves the current file to <path>.1 and starts a fresh one.
// Called with the lock held.
func (w *Writer) roll() error {
	if err := w.file.Sync(); err != nil {
		logger.WarnCF("trace", "sync before roll failed", map[string]any{"error": err.Error()})
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close trace file for roll: %w", err)
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil {
		return fmt.Errorf("roll trace file: %w", err)
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen trace file: %w", err)
	}
	w.file = file
	w.written = 0
	return nil
}

// Close fsyncs and closes the trace file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		logger.WarnCF("trace", "fsync on close failed", map[string]any{"error": err.Error()})
	}
	err := w.file.Close()
	w.file = nil
	return err
}
