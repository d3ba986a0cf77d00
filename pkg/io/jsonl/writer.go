// Package jsonl appends anomaly reports to a file as one JSON object per line.
package jsonl

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/hed1ad/flowguard/pkg/detectors"
)

// Writer appends reports to a file. It is safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	n    uint64
}

// Open opens path for appending, creating it if needed.
func Open(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open report file: %w", err)
	}

	return &Writer{
		file: file,
		enc:  json.NewEncoder(file),
	}, nil
}

// Write appends report and flushes it to disk.
func (w *Writer) Write(report *detectors.AnomalyReport) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return os.ErrClosed
	}
	if err := w.enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync report file: %w", err)
	}
	w.n++
	return nil
}

// Written returns the number of reports written by this writer.
func (w *Writer) Written() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Close releases resources.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
