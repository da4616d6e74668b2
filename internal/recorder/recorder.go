// Package recorder persists per-tick results as JSON lines for offline
// analysis and replay comparison.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/vectorfund/strategy-engine/pkg/types"
)

// Recorder appends one JSON document per tick to a file. Writes are
// serialized; the tight loop is the only producer in practice.
type Recorder struct {
	mu      sync.Mutex
	logger  *zap.Logger
	file    *os.File
	encoder *json.Encoder
	written int
}

// NewRecorder opens (or creates) the record file for appending.
func NewRecorder(logger *zap.Logger, path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating record directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening record file: %w", err)
	}
	return &Recorder{
		logger:  logger.Named("recorder"),
		file:    f,
		encoder: json.NewEncoder(f),
	}, nil
}

// Record appends one tick result.
func (r *Recorder) Record(result *types.TickResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.encoder.Encode(result); err != nil {
		return fmt.Errorf("encoding tick record: %w", err)
	}
	r.written++
	return nil
}

// Written reports how many records have been appended.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close flushes and closes the record file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Info("Closing tick record", zap.Int("records", r.written))
	return r.file.Close()
}
