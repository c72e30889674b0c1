package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultJSONPath is where the time/action collation is written by default
const DefaultJSONPath = "current.json"

// JSONSink writes the time/action collation of the latest batch to a file,
// replacing the previous content. Bucket keys are sorted and the output is
// indented.
type JSONSink struct {
	path string
}

// NewJSONSink creates a sink writing to path
func NewJSONSink(path string) *JSONSink {
	if path == "" {
		path = DefaultJSONPath
	}
	return &JSONSink{path: path}
}

// Name returns "json"
func (s *JSONSink) Name() string { return "json" }

// Path returns the output file
func (s *JSONSink) Path() string { return s.path }

// Write replaces the output file with snap's time/action collation
func (s *JSONSink) Write(ctx context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap.TimeAction, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode collation: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpFile, s.path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename %s: %w", tmpFile, err)
	}
	return nil
}

// Close is a no-op
func (s *JSONSink) Close() error { return nil }
