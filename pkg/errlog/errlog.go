// Package errlog reports fatal pipeline errors to an external error log.
package errlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Fields is the metadata attached to a reported error.
type Fields struct {
	Endpoint        string `json:"endpoint,omitempty"`
	HTTPMethod      string `json:"http_method,omitempty"`
	ExternalService string `json:"external_service,omitempty"`
	Stage           string `json:"stage,omitempty"`
	PipelineID      string `json:"pipeline_id,omitempty"`
	QueueItemID     string `json:"queue_item_id,omitempty"`
}

// Sink receives fatal errors. Implementations must not fail the caller.
type Sink interface {
	Report(ctx context.Context, err error, f Fields)
}

// Record is one persisted error entry.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Fields
}

// SlogSink logs reports at error level.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Report(ctx context.Context, err error, f Fields) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "pipeline error",
		"error", err,
		"endpoint", f.Endpoint,
		"http_method", f.HTTPMethod,
		"external_service", f.ExternalService,
		"stage", f.Stage,
		"pipeline_id", f.PipelineID)
}

// FileSink appends reports as JSON lines.
type FileSink struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewFileSink creates the parent directory of path and returns a sink writing to it.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("error log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &FileSink{path: path, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Path returns the log file path.
func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) Report(_ context.Context, err error, f Fields) {
	if err == nil {
		return
	}
	rec := Record{Timestamp: s.now(), Message: err.Error(), Fields: f}
	if werr := s.append(rec); werr != nil {
		slog.Default().Warn("error log write failed", "path", s.path, "error", werr)
	}
}

func (s *FileSink) append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Multi fans a report out to several sinks.
type Multi []Sink

func (m Multi) Report(ctx context.Context, err error, f Fields) {
	for _, s := range m {
		if s != nil {
			s.Report(ctx, err, f)
		}
	}
}

// ReadFile loads every record from a JSON-lines error log.
func ReadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return out, fmt.Errorf("decode error log: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
