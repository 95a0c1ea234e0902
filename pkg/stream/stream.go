// Package stream buffers an event-stream stage response down to its terminal
// payload.
package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Event names with meaning to the collector.
const (
	EventProgress = "progress"
	EventToken    = "token"
	EventComplete = "complete"
	EventFailed   = "error"
)

const maxLineBytes = 32 << 20

// ErrIncomplete is returned when a stream ends without a complete or error event.
var ErrIncomplete = errors.New("stream ended without completion marker")

// EventError carries the message of an error event.
type EventError struct {
	Message string
}

func (e *EventError) Error() string {
	return e.Message
}

// ProgressFunc observes non-terminal events. It must not block.
type ProgressFunc func(event string, data map[string]any)

// Collector reads a whole stream and reports its outcome.
type Collector struct {
	OnProgress ProgressFunc
}

// Collect is shorthand for a Collector without a progress hook.
func Collect(r io.Reader) (map[string]any, error) {
	return (&Collector{}).Collect(r)
}

// Collect consumes r to EOF. An error event wins over a complete event
// regardless of order; otherwise the last complete payload is returned.
func (c *Collector) Collect(r io.Reader) (map[string]any, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		event      string
		complete   map[string]any
		errPayload map[string]any
		sawError   bool
	)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var data map[string]any
			if err := json.Unmarshal([]byte(raw), &data); err != nil || data == nil {
				continue
			}
			switch event {
			case EventComplete:
				complete = data
			case EventFailed:
				errPayload = data
				sawError = true
			default:
				if c.OnProgress != nil {
					c.OnProgress(event, data)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	if sawError {
		return nil, &EventError{Message: errorMessage(errPayload)}
	}
	if complete != nil {
		return complete, nil
	}
	return nil, ErrIncomplete
}

func errorMessage(data map[string]any) string {
	for _, key := range []string{"error", "message"} {
		if msg, ok := data[key].(string); ok && msg != "" {
			return msg
		}
	}
	return "Stream returned error"
}
