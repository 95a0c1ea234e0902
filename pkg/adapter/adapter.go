package adapter

import (
	"context"
)

// DefaultMaxTokens caps completions when a request leaves MaxTokens unset.
const DefaultMaxTokens = 8192

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Generate sends a request to the model and returns its output.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// Request is a single-turn prompt for one stage.
type Request struct {
	Stage     string
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

func (r Request) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return DefaultMaxTokens
}

// Registry maps adapter names to configured adapters.
type Registry map[string]Adapter

// Register adds a to the registry under its own name.
func (r Registry) Register(a Adapter) {
	r[a.Name()] = a
}

// Get returns the adapter registered under name.
func (r Registry) Get(name string) (Adapter, bool) {
	a, ok := r[name]
	return a, ok
}
