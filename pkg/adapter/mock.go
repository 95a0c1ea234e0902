package adapter

import (
	"context"
	"fmt"
	"sync"
)

// MockAdapter returns deterministic responses for local runs and tests.
type MockAdapter struct {
	responses       map[string]string
	defaultResponse string
	Usage           *Usage
	Err             error

	mu    sync.Mutex
	calls []Request
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		responses:       make(map[string]string),
		defaultResponse: "mock response:",
	}
}

// NewMockAdapterWithResponses creates a mock adapter with responses keyed by
// stage name.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	return &MockAdapter{responses: responses, defaultResponse: defaultResponse}
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Generate returns a deterministic artifact for the request.
func (a *MockAdapter) Generate(_ context.Context, req Request) (*Response, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	if req.Model == "" {
		req.Model = "mock-1"
	}
	if response, ok := a.responses[req.Stage]; ok {
		return newResponse(req, response, a.Name(), a.Usage), nil
	}
	content := fmt.Sprintf("%s\n%s", a.defaultResponse, req.Prompt)
	return newResponse(req, content, a.Name(), a.Usage), nil
}

// Calls returns the requests received so far.
func (a *MockAdapter) Calls() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Request(nil), a.calls...)
}
