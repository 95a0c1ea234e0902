package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMockAdapterRespondsPerStage(t *testing.T) {
	m := NewMockAdapterWithResponses(map[string]string{"plan": `{"title":"T"}`}, "")
	resp, err := m.Generate(context.Background(), Request{Stage: "plan", Prompt: "p"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Artifact.Content != `{"title":"T"}` || resp.Artifact.Model != "mock-1" || resp.Artifact.Stage != "plan" {
		t.Fatalf("unexpected artifact %+v", resp.Artifact)
	}

	resp, err = m.Generate(context.Background(), Request{Stage: "meta", Prompt: "describe"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Artifact.Content != "mock response:\ndescribe" {
		t.Fatalf("unexpected default content %q", resp.Artifact.Content)
	}
	if len(m.Calls()) != 2 {
		t.Fatalf("expected calls to be recorded")
	}
}

func TestDeepSeekGenerate(t *testing.T) {
	var got deepseekRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing auth header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"rewritten"}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	}))
	defer srv.Close()

	a, err := NewDeepSeekAdapter("key", srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := a.Generate(context.Background(), Request{Stage: "humanize", Model: "deepseek-chat", System: "sys", Prompt: "text"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Artifact.Content != "rewritten" || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected response %+v %+v", resp.Artifact, resp.Usage)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.MaxTokens != DefaultMaxTokens {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestDeepSeekStatusIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a, _ := NewDeepSeekAdapter("key", srv.URL)
	_, err := a.Generate(context.Background(), Request{Model: "deepseek-chat", Prompt: "x"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsTransient(err) || StatusOf(err) != http.StatusServiceUnavailable {
		t.Fatalf("expected transient 503, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{&AdapterError{Status: 429}, true},
		{&AdapterError{Status: 400}, false},
		{fmt.Errorf("wrapped: %w", &AdapterError{Status: 502}), true},
		{&AdapterError{Temporary: true}, true},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := Registry{}
	r.Register(NewMockAdapter())
	if _, ok := r.Get("mock"); !ok {
		t.Fatalf("mock adapter not registered")
	}
	if _, ok := r.Get("anthropic"); ok {
		t.Fatalf("unexpected adapter")
	}
}
