package main

import (
	"testing"

	"github.com/StepTenInc/contentflow/pkg/config"
)

func TestCreateAdaptersRegistersConfiguredProviders(t *testing.T) {
	adapters, err := createAdapters(&config.Config{OpenAIAPIKey: "sk-test"})
	if err != nil {
		t.Fatalf("createAdapters: %v", err)
	}
	if _, ok := adapters.Get("openai"); !ok {
		t.Fatalf("openai adapter missing")
	}
	if _, ok := adapters.Get("mock"); !ok {
		t.Fatalf("mock adapter missing")
	}
	if _, ok := adapters.Get("anthropic"); ok {
		t.Fatalf("anthropic registered without a key")
	}
}

func TestStageLabel(t *testing.T) {
	tests := map[int]string{
		2: "2 research",
		8: "8 finalize",
		1: "1",
	}
	for idx, want := range tests {
		if got := stageLabel(idx); got != want {
			t.Errorf("stageLabel(%d) = %q, want %q", idx, got, want)
		}
	}
}

func TestCommandTree(t *testing.T) {
	q := queueCmd()
	want := map[string]bool{"add": true, "list": true, "action": true, "stats": true, "process": true}
	for _, c := range q.Commands() {
		delete(want, c.Name())
	}
	if len(want) != 0 {
		t.Fatalf("missing queue subcommands: %v", want)
	}
	if redoCmd().Flags().Lookup("accept") == nil {
		t.Fatalf("redo has no --accept flag")
	}
}
