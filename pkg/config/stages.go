package config

import (
	"fmt"
	"os"
	"time"

	"github.com/StepTenInc/contentflow/pkg/stage"
	"gopkg.in/yaml.v3"
)

// StagesConfig describes the stage endpoints and, for the bundled stage
// host, which model serves each stage.
type StagesConfig struct {
	Stages  map[string]StageEndpoint `yaml:"stages"`
	Retry   RetryConfig              `yaml:"retry,omitempty"`
	Routing map[string]RouteTarget   `yaml:"routing,omitempty"`
	Default RouteTarget              `yaml:"default"`
	Aliases map[string]string        `yaml:"aliases,omitempty"`
}

// StageEndpoint is where and how one stage is called.
type StageEndpoint struct {
	Path           string `yaml:"path"`
	Mode           string `yaml:"mode,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	Retry          *bool  `yaml:"retry,omitempty"`
}

// RetryConfig bounds retries of transient failures on retrying stages.
// Unset fields take the stock values; an explicit zero is kept.
type RetryConfig struct {
	MaxRetries *int `yaml:"max_retries,omitempty"`
	BackoffMs  *int `yaml:"backoff_ms,omitempty"`
}

// RouteTarget specifies an adapter and model combination.
type RouteTarget struct {
	Adapter string `yaml:"adapter"`
	Model   string `yaml:"model"`
}

// LoadStages reads a stage manifest from a YAML file.
func LoadStages(path string) (*StagesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg StagesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyStageDefaults(&cfg)
	return &cfg, nil
}

// DefaultStagesConfig returns the stock endpoints and model routing.
func DefaultStagesConfig() *StagesConfig {
	cfg := &StagesConfig{
		Routing: map[string]RouteTarget{
			string(stage.Research): {Adapter: "google", Model: "gemini-2.0-pro"},
			string(stage.Plan):     {Adapter: "anthropic", Model: "opus"},
			string(stage.Write):    {Adapter: "anthropic", Model: "sonnet"},
			string(stage.Humanize): {Adapter: "deepseek", Model: "deepseek-chat"},
			string(stage.SEO):      {Adapter: "anthropic", Model: "sonnet"},
			string(stage.Meta):     {Adapter: "openai", Model: "gpt-4o"},
		},
		Default: RouteTarget{Adapter: "anthropic", Model: "sonnet"},
		Aliases: map[string]string{
			"opus":   "claude-opus-4-20250514",
			"sonnet": "claude-sonnet-4-20250514",
		},
	}
	applyStageDefaults(cfg)
	return cfg
}

// applyStageDefaults fills every missing stage from the stock layout.
func applyStageDefaults(cfg *StagesConfig) {
	if cfg == nil {
		return
	}
	if cfg.Stages == nil {
		cfg.Stages = make(map[string]StageEndpoint)
	}
	for name, spec := range stage.DefaultSpecs() {
		ep := cfg.Stages[string(name)]
		if ep.Path == "" {
			ep.Path = spec.Path
		}
		if ep.Mode == "" {
			ep.Mode = string(spec.Mode)
		}
		if ep.TimeoutSeconds == 0 {
			ep.TimeoutSeconds = int(spec.Timeout / time.Second)
		}
		if ep.Retry == nil {
			retry := spec.MaxRetries > 0
			ep.Retry = &retry
		}
		cfg.Stages[string(name)] = ep
	}
	if cfg.Retry.MaxRetries == nil {
		n := stage.DefaultMaxRetries
		cfg.Retry.MaxRetries = &n
	}
	if cfg.Retry.BackoffMs == nil {
		ms := int(stage.DefaultBackoff / time.Millisecond)
		cfg.Retry.BackoffMs = &ms
	}
	if cfg.Default.Adapter == "" {
		cfg.Default = RouteTarget{Adapter: "mock", Model: "mock-1"}
	}
}

// Validate checks the manifest for errors.
func (c *StagesConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("stages config is required")
	}
	for name, ep := range c.Stages {
		if _, err := stage.Parse(name); err != nil {
			return fmt.Errorf("stages: %w", err)
		}
		if ep.Path == "" {
			return fmt.Errorf("stage %s must have a path", name)
		}
		switch stage.Mode(ep.Mode) {
		case stage.Direct, stage.Streaming:
		default:
			return fmt.Errorf("stage %s has unknown mode %q", name, ep.Mode)
		}
		if ep.TimeoutSeconds < 0 {
			return fmt.Errorf("stage %s has negative timeout", name)
		}
	}
	for name, route := range c.Routing {
		if _, err := stage.Parse(name); err != nil {
			return fmt.Errorf("routing: %w", err)
		}
		if route.Adapter == "" {
			return fmt.Errorf("routing for stage %s must name an adapter", name)
		}
	}
	if negative(c.Retry.MaxRetries) || negative(c.Retry.BackoffMs) {
		return fmt.Errorf("retry settings must not be negative")
	}
	return nil
}

// Specs converts the manifest to invoker specs.
func (c *StagesConfig) Specs() map[stage.Name]stage.Spec {
	specs := make(map[stage.Name]stage.Spec, len(c.Stages))
	for name, ep := range c.Stages {
		spec := stage.Spec{
			Path:    ep.Path,
			Mode:    stage.Mode(ep.Mode),
			Timeout: time.Duration(ep.TimeoutSeconds) * time.Second,
		}
		if ep.Retry != nil && *ep.Retry {
			spec.MaxRetries = intOr(c.Retry.MaxRetries, stage.DefaultMaxRetries)
			spec.Backoff = time.Duration(intOr(c.Retry.BackoffMs, int(stage.DefaultBackoff/time.Millisecond))) * time.Millisecond
		}
		specs[stage.Name(name)] = spec
	}
	return specs
}

func negative(p *int) bool { return p != nil && *p < 0 }

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// Route returns the adapter and canonical model serving stage n.
func (c *StagesConfig) Route(n stage.Name) RouteTarget {
	target, ok := c.Routing[string(n)]
	if !ok {
		target = c.Default
	}
	target.Model = c.ResolveModel(target.Model)
	return target
}

// ResolveModel returns the canonical model name for an alias.
// If the input is not an alias, it returns the input unchanged.
func (c *StagesConfig) ResolveModel(modelOrAlias string) string {
	if canonical, ok := c.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}
