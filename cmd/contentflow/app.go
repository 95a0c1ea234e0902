package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/StepTenInc/contentflow/internal/logging"
	"github.com/StepTenInc/contentflow/pkg/adapter"
	"github.com/StepTenInc/contentflow/pkg/config"
	"github.com/StepTenInc/contentflow/pkg/errlog"
	"github.com/StepTenInc/contentflow/pkg/evidence"
	"github.com/StepTenInc/contentflow/pkg/metrics"
	"github.com/StepTenInc/contentflow/pkg/pipeline"
	"github.com/StepTenInc/contentflow/pkg/queue"
	"github.com/StepTenInc/contentflow/pkg/stage"
	"github.com/StepTenInc/contentflow/pkg/stagehost"
	"github.com/StepTenInc/contentflow/pkg/store"
)

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	store   store.Store
	metrics *metrics.Metrics
	orch    *pipeline.Orchestrator
	worker  *queue.Worker
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if stagesFile != "" {
		cfg, err = config.LoadWithStagesFile(stagesFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.Init(level, cfg.LogFormat)
	return cfg, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if memStore {
		return store.NewMemStore(), nil
	}
	return store.Open(cfg.DBPath)
}

// newApp wires store, metrics, error sinks, orchestrator and queue worker.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	sinks := errlog.Multi{errlog.SlogSink{Logger: logging.New("errlog")}}
	if fs, err := errlog.NewFileSink(cfg.ErrorLogPath); err != nil {
		logging.New("cli").Warn("error log file unavailable", "path", cfg.ErrorLogPath, "error", err)
	} else {
		sinks = append(sinks, fs)
	}

	m := metrics.New()
	sig := queue.NewSignal()
	inv := stage.NewHTTPInvoker(cfg.BaseURL, cfg.Stages.Specs(),
		stage.WithRetryHook(m.StageRetried),
		stage.WithLogger(logging.New("invoker")))
	orch := pipeline.New(st, inv,
		pipeline.WithObserver(m),
		pipeline.WithErrorSink(sinks),
		pipeline.WithDrainer(queue.NewDrainer(st, sig, m)))
	worker := queue.NewWorker(st, orch, sig,
		queue.WithOwner(cfg.WorkerID),
		queue.WithPollInterval(cfg.PollInterval),
		queue.WithObserver(m),
		queue.WithErrorSink(sinks))

	return &app{
		cfg:     cfg,
		store:   st,
		metrics: m,
		orch:    orch,
		worker:  worker,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// stageHost builds the bundled stage endpoints on the app's store.
func (a *app) stageHost() (*stagehost.Host, error) {
	registry, err := createAdapters(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapters: %w", err)
	}
	ev, err := evidence.NewWriter(filepath.Join(a.cfg.ConfigDir, "evidence"))
	if err != nil {
		return nil, fmt.Errorf("failed to open evidence dir: %w", err)
	}
	return stagehost.New(a.cfg.Stages, registry, a.store,
		stagehost.WithEvidence(ev),
		stagehost.WithLogger(logging.New("stagehost"))), nil
}

func createAdapters(cfg *config.Config) (adapter.Registry, error) {
	adapters := make(adapter.Registry)

	if cfg.AnthropicAPIKey != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		adapters.Register(a)
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		adapters.Register(a)
	}

	if cfg.GoogleAPIKey != "" {
		a, err := adapter.NewGoogleAdapter(cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		adapters.Register(a)
	}

	if cfg.DeepSeekAPIKey != "" {
		a, err := adapter.NewDeepSeekAdapter(cfg.DeepSeekAPIKey, os.Getenv("DEEPSEEK_BASE_URL"))
		if err != nil {
			return nil, fmt.Errorf("failed to create deepseek adapter: %w", err)
		}
		adapters.Register(a)
	}

	adapters.Register(adapter.NewMockAdapter())

	return adapters, nil
}
