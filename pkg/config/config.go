package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL       = "http://localhost:3001"
	DefaultListenAddr    = ":8080"
	DefaultStageHostAddr = ":3001"
	DefaultPollInterval  = 30 * time.Second
)

// Config holds the application configuration.
type Config struct {
	BaseURL       string
	ListenAddr    string
	StageHostAddr string
	DBPath        string
	ErrorLogPath  string
	LogLevel      string
	LogFormat     string
	WorkerID      string
	PollInterval  time.Duration

	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	DeepSeekAPIKey  string

	Stages    *StagesConfig
	ConfigDir string
}

// FileConfig represents the structure of ~/.contentflow/config.yaml.
// API keys are only read from the environment.
type FileConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Listen       string        `yaml:"listen"`
	StageHost    string        `yaml:"stage_host_listen"`
	DBPath       string        `yaml:"db_path"`
	ErrorLog     string        `yaml:"error_log"`
	Log          LogConfig     `yaml:"log"`
	Worker       WorkerConfig  `yaml:"worker"`
	StagesFile   string        `yaml:"stages_file"`
	StagesInline *StagesConfig `yaml:"stages,omitempty"`
}

// LogConfig selects slog level and handler format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WorkerConfig tunes the queue worker.
type WorkerConfig struct {
	ID                  string `yaml:"id"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// Load reads configuration from config files and environment variables.
// Environment variables take precedence over file configuration.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	return load(configDir, "")
}

// LoadWithStagesFile loads config with a specific stage manifest.
func LoadWithStagesFile(stagesPath string) (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	return load(configDir, stagesPath)
}

func load(configDir, stagesPath string) (*Config, error) {
	fileConfig, err := loadFileConfig(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BaseURL:       getEnvOrDefault("CONTENTFLOW_BASE_URL", orDefault(fileConfig.BaseURL, DefaultBaseURL)),
		ListenAddr:    getEnvOrDefault("CONTENTFLOW_LISTEN", orDefault(fileConfig.Listen, DefaultListenAddr)),
		StageHostAddr: getEnvOrDefault("CONTENTFLOW_STAGE_HOST_LISTEN", orDefault(fileConfig.StageHost, DefaultStageHostAddr)),
		DBPath:        getEnvOrDefault("CONTENTFLOW_DB", orDefault(fileConfig.DBPath, filepath.Join(configDir, "contentflow.db"))),
		ErrorLogPath:  getEnvOrDefault("CONTENTFLOW_ERROR_LOG", orDefault(fileConfig.ErrorLog, filepath.Join(configDir, "errors.jsonl"))),
		LogLevel:      getEnvOrDefault("CONTENTFLOW_LOG_LEVEL", orDefault(fileConfig.Log.Level, "info")),
		LogFormat:     getEnvOrDefault("CONTENTFLOW_LOG_FORMAT", orDefault(fileConfig.Log.Format, "text")),
		WorkerID:      getEnvOrDefault("CONTENTFLOW_WORKER_ID", fileConfig.Worker.ID),
		PollInterval:  DefaultPollInterval,

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		GoogleAPIKey:    os.Getenv("GOOGLE_API_KEY"),
		DeepSeekAPIKey:  os.Getenv("DEEPSEEK_API_KEY"),

		ConfigDir: configDir,
	}
	if fileConfig.Worker.PollIntervalSeconds > 0 {
		cfg.PollInterval = time.Duration(fileConfig.Worker.PollIntervalSeconds) * time.Second
	}
	if v := os.Getenv("CONTENTFLOW_POLL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid CONTENTFLOW_POLL_SECONDS %q", v)
		}
		cfg.PollInterval = time.Duration(secs) * time.Second
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%d", orDefault(host, "worker"), os.Getpid())
	}

	if stagesPath == "" {
		stagesPath = fileConfig.StagesFile
	}
	if stagesPath == "" {
		if p := filepath.Join(configDir, "stages.yaml"); fileExists(p) {
			stagesPath = p
		}
	}
	switch {
	case stagesPath != "":
		stages, err := LoadStages(stagesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load stages config from %s: %w", stagesPath, err)
		}
		cfg.Stages = stages
	case fileConfig.StagesInline != nil:
		applyStageDefaults(fileConfig.StagesInline)
		cfg.Stages = fileConfig.StagesInline
	default:
		cfg.Stages = DefaultStagesConfig()
	}
	if err := cfg.Stages.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HasAdapter returns true if the API key for the given adapter is configured.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	case "mock":
		return true
	default:
		return false
	}
}

// loadFileConfig reads the config file, returning empty config if not found.
func loadFileConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func getConfigDir() (string, error) {
	if dir := os.Getenv("CONTENTFLOW_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".contentflow")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}
