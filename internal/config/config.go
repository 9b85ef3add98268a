// Package config resolves leadscore settings from defaults, the config file,
// a .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Analyzer AnalyzerConfig
	Scoring  ScoringConfig
	Features FeaturesConfig
	Pipeline PipelineConfig
	Fetch    FetchConfig
	Outreach OutreachConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type AnalyzerConfig struct {
	Backend string
	BaseURL string
	Model   string
	Timeout time.Duration
	APIKey  string
}

type ScoringConfig struct {
	ModelVersion string
	// ModelsDir defaults to <data_dir>/models.
	ModelsDir string
}

type FeaturesConfig struct {
	// ProfilePath is empty for the embedded profile.
	ProfilePath string
}

type PipelineConfig struct {
	Workers int
}

type FetchConfig struct {
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	Retries           int
}

type OutreachConfig struct {
	TemplatePath string
	SenderName   string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Analyzer: AnalyzerConfig{
			Backend: "ollama",
			BaseURL: "http://localhost:11434",
			Model:   "phi3.5",
			Timeout: 10 * time.Second,
		},
		Scoring:  ScoringConfig{ModelVersion: "latest"},
		Pipeline: PipelineConfig{Workers: 4},
		Fetch: FetchConfig{
			RequestsPerSecond: 1,
			Burst:             2,
			Timeout:           10 * time.Second,
			Retries:           3,
		},
		Outreach: OutreachConfig{SenderName: "The Caprae Team"},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "leadscore-data"
		}
	}
	return filepath.Join(dir, "leadscore")
}

// Load reads configuration from the settings file at
// $XDG_CONFIG_HOME/leadscore/config.yaml, then ./.env, then LEADSCORE_*
// environment variables. Secrets are only read from .env and the environment.
func Load() (Config, error) {
	return loadWith(openSettingsFile(settingsPath()), ".env")
}

func loadWith(b SettingsStore, dotenvPath string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	lookup, err := envLookup(dotenvPath)
	if err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg, lookup)

	if cfg.Scoring.ModelsDir == "" {
		cfg.Scoring.ModelsDir = filepath.Join(cfg.Storage.DataDir, "models")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a command.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	switch c.Analyzer.Backend {
	case "ollama", "none":
	case "openai":
		if c.Analyzer.APIKey == "" {
			errs = append(errs, errors.New("missing required config: analyzer API key for backend openai; set LEADSCORE_ANALYZER_API_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("analyzer.backend %q: want ollama, openai or none", c.Analyzer.Backend))
	}
	if c.Analyzer.Timeout <= 0 {
		errs = append(errs, errors.New("analyzer.timeout must be positive"))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, fmt.Errorf("pipeline.workers %d: need at least 1", c.Pipeline.Workers))
	}
	if c.Fetch.RequestsPerSecond < 0 || c.Fetch.Burst < 1 || c.Fetch.Retries < 0 || c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch settings: requests_per_second >= 0, burst >= 1, retries >= 0 and a positive timeout required"))
	}
	return errors.Join(errs...)
}

// RequireServer reports whether the settings needed by `serve` are present.
func (c Config) RequireServer() error {
	if c.Server.APIToken == "" {
		return errors.New("missing required config: API token. Set it via environment variable LEADSCORE_SERVER_API_TOKEN or in .env")
	}
	return nil
}
