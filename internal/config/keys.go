package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LEADSCORE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "LEADSCORE_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LEADSCORE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "LEADSCORE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "analyzer.backend", typ: kString, env: "LEADSCORE_ANALYZER_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Analyzer.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Analyzer.Backend },
	},
	{
		key: "analyzer.base_url", typ: kString, env: "LEADSCORE_ANALYZER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Analyzer.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Analyzer.BaseURL },
	},
	{
		key: "analyzer.model", typ: kString, env: "LEADSCORE_ANALYZER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Analyzer.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Analyzer.Model },
	},
	{
		key: "analyzer.timeout", typ: kDuration, env: "LEADSCORE_ANALYZER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Analyzer.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Analyzer.Timeout },
	},
	{
		key: "analyzer.api_key", typ: kString, env: "LEADSCORE_ANALYZER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Analyzer.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Analyzer.APIKey },
	},
	{
		key: "scoring.model_version", typ: kString, env: "LEADSCORE_SCORING_MODEL_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Scoring.ModelVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.Scoring.ModelVersion },
	},
	{
		key: "scoring.models_dir", typ: kString, env: "LEADSCORE_SCORING_MODELS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Scoring.ModelsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Scoring.ModelsDir },
	},
	{
		key: "features.profile_path", typ: kString, env: "LEADSCORE_FEATURES_PROFILE_PATH",
		apply:   func(cfg *Config, v any) { cfg.Features.ProfilePath = v.(string) },
		extract: func(cfg Config) any { return cfg.Features.ProfilePath },
	},
	{
		key: "pipeline.workers", typ: kInt, env: "LEADSCORE_PIPELINE_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Workers },
	},
	{
		key: "fetch.requests_per_second", typ: kFloat, env: "LEADSCORE_FETCH_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Fetch.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Fetch.RequestsPerSecond },
	},
	{
		key: "fetch.burst", typ: kInt, env: "LEADSCORE_FETCH_BURST",
		apply:   func(cfg *Config, v any) { cfg.Fetch.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.Fetch.Burst },
	},
	{
		key: "fetch.timeout", typ: kDuration, env: "LEADSCORE_FETCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Fetch.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Fetch.Timeout },
	},
	{
		key: "fetch.retries", typ: kInt, env: "LEADSCORE_FETCH_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Fetch.Retries = v.(int) },
		extract: func(cfg Config) any { return cfg.Fetch.Retries },
	},
	{
		key: "outreach.template_path", typ: kString, env: "LEADSCORE_OUTREACH_TEMPLATE_PATH",
		apply:   func(cfg *Config, v any) { cfg.Outreach.TemplatePath = v.(string) },
		extract: func(cfg Config) any { return cfg.Outreach.TemplatePath },
	},
	{
		key: "outreach.sender_name", typ: kString, env: "LEADSCORE_OUTREACH_SENDER_NAME",
		apply:   func(cfg *Config, v any) { cfg.Outreach.SenderName = v.(string) },
		extract: func(cfg Config) any { return cfg.Outreach.SenderName },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts a raw string into the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b SettingsStore) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("could not parse config value, using default", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := lookup(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("could not parse env var, using default", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
