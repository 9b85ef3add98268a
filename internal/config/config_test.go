package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memSettings is an in-memory SettingsStore.
type memSettings struct {
	data map[string]any
}

func newMemSettings(kv map[string]any) *memSettings {
	if kv == nil {
		kv = map[string]any{}
	}
	return &memSettings{data: kv}
}

func (m *memSettings) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (m *memSettings) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, _ := v.(int)
	return i, true, nil
}

func (m *memSettings) SetString(key, val string) error { m.data[key] = val; return nil }
func (m *memSettings) SetInt(key string, val int) error { m.data[key] = val; return nil }
func (m *memSettings) Delete(key string) error          { delete(m.data, key); return nil }

// clearEnv blanks every LEADSCORE_ variable so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_DATA_HOME", "/data")

	cfg, err := loadWith(newMemSettings(nil), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/data/leadscore" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Scoring.ModelsDir != filepath.Join("/data/leadscore", "models") {
		t.Errorf("Scoring.ModelsDir = %q", cfg.Scoring.ModelsDir)
	}
	if cfg.Scoring.ModelVersion != "latest" {
		t.Errorf("Scoring.ModelVersion = %q", cfg.Scoring.ModelVersion)
	}
	if cfg.Analyzer.Backend != "ollama" || cfg.Analyzer.Model != "phi3.5" || cfg.Analyzer.Timeout != 10*time.Second {
		t.Errorf("Analyzer = %+v", cfg.Analyzer)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("Pipeline.Workers = %d", cfg.Pipeline.Workers)
	}
	if cfg.Fetch.RequestsPerSecond != 1 || cfg.Fetch.Burst != 2 || cfg.Fetch.Retries != 3 {
		t.Errorf("Fetch = %+v", cfg.Fetch)
	}
	if cfg.Outreach.SenderName != "The Caprae Team" {
		t.Errorf("Outreach.SenderName = %q", cfg.Outreach.SenderName)
	}
	if err := cfg.RequireServer(); err == nil {
		t.Error("RequireServer() = nil without a token")
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)
	b := newMemSettings(map[string]any{
		"server.port":        5000,
		"pipeline.workers":   8,
		"analyzer.backend":   "none",
		"analyzer.timeout":   "3s",
		"fetch.timeout":      "bogus",
		"scoring.models_dir": "/models",
	})

	cfg, err := loadWith(b, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 || cfg.Pipeline.Workers != 8 {
		t.Errorf("ints = %d, %d", cfg.Server.Port, cfg.Pipeline.Workers)
	}
	if cfg.Analyzer.Backend != "none" || cfg.Analyzer.Timeout != 3*time.Second {
		t.Errorf("Analyzer = %+v", cfg.Analyzer)
	}
	if cfg.Fetch.Timeout != 10*time.Second {
		t.Errorf("unparseable duration should keep default, got %v", cfg.Fetch.Timeout)
	}
	if cfg.Scoring.ModelsDir != "/models" {
		t.Errorf("Scoring.ModelsDir = %q", cfg.Scoring.ModelsDir)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEADSCORE_SERVER_PORT", "6000")
	t.Setenv("LEADSCORE_FETCH_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("LEADSCORE_SERVER_API_TOKEN", "env-token")

	cfg, err := loadWith(newMemSettings(map[string]any{"server.port": 5000}), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Fetch.RequestsPerSecond != 2.5 {
		t.Errorf("RequestsPerSecond = %v, want 2.5", cfg.Fetch.RequestsPerSecond)
	}
	if cfg.Server.APIToken != "env-token" || cfg.RequireServer() != nil {
		t.Errorf("APIToken = %q", cfg.Server.APIToken)
	}
}

func TestDotenv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	content := "LEADSCORE_SERVER_API_TOKEN=file-token\nLEADSCORE_ANALYZER_API_KEY=sk-file\nLEADSCORE_ANALYZER_BACKEND=openai\nLEADSCORE_LOG_LEVEL=debug\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEADSCORE_LOG_LEVEL", "warn")

	cfg, err := loadWith(newMemSettings(nil), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.APIToken != "file-token" || cfg.Analyzer.APIKey != "sk-file" || cfg.Analyzer.Backend != "openai" {
		t.Errorf("dotenv values not applied: %+v %+v", cfg.Server, cfg.Analyzer)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, real environment should win over .env", cfg.Log.Level)
	}
	if got := os.Getenv("LEADSCORE_SERVER_API_TOKEN"); got != "" {
		t.Errorf(".env leaked into process environment: %q", got)
	}
}

func TestSecretsIgnoredInBackend(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(newMemSettings(map[string]any{"server.api_token": "from-file"}), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.APIToken != "" {
		t.Errorf("APIToken = %q, secrets must not come from the config file", cfg.Server.APIToken)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"openai without key", func(c *Config) { c.Analyzer.Backend = "openai" }, "analyzer API key"},
		{"unknown backend", func(c *Config) { c.Analyzer.Backend = "gpt" }, "analyzer.backend"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"no workers", func(c *Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"zero burst", func(c *Config) { c.Fetch.Burst = 0 }, "fetch settings"},
	}
	for _, tt := range tests {
		cfg := defaults()
		tt.mod(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: Validate() = %v, want error containing %q", tt.name, err, tt.want)
		}
	}
	if err := defaults().Validate(); err != nil {
		t.Errorf("defaults().Validate() = %v", err)
	}
}

func TestSetKey(t *testing.T) {
	b := openSettingsFile(filepath.Join(t.TempDir(), "leadscore", "config.yaml"))

	if err := setKey(b, "pipeline.workers", "6"); err != nil {
		t.Fatalf("setKey(workers): %v", err)
	}
	if err := setKey(b, "fetch.timeout", "30s"); err != nil {
		t.Fatalf("setKey(timeout): %v", err)
	}
	if err := setKey(b, "pipeline.workers", "many"); err == nil {
		t.Error("setKey accepted a non-integer")
	}
	if err := setKey(b, "fetch.timeout", "soon"); err == nil {
		t.Error("setKey accepted a bad duration")
	}
	if err := setKey(b, "server.api_token", "x"); err == nil {
		t.Error("setKey accepted a secret")
	}
	if err := setKey(b, "nope", "x"); err == nil {
		t.Error("setKey accepted an unknown key")
	}

	clearEnv(t)
	reloaded := openSettingsFile(b.path)
	cfg, err := loadWith(reloaded, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.Workers != 6 || cfg.Fetch.Timeout != 30*time.Second {
		t.Errorf("persisted values = %d, %v", cfg.Pipeline.Workers, cfg.Fetch.Timeout)
	}
}

func TestShowAll_HidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.APIToken = "secret-token"
	for _, k := range ShowAll(cfg) {
		if k.Key == "server.api_token" || k.Key == "analyzer.api_key" || k.Value == "secret-token" {
			t.Errorf("ShowAll exposed secret %s", k.Key)
		}
	}
	if len(ValidKeys()) != len(ShowAll(cfg)) {
		t.Errorf("ValidKeys and ShowAll disagree: %d vs %d", len(ValidKeys()), len(ShowAll(cfg)))
	}
}

func TestSettingsFile_YAMLSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "server:\n  port: 5123\nanalyzer:\n  backend: none\n  timeout: 4s\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	clearEnv(t)
	f := openSettingsFile(path)
	cfg, err := loadWith(f, "")
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 5123 || cfg.Analyzer.Backend != "none" || cfg.Analyzer.Timeout != 4*time.Second {
		t.Errorf("cfg = %+v %+v", cfg.Server, cfg.Analyzer)
	}

	if err := f.Delete("analyzer.backend"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := openSettingsFile(path).GetString("analyzer.backend"); ok {
		t.Error("deleted key is still stored")
	}
	if err := f.SetString("port", "1"); err == nil {
		t.Error("SetString accepted a key without a section")
	}
}

func TestSettingsFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := openSettingsFile(path).GetInt("server.port"); ok || err != nil {
		t.Errorf("malformed file: ok=%v err=%v, want defaults", ok, err)
	}
}
