package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Backend names accepted by New.
const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
	BackendNone   = "none"
)

// ErrDisabled is returned by the none backend for every call.
var ErrDisabled = errors.New("analysis backend disabled")

// Config selects and configures a backend.
type Config struct {
	Backend string
	BaseURL string
	APIKey  string
}

// New returns the backend named by cfg.Backend. An empty name means Ollama.
func New(cfg Config) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendOllama:
		return NewOllamaEngine(cfg.BaseURL), nil
	case BackendOpenAI:
		return NewOpenAIEngine(cfg.BaseURL, cfg.APIKey)
	case BackendNone:
		return disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown analyzer backend %q (want %s, %s or %s)", cfg.Backend, BackendOllama, BackendOpenAI, BackendNone)
	}
}

type disabled struct{}

func (disabled) Chat(context.Context, string, []Message, *Schema) (string, error) {
	return "", ErrDisabled
}

func (disabled) IsRunning(context.Context) bool { return false }
