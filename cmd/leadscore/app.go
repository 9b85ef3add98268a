package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/leadscore/leadscore/internal/aggregate"
	"github.com/leadscore/leadscore/internal/analyzer"
	"github.com/leadscore/leadscore/internal/config"
	"github.com/leadscore/leadscore/internal/engine"
	"github.com/leadscore/leadscore/internal/features"
	"github.com/leadscore/leadscore/internal/outreach"
	"github.com/leadscore/leadscore/internal/pipeline"
	"github.com/leadscore/leadscore/internal/scoring"
	"github.com/leadscore/leadscore/internal/scrape"
	"github.com/leadscore/leadscore/internal/storage"
)

// app is the wired set of components shared by the local commands and serve.
type app struct {
	cfg      config.Config
	store    *storage.Store
	scorer   *scoring.Service
	fetcher  *scrape.Fetcher
	pipeline *pipeline.Pipeline
	composer *outreach.Composer
	// engine is nil when analysis is disabled.
	engine engine.Engine
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// loadApp loads configuration and wires every component.
func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func newApp(cfg config.Config) (*app, error) {
	setupLogging(cfg.Log.Level)

	scorer, err := scoring.Resolve(cfg.Scoring.ModelsDir, cfg.Scoring.ModelVersion)
	if err != nil {
		return nil, err
	}

	var profile *features.Profile
	if cfg.Features.ProfilePath != "" {
		if profile, err = features.LoadProfile(cfg.Features.ProfilePath); err != nil {
			return nil, err
		}
	}

	templates := outreach.DefaultTemplates()
	if cfg.Outreach.TemplatePath != "" {
		if templates, err = outreach.LoadTemplates(cfg.Outreach.TemplatePath); err != nil {
			return nil, err
		}
	}
	composer, err := outreach.New(templates, cfg.Outreach.SenderName)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, scorer: scorer, composer: composer}

	var an pipeline.Analyzer
	if cfg.Analyzer.Backend != engine.BackendNone {
		eng, err := engine.New(engine.Config{
			Backend: cfg.Analyzer.Backend,
			BaseURL: cfg.Analyzer.BaseURL,
			APIKey:  cfg.Analyzer.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("creating analyzer backend: %w", err)
		}
		a.engine = eng
		an = analyzer.New(eng, cfg.Analyzer.Model, cfg.Analyzer.Timeout)
	}

	a.fetcher = scrape.New(scrape.Config{
		Timeout:           cfg.Fetch.Timeout,
		Retries:           cfg.Fetch.Retries,
		RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
		Burst:             cfg.Fetch.Burst,
	})

	a.store, err = storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a.pipeline = pipeline.New(features.New(profile), an, scorer, aggregate.New(a.store), cfg.Pipeline.Workers).
		WithFetcher(a.fetcher)
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
}
