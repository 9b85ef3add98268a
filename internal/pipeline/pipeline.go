// Package pipeline runs the per-company chain: extraction, analysis,
// scoring and aggregation.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leadscore/leadscore/internal/aggregate"
	"github.com/leadscore/leadscore/internal/features"
	"github.com/leadscore/leadscore/internal/lead"
	"github.com/leadscore/leadscore/internal/scoring"
)

// DefaultWorkers bounds batch parallelism when none is configured.
const DefaultWorkers = 4

// Status is the per-company result of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusDegraded  Status = "degraded"
	StatusFailed    Status = "failed"
)

// Outcome reports what happened to one company. Lead is set unless Status
// is failed, in which case Err says why.
type Outcome struct {
	URL      string
	Status   Status
	Lead     *lead.Lead
	Warnings []error
	Err      error
	Duration time.Duration
}

// MarshalJSON renders errors as strings and the duration in milliseconds.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type wire struct {
		URL        string     `json:"url"`
		Status     Status     `json:"status"`
		Lead       *lead.Lead `json:"lead,omitempty"`
		Warnings   []string   `json:"warnings,omitempty"`
		Error      string     `json:"error,omitempty"`
		DurationMS int64      `json:"duration_ms"`
	}
	w := wire{URL: o.URL, Status: o.Status, Lead: o.Lead, DurationMS: o.Duration.Milliseconds()}
	for _, warn := range o.Warnings {
		w.Warnings = append(w.Warnings, warn.Error())
	}
	if o.Err != nil {
		w.Error = o.Err.Error()
	}
	return json.Marshal(w)
}

// Item is one company to score: inline content, or a URL to fetch when
// Content is nil.
type Item struct {
	URL     string                  `json:"url"`
	Content *lead.RawCompanyContent `json:"content,omitempty"`
}

// Extractor builds and refines feature records.
type Extractor interface {
	ExtractPage(raw lead.RawCompanyContent) (lead.FeatureRecord, features.Page)
	Refine(rec lead.FeatureRecord, analysis *lead.AnalysisRecord) lead.FeatureRecord
}

// Analyzer produces the optional qualitative analysis.
type Analyzer interface {
	Analyze(ctx context.Context, raw lead.RawCompanyContent) (*lead.AnalysisRecord, error)
}

// Aggregator persists a scored result into its lead.
type Aggregator interface {
	Save(ctx context.Context, in aggregate.Input) (lead.Lead, error)
}

// Fetcher retrieves raw content for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (lead.RawCompanyContent, error)
}

// Pipeline wires the chain components. It holds no per-company state and is
// safe for concurrent use.
type Pipeline struct {
	extractor  Extractor
	analyzer   Analyzer
	scorer     scoring.Scorer
	aggregator Aggregator
	fetcher    Fetcher
	workers    int
	logger     *slog.Logger
}

// New creates a Pipeline. analyzer may be nil when no analysis backend is
// configured. workers <= 0 uses DefaultWorkers.
func New(extractor Extractor, analyzer Analyzer, scorer scoring.Scorer, aggregator Aggregator, workers int) *Pipeline {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pipeline{
		extractor:  extractor,
		analyzer:   analyzer,
		scorer:     scorer,
		aggregator: aggregator,
		workers:    workers,
		logger:     slog.Default(),
	}
}

// WithFetcher enables ProcessURL and RunURLs.
func (p *Pipeline) WithFetcher(f Fetcher) *Pipeline {
	p.fetcher = f
	return p
}

// Scorer returns the scoring service in use.
func (p *Pipeline) Scorer() scoring.Scorer {
	return p.scorer
}

// Process runs the chain for one company. Extraction and analysis problems
// degrade the outcome; scoring or storage failures fail it. Nothing is
// written unless a score was produced.
func (p *Pipeline) Process(ctx context.Context, raw lead.RawCompanyContent) (out Outcome) {
	start := time.Now()
	out.URL = raw.URL
	defer func() {
		out.Duration = time.Since(start)
		p.logger.Debug("pipeline: company processed",
			"url", out.URL, "status", out.Status, "duration_ms", out.Duration.Milliseconds())
	}()

	if err := ctx.Err(); err != nil {
		return failed(out, fmt.Errorf("processing %s: %w", raw.URL, err))
	}

	// 1. Features.
	rec, page := p.extractor.ExtractPage(raw)
	if rec.LowConfidence {
		out.Warnings = append(out.Warnings, fmt.Errorf("%w: sparse content for %s", lead.ErrExtractionDegraded, raw.URL))
	}

	// 2. Qualitative analysis, never fatal.
	var analysis *lead.AnalysisRecord
	if p.analyzer != nil {
		if raw.CompanyName == "" {
			raw.CompanyName = page.CompanyName
		}
		a, err := p.analyzer.Analyze(ctx, raw)
		if err != nil {
			p.logger.Warn("pipeline: continuing without analysis", "url", raw.URL, "error", err)
			out.Warnings = append(out.Warnings, err)
		} else {
			analysis = a
			rec = p.extractor.Refine(rec, analysis)
		}
	}

	// 3. Score.
	score, err := p.scorer.Score(rec)
	if err != nil {
		return failed(out, fmt.Errorf("scoring %s: %w", raw.URL, err))
	}

	// 4. Aggregate. A cancelled batch stops here so nothing half-done is written.
	if err := ctx.Err(); err != nil {
		return failed(out, fmt.Errorf("processing %s: %w", raw.URL, err))
	}
	l, err := p.aggregator.Save(ctx, aggregate.Input{
		URL:          raw.URL,
		CompanyName:  page.CompanyName,
		ContactEmail: page.ContactEmail,
		Technologies: raw.Technologies,
		Features:     rec,
		Analysis:     analysis,
		Score:        score,
	})
	if err != nil {
		return failed(out, err)
	}

	out.Lead = &l
	out.Status = StatusSucceeded
	if len(out.Warnings) > 0 {
		out.Status = StatusDegraded
	}
	return out
}

func failed(out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.Err = err
	out.Lead = nil
	return out
}

// ProcessURL fetches url and runs Process on the result.
func (p *Pipeline) ProcessURL(ctx context.Context, url string) Outcome {
	if p.fetcher == nil {
		return failed(Outcome{URL: url}, fmt.Errorf("processing %s: no fetcher configured", url))
	}
	raw, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return failed(Outcome{URL: url}, fmt.Errorf("fetching %s: %w", url, err))
	}
	return p.Process(ctx, raw)
}

// ProcessItem runs Process on inline content, or ProcessURL otherwise.
func (p *Pipeline) ProcessItem(ctx context.Context, it Item) Outcome {
	if it.Content == nil {
		return p.ProcessURL(ctx, it.URL)
	}
	raw := *it.Content
	if raw.URL == "" {
		raw.URL = it.URL
	}
	return p.Process(ctx, raw)
}

// RunBatch processes companies concurrently with at most p.workers in
// flight. Outcomes are returned in input order.
func (p *Pipeline) RunBatch(ctx context.Context, raws []lead.RawCompanyContent) []Outcome {
	return p.fanOut(len(raws), func(i int) Outcome {
		return p.Process(ctx, raws[i])
	})
}

// RunURLs is RunBatch for URLs that still need fetching.
func (p *Pipeline) RunURLs(ctx context.Context, urls []string) []Outcome {
	return p.fanOut(len(urls), func(i int) Outcome {
		return p.ProcessURL(ctx, urls[i])
	})
}

// RunItems is RunBatch for a mix of inline content and URLs.
func (p *Pipeline) RunItems(ctx context.Context, items []Item) []Outcome {
	return p.fanOut(len(items), func(i int) Outcome {
		return p.ProcessItem(ctx, items[i])
	})
}

func (p *Pipeline) fanOut(n int, run func(i int) Outcome) []Outcome {
	outcomes := make([]Outcome, n)
	var g errgroup.Group
	g.SetLimit(p.workers)
	for i := range n {
		g.Go(func() error {
			outcomes[i] = run(i)
			return nil
		})
	}
	g.Wait()
	return outcomes
}

// Summary counts outcomes by status.
func Summary(outcomes []Outcome) map[Status]int {
	counts := map[Status]int{StatusSucceeded: 0, StatusDegraded: 0, StatusFailed: 0}
	for _, o := range outcomes {
		counts[o.Status]++
	}
	return counts
}
