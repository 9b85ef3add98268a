package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/leadscore/leadscore/internal/engine"
	"github.com/leadscore/leadscore/internal/features"
	"github.com/leadscore/leadscore/internal/lead"
)

// DefaultTimeout bounds a single analysis call.
const DefaultTimeout = 10 * time.Second

// Chatter is the chat half of engine.Engine.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

type response struct {
	Industry     string `json:"industry"`
	BusinessType string `json:"business_type"`
	CompanyStage string `json:"company_stage"`
	TargetMarket string `json:"target_market"`
	USP          string `json:"usp"`
	Positioning  string `json:"positioning"`
	TechNotes    string `json:"tech_notes"`
	Summary      string `json:"summary"`
}

var (
	businessTypes = []string{"B2B", "B2C", "Both"}
	companyStages = []string{"Startup", "Growth", "Enterprise"}
)

// Analyzer asks a language model for a qualitative read of a company.
type Analyzer struct {
	client  Chatter
	model   string
	timeout time.Duration
	policy  *bluemonday.Policy
	now     func() time.Time
}

// New creates an Analyzer. A non-positive timeout uses DefaultTimeout.
func New(client Chatter, model string, timeout time.Duration) *Analyzer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Analyzer{
		client:  client,
		model:   model,
		timeout: timeout,
		policy:  bluemonday.StrictPolicy(),
		now:     time.Now,
	}
}

// Analyze returns the model's structured notes on raw. Timeouts, transport
// errors and malformed responses all yield a nil record and an error wrapping
// lead.ErrAnalyzerUnavailable; callers continue without the analysis.
func (a *Analyzer) Analyze(ctx context.Context, raw lead.RawCompanyContent) (*lead.AnalysisRecord, error) {
	page := features.ParsePage(raw)
	if page.Text == "" && page.Description == "" {
		return nil, fmt.Errorf("%w: no readable content", lead.ErrAnalyzerUnavailable)
	}
	text := page.Text
	if page.Description != "" {
		text = page.Description + "\n" + text
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.client.Chat(ctx, a.model, BuildPrompt(raw.URL, page.CompanyName, text), analysisSchema())
	if err != nil {
		slog.Warn("analysis chat failed", "url", raw.URL, "error", err)
		return nil, fmt.Errorf("%w: %w", lead.ErrAnalyzerUnavailable, err)
	}

	var resp response
	if err := json.Unmarshal([]byte(trimFence(out)), &resp); err != nil {
		slog.Warn("failed to unmarshal analysis from LLM response", "url", raw.URL, "error", err, "response", out)
		return nil, fmt.Errorf("%w: malformed response: %w", lead.ErrAnalyzerUnavailable, err)
	}

	rec := a.record(resp)
	if rec.Summary == "" && rec.Industry == "" && len(rec.Hints) == 0 {
		return nil, fmt.Errorf("%w: empty analysis", lead.ErrAnalyzerUnavailable)
	}
	return rec, nil
}

func (a *Analyzer) record(r response) *lead.AnalysisRecord {
	rec := &lead.AnalysisRecord{
		ID:           uuid.New().String(),
		Model:        a.model,
		Industry:     a.note(r.Industry),
		TargetMarket: a.note(r.TargetMarket),
		USP:          a.note(r.USP),
		Positioning:  a.note(r.Positioning),
		TechNotes:    a.note(r.TechNotes),
		Summary:      a.note(r.Summary),
		AnalyzedAt:   a.now().UTC(),
	}
	if v := canonical(r.BusinessType, businessTypes); v != "" {
		rec.Hints = append(rec.Hints, lead.Hint{Kind: lead.HintBusinessType, Value: v})
	}
	if v := canonical(r.CompanyStage, companyStages); v != "" {
		rec.Hints = append(rec.Hints, lead.Hint{Kind: lead.HintCompanyStage, Value: v})
	}
	return rec
}

// note strips markup and whitespace noise. "Unknown" and similar
// placeholders become empty. The sanitizer escapes entities, so they are
// decoded again for plain-text use.
func (a *Analyzer) note(s string) string {
	s = features.CleanText(html.UnescapeString(a.policy.Sanitize(s)))
	switch strings.ToLower(s) {
	case "unknown", "n/a", "none", "not specified":
		return ""
	}
	return s
}

func canonical(v string, allowed []string) string {
	v = strings.TrimSpace(v)
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return a
		}
	}
	return ""
}

// trimFence removes a surrounding markdown code fence, which some models add
// despite instructions.
func trimFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
