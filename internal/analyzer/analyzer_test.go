package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/leadscore/leadscore/internal/engine"
	"github.com/leadscore/leadscore/internal/lead"
)

// mockChatter implements Chatter for testing.
type mockChatter struct {
	response string
	err      error
	delay    time.Duration

	lastMessages []engine.Message
	lastSchema   *engine.Schema
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error) {
	m.lastMessages = messages
	m.lastSchema = jsonSchema
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

var sampleRaw = lead.RawCompanyContent{
	URL:        "https://acme.io",
	Body:       "<html><head><title>Acme | Home</title></head><body><p>Acme builds payroll software for mid-size companies.</p></body></html>",
	StatusCode: 200,
}

const fullResponse = `{"industry":"HR Software","business_type":"b2b","company_stage":"Growth","target_market":"Mid-size companies","usp":"Payroll in minutes","positioning":"Simpler than legacy suites","tech_notes":"Cloud native","summary":"Acme sells payroll software."}`

func TestAnalyze_Success(t *testing.T) {
	mock := &mockChatter{response: fullResponse}
	a := New(mock, "phi3.5", time.Second)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	rec, err := a.Analyze(context.Background(), sampleRaw)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if rec.Industry != "HR Software" || rec.Summary != "Acme sells payroll software." {
		t.Errorf("notes = %+v", rec)
	}
	if rec.Model != "phi3.5" {
		t.Errorf("Model = %q, want phi3.5", rec.Model)
	}
	if !rec.AnalyzedAt.Equal(fixed) {
		t.Errorf("AnalyzedAt = %v, want %v", rec.AnalyzedAt, fixed)
	}
	if rec.ID == "" {
		t.Error("ID is empty")
	}
	if v, ok := rec.Hint(lead.HintBusinessType); !ok || v != "B2B" {
		t.Errorf("business_type hint = %q, %v; want B2B", v, ok)
	}
	if v, ok := rec.Hint(lead.HintCompanyStage); !ok || v != "Growth" {
		t.Errorf("company_stage hint = %q, %v; want Growth", v, ok)
	}
	if mock.lastSchema == nil || len(mock.lastSchema.Required) != 8 {
		t.Errorf("schema not sent: %+v", mock.lastSchema)
	}
}

func TestAnalyze_PromptCarriesNameAndPreview(t *testing.T) {
	mock := &mockChatter{response: fullResponse}
	a := New(mock, "phi3.5", time.Second)

	raw := sampleRaw
	raw.Body = strings.Repeat("x", 10000)
	raw.ContentType = "text/plain"
	raw.CompanyName = "Acme Corp"
	if _, err := a.Analyze(context.Background(), raw); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	user := mock.lastMessages[len(mock.lastMessages)-1].Content
	if !strings.Contains(user, "Company name: Acme Corp") {
		t.Errorf("prompt missing company name: %q", user[:100])
	}
	if strings.Count(user, "x") > previewChars {
		t.Errorf("prompt carries %d content chars, want <= %d", strings.Count(user, "x"), previewChars)
	}
}

func TestAnalyze_UnknownAndMarkup(t *testing.T) {
	mock := &mockChatter{
		response: "```json\n" + `{"industry":"Unknown","business_type":"Unknown","company_stage":"Seed","target_market":"","usp":"<b>Fast</b> & <script>alert(1)</script>cheap","positioning":"N/A","tech_notes":"","summary":"A shop."}` + "\n```",
	}
	a := New(mock, "phi3.5", time.Second)
	rec, err := a.Analyze(context.Background(), sampleRaw)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if rec.Industry != "" || rec.Positioning != "" {
		t.Errorf("placeholders kept: industry=%q positioning=%q", rec.Industry, rec.Positioning)
	}
	if rec.USP != "Fast & cheap" {
		t.Errorf("USP = %q, want markup stripped", rec.USP)
	}
	if len(rec.Hints) != 0 {
		t.Errorf("Hints = %+v, want none for Unknown/unlisted values", rec.Hints)
	}
}

func TestAnalyze_Timeout(t *testing.T) {
	mock := &mockChatter{response: fullResponse, delay: 5 * time.Second}
	a := New(mock, "phi3.5", 100*time.Millisecond)

	start := time.Now()
	rec, err := a.Analyze(context.Background(), sampleRaw)
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("Analyze took %v, want < 1s", elapsed)
	}
	if rec != nil {
		t.Errorf("record = %+v, want nil on timeout", rec)
	}
	if !errors.Is(err, lead.ErrAnalyzerUnavailable) {
		t.Errorf("err = %v, want ErrAnalyzerUnavailable", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want to wrap context.DeadlineExceeded", err)
	}
}

func TestAnalyze_ServiceError(t *testing.T) {
	mock := &mockChatter{err: fmt.Errorf("connection refused")}
	rec, err := New(mock, "phi3.5", time.Second).Analyze(context.Background(), sampleRaw)
	if rec != nil || !errors.Is(err, lead.ErrAnalyzerUnavailable) {
		t.Errorf("Analyze = %+v, %v; want nil, ErrAnalyzerUnavailable", rec, err)
	}
}

func TestAnalyze_MalformedJSON(t *testing.T) {
	mock := &mockChatter{response: `not valid json {{{`}
	rec, err := New(mock, "phi3.5", time.Second).Analyze(context.Background(), sampleRaw)
	if rec != nil || !errors.Is(err, lead.ErrAnalyzerUnavailable) {
		t.Errorf("Analyze = %+v, %v; want nil, ErrAnalyzerUnavailable", rec, err)
	}
}

func TestAnalyze_EmptyAnalysis(t *testing.T) {
	mock := &mockChatter{response: `{"industry":"Unknown","summary":"Unknown"}`}
	rec, err := New(mock, "phi3.5", time.Second).Analyze(context.Background(), sampleRaw)
	if rec != nil || !errors.Is(err, lead.ErrAnalyzerUnavailable) {
		t.Errorf("Analyze = %+v, %v; want nil, ErrAnalyzerUnavailable", rec, err)
	}
}

func TestAnalyze_NoContent(t *testing.T) {
	mock := &mockChatter{response: fullResponse}
	rec, err := New(mock, "phi3.5", time.Second).Analyze(context.Background(), lead.RawCompanyContent{URL: "https://empty.io"})
	if rec != nil || !errors.Is(err, lead.ErrAnalyzerUnavailable) {
		t.Errorf("Analyze = %+v, %v; want nil, ErrAnalyzerUnavailable", rec, err)
	}
	if mock.lastMessages != nil {
		t.Error("model was called for empty content")
	}
}

func TestAnalyze_DisabledBackend(t *testing.T) {
	eng, err := engine.New(engine.Config{Backend: engine.BackendNone})
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(eng, "phi3.5", time.Second).Analyze(context.Background(), sampleRaw)
	if !errors.Is(err, lead.ErrAnalyzerUnavailable) || !errors.Is(err, engine.ErrDisabled) {
		t.Errorf("err = %v, want ErrAnalyzerUnavailable wrapping ErrDisabled", err)
	}
}
