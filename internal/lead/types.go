package lead

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// RawCompanyContent is what the scraper hands to the pipeline for one company.
// It is discarded once features have been extracted.
type RawCompanyContent struct {
	URL          string   `json:"url"`
	Body         string   `json:"body"`
	ContentType  string   `json:"content_type,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
	StatusCode   int      `json:"status_code"`
	CompanyName  string   `json:"company_name,omitempty"`
}

// SizeBucket is the ordinal company size category.
type SizeBucket int

const (
	SizeUnknown SizeBucket = iota
	SizeMicro
	SizeSmall
	SizeMedium
	SizeLarge
	SizeEnterprise
)

// MaxSizeBucket is the highest ordinal, used to scale the bucket into [0,1].
const MaxSizeBucket = SizeEnterprise

var sizeBucketNames = [...]string{"unknown", "micro", "small", "medium", "large", "enterprise"}

func (b SizeBucket) String() string {
	if b < SizeUnknown || b > SizeEnterprise {
		return fmt.Sprintf("SizeBucket(%d)", int(b))
	}
	return sizeBucketNames[b]
}

// Valid reports whether b is one of the enumerated buckets.
func (b SizeBucket) Valid() bool {
	return b >= SizeUnknown && b <= SizeEnterprise
}

// ParseSizeBucket maps a bucket name (case-insensitive) to its value.
func ParseSizeBucket(s string) (SizeBucket, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range sizeBucketNames {
		if name == s {
			return SizeBucket(i), nil
		}
	}
	return SizeUnknown, fmt.Errorf("unknown size bucket %q", s)
}

func (b SizeBucket) MarshalJSON() ([]byte, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("invalid size bucket %d", int(b))
	}
	return json.Marshal(b.String())
}

func (b *SizeBucket) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("size bucket must be a string: %w", err)
	}
	v, err := ParseSizeBucket(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// FeatureNames lists the model inputs in the order produced by Vector.
var FeatureNames = []string{
	"revenue_indicator",
	"company_size_bucket",
	"tech_sophistication",
	"growth_signal",
	"market_fit",
}

// FeatureRecord is the closed contract between extraction and scoring.
// Every field is always populated and within its domain.
type FeatureRecord struct {
	RevenueIndicator   float64    `json:"revenue_indicator"`
	CompanySizeBucket  SizeBucket `json:"company_size_bucket"`
	TechSophistication float64    `json:"tech_sophistication"`
	GrowthSignal       float64    `json:"growth_signal"`
	MarketFit          float64    `json:"market_fit"`

	// LowConfidence marks records built mostly from defaults. It is not a
	// model input.
	LowConfidence bool `json:"low_confidence"`
}

// Validate checks that every field lies within its declared domain.
func (f FeatureRecord) Validate() error {
	scalars := []struct {
		name string
		v    float64
	}{
		{"revenue_indicator", f.RevenueIndicator},
		{"tech_sophistication", f.TechSophistication},
		{"growth_signal", f.GrowthSignal},
		{"market_fit", f.MarketFit},
	}
	for _, s := range scalars {
		if math.IsNaN(s.v) || s.v < 0 || s.v > 1 {
			return fmt.Errorf("%s = %v, want value in [0,1]", s.name, s.v)
		}
	}
	if !f.CompanySizeBucket.Valid() {
		return fmt.Errorf("company_size_bucket = %d is not an enumerated bucket", int(f.CompanySizeBucket))
	}
	return nil
}

// Vector returns the model input in FeatureNames order. The size bucket is
// scaled into [0,1] so every input shares a range.
func (f FeatureRecord) Vector() []float64 {
	return []float64{
		f.RevenueIndicator,
		float64(f.CompanySizeBucket) / float64(MaxSizeBucket),
		f.TechSophistication,
		f.GrowthSignal,
		f.MarketFit,
	}
}

// FeatureRecordFromVector is the inverse of Vector, used when reading
// tabular training data. The size component is rounded to the nearest bucket.
func FeatureRecordFromVector(v []float64) (FeatureRecord, error) {
	if len(v) != len(FeatureNames) {
		return FeatureRecord{}, fmt.Errorf("feature vector has %d values, want %d", len(v), len(FeatureNames))
	}
	rec := FeatureRecord{
		RevenueIndicator:   v[0],
		CompanySizeBucket:  SizeBucket(math.Round(v[1] * float64(MaxSizeBucket))),
		TechSophistication: v[2],
		GrowthSignal:       v[3],
		MarketFit:          v[4],
	}
	return rec, rec.Validate()
}

// Hint kinds produced by the qualitative analyzer.
const (
	HintBusinessType = "business_type"
	HintCompanyStage = "company_stage"
)

// Hint is a categorical judgement extracted by the qualitative analyzer.
type Hint struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// AnalysisRecord holds the qualitative analyzer's structured notes.
type AnalysisRecord struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Summary      string    `json:"summary,omitempty"`
	Industry     string    `json:"industry,omitempty"`
	TargetMarket string    `json:"target_market,omitempty"`
	USP          string    `json:"usp,omitempty"`
	Positioning  string    `json:"positioning,omitempty"`
	TechNotes    string    `json:"tech_notes,omitempty"`
	Hints        []Hint    `json:"hints,omitempty"`
	AnalyzedAt   time.Time `json:"analyzed_at"`
}

// Hint returns the value of the first hint of the given kind.
func (a *AnalysisRecord) Hint(kind string) (string, bool) {
	if a == nil {
		return "", false
	}
	for _, h := range a.Hints {
		if h.Kind == kind {
			return h.Value, true
		}
	}
	return "", false
}

// ScoreResult is an immutable scoring outcome. Re-scoring produces a new one.
type ScoreResult struct {
	ID           string        `json:"id"`
	Score        float64       `json:"score"`
	ModelVersion string        `json:"model_version"`
	ScoredAt     time.Time     `json:"scored_at"`
	Features     FeatureRecord `json:"features"`
}

// MessageStatus tracks an outreach message after it has been drafted.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageScheduled MessageStatus = "scheduled"
	MessageSent      MessageStatus = "sent"
	MessageReplied   MessageStatus = "replied"
)

var messageStatusOrder = []MessageStatus{MessagePending, MessageScheduled, MessageSent, MessageReplied}

// ParseMessageStatus maps a status name (case-insensitive) to its value.
func ParseMessageStatus(s string) (MessageStatus, error) {
	st := MessageStatus(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(messageStatusOrder, st) {
		return "", fmt.Errorf("unknown message status %q (want pending, scheduled, sent or replied)", s)
	}
	return st, nil
}

// CanMoveTo reports whether a message in status s may move to next. Status
// only moves forward; a scheduled message may be rescheduled.
func (s MessageStatus) CanMoveTo(next MessageStatus) bool {
	if s == MessageScheduled && next == MessageScheduled {
		return true
	}
	return slices.Index(messageStatusOrder, next) > slices.Index(messageStatusOrder, s)
}

// Message is a generated outreach email and its delivery state.
type Message struct {
	ID              string        `json:"id"`
	ScoreID         string        `json:"score_id"`
	Subject         string        `json:"subject"`
	Body            string        `json:"body"`
	ComposedAt      time.Time     `json:"composed_at"`
	Status          MessageStatus `json:"status"`
	ScheduledFor    time.Time     `json:"scheduled_for,omitzero"`
	StatusChangedAt time.Time     `json:"status_changed_at,omitzero"`
}

// Lead is the aggregate root for one company. Histories are ordered oldest
// first; the last entry is authoritative.
type Lead struct {
	ID           string           `json:"id"`
	Key          string           `json:"key"`
	URL          string           `json:"url"`
	CompanyName  string           `json:"company_name,omitempty"`
	ContactEmail string           `json:"contact_email,omitempty"`
	Technologies []string         `json:"technologies,omitempty"`
	Features     FeatureRecord    `json:"features"`
	Analyses     []AnalysisRecord `json:"analyses,omitempty"`
	Scores       []ScoreResult    `json:"scores"`
	Message      *Message         `json:"message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// LatestScore returns the most recent score, if any.
func (l Lead) LatestScore() (ScoreResult, bool) {
	if len(l.Scores) == 0 {
		return ScoreResult{}, false
	}
	return l.Scores[len(l.Scores)-1], true
}

// LatestAnalysis returns the most recent analysis or nil.
func (l Lead) LatestAnalysis() *AnalysisRecord {
	if len(l.Analyses) == 0 {
		return nil
	}
	a := l.Analyses[len(l.Analyses)-1]
	return &a
}

// Industry returns the industry named by the most recent analysis.
func (l Lead) Industry() string {
	if a := l.LatestAnalysis(); a != nil {
		return a.Industry
	}
	return ""
}

// NormalizeTechnologies lowercases, trims, dedupes and sorts technology
// tokens so they compare across sources.
func NormalizeTechnologies(tokens []string) []string {
	var out []string
	for _, t := range tokens {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
