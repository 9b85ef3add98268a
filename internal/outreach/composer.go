// Package outreach fills message templates from a scored lead.
package outreach

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"text/template"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/leadscore/leadscore/internal/lead"
)

// DefaultSender signs messages when no sender name is configured.
const DefaultSender = "The Caprae Team"

// Priority tiers by latest score.
const (
	TierHot     = "hot"
	TierActive  = "active"
	TierDormant = "dormant"
)

// Tier maps a score to its priority tier.
func Tier(score float64) string {
	switch {
	case score >= 0.85:
		return TierHot
	case score >= 0.70:
		return TierActive
	default:
		return TierDormant
	}
}

var tierLabels = map[string]string{
	TierHot:     "Hot",
	TierActive:  "Active",
	TierDormant: "Dormant",
}

// Composer renders outreach messages. It is safe for concurrent use.
type Composer struct {
	subject *template.Template
	body    *template.Template
	sender  string
	now     func() time.Time
}

// New compiles t and checks it renders against a lead with no analysis.
func New(t Templates, sender string) (*Composer, error) {
	subject, body, err := t.compile()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sender) == "" {
		sender = DefaultSender
	}
	c := &Composer{subject: subject, body: body, sender: sender, now: time.Now}

	sample := lead.Lead{Key: "example.com", Scores: []lead.ScoreResult{{ID: "sample", Score: 0.5}}}
	if _, err := c.Compose(sample); err != nil {
		return nil, fmt.Errorf("checking templates: %w", err)
	}
	return c, nil
}

// Compose fills the templates from the lead's features, latest score and
// latest analysis. Missing analysis fields fall back to generic clauses.
func (c *Composer) Compose(l lead.Lead) (lead.Message, error) {
	latest, ok := l.LatestScore()
	if !ok {
		return lead.Message{}, &lead.PreconditionError{LeadKey: l.Key, Reason: "lead has no score"}
	}

	data := c.context(l, latest)
	subject, err := render(c.subject, data)
	if err != nil {
		return lead.Message{}, err
	}
	body, err := render(c.body, data)
	if err != nil {
		return lead.Message{}, err
	}

	return lead.Message{
		ID:         uuid.New().String(),
		ScoreID:    latest.ID,
		Subject:    strings.Join(strings.Fields(subject), " "),
		Body:       tidyBody(body),
		ComposedAt: c.now().UTC(),
		Status:     lead.MessagePending,
	}, nil
}

func render(t *template.Template, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", t.Name(), err)
	}
	out := buf.String()
	for _, marker := range []string{"{{", "}}", "<no value>"} {
		if strings.Contains(out, marker) {
			return "", fmt.Errorf("rendering %s: unresolved placeholder %q in output", t.Name(), marker)
		}
	}
	return out, nil
}

func (c *Composer) context(l lead.Lead, score lead.ScoreResult) map[string]any {
	a := l.LatestAnalysis()
	if a == nil {
		a = &lead.AnalysisRecord{}
	}
	company := clean(l.CompanyName)
	if company == "" {
		company = l.Key
	}
	tier := Tier(score.Score)

	return map[string]any{
		"Company":      company,
		"Sender":       c.sender,
		"Tier":         tier,
		"TierLabel":    tierLabels[tier],
		"ScorePercent": int(math.Round(score.Score * 100)),
		"Industry":     orElse(a.Industry, "in the %s space", "in your market"),
		"Audience":     orElse(a.TargetMarket, "teams serving %s", "companies at a similar stage"),
		"Strength":     orElse(a.USP, "your focus on %s", "the way you serve your customers"),
		"Summary":      orElse(a.Summary, "%s", "It is clear the team cares about the product."),
		"Size":         sizePhrase(l.Features.CompanySizeBucket),
		"Tech":         techPhrase(l.Features.TechSophistication),
		"Growth":       growthPhrase(l.Features.GrowthSignal),
	}
}

// clean strips template delimiters from free text so analysis output can
// never look like an unresolved placeholder.
func clean(s string) string {
	s = strings.NewReplacer("{{", "", "}}", "", "<no value>", "").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func orElse(v, format, fallback string) string {
	v = strings.TrimRight(clean(v), ".")
	if v == "" {
		return fallback
	}
	if format == "%s" {
		return v + "."
	}
	return fmt.Sprintf(format, lowerFirst(v))
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 {
		return s
	}
	// Keep acronyms such as "B2B" or "AI" intact.
	if next, _ := utf8.DecodeRuneInString(s[n:]); unicode.IsUpper(next) {
		return s
	}
	return string(unicode.ToLower(r)) + s[n:]
}

func sizePhrase(b lead.SizeBucket) string {
	switch b {
	case lead.SizeMicro, lead.SizeSmall:
		return "small teams"
	case lead.SizeMedium:
		return "mid-sized companies"
	case lead.SizeLarge, lead.SizeEnterprise:
		return "larger organisations"
	default:
		return "teams of every size"
	}
}

func techPhrase(v float64) string {
	switch {
	case v >= 0.6:
		return "a modern stack"
	case v >= 0.3:
		return "a growing set of tools"
	default:
		return "lean tooling"
	}
}

func growthPhrase(v float64) string {
	switch {
	case v >= 0.5:
		return "It looks like you are growing fast, which is usually when this matters most."
	case v > 0:
		return "It looks like things are moving on your side."
	default:
		return "Timing is rarely perfect, so no pressure."
	}
}

// tidyBody trims trailing spaces and collapses runs of blank lines.
func tidyBody(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, ln := range lines {
		ln = strings.TrimRight(ln, " \t")
		if ln == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, ln)
	}
	return strings.Join(out, "\n")
}
