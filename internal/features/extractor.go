package features

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/leadscore/leadscore/internal/lead"
)

// Business types used as keys of market_fit.scores.
const (
	businessB2B     = "b2b"
	businessB2C     = "b2c"
	businessBoth    = "both"
	businessUnknown = "unknown"
)

const (
	amountExpr = `\$\s?(\d{1,3}(?:,\d{3})+|\d+(?:\.\d+)?)\s*(k|thousand|mm|m|million|bn|b|billion)?\b`
	revenueCue = `(?:annual\s+recurring\s+revenue|revenues?|arr|sales|turnover)`
	countExpr  = `(\d{1,3}(?:,\d{3})+|\d+)`
)

var (
	revenueBefore = regexp.MustCompile(`(?i)\b` + revenueCue + `\b[^$\n]{0,40}?` + amountExpr)
	revenueAfter  = regexp.MustCompile(`(?i)` + amountExpr + `\s*(?:in\s+|of\s+)?(?:annual\s+)?` + revenueCue + `\b`)

	headcountAfter  = regexp.MustCompile(`(?i)\b` + countExpr + `\+?\s*(?:full[- ]time\s+)?(?:employees|team members|staff|engineers|professionals)\b`)
	headcountBefore = regexp.MustCompile(`(?i)\b(?:team of|staff of|employs|headcount(?: of)?:?)\s+` + countExpr + `\b`)
)

// Extractor turns raw company content into a FeatureRecord. It is safe for
// concurrent use.
type Extractor struct {
	profile *Profile
}

// New creates an Extractor. A nil profile uses the embedded default.
func New(p *Profile) *Extractor {
	if p == nil {
		p = DefaultProfile()
	}
	return &Extractor{profile: p}
}

// Profile returns the extraction profile in use.
func (e *Extractor) Profile() *Profile {
	return e.profile
}

// Extract builds a feature record from raw content. It never fails: sparse or
// malformed input yields zero scalars, an unknown size bucket and the
// LowConfidence flag.
func (e *Extractor) Extract(raw lead.RawCompanyContent) lead.FeatureRecord {
	rec, _ := e.ExtractPage(raw)
	return rec
}

// ExtractPage is Extract plus the parsed page it was computed from.
func (e *Extractor) ExtractPage(raw lead.RawCompanyContent) (lead.FeatureRecord, Page) {
	page := ParsePage(raw)
	text := page.Text
	if page.Description != "" {
		text = page.Description + " " + text
	}

	revenue := detectRevenue(text)
	headcount := detectHeadcount(text)

	rec := lead.FeatureRecord{
		RevenueIndicator:   e.revenueIndicator(revenue),
		CompanySizeBucket:  e.sizeBucket(headcount, revenue),
		TechSophistication: e.techSophistication(raw.Technologies),
		GrowthSignal:       e.growthSignal(text),
		MarketFit:          e.profile.MarketFit.Scores[e.classifyBusiness(text)],
	}

	noSignals := rec.RevenueIndicator == 0 &&
		rec.CompanySizeBucket == lead.SizeUnknown &&
		rec.TechSophistication == 0 &&
		rec.GrowthSignal == 0 &&
		rec.MarketFit == 0
	badStatus := raw.StatusCode != 0 && (raw.StatusCode < 200 || raw.StatusCode > 299)
	rec.LowConfidence = noSignals || badStatus || len(page.Text) < e.profile.MinTextChars

	return sanitize(rec), page
}

// Refine recomputes market_fit from the analysis business_type hint. The
// record is returned unchanged when there is no usable hint.
func (e *Extractor) Refine(rec lead.FeatureRecord, analysis *lead.AnalysisRecord) lead.FeatureRecord {
	v, ok := analysis.Hint(lead.HintBusinessType)
	if !ok {
		return rec
	}
	key := strings.ToLower(strings.TrimSpace(v))
	if key == businessUnknown {
		return rec
	}
	score, ok := e.profile.MarketFit.Scores[key]
	if !ok {
		return rec
	}
	rec.MarketFit = clamp01(score)
	return rec
}

func (e *Extractor) revenueIndicator(revenue float64) float64 {
	if revenue <= 0 {
		return 0
	}
	lo := math.Log10(e.profile.Revenue.FloorUSD)
	hi := math.Log10(e.profile.Revenue.CeilingUSD)
	return clamp01((math.Log10(revenue) - lo) / (hi - lo))
}

// sizeBucket walks the cutoff ladder with the stated headcount, or a proxy
// derived from revenue when none is stated.
func (e *Extractor) sizeBucket(headcount int, revenue float64) lead.SizeBucket {
	proxy := float64(headcount)
	if proxy <= 0 && revenue > 0 {
		// Kept in float64: huge revenue figures overflow int.
		proxy = max(1, revenue/e.profile.Size.RevenuePerEmployeeUSD)
	}
	if proxy <= 0 || math.IsNaN(proxy) {
		return lead.SizeUnknown
	}
	cutoffs := e.profile.Size.HeadcountCutoffs
	for i := len(cutoffs) - 1; i >= 0; i-- {
		if proxy >= float64(cutoffs[i]) {
			return lead.SizeBucket(i + 1)
		}
	}
	return lead.SizeUnknown
}

func (e *Extractor) techSophistication(tokens []string) float64 {
	var normalized []string
	for _, t := range tokens {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			normalized = append(normalized, t)
		}
	}
	if len(normalized) == 0 {
		return 0
	}

	var sum float64
	for _, tech := range e.profile.Technology.Vocabulary {
		if matchesAny(normalized, tech.Keywords) {
			sum += tech.Weight * e.profile.Technology.Recency[tech.Era]
		}
	}
	return clamp01(sum / e.profile.Technology.Saturation)
}

func matchesAny(tokens, keywords []string) bool {
	for _, tok := range tokens {
		for _, kw := range keywords {
			if strings.Contains(tok, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

func (e *Extractor) growthSignal(text string) float64 {
	var sum float64
	for i, re := range e.profile.growthRes {
		if re != nil && re.MatchString(text) {
			sum += e.profile.Growth.Cues[i].Weight
		}
	}
	return clamp01(sum)
}

// classifyBusiness compares B2B and B2C cue counts. One side needs twice the
// hits of the other to win outright.
func (e *Extractor) classifyBusiness(text string) string {
	b2b := countMatches(e.profile.b2bRe, text)
	b2c := countMatches(e.profile.b2cRe, text)
	switch {
	case b2b == 0 && b2c == 0:
		return businessUnknown
	case b2b >= 2*b2c:
		return businessB2B
	case b2c >= 2*b2b:
		return businessB2C
	default:
		return businessBoth
	}
}

func countMatches(re *regexp.Regexp, text string) int {
	if re == nil {
		return 0
	}
	return len(re.FindAllStringIndex(text, -1))
}

// detectRevenue returns the largest revenue figure mentioned, in USD.
func detectRevenue(text string) float64 {
	var best float64
	for _, re := range []*regexp.Regexp{revenueBefore, revenueAfter} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if v := parseAmount(m[len(m)-2], m[len(m)-1]); v > best {
				best = v
			}
		}
	}
	return best
}

func parseAmount(num, unit string) float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", ""), 64)
	if errors.Is(err, strconv.ErrRange) && v > 0 {
		return math.MaxFloat64
	}
	if err != nil || v < 0 {
		return 0
	}
	switch strings.ToLower(unit) {
	case "k", "thousand":
		v *= 1e3
	case "m", "mm", "million":
		v *= 1e6
	case "b", "bn", "billion":
		v *= 1e9
	}
	return v
}

// detectHeadcount returns the largest stated headcount, or 0.
func detectHeadcount(text string) int {
	best := 0
	for _, re := range []*regexp.Regexp{headcountAfter, headcountBefore} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
			if errors.Is(err, strconv.ErrRange) {
				n, err = math.MaxInt, nil
			}
			if err == nil && n > best {
				best = n
			}
		}
	}
	return best
}

func sanitize(rec lead.FeatureRecord) lead.FeatureRecord {
	rec.RevenueIndicator = clamp01(rec.RevenueIndicator)
	rec.TechSophistication = clamp01(rec.TechSophistication)
	rec.GrowthSignal = clamp01(rec.GrowthSignal)
	rec.MarketFit = clamp01(rec.MarketFit)
	if !rec.CompanySizeBucket.Valid() {
		rec.CompanySizeBucket = lead.SizeUnknown
	}
	return rec
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
