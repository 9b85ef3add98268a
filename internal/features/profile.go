package features

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_profile.yaml
var defaultProfileYAML []byte

// Technology is one entry of the reference vocabulary.
type Technology struct {
	Name     string   `yaml:"name"`
	Category string   `yaml:"category"`
	Era      string   `yaml:"era"`
	Weight   float64  `yaml:"weight"`
	Keywords []string `yaml:"keywords"`
}

// Cue is a group of phrases that signal the same thing.
type Cue struct {
	Name   string   `yaml:"name"`
	Weight float64  `yaml:"weight"`
	Any    []string `yaml:"any"`
}

// Profile holds every tunable threshold, vocabulary and cue list used during
// extraction.
type Profile struct {
	MinTextChars int `yaml:"min_text_chars"`

	Size struct {
		HeadcountCutoffs      []int   `yaml:"headcount_cutoffs"`
		RevenuePerEmployeeUSD float64 `yaml:"revenue_per_employee_usd"`
	} `yaml:"size"`

	Revenue struct {
		FloorUSD   float64 `yaml:"floor_usd"`
		CeilingUSD float64 `yaml:"ceiling_usd"`
	} `yaml:"revenue"`

	Technology struct {
		Saturation float64            `yaml:"saturation"`
		Recency    map[string]float64 `yaml:"recency"`
		Vocabulary []Technology       `yaml:"vocabulary"`
	} `yaml:"technology"`

	Growth struct {
		Cues []Cue `yaml:"cues"`
	} `yaml:"growth"`

	MarketFit struct {
		B2BCues []string           `yaml:"b2b_cues"`
		B2CCues []string           `yaml:"b2c_cues"`
		Scores  map[string]float64 `yaml:"scores"`
	} `yaml:"market_fit"`

	growthRes []*regexp.Regexp
	b2bRe     *regexp.Regexp
	b2cRe     *regexp.Regexp
}

// DefaultProfile returns the embedded extraction profile.
func DefaultProfile() *Profile {
	p, err := ParseProfile(defaultProfileYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded extraction profile is invalid: %v", err))
	}
	return p
}

// LoadProfile reads a YAML profile from path. An empty path yields the
// embedded default.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading extraction profile: %w", err)
	}
	p, err := ParseProfile(b)
	if err != nil {
		return nil, fmt.Errorf("extraction profile %s: %w", path, err)
	}
	return p, nil
}

// ParseProfile decodes and validates a YAML profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.compile()
	return &p, nil
}

func (p *Profile) validate() error {
	cutoffs := p.Size.HeadcountCutoffs
	if len(cutoffs) != 5 {
		return fmt.Errorf("size.headcount_cutoffs needs 5 values (micro..enterprise), got %d", len(cutoffs))
	}
	for i := 1; i < len(cutoffs); i++ {
		if cutoffs[i] <= cutoffs[i-1] {
			return fmt.Errorf("size.headcount_cutoffs must be strictly increasing: %v", cutoffs)
		}
	}
	if cutoffs[0] < 1 {
		return fmt.Errorf("size.headcount_cutoffs must start at 1 or above: %v", cutoffs)
	}
	if p.Size.RevenuePerEmployeeUSD <= 0 {
		return fmt.Errorf("size.revenue_per_employee_usd must be positive")
	}
	if p.Revenue.FloorUSD <= 0 || p.Revenue.CeilingUSD <= p.Revenue.FloorUSD {
		return fmt.Errorf("revenue floor/ceiling must satisfy 0 < floor < ceiling")
	}
	if p.Technology.Saturation <= 0 {
		return fmt.Errorf("technology.saturation must be positive")
	}
	for _, t := range p.Technology.Vocabulary {
		if t.Weight < 0 {
			return fmt.Errorf("technology %q has negative weight", t.Name)
		}
		if len(t.Keywords) == 0 {
			return fmt.Errorf("technology %q has no keywords", t.Name)
		}
		if _, ok := p.Technology.Recency[t.Era]; !ok {
			return fmt.Errorf("technology %q uses unknown era %q", t.Name, t.Era)
		}
	}
	for era, w := range p.Technology.Recency {
		if w < 0 || w > 1 {
			return fmt.Errorf("technology.recency[%s] must be in [0,1]", era)
		}
	}
	for _, c := range p.Growth.Cues {
		if c.Weight < 0 {
			return fmt.Errorf("growth cue %q has negative weight", c.Name)
		}
	}
	for _, k := range []string{businessB2B, businessB2C, businessBoth, businessUnknown} {
		v, ok := p.MarketFit.Scores[k]
		if !ok {
			return fmt.Errorf("market_fit.scores is missing %q", k)
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("market_fit.scores[%s] must be in [0,1]", k)
		}
	}
	return nil
}

func (p *Profile) compile() {
	p.growthRes = make([]*regexp.Regexp, len(p.Growth.Cues))
	for i, c := range p.Growth.Cues {
		p.growthRes[i] = phraseRegexp(c.Any)
	}
	p.b2bRe = phraseRegexp(p.MarketFit.B2BCues)
	p.b2cRe = phraseRegexp(p.MarketFit.B2CCues)
}

// phraseRegexp builds a case-insensitive whole-word alternation. A nil result
// matches nothing.
func phraseRegexp(phrases []string) *regexp.Regexp {
	var parts []string
	for _, ph := range phrases {
		ph = strings.TrimSpace(ph)
		if ph == "" {
			continue
		}
		parts = append(parts, regexp.QuoteMeta(strings.ToLower(ph)))
	}
	if len(parts) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b`)
}
