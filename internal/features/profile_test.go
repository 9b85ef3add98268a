package features

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultProfile(t *testing.T) {
	p := DefaultProfile()
	if len(p.Technology.Vocabulary) == 0 {
		t.Fatal("default vocabulary is empty")
	}
	if p.MarketFit.Scores[businessUnknown] != 0 {
		t.Errorf("unknown market fit = %v, want 0", p.MarketFit.Scores[businessUnknown])
	}
}

func TestLoadProfile_EmptyPath(t *testing.T) {
	p, err := LoadProfile("")
	if err != nil {
		t.Fatalf("LoadProfile(\"\") error: %v", err)
	}
	if p.MinTextChars != DefaultProfile().MinTextChars {
		t.Errorf("MinTextChars = %d, want default", p.MinTextChars)
	}
}

func TestLoadProfile_File(t *testing.T) {
	data := strings.Replace(string(defaultProfileYAML), "min_text_chars: 200", "min_text_chars: 50", 1)
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile error: %v", err)
	}
	if p.MinTextChars != 50 {
		t.Errorf("MinTextChars = %d, want 50", p.MinTextChars)
	}

	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseProfile_Rejects(t *testing.T) {
	base := string(defaultProfileYAML)
	tests := map[string]string{
		"non-increasing cutoffs": strings.Replace(base, "[1, 11, 51, 201, 1001]", "[1, 11, 11, 201, 1001]", 1),
		"wrong cutoff count":     strings.Replace(base, "[1, 11, 51, 201, 1001]", "[1, 11, 51]", 1),
		"negative tech weight":   strings.Replace(base, "era: modern, weight: 0.8, keywords: [react]", "era: modern, weight: -0.8, keywords: [react]", 1),
		"negative cue weight":    strings.Replace(base, "{name: hiring, weight: 0.4", "{name: hiring, weight: -0.4", 1),
		"unknown era":            strings.Replace(base, "era: legacy, weight: 0.4, keywords: [php]", "era: ancient, weight: 0.4, keywords: [php]", 1),
		"inverted revenue range": strings.Replace(base, "ceiling_usd: 1000000000", "ceiling_usd: 1000", 1),
		"missing fit score":      strings.Replace(base, "    both: 0.8\n", "", 1),
		"not yaml":               "size: [unterminated",
	}
	for name, doc := range tests {
		if doc == base {
			t.Fatalf("%s: replacement did not apply", name)
		}
		if _, err := ParseProfile([]byte(doc)); err == nil {
			t.Errorf("%s: ParseProfile succeeded, want error", name)
		}
	}
}
