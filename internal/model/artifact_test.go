package model

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leadscore/leadscore/internal/lead"
)

// stump splits on revenue_indicator at 0.5.
func stump() Tree {
	return Tree{Nodes: []Node{
		{Feature: 0, Threshold: 0.5, Left: 1, Right: 2},
		{Leaf: true, Value: 0.1},
		{Leaf: true, Value: 0.9},
	}}
}

func sampleArtifact(version string, trainedAt time.Time) *Artifact {
	return &Artifact{
		Version:     version,
		Hyperparams: Hyperparams{Trees: 2, MaxDepth: 1, MinSamplesLeaf: 1, Seed: 7},
		Metrics:     Metrics{F1: 0.8},
		TrainedAt:   trainedAt,
		Trees:       []Tree{stump(), {Nodes: []Node{{Leaf: true, Value: 0.5}}}},
	}
}

func TestPredictForest(t *testing.T) {
	a := sampleArtifact("v1", time.Now())
	if got := a.Predict([]float64{0.2, 0, 0, 0, 0}); math.Abs(got-0.3) > 1e-12 {
		t.Errorf("Predict(low) = %v, want 0.3", got)
	}
	if got := a.Predict([]float64{0.8, 0, 0, 0, 0}); math.Abs(got-0.7) > 1e-12 {
		t.Errorf("Predict(high) = %v, want 0.7", got)
	}
	if got := stump().Depth(); got != 1 {
		t.Errorf("Depth = %d, want 1", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := sampleArtifact("v1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	path, err := Save(dir, a)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if path != filepath.Join(dir, "v1.json") {
		t.Errorf("path = %s", path)
	}

	got, err := Load(dir, "v1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Checksum == "" || got.Checksum != a.Checksum {
		t.Errorf("checksum = %q, want %q", got.Checksum, a.Checksum)
	}
	x := []float64{0.9, 0.2, 0.3, 0.4, 0.5}
	if got.Predict(x) != a.Predict(x) {
		t.Errorf("loaded model predicts %v, original %v", got.Predict(x), a.Predict(x))
	}

	if _, err := Save(dir, sampleArtifact("v1", time.Now())); err == nil {
		t.Error("Save overwrote an existing version")
	}
}

func TestSave_RejectsBadVersion(t *testing.T) {
	for _, v := range []string{"", "../escape", "a/b", strings.Repeat("x", 65)} {
		if _, err := Save(t.TempDir(), sampleArtifact(v, time.Now())); err == nil {
			t.Errorf("Save(%q) succeeded", v)
		}
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := map[string]func(a *Artifact){
		"format version": func(a *Artifact) { a.FormatVersion = 99 },
		"schema":         func(a *Artifact) { a.Features = []string{"revenue_indicator"} },
		"empty forest":   func(a *Artifact) { a.Trees = nil },
		"backward child": func(a *Artifact) { a.Trees[0].Nodes[0].Left = 0 },
		"feature range":  func(a *Artifact) { a.Trees[0].Nodes[0].Feature = 5 },
		"leaf value":     func(a *Artifact) { a.Trees[0].Nodes[1].Value = 1.5 },
		"tampered trees": func(a *Artifact) { a.Trees[0].Nodes[2].Value = 0.95 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			a := sampleArtifact("v1", time.Now())
			if _, err := Save(dir, a); err != nil {
				t.Fatalf("Save: %v", err)
			}
			mutate(a)
			writeRaw(t, dir, "v1", a)

			_, err := Load(dir, "v1")
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !errors.Is(err, lead.ErrModelLoad) {
				t.Errorf("err = %v, want errors.Is ErrModelLoad", err)
			}
			var le *LoadError
			if !errors.As(err, &le) {
				t.Errorf("err = %T, want *LoadError", err)
			}
		})
	}
}

func TestLoad_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir, "nope"); !errors.Is(err, lead.ErrModelLoad) {
		t.Errorf("missing: err = %v", err)
	}
	if err := os.WriteFile(Path(dir, "bad"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir, "bad"); !errors.Is(err, lead.ErrModelLoad) {
		t.Errorf("corrupt: err = %v", err)
	}
}

func TestLatestAndList(t *testing.T) {
	dir := t.TempDir()
	if _, err := Latest(dir); !errors.Is(err, lead.ErrModelLoad) {
		t.Errorf("Latest(empty) err = %v, want ErrModelLoad", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range []string{"old", "newest", "middle"} {
		offsets := []time.Duration{0, 48 * time.Hour, 24 * time.Hour}
		if _, err := Save(dir, sampleArtifact(v, base.Add(offsets[i]))); err != nil {
			t.Fatalf("Save %s: %v", v, err)
		}
	}
	// A corrupt file is skipped, not fatal.
	if err := os.WriteFile(filepath.Join(dir, "junk.json"), []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}

	all, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d artifacts, want 3", len(all))
	}
	if all[0].Version != "newest" || all[2].Version != "old" {
		t.Errorf("order = %s,%s,%s", all[0].Version, all[1].Version, all[2].Version)
	}

	latest, err := Latest(dir)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Version != "newest" {
		t.Errorf("Latest = %s, want newest", latest.Version)
	}
}

func writeRaw(t *testing.T, dir, version string, a *Artifact) {
	t.Helper()
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(Path(dir, version), b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_VersionMustMatchFileName(t *testing.T) {
	dir := t.TempDir()
	if _, err := Save(dir, sampleArtifact("v9", time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.Rename(Path(dir, "v9"), Path(dir, "v2")); err != nil {
		t.Fatal(err)
	}

	a, err := Load(dir, "v2")
	if !errors.Is(err, lead.ErrModelLoad) {
		t.Fatalf("Load(v2) = %v, %v; want ErrModelLoad", a, err)
	}
	var le *LoadError
	if !errors.As(err, &le) || le.Reason != "version mismatch" {
		t.Errorf("err = %v, want version mismatch", err)
	}

	all, skipped, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Scan returned %d artifacts, want 0", len(all))
	}
	if len(skipped) != 1 || skipped[0].File != "v2.json" {
		t.Errorf("skipped = %+v, want v2.json", skipped)
	}
}
