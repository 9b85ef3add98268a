package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/leadscore/leadscore/internal/lead"
)

// FormatVersion is the artifact layout written by this package.
const FormatVersion = 1

const artifactExt = ".json"

var versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Hyperparams records how a forest was trained.
type Hyperparams struct {
	Trees              int     `json:"trees"`
	MaxDepth           int     `json:"max_depth"`
	MinSamplesLeaf     int     `json:"min_samples_leaf"`
	MaxFeatures        int     `json:"max_features"`
	Seed               uint64  `json:"seed"`
	ValidationFraction float64 `json:"validation_fraction"`
}

// Metrics are computed on the held-out validation split.
type Metrics struct {
	Accuracy       float64 `json:"accuracy"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
	TrainSize      int     `json:"train_size"`
	ValidationSize int     `json:"validation_size"`
}

// Artifact is a trained, versioned scoring model as stored on disk.
type Artifact struct {
	FormatVersion int         `json:"format_version"`
	Version       string      `json:"version"`
	Features      []string    `json:"features"`
	Hyperparams   Hyperparams `json:"hyperparams"`
	Metrics       Metrics     `json:"metrics"`
	TrainedAt     time.Time   `json:"trained_at"`
	Trees         []Tree      `json:"trees"`
	Checksum      string      `json:"checksum"`
}

// Predict returns the forest's conversion probability for x.
func (a *Artifact) Predict(x []float64) float64 {
	return PredictForest(a.Trees, x)
}

// LoadError reports an artifact that is missing, corrupt or incompatible.
type LoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("loading model %s: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is makes every LoadError match lead.ErrModelLoad.
func (e *LoadError) Is(target error) bool { return target == lead.ErrModelLoad }

// Path returns where the artifact for version lives in dir.
func Path(dir, version string) string {
	return filepath.Join(dir, version+artifactExt)
}

// ValidVersion reports whether v can be used as an artifact version.
func ValidVersion(v string) bool {
	return versionPattern.MatchString(v)
}

// Checksum hashes the serialized trees.
func Checksum(trees []Tree) (string, error) {
	b, err := json.Marshal(trees)
	if err != nil {
		return "", fmt.Errorf("encoding trees: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Save writes a to dir, filling in the format version, feature schema and
// checksum. Artifacts are immutable: an existing version is never overwritten.
func Save(dir string, a *Artifact) (string, error) {
	if !ValidVersion(a.Version) {
		return "", fmt.Errorf("invalid model version %q", a.Version)
	}
	a.FormatVersion = FormatVersion
	a.Features = slices.Clone(lead.FeatureNames)
	sum, err := Checksum(a.Trees)
	if err != nil {
		return "", err
	}
	a.Checksum = sum
	if err := a.validate(); err != nil {
		return "", fmt.Errorf("refusing to save invalid model: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating models dir: %w", err)
	}
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding model: %w", err)
	}

	path := Path(dir, a.Version)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("model version %s already exists", a.Version)
		}
		return "", fmt.Errorf("creating model file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing model file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing model file: %w", err)
	}
	return path, nil
}

// Load reads and validates the artifact for version from dir.
func Load(dir, version string) (*Artifact, error) {
	if !ValidVersion(version) {
		return nil, &LoadError{Path: version, Reason: "invalid version name"}
	}
	path := Path(dir, version)
	a, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if a.Version != version {
		return nil, &LoadError{Path: path, Reason: "version mismatch",
			Err: fmt.Errorf("file holds version %q", a.Version)}
	}
	return a, nil
}

// LoadFile reads and validates an artifact at path.
func LoadFile(path string) (*Artifact, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Reason: "reading file", Err: err}
	}
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, &LoadError{Path: path, Reason: "decoding json", Err: err}
	}
	if err := a.validate(); err != nil {
		return nil, &LoadError{Path: path, Reason: "invalid artifact", Err: err}
	}
	return &a, nil
}

func (a *Artifact) validate() error {
	if a.FormatVersion != FormatVersion {
		return fmt.Errorf("unsupported format version %d (want %d)", a.FormatVersion, FormatVersion)
	}
	if !slices.Equal(a.Features, lead.FeatureNames) {
		return fmt.Errorf("feature schema %v does not match %v", a.Features, lead.FeatureNames)
	}
	if len(a.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	for ti, t := range a.Trees {
		if err := validateTree(t, len(a.Features)); err != nil {
			return fmt.Errorf("tree %d: %w", ti, err)
		}
	}
	sum, err := Checksum(a.Trees)
	if err != nil {
		return err
	}
	if sum != a.Checksum {
		return fmt.Errorf("checksum mismatch: stored %s, computed %s", a.Checksum, sum)
	}
	return nil
}

func validateTree(t Tree, nFeatures int) error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Leaf {
			if math.IsNaN(n.Value) || n.Value < 0 || n.Value > 1 {
				return fmt.Errorf("node %d: leaf value %v outside [0,1]", i, n.Value)
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= nFeatures {
			return fmt.Errorf("node %d: feature index %d out of range", i, n.Feature)
		}
		if math.IsNaN(n.Threshold) {
			return fmt.Errorf("node %d: threshold is NaN", i)
		}
		for _, c := range []int{n.Left, n.Right} {
			if c <= i || c >= len(t.Nodes) {
				return fmt.Errorf("node %d: child %d must point forward within the tree", i, c)
			}
		}
	}
	return nil
}

// Skipped is a file in a models dir that could not be used as an artifact.
type Skipped struct {
	File    string
	ModTime time.Time
	Err     error
}

// Scan loads every artifact in dir, newest first, and reports the .json
// files it had to skip: unreadable, invalid, or not named after the version
// they hold. A missing dir yields nothing.
func Scan(dir string) ([]*Artifact, []Skipped, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading models dir: %w", err)
	}
	var (
		out     []*Artifact
		skipped []Skipped
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), artifactExt) {
			continue
		}
		a, err := LoadFile(filepath.Join(dir, e.Name()))
		if err == nil && e.Name() != a.Version+artifactExt {
			err = fmt.Errorf("file name does not match version %q", a.Version)
		}
		if err != nil {
			sk := Skipped{File: e.Name(), Err: err}
			if info, ierr := e.Info(); ierr == nil {
				sk.ModTime = info.ModTime()
			}
			skipped = append(skipped, sk)
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TrainedAt.Equal(out[j].TrainedAt) {
			return out[i].TrainedAt.After(out[j].TrainedAt)
		}
		return out[i].Version > out[j].Version
	})
	return out, skipped, nil
}

// List is Scan with skipped files logged and dropped.
func List(dir string) ([]*Artifact, error) {
	out, skipped, err := Scan(dir)
	for _, sk := range skipped {
		slog.Warn("skipping model artifact", "file", sk.File, "error", sk.Err)
	}
	return out, err
}

// Latest returns the most recently trained valid artifact in dir.
func Latest(dir string) (*Artifact, error) {
	all, err := List(dir)
	if err != nil {
		return nil, &LoadError{Path: dir, Reason: "listing models", Err: err}
	}
	if len(all) == 0 {
		return nil, &LoadError{Path: dir, Reason: "no trained models found; run `leadscore train` first"}
	}
	return all[0], nil
}
