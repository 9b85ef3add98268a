package scoring

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/leadscore/leadscore/internal/model"
)

// Version selectors accepted by Load besides an explicit version.
const (
	VersionLatest   = "latest"
	VersionBaseline = "baseline"
)

// Load resolves version against dir and returns a ready Service. Any
// failure satisfies errors.Is(err, lead.ErrModelLoad).
func Load(dir, version string) (*Service, error) {
	switch version {
	case VersionBaseline, BaselineVersion:
		return NewBaseline(), nil
	case "", VersionLatest:
		a, err := model.Latest(dir)
		if err != nil {
			return nil, err
		}
		slog.Debug("loaded scoring model", "model_version", a.Version, "f1", a.Metrics.F1)
		return FromArtifact(a), nil
	default:
		a, err := model.Load(dir, version)
		if err != nil {
			return nil, err
		}
		slog.Debug("loaded scoring model", "model_version", a.Version, "f1", a.Metrics.F1)
		return FromArtifact(a), nil
	}
}

// Resolve is Load for serving: "latest" falls back to the baseline while no
// model has been trained yet. Explicit versions stay strict, and so does
// "latest" when the most recently written artifact file is unusable.
func Resolve(dir, version string) (*Service, error) {
	if version != "" && version != VersionLatest {
		return Load(dir, version)
	}
	all, skipped, err := model.Scan(dir)
	if err != nil {
		return nil, &model.LoadError{Path: dir, Reason: "listing models", Err: err}
	}
	if sk, ok := newestSkipped(dir, all, skipped); ok {
		return nil, &model.LoadError{Path: filepath.Join(dir, sk.File), Reason: "newest model artifact is unusable", Err: sk.Err}
	}
	for _, sk := range skipped {
		slog.Warn("skipping model artifact", "file", sk.File, "error", sk.Err)
	}
	if len(all) == 0 {
		slog.Warn("no trained model found, scoring with baseline", "models_dir", dir, "model_version", BaselineVersion)
		return NewBaseline(), nil
	}
	return FromArtifact(all[0]), nil
}

// newestSkipped returns the most recently modified skipped file when it is
// newer than every usable artifact file.
func newestSkipped(dir string, all []*model.Artifact, skipped []model.Skipped) (model.Skipped, bool) {
	if len(skipped) == 0 {
		return model.Skipped{}, false
	}
	newest := slices.MaxFunc(skipped, func(a, b model.Skipped) int { return a.ModTime.Compare(b.ModTime) })
	for _, a := range all {
		info, err := os.Stat(model.Path(dir, a.Version))
		if err == nil && !info.ModTime().Before(newest.ModTime) {
			return model.Skipped{}, false
		}
	}
	return newest, true
}
