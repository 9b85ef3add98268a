// Package scoring serves lead scores from a loaded, read-only model.
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/leadscore/leadscore/internal/lead"
	"github.com/leadscore/leadscore/internal/model"
)

// Scorer turns a feature record into a score.
type Scorer interface {
	Score(f lead.FeatureRecord) (lead.ScoreResult, error)
	Version() string
}

// Predictor is the part of a trained model the service needs.
type Predictor interface {
	Predict(x []float64) float64
}

// Service scores records with a fixed model version. It holds no mutable
// state and is safe for concurrent use.
type Service struct {
	predictor Predictor
	version   string
	now       func() time.Time
}

// NewService wraps a loaded model.
func NewService(p Predictor, version string) *Service {
	return &Service{predictor: p, version: version, now: time.Now}
}

// FromArtifact wraps a validated artifact.
func FromArtifact(a *model.Artifact) *Service {
	return NewService(a, a.Version)
}

func (s *Service) Version() string { return s.version }

// Score returns a new ScoreResult for f. It errors only when f is outside its
// declared domain.
func (s *Service) Score(f lead.FeatureRecord) (lead.ScoreResult, error) {
	if err := f.Validate(); err != nil {
		return lead.ScoreResult{}, fmt.Errorf("scoring with %s: %w", s.version, err)
	}
	p := s.predictor.Predict(f.Vector())
	if math.IsNaN(p) {
		return lead.ScoreResult{}, fmt.Errorf("scoring with %s: model produced NaN", s.version)
	}
	return lead.ScoreResult{
		ID:           uuid.New().String(),
		Score:        math.Min(1, math.Max(0, p)),
		ModelVersion: s.version,
		ScoredAt:     s.now().UTC(),
		Features:     f,
	}, nil
}
