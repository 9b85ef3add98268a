// Package training fits the bagged decision-tree scoring model from labeled
// feature records. It shares only lead.FeatureRecord and the artifact format
// with the serving side.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/leadscore/leadscore/internal/lead"
	"github.com/leadscore/leadscore/internal/model"
)

var (
	// ErrDegenerateDataset means a class has too few examples to train and
	// validate on.
	ErrDegenerateDataset = errors.New("degenerate dataset")

	// ErrDegenerateModel means the forest predicts a single class across a
	// validation split that contains both.
	ErrDegenerateModel = errors.New("degenerate model")

	// ErrNotEligible means validation F1 is below the configured minimum.
	ErrNotEligible = errors.New("model not eligible")
)

// Example is one labeled company.
type Example struct {
	Features  lead.FeatureRecord
	Converted bool
}

// Config holds training hyperparameters. Zero values take the defaults below.
type Config struct {
	Trees              int
	MaxDepth           int
	MinSamplesLeaf     int
	MaxFeatures        int
	Seed               uint64
	ValidationFraction float64
	MinF1              float64
	Version            string
}

// DefaultConfig returns the hyperparameters used when none are given.
func DefaultConfig() Config {
	return Config{
		Trees:              50,
		MaxDepth:           6,
		MinSamplesLeaf:     2,
		MaxFeatures:        int(math.Ceil(math.Sqrt(float64(len(lead.FeatureNames))))),
		Seed:               42,
		ValidationFraction: 0.2,
		MinF1:              0.6,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Trees <= 0 {
		c.Trees = d.Trees
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.MinSamplesLeaf <= 0 {
		c.MinSamplesLeaf = d.MinSamplesLeaf
	}
	if c.MaxFeatures <= 0 {
		c.MaxFeatures = d.MaxFeatures
	}
	if c.ValidationFraction <= 0 {
		c.ValidationFraction = d.ValidationFraction
	}
	return c
}

func (c Config) validate() error {
	if c.ValidationFraction >= 1 {
		return fmt.Errorf("validation fraction %v must be below 1", c.ValidationFraction)
	}
	if c.MinF1 < 0 || c.MinF1 > 1 {
		return fmt.Errorf("min F1 %v must be in [0,1]", c.MinF1)
	}
	if c.Version != "" && !model.ValidVersion(c.Version) {
		return fmt.Errorf("invalid model version %q", c.Version)
	}
	return nil
}

// Train fits a forest on data and evaluates it on a stratified hold-out. On
// ErrNotEligible the metrics are still returned so they can be reported.
// The artifact is not written to disk; see model.Save.
func Train(ctx context.Context, data []Example, cfg Config) (*model.Artifact, model.Metrics, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, model.Metrics{}, err
	}

	x := make([][]float64, len(data))
	y := make([]bool, len(data))
	for i, ex := range data {
		if err := ex.Features.Validate(); err != nil {
			return nil, model.Metrics{}, fmt.Errorf("example %d: %w", i, err)
		}
		x[i] = ex.Features.Vector()
		y[i] = ex.Converted
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	trainIdx, valIdx, err := stratifiedSplit(y, cfg.ValidationFraction, rng)
	if err != nil {
		return nil, model.Metrics{}, err
	}

	b := &treeBuilder{
		x:              x,
		y:              y,
		maxDepth:       cfg.MaxDepth,
		minSamplesLeaf: cfg.MinSamplesLeaf,
		maxFeatures:    cfg.MaxFeatures,
		rng:            rng,
	}
	trees := make([]model.Tree, 0, cfg.Trees)
	sample := make([]int, len(trainIdx))
	for t := 0; t < cfg.Trees; t++ {
		if err := ctx.Err(); err != nil {
			return nil, model.Metrics{}, fmt.Errorf("training cancelled: %w", err)
		}
		for i := range sample {
			sample[i] = trainIdx[rng.IntN(len(trainIdx))]
		}
		trees = append(trees, b.grow(sample))
	}

	metrics, err := evaluate(trees, x, y, valIdx)
	metrics.TrainSize = len(trainIdx)
	metrics.ValidationSize = len(valIdx)
	if err != nil {
		return nil, metrics, err
	}
	if metrics.F1 < cfg.MinF1 {
		return nil, metrics, fmt.Errorf("%w: validation F1 %.3f below minimum %.3f", ErrNotEligible, metrics.F1, cfg.MinF1)
	}

	trainedAt := time.Now().UTC()
	version := cfg.Version
	if version == "" {
		version = "v" + trainedAt.Format("20060102T150405Z")
	}
	return &model.Artifact{
		Version: version,
		Hyperparams: model.Hyperparams{
			Trees:              cfg.Trees,
			MaxDepth:           cfg.MaxDepth,
			MinSamplesLeaf:     cfg.MinSamplesLeaf,
			MaxFeatures:        cfg.MaxFeatures,
			Seed:               cfg.Seed,
			ValidationFraction: cfg.ValidationFraction,
		},
		Metrics:   metrics,
		TrainedAt: trainedAt,
		Trees:     trees,
	}, metrics, nil
}

// stratifiedSplit holds out the same fraction of each class. Every class
// keeps at least one example on each side.
func stratifiedSplit(y []bool, fraction float64, rng *rand.Rand) (train, val []int, err error) {
	var pos, neg []int
	for i, v := range y {
		if v {
			pos = append(pos, i)
		} else {
			neg = append(neg, i)
		}
	}
	for _, class := range []struct {
		name string
		idx  []int
	}{{"converted", pos}, {"not converted", neg}} {
		if len(class.idx) == 0 {
			return nil, nil, fmt.Errorf("%w: class %q has no examples", ErrDegenerateDataset, class.name)
		}
		if len(class.idx) < 2 {
			return nil, nil, fmt.Errorf("%w: class %q needs at least 2 examples, has %d", ErrDegenerateDataset, class.name, len(class.idx))
		}
		rng.Shuffle(len(class.idx), func(i, j int) { class.idx[i], class.idx[j] = class.idx[j], class.idx[i] })
		n := int(math.Round(fraction * float64(len(class.idx))))
		n = min(max(n, 1), len(class.idx)-1)
		val = append(val, class.idx[:n]...)
		train = append(train, class.idx[n:]...)
	}
	return train, val, nil
}

func evaluate(trees []model.Tree, x [][]float64, y []bool, valIdx []int) (model.Metrics, error) {
	var tp, fp, tn, fn int
	for _, i := range valIdx {
		pred := model.PredictForest(trees, x[i]) >= 0.5
		switch {
		case pred && y[i]:
			tp++
		case pred && !y[i]:
			fp++
		case !pred && !y[i]:
			tn++
		default:
			fn++
		}
	}

	var m model.Metrics
	m.Accuracy = float64(tp+tn) / float64(len(valIdx))
	if tp+fp > 0 {
		m.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		m.Recall = float64(tp) / float64(tp+fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}

	if tp+fp == 0 || tn+fn == 0 {
		return m, fmt.Errorf("%w: forest predicts a single class on a two-class validation split", ErrDegenerateModel)
	}
	return m, nil
}
