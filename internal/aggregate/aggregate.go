// Package aggregate maintains the Lead aggregate: one record per company,
// keyed by canonical domain, with append-only score and analysis histories.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leadscore/leadscore/internal/lead"
	"github.com/leadscore/leadscore/internal/storage"
)

// LeadStore is the persistence the aggregator needs. *storage.Store
// implements it.
type LeadStore interface {
	SaveAggregate(ctx context.Context, a storage.Append) (lead.Lead, error)
	GetLeadByKey(ctx context.Context, key string) (lead.Lead, error)
}

// Input is one scoring outcome to fold into a lead.
type Input struct {
	URL          string
	CompanyName  string
	ContactEmail string
	Technologies []string
	Features     lead.FeatureRecord
	Analysis     *lead.AnalysisRecord
	Score        lead.ScoreResult
}

// Aggregator creates leads and appends new results to existing ones.
type Aggregator struct {
	store LeadStore
	now   func() time.Time
}

func New(store LeadStore) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// Aggregate folds a score and optional analysis into the lead for url.
func (a *Aggregator) Aggregate(ctx context.Context, url string, features lead.FeatureRecord, analysis *lead.AnalysisRecord, score lead.ScoreResult) (lead.Lead, error) {
	return a.Save(ctx, Input{URL: url, Features: features, Analysis: analysis, Score: score})
}

// Save is Aggregate with company identity fields. Empty identity fields
// leave the stored values untouched.
func (a *Aggregator) Save(ctx context.Context, in Input) (lead.Lead, error) {
	key, err := CanonicalKey(in.URL)
	if err != nil {
		return lead.Lead{}, err
	}
	if in.Score.ID == "" {
		return lead.Lead{}, errors.New("aggregating lead: score has no id")
	}
	l, err := a.store.SaveAggregate(ctx, storage.Append{
		Key:          key,
		URL:          in.URL,
		CompanyName:  in.CompanyName,
		ContactEmail: in.ContactEmail,
		Technologies: in.Technologies,
		Features:     in.Features,
		Score:        in.Score,
		Analysis:     in.Analysis,
		At:           a.now(),
	})
	if err != nil {
		return lead.Lead{}, fmt.Errorf("aggregating %s: %w", key, err)
	}
	return l, nil
}

// Get returns the lead for a URL or canonical key.
func (a *Aggregator) Get(ctx context.Context, urlOrKey string) (lead.Lead, error) {
	key, err := CanonicalKey(urlOrKey)
	if err != nil {
		return lead.Lead{}, err
	}
	return a.store.GetLeadByKey(ctx, key)
}
