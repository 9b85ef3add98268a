package pipeline

import (
	"context"
	"fmt"

	"github.com/leadscore/leadscore/internal/aggregate"
	"github.com/leadscore/leadscore/internal/lead"
)

// MessageStore loads leads and records composed messages.
type MessageStore interface {
	GetLeadByKey(ctx context.Context, key string) (lead.Lead, error)
	AppendMessage(ctx context.Context, key string, m lead.Message) error
}

// Composer renders an outreach message for a scored lead.
type Composer interface {
	Compose(l lead.Lead) (lead.Message, error)
}

// ComposeForLead composes a message for the lead at urlOrKey from its most
// recent score and analysis, stores it and returns the updated lead.
func ComposeForLead(ctx context.Context, store MessageStore, c Composer, urlOrKey string) (lead.Lead, error) {
	key, err := aggregate.CanonicalKey(urlOrKey)
	if err != nil {
		return lead.Lead{}, err
	}
	l, err := store.GetLeadByKey(ctx, key)
	if err != nil {
		return lead.Lead{}, fmt.Errorf("loading lead %s: %w", key, err)
	}
	msg, err := c.Compose(l)
	if err != nil {
		return lead.Lead{}, fmt.Errorf("composing for %s: %w", key, err)
	}
	if err := store.AppendMessage(ctx, key, msg); err != nil {
		return lead.Lead{}, fmt.Errorf("saving message for %s: %w", key, err)
	}
	l.Message = &msg
	return l, nil
}
