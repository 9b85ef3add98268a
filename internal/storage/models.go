package storage

import (
	"errors"
	"time"

	"github.com/leadscore/leadscore/internal/lead"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Append is one aggregation step for a lead: the current features, a new
// score and an optional analysis. Identity fields overwrite stored values
// only when non-empty.
type Append struct {
	Key          string
	URL          string
	CompanyName  string
	ContactEmail string
	// Technologies replace the stored set when non-empty.
	Technologies []string
	Features     lead.FeatureRecord
	Score        lead.ScoreResult
	Analysis     *lead.AnalysisRecord
	At           time.Time
}

// ListOptions filters and orders ListLeads.
type ListOptions struct {
	// Limit 0 means 50; a negative limit returns every match.
	Limit    int
	Offset   int
	MinScore float64
	// Industry matches the latest analysis's industry, case-insensitive
	// substring.
	Industry string
	// Technologies must all be present on the lead.
	Technologies []string
	// MessageStatus matches the status of the lead's latest message.
	MessageStatus lead.MessageStatus
	// ByScore orders by latest score, highest first. Otherwise most recently
	// updated first.
	ByScore bool
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
