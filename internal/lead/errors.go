package lead

import (
	"errors"
	"fmt"
)

var (
	// ErrExtractionDegraded marks a feature record built from sparse content.
	// Non-fatal: scoring proceeds with default values.
	ErrExtractionDegraded = errors.New("extraction degraded")

	// ErrAnalyzerUnavailable covers analyzer timeouts, malformed responses and
	// service errors. Non-fatal: scoring proceeds without an analysis record.
	ErrAnalyzerUnavailable = errors.New("analyzer unavailable")

	// ErrModelLoad means no valid scoring model could be loaded. Fatal to the
	// scoring path.
	ErrModelLoad = errors.New("model load failed")
)

// PreconditionError is returned when an operation is attempted on a lead
// that is not in the required state.
type PreconditionError struct {
	LeadKey string
	Reason  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed for lead %q: %s", e.LeadKey, e.Reason)
}
