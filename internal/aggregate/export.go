package aggregate

import (
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/leadscore/leadscore/internal/lead"
)

// ExportColumns is the header row written by WriteCSV.
var ExportColumns = slices.Concat(
	[]string{"key", "url", "company_name", "contact_email", "industry", "technologies", "score", "model_version", "scored_at"},
	lead.FeatureNames,
	[]string{"message_status"},
)

// WriteCSV writes one row per lead with its latest score and features.
// Technologies are joined with ";". Leads never scored leave the score
// columns empty.
func WriteCSV(w io.Writer, leads []lead.Lead) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportColumns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, l := range leads {
		if err := cw.Write(exportRow(l)); err != nil {
			return fmt.Errorf("writing %s: %w", l.Key, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func exportRow(l lead.Lead) []string {
	row := []string{l.Key, l.URL, l.CompanyName, l.ContactEmail, l.Industry(), strings.Join(l.Technologies, ";")}

	f := l.Features
	if s, ok := l.LatestScore(); ok {
		row = append(row, formatFloat(s.Score), s.ModelVersion, s.ScoredAt.UTC().Format(time.RFC3339))
		f = s.Features
	} else {
		row = append(row, "", "", "")
	}
	row = append(row,
		formatFloat(f.RevenueIndicator),
		f.CompanySizeBucket.String(),
		formatFloat(f.TechSophistication),
		formatFloat(f.GrowthSignal),
		formatFloat(f.MarketFit),
	)

	status := ""
	if l.Message != nil {
		status = string(l.Message.Status)
	}
	return append(row, status)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
