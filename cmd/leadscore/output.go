package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/leadscore/leadscore/internal/lead"
	"github.com/leadscore/leadscore/internal/outreach"
	"github.com/leadscore/leadscore/internal/pipeline"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func tierColor(tier string) string {
	switch tier {
	case outreach.TierHot:
		return colorGreen
	case outreach.TierActive:
		return colorYellow
	default:
		return colorReset
	}
}

func formatScore(l *lead.Lead) string {
	if l == nil {
		return "-"
	}
	s, ok := l.LatestScore()
	if !ok {
		return "-"
	}
	tier := outreach.Tier(s.Score)
	return fmt.Sprintf("%.2f %s", s.Score, colorize(tierColor(tier), tier))
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// writeLead prints a human-readable view of a lead.
func writeLead(w io.Writer, l lead.Lead) {
	name := l.CompanyName
	if name == "" {
		name = l.Key
	}
	fmt.Fprintf(w, "%s (%s)\n", colorize(colorBold, name), l.URL)
	if l.ContactEmail != "" {
		fmt.Fprintf(w, "  contact:  %s\n", l.ContactEmail)
	}
	fmt.Fprintf(w, "  score:    %s\n", formatScore(&l))
	if len(l.Technologies) > 0 {
		fmt.Fprintf(w, "  tech:     %s\n", strings.Join(l.Technologies, ", "))
	}

	f := l.Features
	fmt.Fprintf(w, "  features: revenue %.2f, size %s, tech %.2f, growth %.2f, market fit %.2f",
		f.RevenueIndicator, f.CompanySizeBucket, f.TechSophistication, f.GrowthSignal, f.MarketFit)
	if f.LowConfidence {
		fmt.Fprint(w, colorize(colorYellow, " (low confidence)"))
	}
	fmt.Fprintln(w)

	if a := l.LatestAnalysis(); a != nil {
		fmt.Fprintf(w, "  analysis: %s\n", a.Summary)
		if a.Industry != "" {
			fmt.Fprintf(w, "  industry: %s\n", a.Industry)
		}
	}

	if len(l.Scores) > 1 {
		fmt.Fprintln(w, "  history:")
		for _, s := range l.Scores {
			fmt.Fprintf(w, "    %s  %.2f  %s\n", s.ScoredAt.Local().Format(time.DateTime), s.Score, s.ModelVersion)
		}
	}
	if m := l.Message; m != nil {
		fmt.Fprintf(w, "  outreach: %s", m.Status)
		if m.Status == lead.MessageScheduled {
			fmt.Fprintf(w, " for %s", m.ScheduledFor.Local().Format(time.DateTime))
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w)
		writeMessage(w, *m)
	}
}

func writeMessage(w io.Writer, m lead.Message) {
	fmt.Fprintf(w, "%s %s\n\n%s\n", colorize(colorBold, "Subject:"), m.Subject, strings.TrimSpace(m.Body))
}

// writeOutcomes prints a per-company status table and returns the summary.
func writeOutcomes(w io.Writer, outcomes []pipeline.Outcome) map[pipeline.Status]int {
	tw := newTable(w)
	fmt.Fprintln(tw, "URL\tSTATUS\tSCORE\tNOTE")
	for _, o := range outcomes {
		note := ""
		switch {
		case o.Err != nil:
			note = o.Err.Error()
		case len(o.Warnings) > 0:
			note = o.Warnings[0].Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.URL, colorize(statusColor(o.Status), string(o.Status)), formatScore(o.Lead), note)
	}
	tw.Flush()
	return pipeline.Summary(outcomes)
}

func statusColor(s pipeline.Status) string {
	switch s {
	case pipeline.StatusSucceeded:
		return colorGreen
	case pipeline.StatusDegraded:
		return colorYellow
	default:
		return colorRed
	}
}
