package training

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/leadscore/leadscore/internal/lead"
)

// LabelColumn is the CSV header of the outcome column.
const LabelColumn = "converted"

// ReadCSVFile loads labeled examples from a CSV file.
func ReadCSVFile(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses a header row naming the five features and the label column,
// in any order, followed by one row per company. The size column accepts a
// bucket name or its ordinal 0-5.
func ReadCSV(r io.Reader) ([]Example, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range append(append([]string{}, lead.FeatureNames...), LabelColumn) {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("header is missing column %q", name)
		}
	}

	var out []Example
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ex, err := parseRow(row, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, ex)
	}
	return out, nil
}

func parseRow(row []string, cols map[string]int) (Example, error) {
	num := func(name string) (float64, error) {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[cols[name]]), 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return v, nil
	}

	var rec lead.FeatureRecord
	var err error
	if rec.RevenueIndicator, err = num("revenue_indicator"); err != nil {
		return Example{}, err
	}
	if rec.TechSophistication, err = num("tech_sophistication"); err != nil {
		return Example{}, err
	}
	if rec.GrowthSignal, err = num("growth_signal"); err != nil {
		return Example{}, err
	}
	if rec.MarketFit, err = num("market_fit"); err != nil {
		return Example{}, err
	}
	if rec.CompanySizeBucket, err = parseBucket(row[cols["company_size_bucket"]]); err != nil {
		return Example{}, err
	}
	if err := rec.Validate(); err != nil {
		return Example{}, err
	}

	converted, err := parseLabel(row[cols[LabelColumn]])
	if err != nil {
		return Example{}, err
	}
	return Example{Features: rec, Converted: converted}, nil
}

func parseBucket(s string) (lead.SizeBucket, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		b := lead.SizeBucket(n)
		if !b.Valid() {
			return 0, fmt.Errorf("company_size_bucket %d out of range", n)
		}
		return b, nil
	}
	return lead.ParseSizeBucket(s)
}

func parseLabel(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y":
		return true, nil
	case "0", "false", "no", "n":
		return false, nil
	}
	return false, fmt.Errorf("%s: cannot parse %q as a label", LabelColumn, s)
}

// WriteCSV writes examples in the layout ReadCSV accepts.
func WriteCSV(w io.Writer, data []Example) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string{}, lead.FeatureNames...), LabelColumn)); err != nil {
		return err
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, ex := range data {
		label := "0"
		if ex.Converted {
			label = "1"
		}
		r := ex.Features
		if err := cw.Write([]string{f(r.RevenueIndicator), r.CompanySizeBucket.String(), f(r.TechSophistication), f(r.GrowthSignal), f(r.MarketFit), label}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

var (
	growthLevels = []float64{0, 0.2, 0.4, 0.6, 0.8, 1}
	fitLevels    = []float64{0, 0.6, 0.8, 1}
)

// Synthetic generates n labeled companies whose conversion follows the
// weighted heuristic plus noise. The same seed always yields the same data.
func Synthetic(n int, seed uint64) []Example {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := make([]Example, n)
	for i := range out {
		rec := lead.FeatureRecord{
			RevenueIndicator:   round2(rng.Float64()),
			TechSophistication: round2(rng.Float64()),
			GrowthSignal:       growthLevels[rng.IntN(len(growthLevels))],
			MarketFit:          fitLevels[rng.IntN(len(fitLevels))],
		}
		if rng.Float64() >= 0.1 {
			rec.CompanySizeBucket = lead.SizeBucket(1 + rng.IntN(int(lead.MaxSizeBucket)))
		}
		score := 0.30*rec.RevenueIndicator +
			0.20*float64(rec.CompanySizeBucket)/float64(lead.MaxSizeBucket) +
			0.20*rec.TechSophistication +
			0.15*rec.MarketFit +
			0.15*rec.GrowthSignal
		out[i] = Example{Features: rec, Converted: score+rng.NormFloat64()*0.05 > 0.5}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
