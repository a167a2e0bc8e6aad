// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apps

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/reflow/services/reflow/script"
)

var categories = []string{"Alpha", "Beta", "Gamma", "Delta"}

// datasetTTL bounds how long a generated dataset is shared.
const datasetTTL = 10 * time.Minute

// Row is one record of the explorer dataset.
type Row struct {
	ID       int     `cbor:"id"`
	Name     string  `cbor:"name"`
	Category string  `cbor:"category"`
	Value    float64 `cbor:"value"`
}

// generateRows builds a deterministic dataset of n rows for seed.
func generateRows(n int, seed uint64) []Row {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{
			ID:       i + 1,
			Name:     fmt.Sprintf("Item %03d", i+1),
			Category: categories[rng.IntN(len(categories))],
			Value:    math.Round((rng.NormFloat64()*18+45)*10) / 10,
		}
	}
	return rows
}

// stats summarizes Value over rows.
type stats struct {
	Count  int
	Mean   float64
	Median float64
	StdDev float64
	Max    float64
}

func summarize(rows []Row) stats {
	if len(rows) == 0 {
		return stats{}
	}
	vals := make([]float64, len(rows))
	var sum float64
	for i, r := range rows {
		vals[i] = r.Value
		sum += r.Value
	}
	slices.Sort(vals)

	s := stats{Count: len(rows), Mean: sum / float64(len(rows)), Max: vals[len(vals)-1]}
	mid := len(vals) / 2
	if len(vals)%2 == 0 {
		s.Median = (vals[mid-1] + vals[mid]) / 2
	} else {
		s.Median = vals[mid]
	}
	var sq float64
	for _, v := range vals {
		sq += (v - s.Mean) * (v - s.Mean)
	}
	s.StdDev = math.Sqrt(sq / float64(len(vals)))
	return s
}

// Explorer filters a cached synthetic dataset.
func Explorer(ui *script.UI) error {
	ui.Title("Data Explorer")
	ui.Markdown("Explore and filter sample data with interactive controls")

	side := ui.Sidebar()
	size := int(side.Slider("Rows", 10, 1000, 200, script.Key("rows")))
	seed := uint64(side.IntInput("Seed", 42, script.Key("seed")))
	picked := side.MultiSelect("Categories", categories, categories, script.Key("categories"))
	minValue := side.Slider("Minimum value", 0, 100, 0, script.Key("min_value"))
	showStats := side.Checkbox("Show statistics", true, script.Key("show_stats"))
	showRaw := side.Checkbox("Show raw data", false, script.Key("show_raw"))

	key := fmt.Sprintf("explorer/rows/%d/%d", size, seed)
	rows, err := script.Cached(ui, key, datasetTTL, func(context.Context) ([]Row, error) {
		return generateRows(size, seed), nil
	})
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}

	filtered := rows[:0:0]
	for _, r := range rows {
		if r.Value >= minValue && slices.Contains(picked, r.Category) {
			filtered = append(filtered, r)
		}
	}
	all, sel := summarize(rows), summarize(filtered)

	ui.Divider()
	cols := ui.Columns(3)
	cols[0].Metric("Total Records", strconv.Itoa(all.Count), "")
	cols[1].Metric("Filtered Records", strconv.Itoa(sel.Count), fmt.Sprintf("%d", sel.Count-all.Count))
	cols[2].Metric("Average Value", strconv.FormatFloat(sel.Mean, 'f', 1, 64), "")

	if sel.Count == 0 {
		ui.Warning("No rows match the current filters.")
		return nil
	}

	if showStats {
		ui.Subheader("Statistics")
		ui.Markdown(fmt.Sprintf("- **Mean**: %.1f\n- **Median**: %.1f\n- **Std Dev**: %.1f\n- **Max**: %.1f",
			sel.Mean, sel.Median, sel.StdDev, sel.Max))
	}

	if showRaw {
		exp := ui.Expander("Sample Data", true, script.Key("raw"))
		exp.Code(toCSV(filtered[:min(len(filtered), 20)]), "csv")
	}
	return nil
}

func toCSV(rows []Row) string {
	var b strings.Builder
	b.WriteString("id,name,category,value\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%d,%s,%s,%.1f\n", r.ID, r.Name, r.Category, r.Value)
	}
	return b.String()
}
