package categorize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// Summary is a headline figure pulled out of a table.
type Summary struct {
	Key     string  `json:"key"`
	Label   string  `json:"label"`
	Value   float64 `json:"value"`
	Display string  `json:"display"`
	Period  string  `json:"period,omitempty"`
}

// SummaryFunc extracts headline figures. A table of the wrong shape yields
// nothing rather than an error.
type SummaryFunc func(t ingest.Table) []Summary

// Summary keys.
const (
	KeyPopulation = "population"
	KeyGDPGrowth  = "gdp_growth"
	KeyInflation  = "inflation"
)

var yearInName = regexp.MustCompile(`(?:19|20)\d{2}`)

func noSummary(ingest.Table) []Summary { return nil }

// populationSummary totals the population column with the most recent
// year in its name. Label/value tables report their first population row.
func populationSummary(t ingest.Table) []Summary {
	col, year := "", -1
	for _, c := range t.Columns {
		lower := strings.ToLower(c)
		if !strings.Contains(lower, "population") {
			continue
		}
		y := -1
		for _, m := range yearInName.FindAllString(lower, -1) {
			if v, err := strconv.Atoi(m); err == nil && v > y {
				y = v
			}
		}
		if y > year || col == "" {
			col, year = c, y
		}
	}
	if col != "" {
		var total float64
		found := false
		for _, v := range t.Column(col) {
			if n, ok := ingest.ParseNumber(v); ok {
				total += n
				found = true
			}
		}
		if !found {
			return nil
		}
		s := Summary{Key: KeyPopulation, Label: col, Value: total, Display: strconv.FormatFloat(total, 'f', -1, 64)}
		if year > 0 {
			s.Period = strconv.Itoa(year)
		}
		return []Summary{s}
	}
	if s, ok := labelled(t, KeyPopulation, "population"); ok {
		return []Summary{s}
	}
	return nil
}

// economicSummary reports the most recent GDP growth and inflation
// readings, each independently.
func economicSummary(t ingest.Table) []Summary {
	var out []Summary
	if s, ok := latestIn(t, KeyGDPGrowth, func(c string) bool {
		return strings.Contains(c, "gdp") && strings.Contains(c, "growth")
	}); ok {
		out = append(out, s)
	} else if s, ok := labelled(t, KeyGDPGrowth, "gdp growth"); ok {
		out = append(out, s)
	}
	if s, ok := latestIn(t, KeyInflation, func(c string) bool {
		return strings.Contains(c, "inflation")
	}); ok {
		out = append(out, s)
	} else if s, ok := labelled(t, KeyInflation, "inflation", "consumer price", "cpi"); ok {
		out = append(out, s)
	}
	return out
}

// latestIn reads the most recent value of the first matching column. When
// the table has a year-like column the row with the greatest year wins,
// otherwise the last row does.
func latestIn(t ingest.Table, key string, match func(string) bool) (Summary, bool) {
	col := ""
	for _, c := range t.Columns {
		if match(strings.ToLower(c)) {
			col = c
			break
		}
	}
	if col == "" {
		return Summary{}, false
	}
	values := t.Column(col)
	periods := periodColumn(t)

	best, bestYear := -1, -1
	for i, v := range values {
		if _, ok := ingest.ParseNumber(v); !ok {
			continue
		}
		y := 0
		if periods != nil {
			y, _ = strconv.Atoi(yearInName.FindString(periods[i]))
		}
		if periods == nil || y >= bestYear {
			best, bestYear = i, y
		}
	}
	if best < 0 {
		return Summary{}, false
	}
	n, _ := ingest.ParseNumber(values[best])
	s := Summary{Key: key, Label: col, Value: n, Display: strings.TrimSpace(values[best])}
	if bestYear > 0 {
		s.Period = strconv.Itoa(bestYear)
	}
	return s, true
}

func periodColumn(t ingest.Table) []string {
	for _, c := range t.Columns {
		if containsAny(strings.ToLower(c), timeKeywords) {
			return t.Column(c)
		}
	}
	return nil
}

// labelled finds the first row of a label/value table whose label contains
// one of the terms.
func labelled(t ingest.Table, key string, terms ...string) (Summary, bool) {
	if len(t.Columns) < 2 || !labelColumns[strings.ToLower(t.Columns[0])] {
		return Summary{}, false
	}
	for _, row := range t.Rows {
		if len(row) < 2 || !containsAny(strings.ToLower(row[0]), terms) {
			continue
		}
		if n, ok := ingest.ParseNumber(row[1]); ok {
			return Summary{Key: key, Label: row[0], Value: n, Display: strings.TrimSpace(row[1])}, true
		}
	}
	return Summary{}, false
}
