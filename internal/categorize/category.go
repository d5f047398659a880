// Package categorize classifies extracted tables: column data types,
// dimension and measure roles, and the statistical domain they belong to.
// Everything here is a pure function of the table.
package categorize

import "github.com/JakeFAU/realtime-stats-ingest/internal/ingest"

// Category is the statistical domain of a table.
type Category string

// Known categories, in tie-break order.
const (
	Population     Category = "population"
	Economic       Category = "economic"
	Education      Category = "education"
	Health         Category = "health"
	Infrastructure Category = "infrastructure"
	Agriculture    Category = "agriculture"

	Unclassified Category = "unclassified"
)

// Categories lists every classifiable category in tie-break order.
var Categories = []Category{Population, Economic, Education, Health, Infrastructure, Agriculture}

// profile binds a category to the words that identify it and the
// extractor that pulls headline figures out of its tables.
type profile struct {
	keywords []string
	summary  SummaryFunc
}

var profiles = map[Category]profile{
	Population: {
		keywords: []string{"population", "people", "persons", "inhabitants", "demographics", "citizen"},
		summary:  populationSummary,
	},
	Economic: {
		keywords: []string{"gdp", "economy", "economic", "inflation", "cpi", "price", "income", "export", "import", "trade", "unemployment"},
		summary:  economicSummary,
	},
	Education: {
		keywords: []string{"education", "school", "literacy", "student", "teacher", "enrollment"},
		summary:  noSummary,
	},
	Health: {
		keywords: []string{"health", "hospital", "disease", "mortality", "vaccination", "vaccine", "immunization"},
		summary:  noSummary,
	},
	Infrastructure: {
		keywords: []string{"infrastructure", "road", "water", "electricity", "energy", "communication"},
		summary:  noSummary,
	},
	Agriculture: {
		keywords: []string{"agriculture", "crop", "livestock", "farming", "land", "food"},
		summary:  noSummary,
	},
}

// Keywords returns the lexicon for c, or nil for Unclassified.
func (c Category) Keywords() []string {
	return profiles[c].keywords
}

// Summarize runs the category's summary extractor over a table.
func (c Category) Summarize(t ingest.Table) []Summary {
	p, ok := profiles[c]
	if !ok {
		return nil
	}
	return p.summary(t)
}

// ParseCategory maps a stored string back to a Category. Unknown values
// are Unclassified.
func ParseCategory(s string) Category {
	c := Category(s)
	if _, ok := profiles[c]; ok {
		return c
	}
	return Unclassified
}

var (
	regionKeywords = []string{"region", "district", "state", "province", "city", "town", "area"}
	sectorKeywords = []string{"sector", "industry", "category", "type", "group"}
	timeKeywords   = []string{"year", "month", "date", "time", "period"}
	labelColumns   = map[string]bool{
		"indicator": true, "metric": true, "label": true, "item": true,
		"description": true, "series": true, "title": true,
	}
)
