package categorize

import (
	"strings"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// Metadata keys written by Apply.
const (
	MetaCategorization = "categorization"
	MetaTimeDimension  = "time_dimension"
	MetaColumnTypes    = "dtype_map"
	MetaIndicatorType  = "indicator_type"
)

// OtherCategory labels items that neither classify nor carry a source
// category.
const OtherCategory = "other"

// Result is the classification of one table.
type Result struct {
	IndicatorType      Category            `json:"indicator_type"`
	IsTimeSeries       bool                `json:"is_time_series"`
	IsRegional         bool                `json:"is_regional"`
	IsSector           bool                `json:"is_sector"`
	TimeDimension      string              `json:"time_dimension,omitempty"`
	Dimensions         []string            `json:"dimensions"`
	Measures           []string            `json:"measures"`
	CategoricalColumns []string            `json:"categorical_columns"`
	RegionalColumns    []string            `json:"regional_columns"`
	SectorColumns      []string            `json:"sector_columns"`
	ColumnTypes        map[string]DataType `json:"column_types"`
}

// Categorize classifies t. It is deterministic: the same table always
// yields the same Result.
func Categorize(t ingest.Table) Result {
	res := Result{
		Dimensions:         []string{},
		Measures:           []string{},
		CategoricalColumns: []string{},
		RegionalColumns:    []string{},
		SectorColumns:      []string{},
		ColumnTypes:        make(map[string]DataType, len(t.Columns)),
	}
	for _, col := range t.Columns {
		res.ColumnTypes[col] = InferType(t.Column(col))
	}

	res.TimeDimension = timeDimension(t.Columns, res.ColumnTypes)
	dims := map[string]bool{}
	addDim := func(col string) {
		if !dims[col] {
			dims[col] = true
			res.Dimensions = append(res.Dimensions, col)
		}
	}
	if res.TimeDimension != "" {
		res.IsTimeSeries = true
		addDim(res.TimeDimension)
	}

	for _, col := range t.Columns {
		if !isCategorical(t.Column(col), len(t.Rows)) {
			continue
		}
		res.CategoricalColumns = append(res.CategoricalColumns, col)
		lower := strings.ToLower(col)
		if containsAny(lower, regionKeywords) {
			res.IsRegional = true
			res.RegionalColumns = append(res.RegionalColumns, col)
			addDim(col)
		}
		if containsAny(lower, sectorKeywords) {
			res.IsSector = true
			res.SectorColumns = append(res.SectorColumns, col)
			addDim(col)
		}
	}

	for _, col := range t.Columns {
		if res.ColumnTypes[col] == TypeNumeric && !dims[col] {
			res.Measures = append(res.Measures, col)
		}
	}
	res.IndicatorType = indicatorType(t)
	return res
}

// Apply merges a classification into item metadata. The category key is
// the indicator type when one was found, otherwise the source category
// the item was scraped under, otherwise "other". Applying the same Result
// twice yields the same metadata.
func Apply(meta ingest.Metadata, res Result) ingest.Metadata {
	out := meta.Clone()
	category := string(res.IndicatorType)
	if res.IndicatorType == Unclassified {
		category = meta.String(ingest.MetaSourceCategory)
		if category == "" {
			category = OtherCategory
		}
	}
	out[ingest.MetaCategory] = category
	out[MetaIndicatorType] = string(res.IndicatorType)
	out[MetaCategorization] = res
	out[MetaColumnTypes] = res.ColumnTypes
	if res.TimeDimension != "" {
		out[MetaTimeDimension] = res.TimeDimension
	} else {
		delete(out, MetaTimeDimension)
	}
	return out
}

func timeDimension(columns []string, types map[string]DataType) string {
	for _, col := range columns {
		if containsAny(strings.ToLower(col), timeKeywords) {
			return col
		}
	}
	for _, col := range columns {
		if types[col] == TypeDate {
			return col
		}
	}
	return ""
}

// isCategorical reports whether a column repeats values: more than one
// distinct value, but fewer than half as many as there are rows.
func isCategorical(values []string, rows int) bool {
	distinct := map[string]struct{}{}
	for _, v := range values {
		distinct[strings.TrimSpace(v)] = struct{}{}
	}
	n := len(distinct)
	return n > 1 && float64(n) < float64(rows)*0.5
}

// indicatorType scores every category by keyword hits on column names and
// on the values of label columns. The strictly highest score wins; ties go
// to the earlier category in Categories.
func indicatorType(t ingest.Table) Category {
	var terms []string
	for _, col := range t.Columns {
		terms = append(terms, strings.ToLower(col))
		if labelColumns[strings.ToLower(col)] {
			for _, v := range t.Column(col) {
				terms = append(terms, strings.ToLower(v))
			}
		}
	}
	best, bestScore := Unclassified, 0
	for _, c := range Categories {
		score := 0
		for _, term := range terms {
			if containsAny(term, profiles[c].keywords) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
