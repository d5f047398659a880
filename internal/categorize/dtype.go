package categorize

import (
	"strings"
	"time"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// DataType is the inferred type of a column.
type DataType string

// Column data types.
const (
	TypeNumeric DataType = "numeric"
	TypeDate    DataType = "date"
	TypeString  DataType = "string"
)

// typeThreshold is the share of non-empty values that must parse for a
// column to take a type.
const typeThreshold = 0.7

var dateLayouts = []string{
	"2006-01-02", "02/01/2006", "01/02/2006", "2006/01/02",
	"02-01-2006", "01-02-2006", "Jan 2006", "January 2006", "2006",
}

// InferType classifies a column from its values. Empty cells are ignored;
// a column without values is a string column.
func InferType(values []string) DataType {
	var total, numeric, dates int
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		total++
		if _, ok := ingest.ParseNumber(v); ok {
			numeric++
		}
		if isDate(v) {
			dates++
		}
	}
	switch {
	case total == 0:
		return TypeString
	case float64(numeric) >= typeThreshold*float64(total):
		return TypeNumeric
	case float64(dates) >= typeThreshold*float64(total):
		return TypeDate
	default:
		return TypeString
	}
}

func isDate(v string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}
