package ingest

import (
	"strconv"
	"strings"
)

var numberReplacer = strings.NewReplacer(",", "", "%", "", "$", "", " ", "", " ", "")

// ParseNumber parses a human-formatted number such as "2,610,000", "14.2%"
// or "$1.3". Empty and non-numeric strings report false.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(numberReplacer.Replace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
