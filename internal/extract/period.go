package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	yearToken      = regexp.MustCompile(`(20\d{2})`)
	monthYearToken = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s*(20\d{2})`)
)

// TimePeriod derives a period hint from free text: the span of explicit
// years ("2023" or "2021-2023"), else the first month-year token
// ("Mar 2024"), else the current year.
func TimePeriod(text string, now time.Time) string {
	if period := TextPeriod(text); period != "" {
		return period
	}
	return strconv.Itoa(now.Year())
}

// TextPeriod is TimePeriod without the current-year fallback; it returns
// "" when text names no period.
func TextPeriod(text string) string {
	if period := yearSpan(yearToken.FindAllStringSubmatch(text, -1)); period != "" {
		return period
	}
	if m := monthYearToken.FindStringSubmatch(text); m != nil {
		month := strings.ToUpper(m[1][:1]) + strings.ToLower(m[1][1:])
		return month + " " + m[2]
	}
	return ""
}

// ColumnPeriod returns the year span found in column headers, or "".
func ColumnPeriod(columns []string) string {
	var matches [][]string
	for _, c := range columns {
		if m := yearToken.FindStringSubmatch(c); m != nil {
			matches = append(matches, m)
		}
	}
	return yearSpan(matches)
}

func yearSpan(matches [][]string) string {
	if len(matches) == 0 {
		return ""
	}
	years := make([]int, 0, len(matches))
	for _, m := range matches {
		y, err := strconv.Atoi(m[1])
		if err == nil {
			years = append(years, y)
		}
	}
	if len(years) == 0 {
		return ""
	}
	sort.Ints(years)
	lo, hi := years[0], years[len(years)-1]
	if lo == hi {
		return strconv.Itoa(lo)
	}
	return fmt.Sprintf("%d-%d", lo, hi)
}
