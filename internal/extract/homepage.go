package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// KeyIndicatorsCategory is the source category recorded for homepage
// key statistics.
const KeyIndicatorsCategory = "key_indicators"

var keyStatKeywords = []string{"rate", "index", "gdp", "mortality"}

// KeyStatsParser reads the headline figures a statistics homepage shows in
// h6 blocks, each holding a title line and a value line.
type KeyStatsParser struct {
	clock ingest.Clock
}

// NewKeyStatsParser returns a KeyStatsParser.
func NewKeyStatsParser(clock ingest.Clock) *KeyStatsParser {
	return &KeyStatsParser{clock: clock}
}

// ParseTables implements TableParser. A homepage without key statistics
// yields no units.
func (p *KeyStatsParser) ParseTables(_ context.Context, in Input) ([]Unit, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(in.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var rows [][]string
	doc.Find("h6").Each(func(_ int, h *goquery.Selection) {
		text := pageText(h)
		lower := strings.ToLower(text)
		if !containsAny(lower, keyStatKeywords) {
			return
		}
		lines := strings.Split(text, "\n")
		if len(lines) < 2 {
			return
		}
		rows = append(rows, []string{cleanText(lines[0]), cleanText(lines[len(lines)-1])})
	})
	if len(rows) == 0 {
		return nil, nil
	}
	return []Unit{{Table: ingest.RawTable{
		Title: "Key Statistics",
		Table: ingest.Table{Columns: []string{"title", "value"}, Rows: rows},
		Metadata: ingest.Metadata{
			ingest.MetaSourceCategory:   KeyIndicatorsCategory,
			ingest.MetaExtractionMethod: MethodKeyStats,
			ingest.MetaTimePeriod:       fmt.Sprintf("%d", p.clock.Now().Year()),
		},
	}}}, nil
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
