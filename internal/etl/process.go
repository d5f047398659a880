// Package etl is the queue-backed stage between extraction and the
// real-time views: the publisher hands pending items to the broker and the
// consumer reprocesses, categorizes and settles each one.
package etl

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/realtime-stats-ingest/internal/categorize"
	"github.com/JakeFAU/realtime-stats-ingest/internal/extract"
	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// ErrUnsupported marks items whose type or content cannot be processed.
// Such items end invalid rather than failed.
var ErrUnsupported = errors.New("unsupported item")

// Processed summarizes the cleaned table stored under processed_metadata.
type Processed struct {
	RowCount    int      `json:"row_count"`
	ColumnCount int      `json:"column_count"`
	Columns     []string `json:"columns"`
	EmptyCells  int      `json:"empty_cells"`
}

// PublicationsCategory is the category of publication link items.
const PublicationsCategory = "publications"

// Process reprocesses an item and returns its new metadata. Tables are
// cleaned and categorized; publication links are validated. It is
// deterministic, so processing a redelivered item yields the same result.
func Process(item ingest.Item) (ingest.Metadata, error) {
	switch item.Type {
	case ingest.ItemTypeHTMLTable, ingest.ItemTypePDFTable:
	case ingest.ItemTypePDFText:
		return processLink(item)
	default:
		return nil, fmt.Errorf("item type %q: %w", item.Type, ErrUnsupported)
	}
	t, err := item.Table()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	t, stats := clean(t)
	if len(t.Rows) == 0 {
		return nil, fmt.Errorf("item %d: table has no data rows", item.ID)
	}
	meta := categorize.Apply(item.Metadata, categorize.Categorize(t))
	meta[ingest.MetaProcessedMetadata] = stats
	return meta, nil
}

// clean trims cells, pads short rows and drops rows with no values.
func clean(t ingest.Table) (ingest.Table, Processed) {
	width := len(t.Columns)
	out := ingest.Table{Columns: append([]string(nil), t.Columns...)}
	empty := 0
	for _, row := range t.Rows {
		fixed := make([]string, width)
		blank := true
		for i := range fixed {
			if i < len(row) {
				fixed[i] = strings.Join(strings.Fields(row[i]), " ")
			}
			if fixed[i] == "" {
				empty++
			} else {
				blank = false
			}
		}
		if blank {
			empty -= width
			continue
		}
		out.Rows = append(out.Rows, fixed)
	}
	return out, Processed{
		RowCount:    len(out.Rows),
		ColumnCount: width,
		Columns:     out.Columns,
		EmptyCells:  empty,
	}
}

func processLink(item ingest.Item) (ingest.Metadata, error) {
	var link extract.Link
	if err := json.Unmarshal(item.Content, &link); err != nil {
		return nil, fmt.Errorf("%w: decode link: %w", ErrUnsupported, err)
	}
	if link.URL == "" {
		return nil, fmt.Errorf("%w: link has no url", ErrUnsupported)
	}
	meta := item.Metadata.Clone()
	meta[ingest.MetaCategory] = PublicationsCategory
	meta[categorize.MetaIndicatorType] = string(categorize.Unclassified)
	return meta, nil
}
