package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// dropDegenerate skips tables with no data rows or a single column.
func dropDegenerate(_ Input, t ingest.RawTable) (ingest.RawTable, error) {
	if len(t.Rows) == 0 || len(t.Columns) <= 1 {
		return t, errSkip
	}
	return t, nil
}

func stripDuplicateHeaderStage(_ Input, t ingest.RawTable) (ingest.RawTable, error) {
	table, removed := StripDuplicateHeader(t.Table)
	if removed {
		t.Table = table
		t.Metadata[ingest.MetaHeaderRowRemoved] = true
		if len(t.Rows) == 0 {
			return t, errSkip
		}
	}
	return t, nil
}

// StripDuplicateHeader drops the first row when at least half of its cells
// textually contain their column's name, a common artifact of PDF table
// detection repeating the header inside the body. A table with a single
// row is left alone.
func StripDuplicateHeader(t ingest.Table) (ingest.Table, bool) {
	if len(t.Rows) < 2 || len(t.Columns) == 0 {
		return t, false
	}
	first := t.Rows[0]
	echoes := 0
	for i, col := range t.Columns {
		name := strings.ToLower(strings.TrimSpace(col))
		if name == "" || i >= len(first) {
			continue
		}
		if strings.Contains(strings.ToLower(first[i]), name) {
			echoes++
		}
	}
	if echoes == 0 || echoes*2 < len(t.Columns) {
		return t, false
	}
	return ingest.Table{Columns: t.Columns, Rows: t.Rows[1:]}, true
}

func normalizeStage(_ Input, t ingest.RawTable) (ingest.RawTable, error) {
	if period := ColumnPeriod(t.Columns); period != "" {
		t.Metadata[ingest.MetaColumnPeriod] = period
	}
	t.Columns = NormalizeColumns(t.Columns)
	width := len(t.Columns)
	rows := make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		fixed := make([]string, width)
		for j := 0; j < width && j < len(row); j++ {
			fixed[j] = cleanText(row[j])
		}
		rows[i] = fixed
	}
	t.Rows = rows
	t.Metadata[ingest.MetaColumns] = append([]string(nil), t.Columns...)
	return t, nil
}

func timePeriodStage(clock ingest.Clock) Stage {
	return func(_ Input, t ingest.RawTable) (ingest.RawTable, error) {
		if t.Metadata.String(ingest.MetaTimePeriod) != "" {
			return t, nil
		}
		if period := t.Metadata.String(ingest.MetaColumnPeriod); period != "" {
			t.Metadata[ingest.MetaTimePeriod] = period
			return t, nil
		}
		var sb strings.Builder
		sb.WriteString(t.Title)
		for _, row := range t.Rows {
			for _, cell := range row {
				sb.WriteByte(' ')
				sb.WriteString(cell)
			}
		}
		t.Metadata[ingest.MetaTimePeriod] = TimePeriod(sb.String(), clock.Now())
		return t, nil
	}
}

func shapeStage(_ Input, t ingest.RawTable) (ingest.RawTable, error) {
	t.Metadata[ingest.MetaShape] = []int{len(t.Rows), len(t.Columns)}
	return t, nil
}

func hashStage(hasher ingest.Hasher) Stage {
	return func(_ Input, t ingest.RawTable) (ingest.RawTable, error) {
		if hasher == nil {
			return t, nil
		}
		raw, err := json.Marshal(t.Table)
		if err != nil {
			return t, fmt.Errorf("marshal table: %w", err)
		}
		sum, err := hasher.Hash(raw)
		if err != nil {
			return t, fmt.Errorf("hash table: %w", err)
		}
		t.Metadata[ingest.MetaContentHash] = sum
		return t, nil
	}
}
