package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

type fakePages struct {
	pages map[int][]TextRow
	errs  map[int]error
	total int
	calls []int
}

func (f *fakePages) NumPage() int { return f.total }

func (f *fakePages) PageRows(page int) ([]TextRow, error) {
	f.calls = append(f.calls, page)
	if err := f.errs[page]; err != nil {
		return nil, err
	}
	if page == 99 {
		panic("corrupt stream")
	}
	return f.pages[page], nil
}

// row lays out words as glyph runs starting at the given x positions.
func row(y float64, cells map[float64]string) TextRow {
	r := TextRow{Y: y}
	for x, s := range cells {
		r.Glyphs = append(r.Glyphs, Glyph{X: x, W: float64(len(s)) * 5, Size: 10, S: s})
	}
	return r
}

func openFake(f *fakePages) OpenFunc {
	return func([]byte) (PageReader, error) { return f, nil }
}

func TestPDFParserDetectsTablesAndStripsRepeatedHeader(t *testing.T) {
	t.Parallel()

	pages := &fakePages{total: 1, pages: map[int][]TextRow{
		1: {
			row(700, map[float64]string{50: "Consumer Price Index March 2024"}),
			row(680, map[float64]string{50: "Region", 200: "Index", 300: "Change"}),
			row(660, map[float64]string{50: "Region", 200: "Index value", 300: "Change (%)"}),
			row(640, map[float64]string{50: "Banadir", 200: "112.5", 300: "1.2"}),
			row(620, map[float64]string{50: "Bari", 300: "0.8"}),
		},
	}}
	p := NewPipeline(NewPDFParser(PDFConfig{}, openFake(pages)), nil, testClock, nil)
	units, err := p.Extract(context.Background(), Input{URL: "https://stats.example/files/cpi.pdf", Body: []byte("%PDF")})
	require.NoError(t, err)
	require.Len(t, units, 1)

	tbl := units[0].Table
	require.Equal(t, "Table 1 (page 1) from cpi.pdf", tbl.Title)
	require.Equal(t, 1, tbl.Page)
	require.Equal(t, []string{"region", "index", "change"}, tbl.Columns)
	require.Equal(t, [][]string{{"Banadir", "112.5", "1.2"}, {"Bari", "", "0.8"}}, tbl.Rows)
	require.True(t, tbl.Metadata.Bool(ingest.MetaHeaderRowRemoved))
	require.Equal(t, MethodPDF, tbl.Metadata.String(ingest.MetaExtractionMethod))
}

func TestPDFParserBoundsAndUnitFailures(t *testing.T) {
	t.Parallel()

	table := []TextRow{
		row(100, map[float64]string{10: "a", 100: "b"}),
		row(90, map[float64]string{10: "1", 100: "2"}),
		row(80, map[float64]string{10: "solo line"}),
		row(70, map[float64]string{10: "c", 100: "d"}),
		row(60, map[float64]string{10: "3", 100: "4"}),
	}
	pages := &fakePages{
		total: 5,
		pages: map[int][]TextRow{1: table, 3: table},
		errs:  map[int]error{2: errors.New("bad xref")},
	}
	parser := NewPDFParser(PDFConfig{MaxPages: 3, TablesPerPage: 1}, openFake(pages))
	units, err := parser.ParseTables(context.Background(), Input{URL: "doc.pdf", Body: []byte("%PDF")})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, pages.calls)
	require.Len(t, units, 3)
	require.NoError(t, units[0].Err)
	require.Equal(t, []string{"a", "b"}, units[0].Table.Columns)

	var extractErr *ExtractionError
	require.ErrorAs(t, units[1].Err, &extractErr)
	require.Equal(t, "doc.pdf page 2", extractErr.Unit)
	require.Equal(t, 3, units[2].Table.Page)
}

func TestPDFParserRecoversPagePanic(t *testing.T) {
	t.Parallel()

	pages := &fakePages{total: 99}
	parser := NewPDFParser(PDFConfig{MaxPages: 100}, openFake(pages))
	units, err := parser.ParseTables(context.Background(), Input{URL: "doc.pdf", Body: []byte("%PDF")})
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.ErrorContains(t, units[0].Err, "corrupt stream")
}

func TestPDFGarbageBytes(t *testing.T) {
	t.Parallel()

	_, err := ExtractPDFTables(context.Background(), []byte("definitely not a pdf"), testClock)
	require.Error(t, err)

	var extractErr *ExtractionError
	require.ErrorAs(t, err, &extractErr)
}

func TestSplitCellsMergesGlyphs(t *testing.T) {
	t.Parallel()

	glyphs := []Glyph{
		{X: 10, W: 5, Size: 10, S: "G"},
		{X: 15, W: 5, Size: 10, S: "D"},
		{X: 20, W: 5, Size: 10, S: "P"},
		{X: 28, W: 5, Size: 10, S: "x"},
		{X: 120, W: 5, Size: 10, S: "4"},
	}
	cells := splitCells(glyphs)
	require.Len(t, cells, 2)
	require.Equal(t, "GDP x", cells[0].text)
	require.Equal(t, "4", cells[1].text)
}
