package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// Glyph is a positioned run of text on a PDF page.
type Glyph struct {
	X    float64
	W    float64
	Size float64
	S    string
}

// TextRow is one line of glyphs sharing a baseline.
type TextRow struct {
	Y      float64
	Glyphs []Glyph
}

// PageReader exposes the positioned text of a PDF, one page at a time.
// Pages are numbered from 1.
type PageReader interface {
	NumPage() int
	PageRows(page int) ([]TextRow, error)
}

// OpenFunc opens raw PDF bytes.
type OpenFunc func(data []byte) (PageReader, error)

// OpenPDF reads data with github.com/ledongthuc/pdf.
func OpenPDF(data []byte) (PageReader, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return &ledongthucReader{r: r}, nil
}

type ledongthucReader struct {
	r *pdf.Reader
}

func (l *ledongthucReader) NumPage() int { return l.r.NumPage() }

func (l *ledongthucReader) PageRows(page int) ([]TextRow, error) {
	p := l.r.Page(page)
	if p.V.IsNull() {
		return nil, fmt.Errorf("page %d missing", page)
	}
	rows, err := p.GetTextByRow()
	if err != nil {
		return nil, fmt.Errorf("read page %d text: %w", page, err)
	}
	out := make([]TextRow, 0, len(rows))
	for _, row := range rows {
		tr := TextRow{Y: float64(row.Position)}
		for _, t := range row.Content {
			tr.Glyphs = append(tr.Glyphs, Glyph{X: t.X, W: t.W, Size: t.FontSize, S: t.S})
		}
		out = append(out, tr)
	}
	return out, nil
}

// PDFConfig bounds the work done on a single document.
type PDFConfig struct {
	MaxPages      int
	TablesPerPage int
}

// PDFParser detects tables in the positioned text of PDF pages: rows are
// split into cells at wide horizontal gaps and runs of multi-cell rows
// become tables whose first row is the header.
type PDFParser struct {
	open OpenFunc
	cfg  PDFConfig
}

// NewPDFParser returns a parser. A nil open uses OpenPDF.
func NewPDFParser(cfg PDFConfig, open OpenFunc) *PDFParser {
	if open == nil {
		open = OpenPDF
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.TablesPerPage <= 0 {
		cfg.TablesPerPage = 3
	}
	return &PDFParser{open: open, cfg: cfg}
}

// ParseTables implements TableParser.
func (p *PDFParser) ParseTables(ctx context.Context, in Input) ([]Unit, error) {
	if len(in.Body) == 0 {
		return nil, errors.New("empty pdf")
	}
	reader, err := p.safeOpen(in.Body)
	if err != nil {
		return nil, err
	}
	pages := reader.NumPage()
	if pages > p.cfg.MaxPages {
		pages = p.cfg.MaxPages
	}
	name := path.Base(in.URL)
	var units []Unit
	for page := 1; page <= pages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tables, err := p.pageTables(reader, page)
		if err != nil {
			units = append(units, Unit{Err: &ExtractionError{Unit: fmt.Sprintf("%s page %d", name, page), Err: err}})
			continue
		}
		for i, t := range tables {
			units = append(units, Unit{Table: ingest.RawTable{
				Title: fmt.Sprintf("Table %d (page %d) from %s", i+1, page, name),
				Table: t,
				Page:  page,
				Index: i,
				Metadata: ingest.Metadata{
					ingest.MetaExtractionMethod: MethodPDF,
				},
			}})
		}
	}
	return units, nil
}

func (p *PDFParser) safeOpen(data []byte) (r PageReader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("open pdf: panic: %v", rec)
		}
	}()
	return p.open(data)
}

func (p *PDFParser) pageTables(reader PageReader, page int) (tables []ingest.Table, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	rows, err := reader.PageRows(page)
	if err != nil {
		return nil, err
	}
	tables = detectTables(rows)
	if len(tables) > p.cfg.TablesPerPage {
		tables = tables[:p.cfg.TablesPerPage]
	}
	return tables, nil
}

// ExtractPDFTables parses pdfBytes with the default limits and runs the
// standard post-processing stages.
func ExtractPDFTables(ctx context.Context, pdfBytes []byte, clock ingest.Clock) ([]ingest.RawTable, error) {
	units, err := NewPipeline(NewPDFParser(PDFConfig{}, nil), nil, clock, nil).Extract(ctx, Input{URL: "document.pdf", Body: pdfBytes})
	if err != nil {
		return nil, err
	}
	return tablesOf(units), nil
}

type cell struct {
	x    float64
	text string
}

// detectTables groups consecutive rows with two or more cells into tables.
// Cells of later rows are aligned to the nearest header column.
func detectTables(rows []TextRow) []ingest.Table {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Y > rows[j].Y })
	var (
		tables []ingest.Table
		header []cell
		body   [][]string
	)
	flush := func() {
		if len(header) >= 2 && len(body) > 0 {
			cols := make([]string, len(header))
			for i, c := range header {
				cols[i] = c.text
			}
			tables = append(tables, ingest.Table{Columns: cols, Rows: body})
		}
		header, body = nil, nil
	}
	for _, row := range rows {
		cells := splitCells(row.Glyphs)
		if len(cells) < 2 {
			flush()
			continue
		}
		if header == nil {
			header = cells
			continue
		}
		body = append(body, align(header, cells))
	}
	flush()
	return tables
}

func align(header, cells []cell) []string {
	out := make([]string, len(header))
	for _, c := range cells {
		best, dist := 0, math.Inf(1)
		for i, h := range header {
			if d := math.Abs(h.x - c.x); d < dist {
				best, dist = i, d
			}
		}
		if out[best] != "" {
			out[best] += " "
		}
		out[best] += c.text
	}
	return out
}

// splitCells merges glyphs into words and words into cells. A gap wider
// than twice the font size starts a new cell.
func splitCells(glyphs []Glyph) []cell {
	if len(glyphs) == 0 {
		return nil
	}
	sorted := append([]Glyph(nil), glyphs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })

	var (
		cells []cell
		cur   strings.Builder
		start = sorted[0].X
		end   = sorted[0].X
	)
	emit := func() {
		if text := cleanText(cur.String()); text != "" {
			cells = append(cells, cell{x: start, text: text})
		}
		cur.Reset()
	}
	for i, g := range sorted {
		size := g.Size
		if size <= 0 {
			size = 10
		}
		gap := g.X - end
		switch {
		case i == 0:
		case gap > 2*size:
			emit()
			start = g.X
		case gap > 0.2*size:
			cur.WriteByte(' ')
		}
		cur.WriteString(g.S)
		if e := g.X + g.W; e > end || i == 0 {
			end = e
		}
	}
	emit()
	return cells
}
