package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// Extraction methods recorded in metadata.
const (
	MethodDirect     = "direct"
	MethodCellWalk   = "cell_walk"
	MethodStructured = "structured_text"
	MethodKeyStats   = "key_statistics"
	MethodPDF        = "pdf_layout"
)

var errIrregularTable = errors.New("table is not rectangular")

// HTMLParser extracts tables from HTML pages. Pages without any table fall
// back to structured-text extraction. Periods named in the page text are
// attached to every table; the pipeline fills in the rest.
type HTMLParser struct{}

// NewHTMLParser returns a parser.
func NewHTMLParser() *HTMLParser {
	return &HTMLParser{}
}

// ParseTables implements TableParser.
func (p *HTMLParser) ParseTables(ctx context.Context, in Input) ([]Unit, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(in.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	period := TextPeriod(pageText(doc.Selection))

	tables := doc.Find("table")
	if tables.Length() == 0 {
		raw := StructuredText(doc, in.CategoryHint)
		units := make([]Unit, 0, len(raw))
		for _, t := range raw {
			if period != "" {
				t.Metadata[ingest.MetaTimePeriod] = period
			}
			units = append(units, Unit{Table: t})
		}
		return units, nil
	}

	headings := precedingHeadings(doc)
	units := make([]Unit, 0, tables.Length())
	tables.EachWithBreak(func(i int, table *goquery.Selection) bool {
		if ctx.Err() != nil {
			return false
		}
		units = append(units, p.parseTable(in, i, table, headings, period))
		return true
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return units, nil
}

func (p *HTMLParser) parseTable(in Input, i int, table *goquery.Selection, headings map[any]string, period string) (u Unit) {
	title := tableTitle(in.URL, i, table, headings)
	defer func() {
		if r := recover(); r != nil {
			u = Unit{Err: &ExtractionError{Unit: title, Err: fmt.Errorf("panic: %v", r)}}
		}
	}()

	method := MethodDirect
	t, err := parseDirect(table)
	if err != nil {
		method = MethodCellWalk
		t = cellWalk(table)
	}
	meta := ingest.Metadata{ingest.MetaExtractionMethod: method}
	if period != "" {
		meta[ingest.MetaTimePeriod] = period
	}
	if in.CategoryHint != "" {
		meta[ingest.MetaSourceCategory] = in.CategoryHint
	}
	return Unit{Table: ingest.RawTable{Title: title, Table: t, Index: i, Metadata: meta}}
}

// ExtractHTMLTables parses every table in an HTML page and runs the
// standard post-processing stages over them.
func ExtractHTMLTables(ctx context.Context, body []byte, baseURL string, clock ingest.Clock) ([]ingest.RawTable, error) {
	units, err := NewPipeline(NewHTMLParser(), nil, clock, nil).Extract(ctx, Input{URL: baseURL, Body: body})
	if err != nil {
		return nil, err
	}
	return tablesOf(units), nil
}

func tablesOf(units []Unit) []ingest.RawTable {
	out := make([]ingest.RawTable, 0, len(units))
	for _, u := range units {
		if u.Err == nil {
			out = append(out, u.Table)
		}
	}
	return out
}

// ownRows returns the rows that belong to table itself, not to nested tables.
func ownRows(table *goquery.Selection) []*goquery.Selection {
	var rows []*goquery.Selection
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if tr.Closest("table").IsSelection(table) {
			rows = append(rows, tr)
		}
	})
	return rows
}

func rowCells(tr *goquery.Selection) []string {
	var cells []string
	tr.ChildrenFiltered("th,td").Each(func(_ int, c *goquery.Selection) {
		cells = append(cells, cleanText(c.Text()))
	})
	return cells
}

func inHead(tr *goquery.Selection) bool {
	return tr.Parent().Is("thead")
}

// parseDirect accepts only well-formed tables: an explicit header row,
// no spanning cells and every body row as wide as the header.
func parseDirect(table *goquery.Selection) (ingest.Table, error) {
	rows := ownRows(table)
	if len(rows) < 2 {
		return ingest.Table{}, errIrregularTable
	}
	spanning := false
	table.Find("th[colspan],td[colspan],th[rowspan],td[rowspan]").Each(func(_ int, c *goquery.Selection) {
		for _, attr := range []string{"colspan", "rowspan"} {
			if v, ok := c.Attr(attr); ok && strings.TrimSpace(v) != "1" {
				spanning = true
			}
		}
	})
	if spanning {
		return ingest.Table{}, errIrregularTable
	}

	header := rows[0]
	if !inHead(header) && header.ChildrenFiltered("td").Length() > 0 {
		return ingest.Table{}, errIrregularTable
	}
	columns := rowCells(header)
	for _, c := range columns {
		if c == "" {
			return ingest.Table{}, errIrregularTable
		}
	}

	var body [][]string
	for _, tr := range rows[1:] {
		if inHead(tr) {
			return ingest.Table{}, errIrregularTable
		}
		cells := rowCells(tr)
		if len(cells) != len(columns) {
			return ingest.Table{}, errIrregularTable
		}
		body = append(body, cells)
	}
	return ingest.Table{Columns: columns, Rows: body}, nil
}

// cellWalk reads whatever cells exist. Missing headers become "Column N"
// and rows are padded or truncated to the header width.
func cellWalk(table *goquery.Selection) ingest.Table {
	rows := ownRows(table)
	var columns []string
	start := 0
	switch {
	case len(rows) == 0:
	case inHead(rows[0]):
		columns = rowCells(rows[0])
		for start = 1; start < len(rows) && inHead(rows[start]); start++ {
		}
	case rows[0].ChildrenFiltered("th").Length() > 0 || looksLikeHeader(rowCells(rows[0])):
		columns = rowCells(rows[0])
		start = 1
	}

	width := len(columns)
	var data [][]string
	for _, tr := range rows[start:] {
		cells := rowCells(tr)
		if allEmpty(cells) {
			continue
		}
		if columns == nil && len(cells) > width {
			width = len(cells)
		}
		data = append(data, cells)
	}
	if width == 0 {
		return ingest.Table{}
	}
	if len(columns) < width {
		columns = append(columns, make([]string, width-len(columns))...)
	}
	for i, c := range columns {
		if c == "" {
			columns[i] = "Column " + strconv.Itoa(i+1)
		}
	}
	for i, row := range data {
		fixed := make([]string, width)
		copy(fixed, row)
		data[i] = fixed
	}
	return ingest.Table{Columns: columns, Rows: data}
}

func looksLikeHeader(cells []string) bool {
	if len(cells) == 0 {
		return false
	}
	for _, c := range cells {
		if c == "" {
			return false
		}
		if _, ok := ingest.ParseNumber(c); ok {
			return false
		}
	}
	return true
}

func allEmpty(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}

// precedingHeadings maps each table node to the text of the closest
// heading that appears before it in document order.
func precedingHeadings(doc *goquery.Document) map[any]string {
	out := map[any]string{}
	last := ""
	doc.Find("h1,h2,h3,h4,h5,h6,table").Each(func(_ int, s *goquery.Selection) {
		if s.Is("table") {
			if last != "" {
				out[s.Get(0)] = last
			}
			return
		}
		if text := cleanText(s.Text()); text != "" {
			last = text
		}
	})
	return out
}

func tableTitle(url string, i int, table *goquery.Selection, headings map[any]string) string {
	if caption := cleanText(table.ChildrenFiltered("caption").First().Text()); caption != "" {
		return caption
	}
	if heading, ok := headings[table.Get(0)]; ok {
		return heading
	}
	return fmt.Sprintf("Table %d from %s", i+1, url)
}

// pageText joins the document's visible text nodes with newlines so that
// adjacent elements never run together.
func pageText(sel *goquery.Selection) string {
	var parts []string
	var walk func(*goquery.Selection)
	walk = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, c *goquery.Selection) {
			switch goquery.NodeName(c) {
			case "#text":
				if text := strings.TrimSpace(c.Text()); text != "" {
					parts = append(parts, text)
				}
			case "script", "style", "noscript", "#comment":
			default:
				walk(c)
			}
		})
	}
	walk(sel)
	return strings.Join(parts, "\n")
}
