package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

const maxKeywordMatches = 5

type pattern struct {
	re *regexp.Regexp
	// render builds the record for one submatch slice.
	render func(m []string) [2]string
}

// keywordGroup is a category-specific set of regular expressions scanned
// over the page text.
type keywordGroup struct {
	hints    []string
	title    string
	labelCol string
	patterns []pattern
	headings []pattern
}

func fixed(label, prefix, suffix string) func([]string) [2]string {
	return func(m []string) [2]string {
		return [2]string{label, prefix + m[1] + suffix}
	}
}

var keywordGroups = []keywordGroup{
	{
		hints:    []string{"demographics", "population"},
		title:    "Population Statistics",
		labelCol: "Metric",
		patterns: []pattern{
			{re: regexp.MustCompile(`(?i)population of (\d[\d,]*)`), render: plainNumber("Population")},
			{re: regexp.MustCompile(`(?i)(\d[\d,]*) people`), render: plainNumber("Population")},
		},
	},
	{
		hints:    []string{"economy", "economic"},
		title:    "Economic Indicators",
		labelCol: "Indicator",
		patterns: []pattern{
			{re: regexp.MustCompile(`GDP.{1,30}?(\d[\d.]*)%`), render: fixed("GDP Growth Rate", "", "%")},
			{re: regexp.MustCompile(`GDP.{1,30}?\$(\d[\d.]*)\s*(billion|million)`), render: func(m []string) [2]string {
				return [2]string{"GDP", "$" + m[1] + " " + m[2]}
			}},
			{re: regexp.MustCompile(`(?i)unemployment.{1,30}?(\d[\d.]*)%`), render: fixed("Unemployment Rate", "", "%")},
		},
	},
	{
		hints:    []string{"inflation", "cpi"},
		title:    "Consumer Price Index",
		labelCol: "Metric",
		patterns: []pattern{
			{re: regexp.MustCompile(`CPI.{1,30}?(\d[\d.]*)`), render: fixed("Consumer Price Index", "", "")},
			{re: regexp.MustCompile(`(?i)inflation.{1,30}?(\d[\d.]*)%`), render: fixed("Inflation Rate", "", "%")},
		},
		headings: []pattern{
			{
				re: regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.? (20\d{2}).{1,20}?(\d[\d.]*)`),
				render: func(m []string) [2]string {
					month := strings.ToUpper(m[1][:1]) + strings.ToLower(m[1][1:])
					return [2]string{"CPI " + month + " " + m[2], m[3]}
				},
			},
		},
	},
}

func plainNumber(label string) func([]string) [2]string {
	return func(m []string) [2]string {
		return [2]string{label, strings.ReplaceAll(m[1], ",", "")}
	}
}

var (
	listKeyValue   = regexp.MustCompile(`^([^:]+):\s*(.+)$`)
	listPercentage = regexp.MustCompile(`^(.+?)\s+(\d[\d.]*)%`)
	labelPercent   = regexp.MustCompile(`([A-Za-z][A-Za-z\s]*?):\s*(\d[\d.]*)%`)
	labelCurrency  = regexp.MustCompile(`([A-Za-z][A-Za-z\s]*?):\s*\$(\d[\d.]*)`)
)

// StructuredText scans a page that has no table markup for indicator
// values. The category hint selects which keyword group runs; without a
// hint every group runs. A generic indicator group built from list items
// and "label: NN%" / "label: $NN" fragments is always attempted. Labels
// already produced by an earlier group are not repeated.
func StructuredText(doc *goquery.Document, hint string) []ingest.RawTable {
	text := pageText(doc.Selection)
	hint = strings.ToLower(strings.TrimSpace(hint))
	seen := map[string]bool{}
	var out []ingest.RawTable

	for _, g := range keywordGroups {
		if hint != "" && !contains(g.hints, hint) {
			continue
		}
		var records [][2]string
		add := func(r [2]string) {
			key := strings.ToLower(r[0]) + "\x00" + r[1]
			if seen[key] {
				return
			}
			seen[key] = true
			seen[strings.ToLower(r[0])] = true
			records = append(records, r)
		}
		for _, p := range g.patterns {
			for _, m := range p.re.FindAllStringSubmatch(text, maxKeywordMatches) {
				add(p.render(m))
			}
		}
		if len(g.headings) > 0 {
			doc.Find("h1,h2,h3,h4,h5,h6").Each(func(_ int, h *goquery.Selection) {
				for _, p := range g.headings {
					if m := p.re.FindStringSubmatch(cleanText(h.Text())); m != nil {
						add(p.render(m))
					}
				}
			})
		}
		if len(records) > 0 {
			out = append(out, structuredTable(g.title, g.labelCol, hint, records))
		}
	}

	var generic [][2]string
	addGeneric := func(label, value string) {
		label = cleanText(label)
		key := strings.ToLower(label)
		if label == "" || seen[key] {
			return
		}
		seen[key] = true
		generic = append(generic, [2]string{label, cleanText(value)})
	}
	doc.Find("ul li, ol li").Each(func(_ int, li *goquery.Selection) {
		item := cleanText(li.Text())
		if m := listKeyValue.FindStringSubmatch(item); m != nil {
			addGeneric(m[1], m[2])
			return
		}
		if m := listPercentage.FindStringSubmatch(item); m != nil {
			addGeneric(m[1], m[2]+"%")
		}
	})
	fragments := []string{}
	doc.Find("h1,h2,h3,h4,h5,h6,strong,b,p,dd,span").Each(func(_ int, s *goquery.Selection) {
		fragments = append(fragments, cleanText(s.Text()))
	})
	fragments = append(fragments, strings.Split(text, "\n")...)
	for _, f := range fragments {
		for _, m := range labelPercent.FindAllStringSubmatch(f, -1) {
			addGeneric(m[1], m[2]+"%")
		}
		for _, m := range labelCurrency.FindAllStringSubmatch(f, -1) {
			addGeneric(m[1], "$"+m[2])
		}
	}
	if len(generic) > 0 {
		title := "Indicators"
		if hint != "" {
			title = strings.ToUpper(hint[:1]) + hint[1:] + " Indicators"
		}
		out = append(out, structuredTable(title, "Indicator", hint, generic))
	}
	return out
}

func structuredTable(title, labelCol, hint string, records [][2]string) ingest.RawTable {
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{r[0], r[1]}
	}
	meta := ingest.Metadata{ingest.MetaExtractionMethod: MethodStructured}
	if hint != "" {
		meta[ingest.MetaSourceCategory] = hint
	}
	return ingest.RawTable{
		Title:    title,
		Table:    ingest.Table{Columns: []string{labelCol, "Value"}, Rows: rows},
		Metadata: meta,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
