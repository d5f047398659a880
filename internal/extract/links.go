package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Link is a publication discovered on a listing page.
type Link struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// IsPDF reports whether the link points directly at a PDF file.
func (l Link) IsPDF() bool {
	u, err := url.Parse(l.URL)
	if err != nil {
		return strings.HasSuffix(strings.ToLower(l.URL), ".pdf")
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

var navigationTitles = map[string]bool{"home": true, "next": true, "previous": true}

// PublicationLinks returns anchors that look like downloadable
// publications, resolved against base. Titles shorter than five characters
// and navigation labels are ignored; a URL is reported once.
func PublicationLinks(body []byte, base string) ([]Link, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var links []Link
	seen := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		title := cleanText(a.Text())
		if len(title) < 5 || navigationTitles[strings.ToLower(title)] {
			return
		}
		lower := strings.ToLower(href)
		if !strings.HasSuffix(lower, ".pdf") && !strings.Contains(lower, "download") && !strings.Contains(lower, "publication") {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := baseURL.ResolveReference(ref).String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, Link{Title: title, URL: abs})
	})
	return links, nil
}
