// Package detector decides when a statistics page needs a headless re-render.
package detector

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// Heuristic promotes HTML pages that carry no table markup and look like
// client-rendered shells.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(doc ingest.Document) bool {
	if doc.StatusCode != 200 || doc.UsedHeadless {
		return false
	}
	if ct := strings.ToLower(doc.ContentType); ct != "" && !strings.Contains(ct, "html") {
		return false
	}
	body := doc.Body
	if len(body) == 0 {
		return true
	}
	if bytes.Contains(bytes.ToLower(body), []byte("<table")) {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag: count the remainder.
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		end := strings.Index(lower[contentStart:], closeTag)
		next := total
		if end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage > 0 && coverage*100/total >= 25
}
