package detector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

func htmlDoc(body string) ingest.Document {
	return ingest.Document{StatusCode: 200, ContentType: "text/html", Body: []byte(body)}
}

func TestShouldPromoteEmptyBody(t *testing.T) {
	t.Parallel()
	require.True(t, NewHeuristic(100).ShouldPromote(htmlDoc("")))
}

func TestShouldPromoteSPAMarkers(t *testing.T) {
	t.Parallel()
	require.True(t, NewHeuristic(100).ShouldPromote(htmlDoc(`<div id="__next"></div>`)))
}

func TestShouldPromoteScriptDensity(t *testing.T) {
	t.Parallel()
	require.True(t, NewHeuristic(1000).ShouldPromote(htmlDoc(`<html><script>var a=1;</script><p>t</p></html>`)))
}

func TestShouldNotPromotePagesWithTables(t *testing.T) {
	t.Parallel()
	body := `<div id="app"><table><tr><td>1</td></tr></table></div>`
	require.False(t, NewHeuristic(1000).ShouldPromote(htmlDoc(body)))
}

func TestShouldNotPromoteNonHTMLOrFailures(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.False(t, h.ShouldPromote(ingest.Document{StatusCode: 404, Body: []byte("not found")}))
	require.False(t, h.ShouldPromote(ingest.Document{StatusCode: 200, ContentType: "application/pdf", Body: []byte("%PDF")}))

	rendered := htmlDoc("")
	rendered.UsedHeadless = true
	require.False(t, h.ShouldPromote(rendered))
}

func TestScriptDensityMalformedTag(t *testing.T) {
	t.Parallel()
	require.True(t, scriptDensityHigh([]byte("<p>x</p><script src=")))
	require.False(t, scriptDensityHigh([]byte("<p>plain text with no scripts at all</p>")))
}
