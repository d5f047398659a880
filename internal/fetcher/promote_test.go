package fetcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

type stubFetcher struct {
	doc   ingest.Document
	err   error
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (ingest.Document, error) {
	s.calls++
	if s.err != nil {
		return ingest.Document{}, s.err
	}
	doc := s.doc
	doc.URL = url
	return doc, nil
}

type stubDetector bool

func (d stubDetector) ShouldPromote(ingest.Document) bool { return bool(d) }

func TestPromotingUsesHeadlessWhenDetected(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{doc: ingest.Document{StatusCode: 200, Body: []byte(`<div id="app"></div>`)}}
	headless := &stubFetcher{doc: ingest.Document{StatusCode: 200, Body: []byte("<table></table>"), UsedHeadless: true}}

	doc, err := NewPromoting(probe, headless, stubDetector(true), nil).Fetch(context.Background(), "https://nbs.gov.so/statistics")
	require.NoError(t, err)
	require.True(t, doc.UsedHeadless)
	require.Equal(t, 1, headless.calls)
}

func TestPromotingSkipsHeadlessWhenNotNeeded(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{doc: ingest.Document{StatusCode: 200, Body: []byte("<table></table>")}}
	headless := &stubFetcher{}

	doc, err := NewPromoting(probe, headless, stubDetector(false), nil).Fetch(context.Background(), "https://nbs.gov.so")
	require.NoError(t, err)
	require.False(t, doc.UsedHeadless)
	require.Zero(t, headless.calls)
}

func TestPromotingFallsBackOnHeadlessError(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{doc: ingest.Document{StatusCode: 200, Body: []byte("shell")}}
	headless := &stubFetcher{err: errors.New("chrome missing")}

	doc, err := NewPromoting(probe, headless, stubDetector(true), nil).Fetch(context.Background(), "https://nbs.gov.so")
	require.NoError(t, err)
	require.Equal(t, "shell", string(doc.Body))
}

func TestPromotingPropagatesProbeError(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{err: &ingest.FetchFailed{URL: "u", Attempts: 3, LastError: errors.New("503")}}
	_, err := NewPromoting(probe, nil, nil, nil).Fetch(context.Background(), "u")
	var failed *ingest.FetchFailed
	require.ErrorAs(t, err, &failed)
}
