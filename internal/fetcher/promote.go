// Package fetcher combines the plain HTTP fetcher with an optional headless
// renderer for pages that only materialize their tables client-side.
package fetcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// Detector decides whether a probe response should be re-rendered.
type Detector interface {
	ShouldPromote(doc ingest.Document) bool
}

// Promoting fetches with Probe and, when Detector asks for it, re-fetches the
// page with Headless. A headless failure falls back to the probe result.
type Promoting struct {
	probe    ingest.Fetcher
	headless ingest.Fetcher
	detector Detector
	logger   *zap.Logger
}

// NewPromoting builds a Promoting fetcher. A nil headless fetcher or detector
// disables promotion.
func NewPromoting(probe, headless ingest.Fetcher, detector Detector, logger *zap.Logger) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{probe: probe, headless: headless, detector: detector, logger: logger}
}

// Fetch implements ingest.Fetcher.
func (p *Promoting) Fetch(ctx context.Context, url string) (ingest.Document, error) {
	doc, err := p.probe.Fetch(ctx, url)
	if err != nil {
		return ingest.Document{}, err
	}
	if p.headless == nil || p.detector == nil || !p.detector.ShouldPromote(doc) {
		return doc, nil
	}
	p.logger.Debug("promoting to headless fetch", zap.String("url", url))
	rendered, err := p.headless.Fetch(ctx, url)
	if err != nil {
		p.logger.Warn("headless fetch failed, using probe response", zap.String("url", url), zap.Error(err))
		return doc, nil
	}
	return rendered, nil
}
