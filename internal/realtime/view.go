package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/categorize"
	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/metrics"
	"github.com/JakeFAU/realtime-stats-ingest/internal/realtime/cache"
)

// View statuses.
const (
	ViewOK    = "ok"
	ViewEmpty = "error"
)

// OtherCategory groups items without a category.
const OtherCategory = "other"

// ItemRef points at one item of the view.
type ItemRef struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	TimePeriod string `json:"time_period"`
	URL        string `json:"url"`
}

// AggregatedView is the latest completed job folded by category.
type AggregatedView struct {
	Status          string                        `json:"status"`
	Message         string                        `json:"message,omitempty"`
	JobID           int64                         `json:"job_id,omitempty"`
	JobCompletedAt  *time.Time                    `json:"job_completed_at,omitempty"`
	TotalItems      int                           `json:"total_items"`
	PendingItems    int                           `json:"pending_items,omitempty"`
	LastUpdated     time.Time                     `json:"last_updated"`
	Categories      map[string][]ItemRef          `json:"categories"`
	Summaries       map[string]categorize.Summary `json:"summaries,omitempty"`
	ScrapeTriggered bool                          `json:"scrape_triggered"`
}

// GetLatestData returns the view for category, or for every category when
// empty. Cached views are served even when stale; staleness, or having no
// completed job at all, only starts a background scrape.
func (m *Manager) GetLatestData(ctx context.Context, category string) (AggregatedView, error) {
	category = strings.ToLower(strings.TrimSpace(category))
	view, hit, err := m.cached(ctx, category)
	if err != nil {
		m.logger.Warn("read cached view", zap.String("key", m.key(category)), zap.Error(err))
	}
	if !hit {
		view, err = m.rebuild(ctx, category)
		if err != nil {
			metrics.ObserveCacheRead("error")
			return AggregatedView{}, err
		}
	}

	stale := view.Status != ViewOK || m.stale(view)
	switch {
	case view.Status != ViewOK:
		metrics.ObserveCacheRead("empty")
	case hit && stale:
		metrics.ObserveCacheRead("stale")
	case hit:
		metrics.ObserveCacheRead("hit")
	default:
		metrics.ObserveCacheRead("miss")
	}
	if stale && m.cfg.RefreshOnStale {
		res := m.TriggerScrape(ctx, nil, false)
		view.ScrapeTriggered = res.Status == StatusStarted
	}
	return view, nil
}

// stale reports whether the view or the job behind it is older than the
// staleness window.
func (m *Manager) stale(v AggregatedView) bool {
	now := m.clock.Now()
	if now.Sub(v.LastUpdated) > m.cfg.StaleAfter {
		return true
	}
	return v.JobCompletedAt != nil && now.Sub(*v.JobCompletedAt) > m.cfg.StaleAfter
}

func (m *Manager) cached(ctx context.Context, category string) (AggregatedView, bool, error) {
	raw, err := m.cache.Get(ctx, m.key(category))
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return AggregatedView{}, false, nil
		}
		return AggregatedView{}, false, err
	}
	var v AggregatedView
	if err := json.Unmarshal(raw, &v); err != nil {
		return AggregatedView{}, false, fmt.Errorf("decode cached view: %w", err)
	}
	return v, true, nil
}

// rebuild builds the view from the store and caches it once every item in
// it is settled. Concurrent rebuilds of one key share a single store read.
func (m *Manager) rebuild(ctx context.Context, category string) (AggregatedView, error) {
	key := m.key(category)
	v, err, _ := m.group.Do(key, func() (any, error) {
		view, err := m.build(ctx, category)
		if err != nil {
			return AggregatedView{}, err
		}
		if view.Status != ViewOK || view.PendingItems > 0 {
			return view, nil
		}
		raw, err := json.Marshal(view)
		if err != nil {
			return view, nil
		}
		if err := m.cache.Set(ctx, key, raw, m.cfg.CacheTTL); err != nil {
			m.logger.Warn("cache view", zap.String("key", key), zap.Error(err))
		} else {
			m.mu.Lock()
			m.keys[key] = true
			m.mu.Unlock()
		}
		return view, nil
	})
	if err != nil {
		return AggregatedView{}, err
	}
	return v.(AggregatedView), nil
}

// Invalidate drops every cached view this manager knows of.
func (m *Manager) Invalidate(ctx context.Context) error {
	m.mu.Lock()
	keys := map[string]bool{m.key(""): true}
	for _, c := range m.cfg.Categories {
		keys[m.key(c)] = true
	}
	for k := range m.keys {
		keys[k] = true
	}
	m.keys = map[string]bool{}
	m.mu.Unlock()

	var errs []error
	for k := range keys {
		if err := m.cache.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) build(ctx context.Context, category string) (AggregatedView, error) {
	now := m.clock.Now()
	job, err := m.source.LatestCompleted(ctx, "")
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			return AggregatedView{
				Status:      ViewEmpty,
				Message:     "No completed scraper jobs found",
				LastUpdated: now,
				Categories:  map[string][]ItemRef{},
			}, nil
		}
		return AggregatedView{}, err
	}
	items, err := m.source.ListItems(ctx, ingest.ItemFilter{JobID: job.ID})
	if err != nil {
		return AggregatedView{}, fmt.Errorf("list items of job %d: %w", job.ID, err)
	}

	view := AggregatedView{
		Status:         ViewOK,
		JobID:          job.ID,
		JobCompletedAt: job.EndTime,
		LastUpdated:    now,
		Categories:     map[string][]ItemRef{},
		Summaries:      map[string]categorize.Summary{},
	}
	for _, item := range items {
		if category != "" && !matches(item, category) {
			continue
		}
		view.TotalItems++
		if !item.Status.Terminal() {
			view.PendingItems++
		}
		group := item.Metadata.String(ingest.MetaCategory)
		if group == "" {
			group = OtherCategory
		}
		view.Categories[group] = append(view.Categories[group], ItemRef{
			ID:         item.ID,
			Title:      item.Title,
			TimePeriod: item.Metadata.String(ingest.MetaTimePeriod),
			URL:        fmt.Sprintf("/v1/items/%d", item.ID),
		})
		summarize(view.Summaries, item)
	}
	return view, nil
}

// matches filters on the classified category or the page it came from.
func matches(item ingest.Item, category string) bool {
	return strings.EqualFold(item.Metadata.String(ingest.MetaCategory), category) ||
		strings.EqualFold(item.Metadata.String(ingest.MetaSourceCategory), category)
}

// summarize keeps, per key, the summary with the latest period. A table
// of the wrong shape contributes nothing.
func summarize(into map[string]categorize.Summary, item ingest.Item) {
	cat := categorize.ParseCategory(item.Metadata.String(ingest.MetaCategory))
	if cat == categorize.Unclassified {
		return
	}
	table, err := item.Table()
	if err != nil {
		return
	}
	found := cat.Summarize(table)
	sort.SliceStable(found, func(i, j int) bool { return found[i].Period < found[j].Period })
	for _, s := range found {
		if cur, ok := into[s.Key]; !ok || s.Period >= cur.Period {
			into[s.Key] = s
		}
	}
}
