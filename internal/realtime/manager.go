// Package realtime guards on-demand scrapes and serves the latest
// aggregated view of scraped data.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/metrics"
	"github.com/JakeFAU/realtime-stats-ingest/internal/realtime/cache"
	"github.com/JakeFAU/realtime-stats-ingest/internal/scrape"
)

// Trigger outcomes.
const (
	StatusStarted    = "started"
	StatusInProgress = "in_progress"
	StatusSkipped    = "skipped"
	StatusError      = "error"
)

// Defaults applied by New.
const (
	DefaultSkipWindow = 5 * time.Minute
	DefaultStaleAfter = 5 * time.Minute
	DefaultCacheTTL   = time.Hour
)

// DefaultCategories are scraped when a trigger names none.
var DefaultCategories = []string{"demographics", "economy", "inflation"}

// Runner executes a statistics scrape.
type Runner interface {
	Run(ctx context.Context, jobType ingest.JobType, categories []string) (scrape.Result, error)
}

// Source reads completed jobs and their items.
type Source interface {
	LatestCompleted(ctx context.Context, jobType ingest.JobType) (ingest.Job, error)
	ListItems(ctx context.Context, filter ingest.ItemFilter) ([]ingest.Item, error)
}

// Config tunes the manager.
type Config struct {
	Categories     []string
	SkipWindow     time.Duration
	StaleAfter     time.Duration
	CacheTTL       time.Duration
	KeyPrefix      string
	RefreshOnStale bool
}

// TriggerResult reports what a trigger did.
type TriggerResult struct {
	Status          string               `json:"status"`
	Message         string               `json:"message"`
	Categories      []string             `json:"categories,omitempty"`
	LastScrapeTimes map[string]time.Time `json:"last_scrape_times,omitempty"`
}

// Manager is the single point that starts real-time scrapes. At most one
// runs at a time unless forced; a forced scrape may overlap a running one.
type Manager struct {
	cfg    Config
	runner Runner
	source Source
	cache  cache.Cache
	clock  ingest.Clock
	logger *zap.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	group  singleflight.Group

	mu         sync.Mutex
	running    int
	lastScrape map[string]time.Time
	keys       map[string]bool
}

// New builds a Manager. Background scrapes run under ctx and stop when it
// ends or Close is called.
func New(ctx context.Context, cfg Config, runner Runner, source Source, c cache.Cache, clock ingest.Clock, logger *zap.Logger) (*Manager, error) {
	if runner == nil || source == nil || c == nil || clock == nil {
		return nil, errors.New("realtime: runner, source, cache and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories
	}
	if cfg.SkipWindow <= 0 {
		cfg.SkipWindow = DefaultSkipWindow
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Manager{
		cfg:        cfg,
		runner:     runner,
		source:     source,
		cache:      c,
		clock:      clock,
		logger:     logger.Named("realtime"),
		base:       base,
		cancel:     cancel,
		lastScrape: map[string]time.Time{},
		keys:       map[string]bool{},
	}, nil
}

// TriggerScrape starts a background statistics scrape of categories, or
// the configured real-time categories when none are given. It never waits
// for the scrape.
func (m *Manager) TriggerScrape(_ context.Context, categories []string, force bool) TriggerResult {
	categories = normalize(categories)
	if len(categories) == 0 {
		categories = append([]string(nil), m.cfg.Categories...)
	}

	m.mu.Lock()
	if m.running > 0 && !force {
		m.mu.Unlock()
		return m.result(TriggerResult{Status: StatusInProgress, Message: "A scraping operation is already in progress"})
	}
	if !force && !m.dueLocked(categories) {
		times := m.lastScrapeLocked()
		m.mu.Unlock()
		return m.result(TriggerResult{
			Status:          StatusSkipped,
			Message:         "Data was scraped recently. Use force=true to override.",
			LastScrapeTimes: times,
		})
	}
	if m.base.Err() != nil {
		m.mu.Unlock()
		return m.result(TriggerResult{Status: StatusError, Message: "Error starting scraper: manager closed"})
	}
	m.running++
	m.wg.Add(1)
	m.mu.Unlock()

	go m.scrape(categories)
	return m.result(TriggerResult{
		Status:     StatusStarted,
		Message:    "Started scraping categories: " + strings.Join(categories, ", "),
		Categories: categories,
	})
}

func (m *Manager) result(r TriggerResult) TriggerResult {
	metrics.ObserveTrigger(r.Status)
	m.logger.Info("scrape trigger", zap.String("status", r.Status), zap.Strings("categories", r.Categories))
	return r
}

// dueLocked reports whether any category was never scraped or was scraped
// longer than the skip window ago.
func (m *Manager) dueLocked(categories []string) bool {
	now := m.clock.Now()
	for _, c := range categories {
		last, ok := m.lastScrape[c]
		if !ok || now.Sub(last) > m.cfg.SkipWindow {
			return true
		}
	}
	return false
}

func (m *Manager) lastScrapeLocked() map[string]time.Time {
	out := make(map[string]time.Time, len(m.lastScrape))
	for k, v := range m.lastScrape {
		out[k] = v
	}
	return out
}

// LastScrapeTimes returns when each category last finished a successful
// real-time scrape.
func (m *Manager) LastScrapeTimes() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastScrapeLocked()
}

// InFlight reports whether any triggered scrape is running.
func (m *Manager) InFlight() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running > 0
}

func (m *Manager) scrape(categories []string) {
	log := m.logger.With(zap.Strings("categories", categories))
	defer m.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("real-time scrape panicked", zap.Any("panic", rec))
		}
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
	}()

	log.Info("real-time scrape starting")
	res, err := m.runner.Run(m.base, ingest.JobTypeStatistics, categories)
	if err != nil {
		log.Error("real-time scrape failed", zap.Int64("job_id", res.Job.ID), zap.Error(err))
		return
	}
	now := m.clock.Now()
	m.mu.Lock()
	for _, c := range categories {
		m.lastScrape[c] = now
	}
	m.mu.Unlock()

	if err := m.Invalidate(m.base); err != nil {
		log.Warn("invalidate cached views", zap.Error(err))
	}
	if _, err := m.rebuild(m.base, ""); err != nil {
		log.Warn("rebuild latest view", zap.Error(err))
	}
	log.Info("real-time scrape finished", zap.Int64("job_id", res.Job.ID), zap.Int("items", res.Job.Found))
}

// Close cancels running scrapes and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func normalize(categories []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range categories {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func (m *Manager) key(category string) string {
	if category == "" {
		category = "all"
	}
	return fmt.Sprintf("%sview:%s", m.cfg.KeyPrefix, category)
}
