// Package scrape runs one scrape job end to end: fetch, extract, record
// items, and hand them to the ETL stage.
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/etl"
	"github.com/JakeFAU/realtime-stats-ingest/internal/extract"
	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/metrics"
	"github.com/JakeFAU/realtime-stats-ingest/internal/storage"
	"github.com/JakeFAU/realtime-stats-ingest/internal/tracker"
)

// Category is a source section of the statistics site.
type Category struct {
	Name string
	Path string
}

// Config describes what a job fetches.
type Config struct {
	BaseURL          string
	PublicationsPath string
	HomepageStats    bool
	Categories       []Category
	MaxPDFs          int
	PDF              extract.PDFConfig
	// Synchronous processes items in the runner instead of publishing them.
	Synchronous   bool
	ArchivePrefix string
	NotifyTopic   string
}

// ItemPublisher hands pending items to the queue stage.
type ItemPublisher interface {
	Publish(ctx context.Context, items []ingest.Item) (int, error)
}

// FetchPolicy limits which document URLs a job downloads.
type FetchPolicy interface {
	AllowFetch(rawURL string) bool
}

// Deps are the collaborators of a Runner. Publisher, Archive, Notifier and
// Policy are optional.
type Deps struct {
	Fetcher   ingest.Fetcher
	Policy    FetchPolicy
	Tracker   *tracker.Service
	Publisher ItemPublisher
	Archive   ingest.BlobStore
	Notifier  ingest.Notifier
	Hasher    ingest.Hasher
	Clock     ingest.Clock
	Logger    *zap.Logger
}

// Result reports a finished run.
type Result struct {
	Job       ingest.Job
	Items     []ingest.Item
	Published int
}

// Runner executes scrape jobs.
type Runner struct {
	cfg  Config
	deps Deps

	html     *extract.Pipeline
	keyStats *extract.Pipeline
	pdf      *extract.Pipeline
	logger   *zap.Logger
}

// NewRunner builds a Runner.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if deps.Fetcher == nil || deps.Tracker == nil || deps.Clock == nil {
		return nil, errors.New("fetcher, tracker and clock are required")
	}
	if cfg.MaxPDFs <= 0 {
		cfg.MaxPDFs = 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scrape")
	return &Runner{
		cfg:      cfg,
		deps:     deps,
		html:     extract.NewPipeline(extract.NewHTMLParser(), deps.Hasher, deps.Clock, logger),
		keyStats: extract.NewPipeline(extract.NewKeyStatsParser(deps.Clock), deps.Hasher, deps.Clock, logger),
		pdf:      extract.NewPipeline(extract.NewPDFParser(cfg.PDF, nil), deps.Hasher, deps.Clock, logger),
		logger:   logger,
	}, nil
}

// CategoryNames lists the configured categories in order.
func (r *Runner) CategoryNames() []string {
	names := make([]string, len(r.cfg.Categories))
	for i, c := range r.cfg.Categories {
		names[i] = c.Name
	}
	return names
}

// run holds the state of one job.
type run struct {
	job     ingest.Job
	counts  ingest.Counts
	items   []ingest.Item
	fetched map[string]page
	ok      int
}

// Run executes one job. Statistics jobs scrape the homepage key figures and
// the requested categories (all configured ones when empty); publications
// jobs scrape the publication listing and its PDFs. Item failures are
// recorded on the items; the returned error is set only when the job
// itself failed.
func (r *Runner) Run(ctx context.Context, jobType ingest.JobType, categories []string) (res Result, err error) {
	metrics.IncScrapesInFlight()
	defer metrics.DecScrapesInFlight()

	target := r.cfg.BaseURL
	if jobType == ingest.JobTypePublications {
		target = r.resolve(r.cfg.PublicationsPath)
	}
	job, err := r.deps.Tracker.StartJob(ctx, jobType, target)
	if err != nil {
		return Result{}, err
	}
	st := &run{job: job, fetched: map[string]page{}}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("scrape panicked", zap.Int64("job_id", job.ID), zap.Any("panic", rec))
			err = fmt.Errorf("scrape panicked: %v", rec)
			res = r.finish(context.WithoutCancel(ctx), st, err)
		}
	}()

	switch jobType {
	case ingest.JobTypeStatistics:
		err = r.statistics(ctx, st, categories)
	case ingest.JobTypePublications:
		err = r.publications(ctx, st)
	default:
		err = fmt.Errorf("unknown job type %q", jobType)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil && r.cfg.Synchronous {
		r.processAll(ctx, st)
	}
	res = r.finish(context.WithoutCancel(ctx), st, err)
	if err != nil {
		return res, err
	}
	if !r.cfg.Synchronous && r.deps.Publisher != nil {
		n, perr := r.deps.Publisher.Publish(ctx, st.items)
		res.Published = n
		if perr != nil {
			r.logger.Error("publish items", zap.Int64("job_id", job.ID), zap.Int("published", n), zap.Error(perr))
		}
	}
	return res, nil
}

func (r *Runner) finish(ctx context.Context, st *run, cause error) Result {
	var (
		job ingest.Job
		err error
	)
	if cause != nil {
		job, err = r.deps.Tracker.FailJob(ctx, st.job.ID, st.counts, cause.Error())
	} else {
		job, err = r.deps.Tracker.CompleteJob(ctx, st.job.ID, st.counts)
	}
	if err != nil {
		r.logger.Error("finish job", zap.Int64("job_id", st.job.ID), zap.Error(err))
		job = st.job
	}
	r.notify(ctx, job)
	return Result{Job: job, Items: st.items}
}

func (r *Runner) notify(ctx context.Context, job ingest.Job) {
	if r.deps.Notifier == nil || !job.Status.Terminal() {
		return
	}
	id, err := r.deps.Notifier.Publish(ctx, r.cfg.NotifyTopic, ingest.NewJobEvent(job))
	if err != nil {
		r.logger.Warn("job notification failed", zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}
	r.logger.Debug("job notification sent", zap.Int64("job_id", job.ID), zap.String("message_id", id))
}

func (r *Runner) statistics(ctx context.Context, st *run, categories []string) error {
	attempted := 0
	if r.cfg.HomepageStats {
		attempted++
		r.scrapePage(ctx, st, r.cfg.BaseURL, "", r.keyStats, false)
	}
	for _, c := range r.selectCategories(st, categories) {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempted++
		r.scrapePage(ctx, st, r.resolve(c.Path), c.Name, r.html, true)
	}
	if attempted > 0 && st.ok == 0 {
		return fmt.Errorf("no statistics page of %s could be fetched", r.cfg.BaseURL)
	}
	return nil
}

func (r *Runner) selectCategories(st *run, names []string) []Category {
	if len(names) == 0 {
		return r.cfg.Categories
	}
	var out []Category
	for _, name := range names {
		found := false
		for _, c := range r.cfg.Categories {
			if strings.EqualFold(c.Name, name) {
				out = append(out, c)
				found = true
				break
			}
		}
		if !found {
			r.logger.Warn("unknown category requested", zap.String("category", name))
			st.counts.Found++
			st.counts.Failed++
		}
	}
	return out
}

// scrapePage fetches one HTML page and records its tables. A page that yields
// nothing counts as one failed unit when required is set.
func (r *Runner) scrapePage(ctx context.Context, st *run, pageURL, category string, pipe *extract.Pipeline, required bool) {
	doc, err := r.fetch(ctx, st, pageURL)
	if err != nil {
		r.logger.Warn("page fetch failed", zap.String("url", pageURL), zap.String("category", category), zap.Error(err))
		st.counts.Found++
		st.counts.Failed++
		return
	}
	units, err := pipe.Extract(ctx, extract.Input{URL: pageURL, Body: doc.Body, CategoryHint: category})
	if err != nil {
		if required || !errors.Is(err, extract.ErrNoTables) {
			r.logger.Warn("page yielded no data", zap.String("url", pageURL), zap.String("category", category), zap.Error(err))
			st.counts.Found++
			st.counts.Failed++
		}
		return
	}
	r.record(ctx, st, doc, ingest.ItemTypeHTMLTable, units)
}

func (r *Runner) publications(ctx context.Context, st *run) error {
	listing := r.resolve(r.cfg.PublicationsPath)
	doc, err := r.fetch(ctx, st, listing)
	if err != nil {
		return fmt.Errorf("fetch publications listing: %w", err)
	}
	links, err := extract.PublicationLinks(doc.Body, doc.FinalURL)
	if err != nil {
		return fmt.Errorf("parse publications listing: %w", err)
	}
	year := strconv.Itoa(r.deps.Clock.Now().Year())
	var pdfs []extract.Link
	for _, link := range links {
		content, _ := json.Marshal(link)
		st.counts.Found++
		if _, err := r.create(ctx, st, ingest.NewItem{
			Type:      ingest.ItemTypePDFText,
			SourceURL: link.URL,
			Title:     "Publication - " + link.Title,
			Content:   content,
			Metadata: ingest.Metadata{
				ingest.MetaCategory:       etl.PublicationsCategory,
				ingest.MetaSourceCategory: etl.PublicationsCategory,
				ingest.MetaTimePeriod:     year,
			},
		}); err != nil {
			st.counts.Failed++
			continue
		}
		st.counts.Processed++
		if !link.IsPDF() {
			continue
		}
		if r.deps.Policy != nil && !r.deps.Policy.AllowFetch(link.URL) {
			r.logger.Info("skipping pdf on disallowed host", zap.String("url", link.URL))
			continue
		}
		pdfs = append(pdfs, link)
	}
	if len(pdfs) > r.cfg.MaxPDFs {
		r.logger.Info("limiting pdf downloads", zap.Int("found", len(pdfs)), zap.Int("limit", r.cfg.MaxPDFs))
		pdfs = pdfs[:r.cfg.MaxPDFs]
	}
	for _, link := range pdfs {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.document(ctx, st, link)
	}
	return nil
}

func (r *Runner) document(ctx context.Context, st *run, link extract.Link) {
	doc, err := r.fetch(ctx, st, link.URL)
	if err != nil {
		r.logger.Warn("pdf fetch failed", zap.String("url", link.URL), zap.Error(err))
		st.counts.Found++
		st.counts.Failed++
		return
	}
	units, err := r.pdf.Extract(ctx, extract.Input{URL: link.URL, Body: doc.Body, CategoryHint: etl.PublicationsCategory})
	if err != nil {
		if !errors.Is(err, extract.ErrNoTables) {
			r.logger.Warn("pdf unreadable", zap.String("url", link.URL), zap.Error(err))
			st.counts.Found++
			st.counts.Failed++
		}
		return
	}
	r.record(ctx, st, doc, ingest.ItemTypePDFTable, units)
}

// page is a fetched document and the URI of its archived copy.
type page struct {
	ingest.Document
	rawURI string
}

// fetch retrieves a URL once per job and archives the body.
func (r *Runner) fetch(ctx context.Context, st *run, rawURL string) (page, error) {
	if p, ok := st.fetched[rawURL]; ok {
		return p, nil
	}
	doc, err := r.deps.Fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return page{}, err
	}
	if doc.FinalURL == "" {
		doc.FinalURL = rawURL
	}
	st.ok++
	p := page{Document: doc, rawURI: r.archive(ctx, st, doc)}
	st.fetched[rawURL] = p
	return p, nil
}

func (r *Runner) archive(ctx context.Context, st *run, doc ingest.Document) string {
	if r.deps.Archive == nil {
		return ""
	}
	key := storage.ObjectPath(r.cfg.ArchivePrefix, string(st.job.Type), st.job.ID, doc.FinalURL, doc.ContentType, r.deps.Clock.Now())
	uri, err := r.deps.Archive.PutObject(ctx, key, doc.ContentType, bytes.NewReader(doc.Body))
	if err != nil {
		r.logger.Warn("archive document", zap.String("url", doc.FinalURL), zap.Error(err))
		return ""
	}
	return uri
}

func (r *Runner) record(ctx context.Context, st *run, doc page, itemType ingest.ItemType, units []extract.Unit) {
	for _, u := range units {
		st.counts.Found++
		in := ingest.NewItem{
			Type:      itemType,
			SourceURL: doc.FinalURL,
			Title:     u.Table.Title,
			Metadata:  u.Table.Metadata.Clone(),
		}
		if in.Metadata.String(ingest.MetaCategory) == "" {
			if src := in.Metadata.String(ingest.MetaSourceCategory); src != "" {
				in.Metadata[ingest.MetaCategory] = src
			}
		}
		if u.Err == nil {
			idx := u.Table.Index
			in.TableIndex = &idx
			if itemType == ingest.ItemTypePDFTable && u.Table.Page > 0 {
				pg := u.Table.Page
				in.PageNumber = &pg
			}
		}
		if doc.rawURI != "" {
			in.Metadata[ingest.MetaRawURI] = doc.rawURI
		}
		if doc.UsedHeadless {
			in.Metadata[ingest.MetaUsedHeadless] = true
		}

		if u.Err != nil {
			if in.Title == "" {
				in.Title = "Failed table from " + doc.FinalURL
			}
			in.Content = json.RawMessage(`{}`)
			if _, err := r.create(ctx, st, in); err == nil {
				r.settle(ctx, st, len(st.items)-1, tracker.Advance{To: ingest.ItemStatusFailed, Error: u.Err.Error()})
			}
			st.counts.Failed++
			continue
		}

		content, err := json.Marshal(u.Table.Table)
		if err != nil {
			st.counts.Failed++
			continue
		}
		in.Content = content
		if _, err := r.create(ctx, st, in); err != nil {
			st.counts.Failed++
			continue
		}
		st.counts.Processed++
	}
}

// settle advances st.items[i] and keeps the snapshot current.
func (r *Runner) settle(ctx context.Context, st *run, i int, adv tracker.Advance) {
	updated, err := r.deps.Tracker.AdvanceItem(ctx, st.items[i].ID, adv)
	if err != nil {
		r.logger.Warn("advance item", zap.Int64("item_id", st.items[i].ID), zap.Error(err))
		return
	}
	st.items[i] = updated
}

func (r *Runner) create(ctx context.Context, st *run, in ingest.NewItem) (ingest.Item, error) {
	item, err := r.deps.Tracker.CreateItem(ctx, st.job.ID, in)
	if err != nil {
		r.logger.Error("create item", zap.Int64("job_id", st.job.ID), zap.String("title", in.Title), zap.Error(err))
		return ingest.Item{}, err
	}
	st.items = append(st.items, item)
	return item, nil
}

// processAll runs the ETL step in-process for every pending item.
func (r *Runner) processAll(ctx context.Context, st *run) {
	for i, item := range st.items {
		if item.Status != ingest.ItemStatusPending {
			continue
		}
		meta, err := etl.Process(item)
		switch {
		case errors.Is(err, etl.ErrUnsupported):
			r.settle(ctx, st, i, tracker.Advance{To: ingest.ItemStatusInvalid, Error: err.Error()})
		case err != nil:
			r.settle(ctx, st, i, tracker.Advance{To: ingest.ItemStatusFailed, Error: err.Error()})
		default:
			r.settle(ctx, st, i, tracker.Advance{To: ingest.ItemStatusProcessed, Metadata: meta})
		}
	}
}

func (r *Runner) resolve(p string) string {
	base, err := url.Parse(r.cfg.BaseURL)
	if err != nil {
		return strings.TrimRight(r.cfg.BaseURL, "/") + "/" + strings.TrimLeft(p, "/")
	}
	ref, err := url.Parse(p)
	if err != nil {
		return r.cfg.BaseURL
	}
	return base.ResolveReference(ref).String()
}
