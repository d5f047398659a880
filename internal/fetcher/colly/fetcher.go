// Package collyfetcher implements ingest.Fetcher using gocolly with retries,
// exponential backoff and a politeness delay.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes caps response size; zero means unlimited.
	MaxBodyBytes int
	// MaxAttempts is the total number of attempts per URL.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// RetryPolicy decides whether and when to retry a failed attempt.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Politeness spaces consecutive requests.
type Politeness interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements ingest.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	retry         RetryPolicy
	polite        Politeness
	logger        *zap.Logger
	sleep         func(context.Context, time.Duration) error
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A nil politeness applies no delay.
func New(cfg Config, polite Politeness, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.MaxBodySize = cfg.MaxBodyBytes
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		retry:         ingest.NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax),
		polite:        polite,
		logger:        logger,
		sleep:         ingest.Sleep,
	}
}

// Fetch performs a GET with retries. Transient failures (network errors,
// 429, 5xx) are retried with exponential backoff; other 4xx responses fail
// immediately. Exhaustion yields *ingest.FetchFailed.
func (f *Fetcher) Fetch(ctx context.Context, url string) (ingest.Document, error) {
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		if f.polite != nil {
			if err := f.polite.Wait(ctx, url); err != nil {
				lastErr = err
				break
			}
		}
		doc, err := f.fetchOnce(ctx, url)
		if err == nil {
			metrics.ObserveFetch(url, "ok")
			return doc, nil
		}
		lastErr = err
		if ctx.Err() != nil || !f.retry.ShouldRetry(err, attempt) {
			break
		}
		delay := f.retry.Backoff(attempt - 1)
		metrics.ObserveFetchRetry(url)
		f.logger.Warn("fetch attempt failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := f.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	metrics.ObserveFetch(url, "failed")
	return ingest.Document{}, &ingest.FetchFailed{URL: url, LastError: lastErr, Attempts: attempts}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (ingest.Document, error) {
	var (
		result   ingest.Document
		fetchErr *ingest.FetchError
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, url, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return ingest.Document{}, err
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	url string,
	start time.Time,
	result *ingest.Document,
	fetchErr **ingest.FetchError,
) {
	hooks.OnResponse(func(r *colly.Response) {
		doc := ingest.Document{
			URL:        url,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			doc.ContentType = r.Headers.Get("Content-Type")
		}
		*result = doc
	})

	hooks.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		*fetchErr = &ingest.FetchError{URL: url, StatusCode: status, Err: err}
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	url string,
	fetchErr **ingest.FetchError,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return &ingest.FetchError{URL: url, Err: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return &ingest.FetchError{URL: url, Err: fmt.Errorf("colly visit failed: %w", err), Permanent: refused(err)}
		}
		return nil
	}
}

// refusedErrors are returned by colly before a request is sent.
var refusedErrors = []error{
	colly.ErrRobotsTxtBlocked,
	colly.ErrForbiddenDomain,
	colly.ErrForbiddenURL,
	colly.ErrMissingURL,
	colly.ErrNoURLFiltersMatch,
	colly.ErrMaxDepth,
}

// refused reports whether a Visit error means the URL will never be
// requested: a colly policy refusal or an unparsable URL.
func refused(err error) bool {
	for _, target := range refusedErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var visitedErr *colly.AlreadyVisitedError
	if errors.As(err, &visitedErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Op == "parse"
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
