// Package scheduler decides when each job type runs. A single actor
// goroutine owns all schedule state; callers talk to it over a channel and
// execute the scrape themselves, outside the actor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("scheduler closed")

// RunFunc executes one job of the given type.
type RunFunc func(ctx context.Context, jobType ingest.JobType) error

// History reports the last successful run of a job type.
type History interface {
	LatestCompleted(ctx context.Context, jobType ingest.JobType) (ingest.Job, error)
}

// Config holds per-type interval strings and the tick period of Loop.
type Config struct {
	Intervals     map[ingest.JobType]string
	CheckInterval time.Duration
}

// Status is a snapshot of one job type's schedule.
type Status struct {
	JobType   ingest.JobType `json:"job_type"`
	Interval  string         `json:"interval"`
	LastRun   *time.Time     `json:"last_run,omitempty"`
	NextRun   *time.Time     `json:"next_run,omitempty"`
	Running   bool           `json:"running"`
	LastError string         `json:"last_error,omitempty"`
}

type state struct {
	interval time.Duration
	last     time.Time
	running  bool
	lastErr  string
}

type msgKind int

const (
	msgShouldRun msgKind = iota
	msgAcquire
	msgDone
	msgStatus
)

type request struct {
	kind    msgKind
	jobType ingest.JobType
	err     error
	reply   chan any
}

// Scheduler runs job types no more often than their interval.
type Scheduler struct {
	run    RunFunc
	clock  ingest.Clock
	logger *zap.Logger
	check  time.Duration

	requests chan request
	quit     chan struct{}
	stopped  chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New seeds the schedule from history and starts the actor. Types without
// a configured interval use DefaultInterval.
func New(ctx context.Context, cfg Config, run RunFunc, history History, clock ingest.Clock, logger *zap.Logger) (*Scheduler, error) {
	if run == nil || clock == nil {
		return nil, errors.New("run func and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}

	states := make(map[ingest.JobType]*state, len(ingest.JobTypes))
	for _, t := range ingest.JobTypes {
		interval, err := ParseInterval(cfg.Intervals[t])
		if err != nil {
			logger.Warn("invalid schedule interval; using default",
				zap.String("job_type", string(t)), zap.Duration("default", DefaultInterval), zap.Error(err))
		}
		st := &state{interval: interval}
		if history != nil {
			job, err := history.LatestCompleted(ctx, t)
			switch {
			case err == nil && job.EndTime != nil:
				st.last = *job.EndTime
			case err != nil && !errors.Is(err, ingest.ErrNotFound):
				return nil, fmt.Errorf("load last %s run: %w", t, err)
			}
		}
		states[t] = st
	}

	s := &Scheduler{
		run:      run,
		clock:    clock,
		logger:   logger,
		check:    cfg.CheckInterval,
		requests: make(chan request),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go s.actor(states)
	return s, nil
}

func (s *Scheduler) actor(states map[ingest.JobType]*state) {
	defer close(s.stopped)
	due := func(st *state, now time.Time) bool {
		return st.last.IsZero() || now.Sub(st.last) >= st.interval
	}
	for {
		select {
		case <-s.quit:
			return
		case req := <-s.requests:
			st, ok := states[req.jobType]
			if !ok && req.kind != msgStatus {
				req.reply <- fmt.Errorf("unknown job type %q", req.jobType)
				continue
			}
			now := s.clock.Now()
			switch req.kind {
			case msgShouldRun:
				req.reply <- due(st, now)
			case msgAcquire:
				// The timestamp moves before the run starts and stays even
				// if the run fails.
				if st.running || !due(st, now) {
					req.reply <- false
					continue
				}
				st.running = true
				st.last = now
				req.reply <- true
			case msgDone:
				st.running = false
				st.lastErr = ""
				if req.err != nil {
					st.lastErr = req.err.Error()
				}
				req.reply <- true
			case msgStatus:
				out := make([]Status, 0, len(states))
				for _, t := range ingest.JobTypes {
					st := states[t]
					status := Status{JobType: t, Interval: st.interval.String(), Running: st.running, LastError: st.lastErr}
					if !st.last.IsZero() {
						last, next := st.last, st.last.Add(st.interval)
						status.LastRun, status.NextRun = &last, &next
					}
					out = append(out, status)
				}
				req.reply <- out
			}
		}
	}
}

func (s *Scheduler) ask(ctx context.Context, req request) (any, error) {
	req.reply = make(chan any, 1)
	select {
	case s.requests <- req:
	case <-s.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// The actor always answers an accepted request.
	v := <-req.reply
	if err, ok := v.(error); ok {
		return nil, err
	}
	return v, nil
}

// ShouldRun reports whether jobType has never completed or its interval
// has elapsed since the last run.
func (s *Scheduler) ShouldRun(ctx context.Context, jobType ingest.JobType) (bool, error) {
	v, err := s.ask(ctx, request{kind: msgShouldRun, jobType: jobType})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Scheduler) acquire(ctx context.Context, jobType ingest.JobType) (bool, error) {
	v, err := s.ask(ctx, request{kind: msgAcquire, jobType: jobType})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// RunIfScheduled runs jobType when it is due and not already running. It
// returns whether a run happened and the run's error. Concurrent callers
// for the same type see exactly one run.
func (s *Scheduler) RunIfScheduled(ctx context.Context, jobType ingest.JobType) (bool, error) {
	ok, err := s.acquire(ctx, jobType)
	if err != nil || !ok {
		if err == nil {
			s.logger.Debug("not due", zap.String("job_type", string(jobType)))
		}
		return false, err
	}
	return true, s.execute(ctx, jobType)
}

// Start is RunIfScheduled without waiting for the run. The run uses ctx,
// so callers pass a context that outlives the request that asked.
func (s *Scheduler) Start(ctx context.Context, jobType ingest.JobType) (bool, error) {
	if !s.track() {
		return false, ErrClosed
	}
	ok, err := s.acquire(ctx, jobType)
	if err != nil || !ok {
		s.wg.Done()
		return false, err
	}
	go func() {
		defer s.wg.Done()
		_ = s.execute(ctx, jobType)
	}()
	return true, nil
}

func (s *Scheduler) execute(ctx context.Context, jobType ingest.JobType) (err error) {
	log := s.logger.With(zap.String("job_type", string(jobType)))
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("scheduled run panicked: %v", rec)
		}
		if err != nil {
			log.Error("scheduled run failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		} else {
			log.Info("scheduled run finished", zap.Duration("elapsed", time.Since(start)))
		}
		// Completion must reach the actor even when ctx is done.
		if _, askErr := s.ask(context.Background(), request{kind: msgDone, jobType: jobType, err: err}); askErr != nil {
			log.Debug("completion not delivered", zap.Error(askErr))
		}
	}()
	log.Info("scheduled run starting")
	return s.run(ctx, jobType)
}

// Status returns a snapshot of every job type's schedule.
func (s *Scheduler) Status(ctx context.Context) ([]Status, error) {
	v, err := s.ask(ctx, request{kind: msgStatus})
	if err != nil {
		return nil, err
	}
	return v.([]Status), nil
}

// Loop checks every job type each CheckInterval, starting immediately,
// until ctx ends. Due types run concurrently with each other; failed runs
// never stop the loop.
func (s *Scheduler) Loop(ctx context.Context) error {
	ticker := time.NewTicker(s.check)
	defer ticker.Stop()
	s.logger.Info("scheduler loop started", zap.Duration("check_interval", s.check))
	for {
		for _, t := range ingest.JobTypes {
			if _, err := s.Start(ctx, t); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				if ctx.Err() == nil {
					s.logger.Warn("schedule check failed", zap.String("job_type", string(t)), zap.Error(err))
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// track registers a background run unless the scheduler is closed.
func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// Close stops the actor, then waits for started runs. It is safe to call
// more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	s.mu.Unlock()
	s.wg.Wait()
	<-s.stopped
}
