package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanopatch/log/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

const DefaultInterval = time.Hour * 24

// Cleaner removes stale cached downloads.
type Cleaner interface {
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

// Scheduler starts runs of the same request on an interval.
type Scheduler struct {
	o        *Orchestrator
	req      *Request
	logger   log.Logger
	interval time.Duration

	cleaner Cleaner
	maxAge  time.Duration
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(logger log.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithInterval configures how often runs are started.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithCleaner removes cached downloads older than maxAge before each run.
func WithCleaner(c Cleaner, maxAge time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.cleaner = c
		s.maxAge = maxAge
	}
}

func NewScheduler(o *Orchestrator, req *Request, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		o:        o,
		req:      req,
		logger:   log.NopLogger,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce cleans the cache and starts a run.
// A run already in progress is skipped and is not an error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	logger := ctxlog.Logger(ctx, s.logger)
	if s.cleaner != nil && s.maxAge > 0 {
		n, err := s.cleaner.Cleanup(ctx, s.maxAge)
		if err != nil {
			return fmt.Errorf("cleaning cache: %w", err)
		}
		logger.Debug(logkeys.Message, "cleaned cache", logkeys.GenericCount, n)
	}

	res, err := s.o.RunWorkflow(ctx, s.req)
	if errors.Is(err, ErrRunInProgress) {
		logger.Info(logkeys.Message, "skipping scheduled run", logkeys.Error, err)
		return nil
	} else if err != nil {
		return fmt.Errorf("scheduled run: %w", err)
	}
	logger = logger.With(
		logkeys.Message, "scheduled run finished",
		logkeys.RunID, res.RunID,
		"status", res.Status,
		"completed", res.CompletedApps,
		"failed", res.FailedApps,
	)
	if res.Status == StatusFailed {
		logger.Info(logkeys.Error, res.Error)
	} else {
		logger.Debug()
	}
	return nil
}

// Run starts runs on the interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug(logkeys.Message, "starting scheduler", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				ctxlog.Logger(ctx, s.logger).Info(logkeys.Error, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
