package dispatch

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/singleflight"
)

// Sweeper is the recurring pass that demotes stale unread dispatches to the
// timeout state. It reads the threshold from configuration on every run, so
// administrative changes take effect without a restart. A sweep never touches
// incident status; an all-timed-out incident stays processing until an
// administrator intervenes.
type Sweeper struct {
	svc      *Service
	store    Store
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier
	interval time.Duration
	sf       singleflight.Group
}

// NewSweeper creates a sweeper. metrics and notifier may be nil.
func NewSweeper(store Store, svc *Service, logger log.Logger, metrics *Metrics, notifier Notifier, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sweeper{
		svc:      svc,
		store:    store,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
		interval: interval,
	}
}

// Sweep runs one pass and returns the number of dispatches moved to timeout.
// Concurrent calls collapse into a single underlying pass; slow store latency
// cannot stack overlapping sweeps.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	v, err, _ := s.sf.Do("sweep", func() (any, error) {
		return s.sweep(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *Sweeper) sweep(ctx context.Context) (int64, error) {
	start := time.Now()

	hours, err := s.svc.TimeoutHours(ctx)
	if err != nil {
		s.observeRun("error", start)
		return 0, err
	}

	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	marked, err := s.store.MarkTimedOut(ctx, cutoff)
	if err != nil {
		s.observeRun("error", start)
		return 0, err
	}

	s.observeRun("ok", start)
	if s.metrics != nil {
		s.metrics.SweepMarkedTotal.Add(float64(marked))
	}

	if marked > 0 {
		s.logger.Info(ctx, "sweep marked stale dispatches",
			"marked", marked,
			"threshold_hours", hours,
		)
		if s.notifier != nil {
			s.notifier.SweepCompleted(ctx, marked)
		}
	}
	return marked, nil
}

// Run sweeps on the configured interval until ctx is cancelled. Errors are
// logged and the loop continues; a failed pass is retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.logger.Info(ctx, "sweeper started", "interval", s.interval.String())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(context.Background(), "sweeper stopped")
			return
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error(ctx, err, "sweep failed")
			}
		}
	}
}

func (s *Sweeper) observeRun(outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.SweepRunsTotal.WithLabelValues(outcome).Inc()
	s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
}
