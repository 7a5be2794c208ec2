package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"tastydata/internal/services"
	"tastydata/internal/telemetry"
)

// stopTimeout bounds how long Stop waits for an in-flight job at shutdown.
const stopTimeout = 5 * time.Second

// NightlyGatherer runs one bulk metrics collection.
type NightlyGatherer interface {
	GatherMetrics(ctx context.Context, symbols []string, opts services.GatherOptions) (*services.GatherResult, error)
}

// RunNotifier announces nightly run outcomes.
type RunNotifier interface {
	NotifyGatherRun(ctx context.Context, result *services.GatherResult) error
	NotifyGatherFailure(ctx context.Context, err error) error
}

// SymbolSource produces the symbol list for a nightly run. It is called at
// trigger time, so watchlist-backed sources see the current watchlists.
type SymbolSource func(ctx context.Context) ([]string, error)

// RunStatus describes the most recent nightly gather.
type RunStatus struct {
	At       time.Time     `json:"at"`
	RunID    string        `json:"run_id,omitempty"`
	Stored   int           `json:"stored"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Scheduler triggers the nightly bulk metrics collection on a cron spec.
// Triggers that fire while a run is still in flight are skipped, so at most
// one collection runs at a time.
type Scheduler struct {
	ctx      context.Context
	cron     *cron.Cron
	gatherer NightlyGatherer
	symbols  SymbolSource
	opts     services.GatherOptions
	notifier RunNotifier
	tracer   *telemetry.CollectionTracer
	logger   *logrus.Logger

	inRun atomic.Bool

	mu      sync.Mutex
	lastRun *RunStatus
}

// New creates a scheduler. ctx bounds every triggered run; cancelling it at
// shutdown aborts an in-flight collection.
func New(ctx context.Context, gatherer NightlyGatherer, symbols SymbolSource, opts services.GatherOptions, notifier RunNotifier, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		ctx:      ctx,
		cron:     cron.New(),
		gatherer: gatherer,
		symbols:  symbols,
		opts:     opts,
		notifier: notifier,
		tracer:   telemetry.NewCollectionTracer(),
		logger:   logger,
	}
}

// RegisterNightlyGather schedules the bulk collection at the given cron spec.
func (s *Scheduler) RegisterNightlyGather(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.nightlyGather); err != nil {
		return fmt.Errorf("register nightly gather: %w", err)
	}
	s.logger.WithField("cron", spec).Info("Nightly gather scheduled")
	return nil
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop stops the cron loop and waits up to five seconds for an in-flight run.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(stopTimeout):
		s.logger.Warn("Nightly gather still running at shutdown")
	}
	s.logger.Info("Scheduler stopped")
}

// RunNightlyNow executes the nightly gather immediately, outside the cron
// schedule. Used for manual triggers and run-on-start.
func (s *Scheduler) RunNightlyNow() {
	s.nightlyGather()
}

// InFlight reports whether a gather is currently running.
func (s *Scheduler) InFlight() bool {
	return s.inRun.Load()
}

// LastRun returns the outcome of the most recent gather, if any ran.
func (s *Scheduler) LastRun() (RunStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return RunStatus{}, false
	}
	return *s.lastRun, true
}

// NextRun returns when the next scheduled trigger fires, or the zero time
// when nothing is registered or the loop is stopped.
func (s *Scheduler) NextRun() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	next := entries[0].Next
	for _, entry := range entries[1:] {
		if !entry.Next.IsZero() && (next.IsZero() || entry.Next.Before(next)) {
			next = entry.Next
		}
	}
	return next
}

func (s *Scheduler) nightlyGather() {
	if !s.inRun.CompareAndSwap(false, true) {
		s.logger.Warn("Previous nightly gather still running, skipping trigger")
		return
	}
	defer s.inRun.Store(false)

	symbols, err := s.symbols(s.ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load nightly symbols")
		s.recordRun(nil, err)
		s.notifyFailure(err)
		return
	}

	s.logger.WithField("symbols", len(symbols)).Info("Nightly gather triggered")

	ctx, span := s.tracer.TraceGatherRun(s.ctx, len(symbols))
	result, err := s.gatherer.GatherMetrics(ctx, symbols, s.opts)
	s.recordRun(result, err)
	if err != nil {
		telemetry.EndWithError(span, err)
		s.logger.WithError(err).Error("Nightly gather failed")
		s.notifyFailure(err)
		return
	}
	s.tracer.RecordGatherOutcome(span, result.RunID, result.Stored, result.Fallbacks, result.Failed)
	span.End()

	if s.notifier != nil {
		if nerr := s.notifier.NotifyGatherRun(s.ctx, result); nerr != nil {
			s.logger.WithError(nerr).Warn("Failed to send nightly run notification")
		}
	}
}

func (s *Scheduler) notifyFailure(err error) {
	if s.notifier == nil {
		return
	}
	if nerr := s.notifier.NotifyGatherFailure(s.ctx, err); nerr != nil {
		s.logger.WithError(nerr).Warn("Failed to send nightly failure notification")
	}
}

func (s *Scheduler) recordRun(result *services.GatherResult, err error) {
	status := &RunStatus{At: time.Now()}
	if result != nil {
		status.RunID = result.RunID
		status.Stored = result.Stored
		status.Failed = result.Failed
		status.Duration = result.Duration
	}
	if err != nil {
		status.Error = err.Error()
	}

	s.mu.Lock()
	s.lastRun = status
	s.mu.Unlock()
}
