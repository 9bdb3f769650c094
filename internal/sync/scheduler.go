// Package sync runs the mailbox processing loop: it wakes on an interval,
// honours quiet hours and guarantees that at most one run is in flight.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nhle/mailagent/internal/model"
	"github.com/nhle/mailagent/internal/pipeline"
	"github.com/nhle/mailagent/internal/ratelimit"
	"github.com/nhle/mailagent/internal/source"
	"github.com/nhle/mailagent/internal/store"
)

// ErrAlreadyRunning is returned when a run or the loop is already active.
var ErrAlreadyRunning = errors.New("already running")

// fetchTimeout is the maximum time allowed for a single fetch operation.
const fetchTimeout = 30 * time.Second

// State is the externally visible scheduler state.
type State string

const (
	StateStopped State = "stopped"
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Status is a point-in-time view of the scheduler.
type Status struct {
	State           State     `json:"state" yaml:"state"`
	LastRun         time.Time `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	NextRun         time.Time `json:"next_run,omitempty" yaml:"next_run,omitempty"`
	IntervalMinutes int       `json:"interval_minutes" yaml:"interval_minutes"`
}

// BatchProcessor processes the messages of one run.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, runID string, msgs []*model.Message, cfg *model.Config, stopped func() bool) pipeline.BatchResult
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLimiter makes every run apply its config snapshot's rate-limit policy
// to l.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Scheduler) { s.limiter = l }
}

// WithRunStore persists every run record to rs in addition to the
// in-memory history.
func WithRunStore(rs store.RunStore) Option {
	return func(s *Scheduler) { s.runs = rs }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler orchestrates periodic processing of the mailbox.
type Scheduler struct {
	mailbox   source.Mailbox
	processor BatchProcessor
	limiter   *ratelimit.Limiter
	runs      store.RunStore
	logger    *zap.Logger
	now       func() time.Time

	cfg atomic.Pointer[model.Config]

	// runMu is held for the whole duration of a run.
	runMu    gosync.Mutex
	stopping atomic.Bool

	mu      gosync.Mutex
	running bool
	active  bool
	stopCh  chan struct{}
	resetCh chan struct{}
	doneCh  chan struct{}
	nextRun time.Time
	hist    *history
	stats   model.Stats
}

// New creates a stopped Scheduler using cfg as its initial configuration.
func New(mailbox source.Mailbox, processor BatchProcessor, cfg *model.Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		mailbox:   mailbox,
		processor: processor,
		logger:    logger.Named("scheduler"),
		now:       time.Now,
		hist:      newHistory(cfg.Schedule.HistorySize),
		stats:     model.Stats{OutcomeTotals: make(map[model.OutcomeKind]int)},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.Store(cfg)
	return s
}

// Config returns the current configuration snapshot.
func (s *Scheduler) Config() *model.Config {
	return s.cfg.Load()
}

// Start validates cfg, makes it the active configuration and starts the
// tick loop. The first run happens one interval after Start.
func (s *Scheduler) Start(cfg *model.Config) error {
	if cfg == nil {
		cfg = s.cfg.Load()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return ErrAlreadyRunning
	}

	s.applyConfigLocked(cfg)
	s.active = true
	s.stopCh = make(chan struct{})
	s.resetCh = make(chan struct{}, 1)
	s.doneCh = make(chan struct{})
	s.nextRun = s.now().Add(cfg.Interval())

	go s.loop(s.stopCh, s.resetCh, s.doneCh)

	s.logger.Info("scheduler started", zap.Int("interval_minutes", cfg.Schedule.IntervalMinutes))
	return nil
}

// Stop halts the tick loop. A run in progress is interrupted between
// messages; Stop returns once it has finished.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	defer s.stopping.Store(false)

	s.mu.Lock()
	var done chan struct{}
	if s.active {
		close(s.stopCh)
		done = s.doneCh
		s.active = false
		s.nextRun = time.Time{}
	}
	s.mu.Unlock()

	if done != nil {
		<-done
	}

	// Wait for a manual run still in flight.
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.logger.Info("scheduler stopped")
}

// RunOnce performs a run immediately. It returns ErrAlreadyRunning, without
// fetching anything, when another run is in flight. Canceling ctx does not
// interrupt the run.
func (s *Scheduler) RunOnce(ctx context.Context) (model.RunRecord, error) {
	return s.run(ctx, model.TriggerManual)
}

// UpdateInterval changes the time between runs. A running loop restarts its
// timer with the new interval.
func (s *Scheduler) UpdateInterval(minutes int) error {
	cfg := s.cfg.Load().WithInterval(minutes)
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.UpdateConfig(cfg)
}

// UpdateConfig replaces the configuration. A run already in progress keeps
// the snapshot it started with.
func (s *Scheduler) UpdateConfig(cfg *model.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyConfigLocked(cfg)
	if s.active {
		s.nextRun = s.now().Add(cfg.Interval())
		select {
		case s.resetCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Scheduler) applyConfigLocked(cfg *model.Config) {
	s.cfg.Store(cfg)
	s.hist = s.hist.resize(cfg.Schedule.HistorySize)
}

// Status reports the current scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := StateStopped
	switch {
	case s.running:
		state = StateRunning
	case s.active:
		state = StateIdle
	}

	st := Status{
		State:           state,
		NextRun:         s.nextRun,
		IntervalMinutes: s.cfg.Load().Schedule.IntervalMinutes,
	}
	if last, ok := s.hist.last(); ok {
		st.LastRun = last.FinishedAt
	}
	return st
}

// Stats returns the cumulative counters since the scheduler was created.
func (s *Scheduler) Stats() model.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.OutcomeTotals = make(map[model.OutcomeKind]int, len(s.stats.OutcomeTotals))
	for k, v := range s.stats.OutcomeTotals {
		stats.OutcomeTotals[k] = v
	}
	return stats
}

// History returns the retained run records, oldest first.
func (s *Scheduler) History() []model.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.list()
}

func (s *Scheduler) loop(stop <-chan struct{}, reset <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(s.cfg.Load().Interval())
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-reset:
			timer.Reset(s.cfg.Load().Interval())
		case <-timer.C:
			if _, err := s.run(context.Background(), model.TriggerTick); errors.Is(err, ErrAlreadyRunning) {
				s.logger.Info("tick skipped, a run is already in progress")
			}

			interval := s.cfg.Load().Interval()
			s.mu.Lock()
			if s.active {
				s.nextRun = s.now().Add(interval)
			}
			s.mu.Unlock()
			timer.Reset(interval)
		}
	}
}

// run executes one processing run under the current config snapshot.
func (s *Scheduler) run(ctx context.Context, trigger model.RunTrigger) (model.RunRecord, error) {
	if !s.runMu.TryLock() {
		return model.RunRecord{}, ErrAlreadyRunning
	}
	defer s.runMu.Unlock()

	// A run outlives its caller. Stop is the only way to cut it short, and
	// only between messages.
	ctx = context.WithoutCancel(ctx)

	cfg := s.cfg.Load()
	rec := model.RunRecord{
		ID:             uuid.New().String(),
		Trigger:        trigger,
		StartedAt:      s.now(),
		OutcomesByKind: make(map[model.OutcomeKind]int),
	}

	if s.inQuietHours(cfg, rec.StartedAt) {
		rec.QuietHours = true
		rec.FinishedAt = rec.StartedAt
		s.finish(ctx, rec)
		return rec, nil
	}

	s.setRunning(true)
	defer s.setRunning(false)

	if s.limiter != nil {
		s.limiter.SetPolicy(cfg.RateLimit.Window, cfg.RateLimit.MaxPerWindow)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	msgs, err := s.mailbox.FetchUnread(fetchCtx, cfg.Schedule.MaxBatchSize)
	cancel()
	if err != nil {
		rec.Error = fmt.Sprintf("fetching messages: %v", err)
		rec.FinishedAt = s.now()
		s.recordFetchError(err, rec.FinishedAt)
		s.finish(ctx, rec)
		return rec, nil
	}
	rec.MessagesFetched = len(msgs)
	s.resetAuthFailures()

	if len(msgs) > 0 {
		res := s.processor.ProcessBatch(ctx, rec.ID, msgs, cfg, s.stopping.Load)
		rec.OutcomesByKind = res.CountByKind()
		rec.Canceled = res.Canceled
	}

	rec.FinishedAt = s.now()
	s.finish(ctx, rec)
	return rec, nil
}

func (s *Scheduler) inQuietHours(cfg *model.Config, now time.Time) bool {
	start, end, err := cfg.QuietHours()
	if err != nil {
		return false
	}
	loc, err := cfg.Location()
	if err != nil {
		loc = time.Local
	}
	return model.TimeOfDayOf(now.In(loc)).InWindow(start, end)
}

func (s *Scheduler) setRunning(running bool) {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
}

func (s *Scheduler) recordFetchError(err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.LastError = err.Error()
	s.stats.LastErrorAt = at
	if source.IsAuthError(err) {
		s.stats.ConsecutiveAuthFailures++
	} else {
		s.stats.ConsecutiveAuthFailures = 0
	}
}

func (s *Scheduler) resetAuthFailures() {
	s.mu.Lock()
	s.stats.ConsecutiveAuthFailures = 0
	s.mu.Unlock()
}

// finish adds rec to the history and stats, persists it and logs it.
func (s *Scheduler) finish(ctx context.Context, rec model.RunRecord) {
	s.mu.Lock()
	s.hist.add(rec)
	s.stats.TotalRuns++
	switch {
	case rec.QuietHours:
		s.stats.QuietRuns++
	case rec.Error != "":
		s.stats.FailedRuns++
	}
	s.stats.MessagesFetched += rec.MessagesFetched
	for kind, n := range rec.OutcomesByKind {
		s.stats.OutcomeTotals[kind] += n
	}
	authFailures := s.stats.ConsecutiveAuthFailures
	s.mu.Unlock()

	if s.runs != nil {
		if err := s.runs.RecordRun(ctx, rec); err != nil {
			s.logger.Error("persisting run record", zap.String("run_id", rec.ID), zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("run_id", rec.ID),
		zap.String("trigger", string(rec.Trigger)),
		zap.Int("fetched", rec.MessagesFetched),
		zap.Duration("duration", rec.FinishedAt.Sub(rec.StartedAt)),
	}
	for _, kind := range model.OutcomeKinds {
		if n := rec.OutcomesByKind[kind]; n > 0 {
			fields = append(fields, zap.Int(string(kind), n))
		}
	}

	switch {
	case rec.QuietHours:
		s.logger.Info("run skipped during quiet hours", fields...)
	case rec.Error != "":
		fields = append(fields, zap.String("error", rec.Error), zap.Int("consecutive_auth_failures", authFailures))
		s.logger.Error("run failed", fields...)
	default:
		fields = append(fields, zap.Bool("canceled", rec.Canceled))
		s.logger.Info("run finished", fields...)
	}
}
