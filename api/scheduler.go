/*
scheduler.go - Generation cron driver

PURPOSE:
  Periodically finds billing schedules that are due and generates their
  quotas, then runs the overdue sweep and interest accrual. Every pass is
  recorded as a cycle run for audit and UI display.

DESIGN:
  - robfig/cron triggers RunOnce on a configurable spec ("@every 1h")
  - SkipIfStillRunning: a slow cycle is never overlapped by the next tick
  - Recover: a panic in a tick is logged, the driver keeps running
  - Due schedules are processed by a bounded pool (Workers)
  - Each schedule is guarded by a keyed lock; a held key means another
    run (cron, manual, or another instance) is on it and it is skipped
  - Each schedule runs under its own timeout; expiry is a failed run and
    the schedule is retried on the next cycle
  - One schedule failing or panicking never affects the others

CYCLE:
  1. Record a "running" cycle run
  2. FindDueSchedules(asOf)
  3. Generate the target period of each due schedule, advancing it
  4. Sweep pending quotas past their due date to overdue
  5. Accrue interest on overdue quotas
  6. Record the run as "completed" (or "failed" if 2, 4 or 5 errored)

USAGE:
  scheduler := NewGenerationScheduler(handler, locker, opts)
  scheduler.Start()
  // ... later
  <-scheduler.Stop().Done()

SEE ALSO:
  - handlers.go: RunCycle endpoint (manual trigger)
  - billing/generator.go: Generate
  - lock/lock.go: Locker implementations
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/condo/billing-engine/billing"
	"github.com/condo/billing-engine/lock"
	"github.com/condo/billing-engine/store/sqlite"
)

const (
	TriggerCron   = "cron"
	TriggerManual = "manual"

	lockKeyPrefix = "billing:schedule:"
)

// ErrScheduleBusy is returned when another run holds the schedule's lock.
var ErrScheduleBusy = errors.New("schedule generation already in progress")

// CycleRecorder receives cron driver measurements.
type CycleRecorder interface {
	RecordCycle(due int, elapsed time.Duration)
	RecordLock(outcome string)
}

type nopCycleRecorder struct{}

func (nopCycleRecorder) RecordCycle(int, time.Duration) {}
func (nopCycleRecorder) RecordLock(string)              {}

// ScheduleOutcome is what happened to one due schedule in a cycle.
type ScheduleOutcome struct {
	ScheduleID    billing.ScheduleID
	Period        billing.Period
	Status        billing.GenerationStatus // empty when Busy
	QuotasCreated int
	Busy          bool
	Error         string
}

// CycleSummary aggregates one pass of the driver.
type CycleSummary struct {
	RunID               string
	AsOf                billing.Date
	Trigger             string
	SchedulesDue        int
	SchedulesSucceeded  int
	SchedulesFailed     int
	SchedulesBusy       int
	QuotasCreated       int
	QuotasMarkedOverdue int
	Interest            billing.AccrualSummary
	Outcomes            []ScheduleOutcome
}

// GenerationScheduler drives generation on a cron spec.
type GenerationScheduler struct {
	Store     *sqlite.Store
	Generator *billing.Generator
	Sweeper   *billing.Sweeper
	Accruer   *billing.InterestAccruer
	Locker    lock.Locker
	Logger    *slog.Logger
	Metrics   CycleRecorder

	Spec            string
	Workers         int
	ScheduleTimeout time.Duration
	LockTTL         time.Duration
	SystemUser      string
	Now             func() time.Time

	cron  *cron.Cron
	entry cron.EntryID
	mu    sync.Mutex
}

// NewGenerationScheduler creates a scheduler sharing the handler's engine
// components. It does not start until Start is called.
func NewGenerationScheduler(h *Handler, locker lock.Locker, opts Options) *GenerationScheduler {
	opts = opts.withDefaults()
	return &GenerationScheduler{
		Store:           h.Store,
		Generator:       h.Generator,
		Sweeper:         h.Sweeper,
		Accruer:         h.Accruer,
		Locker:          locker,
		Logger:          h.Logger.With(slog.String("component", "scheduler")),
		Metrics:         opts.cycleRecorder(),
		Spec:            opts.CronSpec,
		Workers:         opts.GenerationWorkers,
		ScheduleTimeout: opts.ScheduleTimeout,
		LockTTL:         opts.LockTTL,
		SystemUser:      opts.SystemUser,
		Now:             opts.Now,
	}
}

// Start registers the cycle job and starts the cron loop.
func (s *GenerationScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.Logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	entry, err := c.AddFunc(s.Spec, s.tick)
	if err != nil {
		return fmt.Errorf("schedule generation cycle %q: %w", s.Spec, err)
	}
	s.cron = c
	s.entry = entry
	c.Start()

	s.Logger.Info("scheduler started", slog.String("spec", s.Spec), slog.Int("workers", s.Workers))
	return nil
}

// Stop stops the cron loop. The returned context is done once a running
// cycle has finished.
func (s *GenerationScheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	ctx := s.cron.Stop()
	s.cron = nil
	s.Logger.Info("scheduler stopped")
	return ctx
}

// NextRun returns the next time the cycle fires, zero when stopped.
func (s *GenerationScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

func (s *GenerationScheduler) tick() {
	ctx := context.Background()
	if _, err := s.RunOnce(ctx, billing.DateOf(s.now()), TriggerCron); err != nil {
		s.Logger.Error("generation cycle failed", slog.String("error", err.Error()))
	}
}

func (s *GenerationScheduler) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *GenerationScheduler) metrics() CycleRecorder {
	if s.Metrics == nil {
		return nopCycleRecorder{}
	}
	return s.Metrics
}

// =============================================================================
// CYCLE
// =============================================================================

// RunOnce runs one full cycle as of asOf. Schedule failures are counted in
// the summary; the returned error is reserved for the steps that affect
// the whole cycle (finding due schedules, the sweep, the accrual).
func (s *GenerationScheduler) RunOnce(ctx context.Context, asOf billing.Date, trigger string) (CycleSummary, error) {
	started := s.now()
	summary := CycleSummary{RunID: uuid.NewString(), AsOf: asOf, Trigger: trigger}
	logger := s.Logger.With(slog.String("cycle_id", summary.RunID), slog.String("as_of", asOf.String()))

	run := sqlite.CycleRun{
		ID:        summary.RunID,
		AsOf:      asOf,
		Trigger:   trigger,
		Status:    "running",
		StartedAt: started,
	}
	if err := s.Store.SaveCycleRun(ctx, run); err != nil {
		logger.Error("could not record cycle start", slog.String("error", err.Error()))
	}

	due, err := billing.FindDueSchedules(ctx, s.Store, asOf)
	if err != nil {
		err = fmt.Errorf("find due schedules: %w", err)
		s.finish(ctx, logger, run, summary, started, err)
		return summary, err
	}
	summary.SchedulesDue = len(due)
	logger.Info("generation cycle started", slog.Int("due", len(due)), slog.String("trigger", trigger))

	summary.Outcomes = s.generateAll(ctx, due, asOf)
	for _, o := range summary.Outcomes {
		switch {
		case o.Busy:
			summary.SchedulesBusy++
		case o.Status.Succeeded():
			summary.SchedulesSucceeded++
		default:
			summary.SchedulesFailed++
		}
		summary.QuotasCreated += o.QuotasCreated
	}

	var errs []error
	marked, err := s.Sweeper.Sweep(ctx, asOf)
	if err != nil {
		errs = append(errs, err)
	}
	summary.QuotasMarkedOverdue = marked

	accrual, err := s.Accruer.Accrue(ctx, asOf)
	if err != nil {
		errs = append(errs, err)
	}
	summary.Interest = accrual

	cycleErr := errors.Join(errs...)
	s.finish(ctx, logger, run, summary, started, cycleErr)
	return summary, cycleErr
}

func (s *GenerationScheduler) finish(ctx context.Context, logger *slog.Logger, run sqlite.CycleRun, summary CycleSummary, started time.Time, cause error) {
	completed := s.now()
	elapsed := completed.Sub(started)
	s.metrics().RecordCycle(summary.SchedulesDue, elapsed)

	run.Status = "completed"
	if cause != nil {
		run.Status = "failed"
		run.Error = cause.Error()
	}
	run.SchedulesDue = summary.SchedulesDue
	run.SchedulesSucceeded = summary.SchedulesSucceeded
	run.SchedulesFailed = summary.SchedulesFailed
	run.QuotasCreated = summary.QuotasCreated
	run.QuotasMarkedOverdue = summary.QuotasMarkedOverdue
	run.InterestUpdated = summary.Interest.Updated
	run.CompletedAt = &completed

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Store.SaveCycleRun(saveCtx, run); err != nil {
		logger.Error("could not record cycle result", slog.String("error", err.Error()))
	}

	logger.Info("generation cycle finished",
		slog.String("status", run.Status),
		slog.Int("succeeded", summary.SchedulesSucceeded),
		slog.Int("failed", summary.SchedulesFailed),
		slog.Int("busy", summary.SchedulesBusy),
		slog.Int("quotas_created", summary.QuotasCreated),
		slog.Int("marked_overdue", summary.QuotasMarkedOverdue),
		slog.Int("interest_updated", summary.Interest.Updated),
		slog.Duration("elapsed", elapsed))
}

// generateAll processes the due schedules in a bounded pool. Outcomes keep
// the order of due.
func (s *GenerationScheduler) generateAll(ctx context.Context, due []billing.BillingSchedule, asOf billing.Date) []ScheduleOutcome {
	outcomes := make([]ScheduleOutcome, len(due))
	workers := s.Workers
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, sched := range due {
		g.Go(func() error {
			outcomes[i] = s.runSchedule(ctx, sched, asOf)
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func (s *GenerationScheduler) runSchedule(ctx context.Context, sched billing.BillingSchedule, asOf billing.Date) (out ScheduleOutcome) {
	period := billing.TargetPeriod(sched, asOf)
	out = ScheduleOutcome{ScheduleID: sched.ID, Period: period}
	logger := s.Logger.With(slog.String("schedule_id", string(sched.ID)), slog.String("period", period.String()))

	defer func() {
		if r := recover(); r != nil {
			out.Status = billing.StatusFailed
			out.QuotasCreated = 0
			out.Error = fmt.Sprintf("panic: %v", r)
			logger.Error("schedule generation panicked", slog.Any("panic", r))
		}
	}()

	res, err := s.Generate(ctx, billing.GenerateInput{
		ScheduleID:      sched.ID,
		Period:          period,
		GeneratedBy:     s.SystemUser,
		Method:          billing.MethodScheduled,
		AsOf:            asOf,
		AdvanceSchedule: true,
	})
	switch {
	case errors.Is(err, ErrScheduleBusy):
		out.Busy = true
		logger.Info("schedule locked by another run, skipping")
	case err != nil:
		out.Status = billing.StatusFailed
		out.Error = err.Error()
	default:
		out.Status = res.Status
		out.QuotasCreated = res.QuotasCreated
	}
	return out
}

// Generate runs one generation under the schedule's lock and timeout. It
// is shared by the cron cycle and the manual generate endpoint, so the two
// never run the same schedule at once.
func (s *GenerationScheduler) Generate(ctx context.Context, in billing.GenerateInput) (*billing.GenerationResult, error) {
	lease, err := s.Locker.Obtain(ctx, lockKeyPrefix+string(in.ScheduleID), s.LockTTL)
	switch {
	case errors.Is(err, lock.ErrNotObtained):
		s.metrics().RecordLock("busy")
		return nil, fmt.Errorf("%w: %s", ErrScheduleBusy, in.ScheduleID)
	case err != nil:
		s.metrics().RecordLock("error")
		return nil, fmt.Errorf("obtain lock for schedule %s: %w", in.ScheduleID, err)
	}
	s.metrics().RecordLock("acquired")
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.Logger.Warn("could not release schedule lock",
				slog.String("schedule_id", string(in.ScheduleID)),
				slog.String("error", err.Error()))
		}
	}()

	runCtx := ctx
	if s.ScheduleTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.ScheduleTimeout)
		defer cancel()
	}
	return s.Generator.Generate(runCtx, in)
}
