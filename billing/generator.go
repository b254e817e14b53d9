/*
generator.go - Quota Generation Orchestrator

PURPOSE:
  Materializes the quotas of one schedule for one period. This is the
  only place quotas are created.

ALGORITHM:
  1. Load the schedule. Missing -> ErrScheduleNotFound, inactive ->
     ErrScheduleInactive. Nothing is logged: there is no run.
  2. Resolve the governing rule at the period's issue date. No rule ->
     status skipped, zero quotas, log written, schedule advanced.
  3. Load and prepare the formula. Missing, inactive or malformed ->
     *ConfigurationError, a failed log is appended, schedule untouched.
  4. Eligible units = active units in scope minus those already holding a
     quota for concept+period (idempotency guard).
  5. Evaluate per unit in a bounded pool. A unit failure is counted and
     recorded; the other units proceed.
  6. One transaction: re-check existing quotas, insert the new ones,
     append the generation log, advance the schedule (if asked and the
     status allows it).
  7. Transaction failure -> *PersistenceError, a failed log is appended
     outside the rolled-back transaction, schedule untouched.

STATUS:
  completed  no unit failed (zero eligible units included)
  partial    some quotas created, some units failed
  failed     no quota created and at least one unit failed, or the
             atomic write failed
  skipped    no rule effective for the period

IDEMPOTENCY:
  Re-running the same (schedule, period) only creates quotas for units
  still missing one. The in-transaction re-check plus the store's unique
  key make concurrent duplicate runs harmless.

SEE ALSO:
  - resolver.go, formula.go: steps 2 and 5
  - schedule.go: bookkeeping applied in step 6
  - api/scheduler.go: the cron driver that calls Generate
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const DefaultEvaluationWorkers = 8

// GenerateInput identifies one run.
type GenerateInput struct {
	ScheduleID  ScheduleID
	Period      Period
	GeneratedBy string
	Method      GenerationMethod // defaults to manual

	// AsOf is the date the run happens on; it drives the next generation
	// date. Zero means today.
	AsOf Date

	// AdvanceSchedule applies the bookkeeper in the run's transaction.
	// Manual backfills of past periods leave the schedule alone.
	AdvanceSchedule bool
}

// UnitFailure is one unit that could not be billed.
type UnitFailure struct {
	UnitID UnitID
	Reason string
}

type GenerationResult struct {
	LogID      LogID
	ScheduleID ScheduleID
	RuleID     RuleID
	FormulaID  FormulaID
	Period     Period
	Status     GenerationStatus

	QuotasCreated int
	QuotasFailed  int
	QuotasSkipped int
	TotalAmount   decimal.Decimal
	CurrencyID    CurrencyID

	Failures []UnitFailure
	Warnings []string

	// Bookkeeping is set when the schedule was advanced.
	Bookkeeping *Bookkeeping
}

// Generator runs generation for a schedule. Store is required, the rest
// have defaults.
type Generator struct {
	Store   TxStore
	Logger  *slog.Logger
	Metrics Recorder
	Workers int // per-unit evaluation parallelism
	Now     func() time.Time
}

func (g *Generator) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

func (g *Generator) metrics() Recorder {
	if g.Metrics == nil {
		return NopRecorder{}
	}
	return g.Metrics
}

func (g *Generator) now() time.Time {
	if g.Now == nil {
		return time.Now().UTC()
	}
	return g.Now().UTC()
}

func (g *Generator) workers() int {
	if g.Workers <= 0 {
		return DefaultEvaluationWorkers
	}
	return g.Workers
}

// =============================================================================
// GENERATE
// =============================================================================

func (g *Generator) Generate(ctx context.Context, in GenerateInput) (*GenerationResult, error) {
	if !in.Period.Valid() {
		return nil, fmt.Errorf("%w: period %s", ErrInvalidInput, in.Period)
	}
	if in.Method == "" {
		in.Method = MethodManual
	}
	started := g.now()
	if in.AsOf.IsZero() {
		in.AsOf = DateOf(started)
	}
	logger := g.logger().With(
		slog.String("schedule_id", string(in.ScheduleID)),
		slog.String("period", in.Period.String()),
		slog.String("method", string(in.Method)),
	)

	// 1. Schedule
	schedule, err := g.Store.GetSchedule(ctx, in.ScheduleID)
	if err != nil {
		return nil, err
	}
	if !schedule.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrScheduleInactive, schedule.ID)
	}

	run := GenerationLog{
		ID:                LogID(uuid.NewString()),
		ScheduleID:        schedule.ID,
		Method:            in.Method,
		Period:            in.Period,
		PeriodDescription: in.Period.Description(),
		TotalAmount:       decimal.Zero,
		GeneratedBy:       in.GeneratedBy,
		GeneratedAt:       started,
	}

	// 2. Rule
	issueDate := schedule.IssueDate(in.Period)
	rules, err := g.Store.ListRules(ctx, schedule.Scope.CondominiumID, schedule.PaymentConceptID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	resolution := ResolveRule(rules, schedule.Scope, schedule.PaymentConceptID, issueDate)
	if w := resolution.Warning(issueDate); w != nil {
		logger.Warn("overlapping billing rules", slog.String("warning", w.Error()))
		run.Warnings = append(run.Warnings, w.Error())
	}
	if resolution.Rule == nil {
		logger.Info("no billing rule effective, skipping", slog.String("issue_date", issueDate.String()))
		run.Status = StatusSkipped
		run.Warnings = append(run.Warnings, fmt.Sprintf("no active billing rule effective on %s", issueDate))
		return g.commit(ctx, logger, *schedule, in, run, nil, nil)
	}
	rule := resolution.Rule
	run.RuleID = rule.ID
	run.FormulaID = rule.FormulaID

	// 3. Formula
	evaluator, err := g.prepareFormula(ctx, schedule.ID, rule.FormulaID)
	if err != nil {
		if IsConfigurationError(err) {
			run.Status = StatusFailed
			run.Errors = append(run.Errors, err.Error())
			g.appendFailureLog(ctx, logger, run)
			g.metrics().RecordGeneration(run.Status, 0, 0, decimal.Zero, g.now().Sub(started))
			logger.Error("generation skipped: configuration error", slog.String("error", err.Error()))
		}
		return nil, err
	}
	run.CurrencyID = evaluator.Formula().CurrencyID
	run.FormulaSnapshot = evaluator.Snapshot()

	// 4. Eligible units
	units, err := g.Store.ListActiveUnits(ctx, schedule.Scope)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	existing, err := g.Store.QuotaUnitsForPeriod(ctx, schedule.Scope.CondominiumID, schedule.PaymentConceptID, in.Period)
	if err != nil {
		return nil, fmt.Errorf("load existing quotas: %w", err)
	}
	eligible := make([]Unit, 0, len(units))
	for _, u := range units {
		if !existing[u.ID] {
			eligible = append(eligible, u)
		}
	}
	run.QuotasSkipped = len(units) - len(eligible)
	for _, w := range shadowedBuildingRules(rules, *schedule, eligible, rule.ID, issueDate) {
		logger.Warn("building rule not applied by condominium-wide schedule", slog.String("warning", w))
		run.Warnings = append(run.Warnings, w)
	}

	// 5. Evaluate
	amounts, errs, err := g.evaluate(ctx, evaluator, eligible, len(units))
	if err != nil {
		return nil, g.fail(ctx, logger, run, started, err)
	}

	dueDate := schedule.DueDate(in.Period)
	var quotas []Quota
	var failures []UnitFailure
	for i, u := range eligible {
		if errs[i] != nil {
			failures = append(failures, UnitFailure{UnitID: u.ID, Reason: errs[i].Error()})
			logger.Warn("unit evaluation failed",
				slog.String("unit_id", string(u.ID)),
				slog.String("error", errs[i].Error()))
			continue
		}
		quotas = append(quotas, Quota{
			ID:                QuotaID(uuid.NewString()),
			UnitID:            u.ID,
			Scope:             u.Scope(),
			PaymentConceptID:  schedule.PaymentConceptID,
			Period:            in.Period,
			PeriodDescription: run.PeriodDescription,
			BaseAmount:        amounts[i],
			InterestAmount:    decimal.Zero,
			PaidAmount:        decimal.Zero,
			Balance:           amounts[i],
			CurrencyID:        run.CurrencyID,
			IssueDate:         issueDate,
			DueDate:           dueDate,
			Status:            QuotaPending,
			ScheduleID:        schedule.ID,
			RuleID:            rule.ID,
			FormulaID:         rule.FormulaID,
			CreatedBy:         in.GeneratedBy,
			CreatedAt:         started,
			UpdatedAt:         started,
		})
	}

	// 6. Persist
	return g.commit(ctx, logger, *schedule, in, run, quotas, failures)
}

func (g *Generator) prepareFormula(ctx context.Context, scheduleID ScheduleID, id FormulaID) (*FormulaEvaluator, error) {
	formula, err := g.Store.GetFormula(ctx, id)
	if err != nil {
		if errors.Is(err, ErrFormulaNotFound) {
			return nil, &ConfigurationError{ScheduleID: scheduleID, Reason: err}
		}
		return nil, fmt.Errorf("load formula: %w", err)
	}
	if !formula.IsActive {
		return nil, &ConfigurationError{ScheduleID: scheduleID, Reason: fmt.Errorf("%w: %s", ErrFormulaInactive, id)}
	}
	evaluator, err := NewFormulaEvaluator(*formula)
	if err != nil {
		return nil, &ConfigurationError{ScheduleID: scheduleID, Reason: err}
	}
	return evaluator, nil
}

// evaluate runs the formula for each unit with bounded parallelism.
// Results are positional; errs[i] is the failure for units[i].
func (g *Generator) evaluate(ctx context.Context, e *FormulaEvaluator, units []Unit, unitCount int) ([]decimal.Decimal, []error, error) {
	amounts := make([]decimal.Decimal, len(units))
	errs := make([]error, len(units))

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.workers())
	for i, u := range units {
		grp.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			amounts[i], errs[i] = e.Evaluate(UnitContext{Unit: u, UnitCount: unitCount})
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, nil, err
	}
	return amounts, errs, nil
}

// commit writes quotas, log and bookkeeping atomically.
func (g *Generator) commit(ctx context.Context, logger *slog.Logger, schedule BillingSchedule, in GenerateInput, run GenerationLog, quotas []Quota, failures []UnitFailure) (*GenerationResult, error) {
	started := run.GeneratedAt
	var advanced *Bookkeeping

	err := g.Store.WithTx(ctx, func(w Writer) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Re-check inside the transaction: a concurrent run may have
		// billed some units since the read above.
		toInsert := quotas
		if len(quotas) > 0 {
			existing, err := w.QuotaUnitsForPeriod(ctx, schedule.Scope.CondominiumID, schedule.PaymentConceptID, in.Period)
			if err != nil {
				return err
			}
			toInsert = make([]Quota, 0, len(quotas))
			for _, q := range quotas {
				if existing[q.UnitID] {
					run.QuotasSkipped++
					continue
				}
				toInsert = append(toInsert, q)
			}
			if err := w.InsertQuotas(ctx, toInsert); err != nil {
				return err
			}
		}

		run.QuotasCreated = len(toInsert)
		run.QuotasFailed = len(failures)
		run.TotalAmount = decimal.Zero
		run.UnitsAffected = nil
		for _, q := range toInsert {
			run.TotalAmount = run.TotalAmount.Add(q.BaseAmount)
			run.UnitsAffected = append(run.UnitsAffected, q.UnitID)
		}
		run.Errors = nil
		for _, f := range failures {
			run.Errors = append(run.Errors, fmt.Sprintf("unit %s: %s", f.UnitID, f.Reason))
		}
		if run.Status != StatusSkipped {
			run.Status = runStatus(run.QuotasCreated, run.QuotasFailed)
		}

		if err := w.AppendGenerationLog(ctx, run); err != nil {
			return err
		}

		if in.AdvanceSchedule && run.Status.Succeeded() {
			b := Advance(schedule, in.Period, in.AsOf, started)
			if err := w.UpdateScheduleBookkeeping(ctx, schedule.ID, b); err != nil {
				return err
			}
			advanced = &b
		}
		return nil
	})
	if err != nil {
		return nil, g.fail(ctx, logger, run, started, err)
	}

	g.metrics().RecordGeneration(run.Status, run.QuotasCreated, run.QuotasFailed, run.TotalAmount, g.now().Sub(started))
	logger.Info("generation finished",
		slog.String("status", string(run.Status)),
		slog.Int("quotas_created", run.QuotasCreated),
		slog.Int("quotas_failed", run.QuotasFailed),
		slog.Int("quotas_skipped", run.QuotasSkipped),
		slog.String("total_amount", run.TotalAmount.StringFixed(AmountScale)))

	return &GenerationResult{
		LogID:         run.ID,
		ScheduleID:    run.ScheduleID,
		RuleID:        run.RuleID,
		FormulaID:     run.FormulaID,
		Period:        run.Period,
		Status:        run.Status,
		QuotasCreated: run.QuotasCreated,
		QuotasFailed:  run.QuotasFailed,
		QuotasSkipped: run.QuotasSkipped,
		TotalAmount:   run.TotalAmount,
		CurrencyID:    run.CurrencyID,
		Failures:      failures,
		Warnings:      run.Warnings,
		Bookkeeping:   advanced,
	}, nil
}

func runStatus(created, failed int) GenerationStatus {
	switch {
	case failed == 0:
		return StatusCompleted
	case created > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// fail records a run whose atomic write did not happen.
func (g *Generator) fail(ctx context.Context, logger *slog.Logger, run GenerationLog, started time.Time, cause error) error {
	perr := &PersistenceError{ScheduleID: run.ScheduleID, Period: run.Period, Err: cause}
	run.Status = StatusFailed
	run.QuotasCreated = 0
	run.TotalAmount = decimal.Zero
	run.UnitsAffected = nil
	run.Errors = append(run.Errors, perr.Error())
	g.appendFailureLog(ctx, logger, run)
	g.metrics().RecordGeneration(run.Status, 0, run.QuotasFailed, decimal.Zero, g.now().Sub(started))
	logger.Error("generation failed", slog.String("error", perr.Error()))
	return perr
}

// appendFailureLog is best-effort: the run already failed, a second
// failure only gets logged. It survives cancellation of ctx so timed-out
// runs are still recorded.
func (g *Generator) appendFailureLog(ctx context.Context, logger *slog.Logger, run GenerationLog) {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.Store.AppendGenerationLog(logCtx, run); err != nil {
		logger.Error("could not record failed generation", slog.String("error", err.Error()))
	}
}

// shadowedBuildingRules reports buildings billed by a condominium-wide
// schedule whose own building-scoped rule would resolve differently. A run
// bills every unit with the one rule resolved for the schedule scope.
func shadowedBuildingRules(rules []BillingRule, schedule BillingSchedule, units []Unit, applied RuleID, date Date) []string {
	if schedule.Scope.IsBuildingScoped() {
		return nil
	}
	seen := make(map[BuildingID]bool)
	var warnings []string
	for _, u := range units {
		if u.BuildingID == "" || seen[u.BuildingID] {
			continue
		}
		seen[u.BuildingID] = true
		res := ResolveRule(rules, u.Scope(), schedule.PaymentConceptID, date)
		if res.Rule != nil && res.Rule.ID != applied {
			warnings = append(warnings, fmt.Sprintf(
				"building %s has billing rule %s on %s; its units were billed with rule %s by condominium-wide schedule %s",
				u.BuildingID, res.Rule.ID, date, applied, schedule.ID))
		}
	}
	slices.Sort(warnings)
	return warnings
}
