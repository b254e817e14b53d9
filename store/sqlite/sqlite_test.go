package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condo/billing-engine/billing"
	"github.com/condo/billing-engine/store/sqlite"
)

const (
	condo   billing.CondominiumID = "condo-1"
	towerA  billing.BuildingID    = "tower-a"
	concept billing.ConceptID     = "maintenance"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func day(y int, m time.Month, d int) billing.Date { return billing.NewDate(y, m, d) }

func quota(id billing.QuotaID, unit billing.UnitID, p billing.Period) billing.Quota {
	return billing.Quota{
		ID: id, UnitID: unit, Scope: billing.Scope{CondominiumID: condo, BuildingID: towerA},
		PaymentConceptID: concept, Period: p, PeriodDescription: p.Description(),
		BaseAmount: dec("100.00"), Balance: dec("100.00"), CurrencyID: "usd",
		IssueDate: p.Day(1), DueDate: p.Day(15), Status: billing.QuotaPending,
		FormulaID: "formula-1",
	}
}

func insert(t *testing.T, s *sqlite.Store, quotas ...billing.Quota) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(w billing.Writer) error {
		return w.InsertQuotas(ctx, quotas)
	}))
}

// seed writes the generator's collaborators: one schedule, one fixed
// formula, one rule and three units.
func seed(t *testing.T, s *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	scope := billing.Scope{CondominiumID: condo, BuildingID: towerA}

	require.NoError(t, s.SaveSchedule(ctx, billing.BillingSchedule{
		ID: "sched-1", Name: "Monthly maintenance", Scope: scope, PaymentConceptID: concept,
		FrequencyType: billing.FrequencyMonthly, GenerationDay: 1, PeriodsInAdvance: 1,
		IssueDay: 1, DueDay: 15, IsActive: true,
	}))
	require.NoError(t, s.SaveFormula(ctx, billing.Formula{
		ID: "formula-1", CondominiumID: condo, Name: "Flat fee", Type: billing.FormulaFixed,
		FixedAmount: decPtr("100.00"), CurrencyID: "usd", IsActive: true,
	}))
	require.NoError(t, s.SaveRule(ctx, billing.BillingRule{
		ID: "rule-1", Name: "Flat fee", Scope: billing.Scope{CondominiumID: condo}, PaymentConceptID: concept,
		FormulaID: "formula-1", EffectiveFrom: day(2024, time.January, 1), IsActive: true,
	}))
	for _, id := range []billing.UnitID{"unit-1", "unit-2", "unit-3"} {
		require.NoError(t, s.SaveUnit(ctx, billing.Unit{
			ID: id, CondominiumID: condo, BuildingID: towerA, UnitNumber: string(id),
			AliquotPercentage: decPtr("0.025"), IsActive: true,
		}))
	}
}

func TestStore_QuotaKeyIsUniqueAcrossStatuses(t *testing.T) {
	// GIVEN: a cancelled quota for (unit-1, maintenance, 2024-02)
	// WHEN: a second quota with the same key is inserted
	// THEN: ErrDuplicateQuota and the whole batch rolls back

	s := newStore(t)
	ctx := context.Background()
	feb := billing.NewPeriod(2024, time.February)

	cancelled := quota("q-1", "unit-1", feb)
	cancelled.Status = billing.QuotaCancelled
	insert(t, s, cancelled)

	err := s.WithTx(ctx, func(w billing.Writer) error {
		return w.InsertQuotas(ctx, []billing.Quota{quota("q-2", "unit-2", feb), quota("q-3", "unit-1", feb)})
	})
	assert.ErrorIs(t, err, billing.ErrDuplicateQuota)

	quotas, err := s.ListQuotas(ctx, billing.QuotaFilter{Period: &feb})
	require.NoError(t, err)
	require.Len(t, quotas, 1, "q-2 must not survive the rollback")
	assert.Equal(t, billing.QuotaID("q-1"), quotas[0].ID)
}

func TestStore_QuotaRoundTripKeepsDecimalsAndDates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	q := quota("q-1", "unit-1", billing.NewPeriod(2024, time.February))
	q.BaseAmount = dec("33.33")
	q.Balance = dec("33.33")
	insert(t, s, q)

	got, err := s.GetQuota(ctx, "q-1")
	require.NoError(t, err)
	assert.True(t, got.BaseAmount.Equal(dec("33.33")))
	assert.Equal(t, "2024-02-15", got.DueDate.String())
	assert.Equal(t, billing.NewPeriod(2024, time.February), got.Period)
	assert.Equal(t, billing.Scope{CondominiumID: condo, BuildingID: towerA}, got.Scope)

	_, err = s.GetQuota(ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrQuotaNotFound)
}

func TestStore_UpdateQuotaComparesVersion(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	insert(t, s, quota("q-1", "unit-1", billing.NewPeriod(2024, time.January)))

	read, err := s.GetQuota(ctx, "q-1")
	require.NoError(t, err)

	updated := *read
	updated.InterestAmount = dec("2.00")
	updated.Balance = updated.ComputeBalance()
	require.NoError(t, s.WithTx(ctx, func(w billing.Writer) error { return w.UpdateQuota(ctx, updated) }))

	// Same stale version again.
	err = s.WithTx(ctx, func(w billing.Writer) error { return w.UpdateQuota(ctx, updated) })
	assert.ErrorIs(t, err, billing.ErrConcurrentModification)

	got, err := s.GetQuota(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "102.00", got.Balance.StringFixed(2))

	missing := quota("ghost", "unit-9", billing.NewPeriod(2024, time.January))
	err = s.WithTx(ctx, func(w billing.Writer) error { return w.UpdateQuota(ctx, missing) })
	assert.ErrorIs(t, err, billing.ErrQuotaNotFound)
}

func TestStore_MarkOverdue(t *testing.T) {
	// GIVEN: a pending quota due 2024-01-15 and a paid one
	// WHEN: marking as of the due date, the day after, then again
	// THEN: only the pending quota transitions, once

	s := newStore(t)
	ctx := context.Background()
	jan := billing.NewPeriod(2024, time.January)
	paid := quota("q-paid", "unit-2", jan)
	paid.Status = billing.QuotaPaid
	insert(t, s, quota("q-pending", "unit-1", jan), paid)
	at := time.Date(2024, time.January, 16, 0, 5, 0, 0, time.UTC)

	n, err := s.MarkOverdue(ctx, day(2024, time.January, 15), at)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.MarkOverdue(ctx, day(2024, time.January, 16), at)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.MarkOverdue(ctx, day(2024, time.January, 16), at)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	overdue, err := s.ListQuotas(ctx, billing.QuotaFilter{Statuses: []billing.QuotaStatus{billing.QuotaOverdue}})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, billing.QuotaID("q-pending"), overdue[0].ID)
	assert.Equal(t, 1, overdue[0].Version)
}

func TestStore_FormulaUsageAndOptionalFields(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFormula(ctx, billing.Formula{
		ID: "f-expr", CondominiumID: condo, Name: "Aliquot share", Type: billing.FormulaExpression,
		Expression: "base_rate * aliquot_percentage", Variables: map[string]decimal.Decimal{"base_rate": dec("1000")},
		IsActive: true,
	}))
	require.NoError(t, s.SaveFormula(ctx, billing.Formula{
		ID: "f-units", CondominiumID: condo, Name: "Per unit", Type: billing.FormulaUnitBased,
		UnitAmounts: map[billing.UnitID]decimal.Decimal{"unit-1": dec("12.50")}, IsActive: true,
	}))

	expr, err := s.GetFormula(ctx, "f-expr")
	require.NoError(t, err)
	assert.Nil(t, expr.FixedAmount)
	assert.True(t, expr.Variables["base_rate"].Equal(dec("1000")))

	units, err := s.GetFormula(ctx, "f-units")
	require.NoError(t, err)
	assert.True(t, units.UnitAmounts["unit-1"].Equal(dec("12.50")))

	_, err = s.GetFormula(ctx, "nope")
	assert.ErrorIs(t, err, billing.ErrFormulaNotFound)

	inUse, err := s.IsFormulaInUse(ctx, "f-expr")
	require.NoError(t, err)
	assert.False(t, inUse)

	q := quota("q-1", "unit-1", billing.NewPeriod(2024, time.January))
	q.FormulaID = "f-expr"
	insert(t, s, q)

	inUse, err = s.IsFormulaInUse(ctx, "f-expr")
	require.NoError(t, err)
	assert.True(t, inUse)
}

func TestStore_UnitsWithoutAliquotOrArea(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveUnit(ctx, billing.Unit{ID: "u-1", CondominiumID: condo, BuildingID: towerA, UnitNumber: "1A", IsActive: true}))
	require.NoError(t, s.SaveUnit(ctx, billing.Unit{ID: "u-2", CondominiumID: condo, BuildingID: "tower-b", UnitNumber: "1B", IsActive: true}))
	require.NoError(t, s.SaveUnit(ctx, billing.Unit{ID: "u-3", CondominiumID: condo, BuildingID: towerA, UnitNumber: "2A", IsActive: false}))

	all, err := s.ListActiveUnits(ctx, billing.Scope{CondominiumID: condo})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	tower, err := s.ListActiveUnits(ctx, billing.Scope{CondominiumID: condo, BuildingID: towerA})
	require.NoError(t, err)
	require.Len(t, tower, 1)
	assert.Nil(t, tower[0].AliquotPercentage)
	assert.Nil(t, tower[0].AreaM2)
}

func TestStore_SaveScheduleKeepsBookkeeping(t *testing.T) {
	// GIVEN: a schedule advanced by the bookkeeper
	// WHEN: an administrator edits its name
	// THEN: the bookkeeper fields survive the edit

	s := newStore(t)
	ctx := context.Background()
	seed(t, s)

	at := time.Date(2024, time.January, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, s.WithTx(ctx, func(w billing.Writer) error {
		return w.UpdateScheduleBookkeeping(ctx, "sched-1", billing.Bookkeeping{
			LastGeneratedPeriod: "2024-02", LastGeneratedAt: at, NextGenerationDate: day(2024, time.February, 1),
		})
	}))

	sched, err := s.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	sched.Name = "Renamed"
	sched.LastGeneratedPeriod = ""
	sched.NextGenerationDate = billing.Date{}
	require.NoError(t, s.SaveSchedule(ctx, *sched))

	got, err := s.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "2024-02", got.LastGeneratedPeriod)
	assert.Equal(t, "2024-02-01", got.NextGenerationDate.String())
	require.NotNil(t, got.LastGeneratedAt)
	assert.True(t, got.LastGeneratedAt.Equal(at))

	err = s.WithTx(ctx, func(w billing.Writer) error {
		return w.UpdateScheduleBookkeeping(ctx, "missing", billing.Bookkeeping{})
	})
	assert.ErrorIs(t, err, billing.ErrScheduleNotFound)
}

func TestStore_RulesAndInterestOptionalWindows(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s)
	to := day(2024, time.June, 30)
	require.NoError(t, s.SaveInterestConfiguration(ctx, billing.InterestConfiguration{
		ID: "int-1", Name: "Late fee", Scope: billing.Scope{CondominiumID: condo},
		InterestType: billing.InterestSimple, InterestRate: decPtr("0.01"), CalculationPeriod: billing.CalculationMonthly,
		GracePeriodDays: 5, EffectiveFrom: day(2024, time.January, 1), EffectiveTo: &to, IsActive: true,
	}))

	rules, err := s.ListRules(ctx, condo, concept)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Nil(t, rules[0].EffectiveTo)
	assert.Equal(t, "2024-01-01", rules[0].EffectiveFrom.String())

	other, err := s.ListRules(ctx, condo, "parking")
	require.NoError(t, err)
	assert.Empty(t, other)

	configs, err := s.ListInterestConfigurations(ctx, condo)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	require.NotNil(t, configs[0].EffectiveTo)
	assert.Equal(t, "2024-06-30", configs[0].EffectiveTo.String())
	assert.Nil(t, configs[0].FixedAmount)
	assert.True(t, configs[0].InterestRate.Equal(dec("0.01")))
}

func TestStore_SubSecondCreationOrderSurvivesRoundTrip(t *testing.T) {
	// GIVEN: two overlapping condominium-wide rules and interest policies
	//        created within the same second, the newer one with the lower ID
	// WHEN: they are read back and resolved
	// THEN: the newer record still wins

	s := newStore(t)
	ctx := context.Background()
	condoScope := billing.Scope{CondominiumID: condo}
	base := time.Date(2024, time.January, 1, 10, 0, 0, 0, time.UTC)
	older, newer := base.Add(100*time.Millisecond), base.Add(900*time.Millisecond)

	require.NoError(t, s.SaveFormula(ctx, billing.Formula{
		ID: "formula-1", CondominiumID: condo, Name: "Flat fee", Type: billing.FormulaFixed,
		FixedAmount: decPtr("100.00"), CurrencyID: "usd", IsActive: true,
	}))
	for _, r := range []billing.BillingRule{
		{ID: "z-old", CreatedAt: older},
		{ID: "a-new", CreatedAt: newer},
	} {
		r.Name, r.Scope, r.PaymentConceptID, r.FormulaID = string(r.ID), condoScope, concept, "formula-1"
		r.EffectiveFrom, r.IsActive = day(2024, time.January, 1), true
		require.NoError(t, s.SaveRule(ctx, r))
	}
	for _, c := range []billing.InterestConfiguration{
		{ID: "z-old", InterestRate: decPtr("0.01"), CreatedAt: older},
		{ID: "a-new", InterestRate: decPtr("0.02"), CreatedAt: newer},
	} {
		c.Name, c.Scope, c.InterestType, c.CalculationPeriod = string(c.ID), condoScope, billing.InterestSimple, billing.CalculationMonthly
		c.EffectiveFrom, c.IsActive = day(2024, time.January, 1), true
		require.NoError(t, s.SaveInterestConfiguration(ctx, c))
	}

	rules, err := s.ListRules(ctx, condo, concept)
	require.NoError(t, err)
	for _, r := range rules {
		if r.ID == "a-new" {
			assert.True(t, r.CreatedAt.Equal(newer), "created_at %s", r.CreatedAt)
		}
	}
	res := billing.ResolveRule(rules, billing.Scope{CondominiumID: condo, BuildingID: towerA}, concept, day(2024, time.February, 1))
	require.NotNil(t, res.Rule)
	assert.Equal(t, billing.RuleID("a-new"), res.Rule.ID)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, billing.RuleID("z-old"), res.Conflicts[0].ID)

	configs, err := s.ListInterestConfigurations(ctx, condo)
	require.NoError(t, err)
	ir := billing.ResolveInterest(configs, condoScope, concept, day(2024, time.February, 1))
	require.NotNil(t, ir.Config)
	assert.Equal(t, billing.InterestConfigID("a-new"), ir.Config.ID)
}

func TestStore_CorruptTimestampIsAnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveCycleRun(ctx, sqlite.CycleRun{
		ID: "run-1", AsOf: day(2024, time.January, 1), Trigger: "cron", Status: "running",
		StartedAt: time.Date(2024, time.January, 1, 6, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, s.ExecForTest(ctx, `UPDATE cycle_runs SET started_at = 'yesterday'`))

	_, err := s.ListCycleRuns(ctx, 10)
	assert.Error(t, err)
}

func TestStore_CorruptGenerationLogIsAnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	entry := billing.GenerationLog{
		ID: "log-1", ScheduleID: "sched-1", Method: billing.MethodScheduled,
		Period: billing.NewPeriod(2024, time.February), TotalAmount: decimal.RequireFromString("300.00"),
		Status: billing.StatusCompleted, Warnings: []string{"w"}, GeneratedBy: "system",
		GeneratedAt: time.Date(2024, time.January, 1, 6, 0, 0, 0, time.UTC),
	}

	for name, corrupt := range map[string]string{
		"amount":   `UPDATE generation_logs SET total_amount = 'three hundred'`,
		"warnings": `UPDATE generation_logs SET warnings_json = '[unterminated'`,
		"time":     `UPDATE generation_logs SET generated_at = 'noon'`,
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Reset(ctx))
			require.NoError(t, s.AppendGenerationLog(ctx, entry))
			require.NoError(t, s.ExecForTest(ctx, corrupt))

			var logs []billing.GenerationLog
			var err error
			require.NotPanics(t, func() { logs, err = s.ListGenerationLogs(ctx, "sched-1") })
			assert.Error(t, err)
			assert.Nil(t, logs)
		})
	}
}

func TestStore_GeneratorEndToEnd(t *testing.T) {
	// GIVEN: a monthly schedule with a 100.00 fixed formula over 3 units
	// WHEN: generating twice for the same period
	// THEN: 3 quotas once, then a completed run that skips all 3

	s := newStore(t)
	ctx := context.Background()
	seed(t, s)
	gen := &billing.Generator{
		Store: s,
		Now:   func() time.Time { return time.Date(2024, time.January, 1, 6, 0, 0, 0, time.UTC) },
	}
	feb := billing.NewPeriod(2024, time.February)

	first, err := gen.Generate(ctx, billing.GenerateInput{
		ScheduleID: "sched-1", Period: feb, Method: billing.MethodScheduled, AdvanceSchedule: true,
		GeneratedBy: "system",
	})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCompleted, first.Status)
	assert.Equal(t, 3, first.QuotasCreated)
	assert.Equal(t, "300.00", first.TotalAmount.StringFixed(2))

	second, err := gen.Generate(ctx, billing.GenerateInput{ScheduleID: "sched-1", Period: feb, GeneratedBy: "admin"})
	require.NoError(t, err)
	assert.Equal(t, 0, second.QuotasCreated)
	assert.Equal(t, 3, second.QuotasSkipped)

	quotas, err := s.ListQuotas(ctx, billing.QuotaFilter{CondominiumID: condo, Period: &feb})
	require.NoError(t, err)
	assert.Len(t, quotas, 3)

	logs, err := s.ListGenerationLogs(ctx, "sched-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Len(t, logs[0].UnitsAffected, 3)
	require.NotNil(t, logs[0].FormulaSnapshot)
	assert.Equal(t, billing.FormulaFixed, logs[0].FormulaSnapshot.Type)

	sched, err := s.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, "2024-02", sched.LastGeneratedPeriod)
	assert.Equal(t, "2024-02-01", sched.NextGenerationDate.String())
}

func TestStore_AdjustmentHistoryIsOrdered(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	insert(t, s, quota("q-1", "unit-1", billing.NewPeriod(2024, time.January)))

	clock := time.Date(2024, time.February, 1, 9, 0, 0, 0, time.UTC)
	adjuster := &billing.Adjuster{Store: s, Now: func() time.Time { clock = clock.Add(time.Minute); return clock }}
	for _, amount := range []string{"80", "90"} {
		_, err := adjuster.Apply(ctx, billing.AdjustmentInput{
			QuotaID: "q-1", Type: billing.AdjustmentCorrection, NewAmount: dec(amount), Reason: "fix", Actor: "admin",
		})
		require.NoError(t, err)
	}

	history, err := s.ListAdjustments(ctx, "q-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "100.00", history[0].PreviousAmount.StringFixed(2))
	assert.Equal(t, "80.00", history[1].PreviousAmount.StringFixed(2))

	q, err := s.GetQuota(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, "90.00", q.Balance.StringFixed(2))
	assert.Equal(t, 2, q.Version)
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(w billing.Writer) error {
		if err := w.InsertQuotas(ctx, []billing.Quota{quota("q-1", "unit-1", billing.NewPeriod(2024, time.January))}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetQuota(ctx, "q-1")
	assert.ErrorIs(t, err, billing.ErrQuotaNotFound)
}

func TestStore_CycleRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	started := time.Date(2024, time.January, 1, 6, 0, 0, 0, time.UTC)

	run := sqlite.CycleRun{ID: "run-1", AsOf: day(2024, time.January, 1), Trigger: "cron", Status: "running", StartedAt: started}
	require.NoError(t, s.SaveCycleRun(ctx, run))

	done := started.Add(time.Minute)
	run.Status = "completed"
	run.SchedulesDue = 2
	run.QuotasCreated = 6
	run.CompletedAt = &done
	require.NoError(t, s.SaveCycleRun(ctx, run))

	runs, err := s.ListCycleRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, 6, runs[0].QuotasCreated)
	require.NotNil(t, runs[0].CompletedAt)
}
