package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/condo/billing-engine/billing"
	"github.com/condo/billing-engine/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	condo   billing.CondominiumID = "condo-1"
	towerA  billing.BuildingID    = "tower-a"
	towerB  billing.BuildingID    = "tower-b"
	concept billing.ConceptID     = "maintenance"
	usd     billing.CurrencyID    = "USD"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func date(year int, month time.Month, day int) billing.Date {
	return billing.NewDate(year, month, day)
}

func datePtr(year int, month time.Month, day int) *billing.Date {
	d := date(year, month, day)
	return &d
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newUnit(id billing.UnitID, building billing.BuildingID) billing.Unit {
	return billing.Unit{
		ID:                id,
		CondominiumID:     condo,
		BuildingID:        building,
		UnitNumber:        string(id),
		Floor:             1,
		AreaM2:            decPtr("80"),
		AliquotPercentage: decPtr("0.025"),
		IsActive:          true,
	}
}

func fixedFormula(id billing.FormulaID, amount string) billing.Formula {
	return billing.Formula{
		ID:            id,
		CondominiumID: condo,
		Name:          "Fixed " + amount,
		Type:          billing.FormulaFixed,
		FixedAmount:   decPtr(amount),
		CurrencyID:    usd,
		IsActive:      true,
	}
}

func monthlySchedule(id billing.ScheduleID) billing.BillingSchedule {
	return billing.BillingSchedule{
		ID:               id,
		Name:             "Monthly maintenance",
		Scope:            billing.Scope{CondominiumID: condo},
		PaymentConceptID: concept,
		FrequencyType:    billing.FrequencyMonthly,
		GenerationDay:    1,
		PeriodsInAdvance: 1,
		IssueDay:         1,
		DueDay:           15,
		IsActive:         true,
	}
}

func ruleFor(id billing.RuleID, formulaID billing.FormulaID, from billing.Date) billing.BillingRule {
	return billing.BillingRule{
		ID:               id,
		Name:             string(id),
		Scope:            billing.Scope{CondominiumID: condo},
		PaymentConceptID: concept,
		FormulaID:        formulaID,
		EffectiveFrom:    from,
		IsActive:         true,
		CreatedAt:        time.Date(2023, time.December, 1, 0, 0, 0, 0, time.UTC),
	}
}

// fixture is a memory store seeded with one monthly schedule, one fixed
// 100.00 formula, a rule effective from 2024-01-01 and three units.
type fixture struct {
	store     *store.Memory
	generator *billing.Generator
	schedule  billing.BillingSchedule
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	schedule := monthlySchedule("sched-1")
	require.NoError(t, mem.SaveSchedule(ctx, schedule))
	require.NoError(t, mem.SaveFormula(ctx, fixedFormula("formula-fixed", "100.00")))
	require.NoError(t, mem.SaveRule(ctx, ruleFor("rule-1", "formula-fixed", date(2024, time.January, 1))))
	for _, id := range []billing.UnitID{"unit-1", "unit-2", "unit-3"} {
		require.NoError(t, mem.SaveUnit(ctx, newUnit(id, towerA)))
	}

	return &fixture{
		store: mem,
		generator: &billing.Generator{
			Store:   mem,
			Workers: 2,
			Now:     fixedClock(time.Date(2024, time.January, 1, 6, 0, 0, 0, time.UTC)),
		},
		schedule: schedule,
	}
}

// failingTxStore wraps a TxStore and fails every transaction.
type failingTxStore struct {
	billing.TxStore
	err error
}

func (f *failingTxStore) WithTx(context.Context, func(billing.Writer) error) error {
	return f.err
}

var errDiskFull = errors.New("disk full")
