package factory_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condo/billing-engine/billing"
	"github.com/condo/billing-engine/billing/store"
	"github.com/condo/billing-engine/factory"
)

func fixedNow() time.Time { return time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC) }

func TestParseFormula_Presets(t *testing.T) {
	ff := factory.NewFormulaFactory()

	fixed, err := ff.ParseFormula(factory.FixedFeeJSON("f-1", "condo-1", "Maintenance", "150.00", "usd"))
	require.NoError(t, err)
	assert.Equal(t, billing.FormulaFixed, fixed.Type)
	assert.Equal(t, "150.00", fixed.FixedAmount.StringFixed(2))
	assert.True(t, fixed.IsActive, "active by default")

	share, err := ff.ParseFormula(factory.AliquotShareJSON("f-2", "condo-1", "1000", "usd"))
	require.NoError(t, err)
	amount, err := billing.EvaluateFormula(*share, billing.UnitContext{Unit: billing.Unit{
		ID: "u-1", AliquotPercentage: ptr(decimal.RequireFromString("0.025")),
	}, UnitCount: 40})
	require.NoError(t, err)
	assert.Equal(t, "25.00", amount.StringFixed(2))

	_, err = ff.ParseFormula(factory.AreaRateJSON("f-3", "condo-1", "1.5", "usd"))
	require.NoError(t, err)
}

func TestParseFormula_AcceptsNumbersAndUnitAmounts(t *testing.T) {
	ff := factory.NewFormulaFactory()

	f, err := ff.ParseFormula(`{
		"condominium_id": "condo-1",
		"name": "Per unit",
		"formula_type": "unit_based",
		"unit_amounts": {"unit-1": 80, "unit-2": "95.50"},
		"is_active": false
	}`)
	require.NoError(t, err)
	assert.False(t, f.IsActive)
	assert.Equal(t, "80.00", f.UnitAmounts["unit-1"].StringFixed(2))
	assert.Equal(t, "95.50", f.UnitAmounts["unit-2"].StringFixed(2))
}

func TestParseFormula_Rejections(t *testing.T) {
	cases := map[string]string{
		"malformed json":       `{"name": `,
		"missing name":         `{"condominium_id": "c", "formula_type": "fixed", "fixed_amount": "1"}`,
		"missing condominium":  `{"name": "n", "formula_type": "fixed", "fixed_amount": "1"}`,
		"fixed without amount": `{"condominium_id": "c", "name": "n", "formula_type": "fixed"}`,
		"negative fixed":       `{"condominium_id": "c", "name": "n", "formula_type": "fixed", "fixed_amount": "-5"}`,
		"bad expression":       `{"condominium_id": "c", "name": "n", "formula_type": "expression", "expression": "base_rate * "}`,
		"unknown variable":     `{"condominium_id": "c", "name": "n", "formula_type": "expression", "expression": "rent * 2"}`,
		"unknown global":       `{"condominium_id": "c", "name": "n", "formula_type": "expression", "expression": "floor * 2", "variables": {"rent": "1"}}`,
		"empty unit amounts":   `{"condominium_id": "c", "name": "n", "formula_type": "unit_based"}`,
		"unknown type":         `{"condominium_id": "c", "name": "n", "formula_type": "tiered"}`,
	}
	ff := factory.NewFormulaFactory()
	for name, js := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ff.ParseFormula(js)
			assert.ErrorIs(t, err, billing.ErrInvalidFormula)
		})
	}
}

func TestToJSON_RoundTripsThroughParse(t *testing.T) {
	ff := factory.NewFormulaFactory()
	original, err := ff.ParseFormula(factory.AliquotShareJSON("f-2", "condo-1", "1000", "usd"))
	require.NoError(t, err)

	again, err := ff.FromJSON(ff.ToJSON(*original))
	require.NoError(t, err)
	assert.Equal(t, original.Expression, again.Expression)
	assert.True(t, again.Variables["base_rate"].Equal(decimal.NewFromInt(1000)))
}

func TestCreate_StampsAuditFieldsAndRejectsDuplicateID(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	ff := &factory.FormulaFactory{Now: fixedNow}

	f, err := ff.ParseFormula(factory.FixedFeeJSON("f-1", "condo-1", "Maintenance", "150", "usd"))
	require.NoError(t, err)
	require.NoError(t, ff.Create(ctx, mem, f, "admin-1"))

	stored, err := mem.GetFormula(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "admin-1", stored.CreatedBy)
	assert.True(t, stored.CreatedAt.Equal(fixedNow()))

	err = ff.Create(ctx, mem, f, "admin-1")
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	anonymous, err := ff.ParseFormula(`{"condominium_id": "condo-1", "name": "n", "formula_type": "fixed", "fixed_amount": "1"}`)
	require.NoError(t, err)
	require.NoError(t, ff.Create(ctx, mem, anonymous, "admin-1"))
	assert.NotEmpty(t, anonymous.ID)
}

func TestUpdate_FormulaInUseKeepsComputation(t *testing.T) {
	// GIVEN: a fixed formula already used by a generated quota
	// WHEN: an administrator changes the amount, then only the name
	// THEN: the amount change is rejected, the rename goes through

	mem := store.NewMemory()
	ctx := context.Background()
	ff := &factory.FormulaFactory{Now: fixedNow}

	f, err := ff.ParseFormula(factory.FixedFeeJSON("f-1", "condo-1", "Maintenance", "150", "usd"))
	require.NoError(t, err)
	require.NoError(t, ff.Create(ctx, mem, f, "admin-1"))
	require.NoError(t, mem.WithTx(ctx, func(w billing.Writer) error {
		return w.InsertQuotas(ctx, []billing.Quota{{
			ID: "q-1", UnitID: "unit-1", Scope: billing.Scope{CondominiumID: "condo-1"},
			PaymentConceptID: "maintenance", Period: billing.NewPeriod(2024, time.February),
			BaseAmount: decimal.NewFromInt(150), Balance: decimal.NewFromInt(150),
			Status: billing.QuotaPending, FormulaID: "f-1",
		}})
	}))

	changed := *f
	changed.FixedAmount = ptr(decimal.NewFromInt(175))
	_, err = ff.Update(ctx, mem, changed, "admin-2", "budget increase")
	assert.ErrorIs(t, err, billing.ErrFormulaInUse)

	renamed := *f
	renamed.Name = "Monthly maintenance"
	updated, err := ff.Update(ctx, mem, renamed, "admin-2", "clearer name")
	require.NoError(t, err)
	assert.Equal(t, "Monthly maintenance", updated.Name)
	assert.Equal(t, "admin-2", updated.UpdatedBy)
	assert.Equal(t, "clearer name", updated.UpdateReason)
	assert.Equal(t, "admin-1", updated.CreatedBy)
}

func TestUpdate_UnusedFormulaIsEditedInPlace(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	ff := &factory.FormulaFactory{Now: fixedNow}

	f, err := ff.ParseFormula(factory.FixedFeeJSON("f-1", "condo-1", "Maintenance", "150", "usd"))
	require.NoError(t, err)
	require.NoError(t, ff.Create(ctx, mem, f, "admin-1"))

	changed := *f
	changed.FixedAmount = ptr(decimal.NewFromInt(175))
	_, err = ff.Update(ctx, mem, changed, "admin-2", "")
	assert.ErrorIs(t, err, billing.ErrInvalidInput, "reason is required")

	_, err = ff.Update(ctx, mem, changed, "admin-2", "budget increase")
	require.NoError(t, err)

	stored, err := mem.GetFormula(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "175.00", stored.FixedAmount.StringFixed(2))

	missing := changed
	missing.ID = "nope"
	_, err = ff.Update(ctx, mem, missing, "admin-2", "x")
	assert.ErrorIs(t, err, billing.ErrFormulaNotFound)
}

func ptr[T any](v T) *T { return &v }
