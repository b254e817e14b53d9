package billing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condo/billing-engine/billing"
)

func TestExpression_Precedence(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"1 + 2 * 3", "7"},
		{"(1 + 2) * 3", "9"},
		{"10 - 4 - 3", "3"},
		{"100 / 4 / 5", "5"},
		{"-2 * 3", "-6"},
		{"-(2 + 3) * 2", "-10"},
		{"2 * -3", "-6"},
		{"+4", "4"},
		{"1.5 * 2", "3"},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			e, err := billing.ParseExpression(tc.expr)
			require.NoError(t, err)

			got, err := e.Eval(nil)
			require.NoError(t, err)
			assert.True(t, got.Equal(dec(tc.want)), "got %s", got)
		})
	}
}

func TestExpression_Variables(t *testing.T) {
	e, err := billing.ParseExpression("(base_rate * aliquot_percentage / 100) + area_m2 * base_rate")
	require.NoError(t, err)

	assert.Equal(t, []string{"aliquot_percentage", "area_m2", "base_rate"}, e.Variables())

	got, err := e.Eval(map[string]decimal.Decimal{
		"base_rate":          dec("10"),
		"aliquot_percentage": dec("50"),
		"area_m2":            dec("2"),
	})
	require.NoError(t, err)
	assert.Equal(t, "25.00", got.StringFixed(2))
}

func TestExpression_SyntaxErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"1 +",
		"(1 + 2",
		"1 + 2)",
		"1 2",
		"base_rate; drop",
		"1..2",
		"3.",
		"units[0]",
		"a = 1",
		"max(1, 2)",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := billing.ParseExpression(src)
			assert.ErrorIs(t, err, billing.ErrInvalidFormula)
		})
	}
}

func TestExpression_DivisionByZero(t *testing.T) {
	e, err := billing.ParseExpression("base_rate / unit_count")
	require.NoError(t, err)

	_, err = e.Eval(map[string]decimal.Decimal{"base_rate": dec("100"), "unit_count": decimal.Zero})
	assert.ErrorIs(t, err, billing.ErrDivisionByZero)
}

func TestExpression_UnresolvedVariable(t *testing.T) {
	e, err := billing.ParseExpression("base_rate * 2")
	require.NoError(t, err)

	_, err = e.Eval(map[string]decimal.Decimal{})
	assert.ErrorIs(t, err, billing.ErrUnresolvedVariable)
	assert.Contains(t, err.Error(), "base_rate")
}
