/*
formula.go - Formula evaluation

PURPOSE:
  Turns (formula, unit context) into a monetary amount. Pure: no store
  access, no clock, no randomness.

FORMULA TYPES:
  fixed:       fixedAmount verbatim
  unit_based:  unitAmounts[unit.ID]; a missing entry fails that unit only
  expression:  restricted arithmetic over a closed variable set

VARIABLES:
  Global values come from Formula.Variables (typically base_rate).
  Per-unit values come from the unit context and win on name clashes:

    aliquot_percentage  unit's share, as stored (nil = unresolved)
    area_m2             unit area (nil = unresolved)
    floor               unit floor
    parking_spaces      unit parking spaces
    unit_count          active units in the run's scope

  Names outside this set (plus base_rate) are rejected when a formula is
  created; see ValidateFormulaVariables.

SEE ALSO:
  - expression.go: the parser and interpreter
  - factory/formula.go: JSON definitions and creation-time validation
*/
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const AmountScale = 2

// Variable names understood by expression formulas.
const (
	VarBaseRate          = "base_rate"
	VarAliquotPercentage = "aliquot_percentage"
	VarAreaM2            = "area_m2"
	VarUnitCount         = "unit_count"
	VarFloor             = "floor"
	VarParkingSpaces     = "parking_spaces"
)

// AllowedVariables is the closed set of names an expression may reference.
var AllowedVariables = []string{
	VarBaseRate,
	VarAliquotPercentage,
	VarAreaM2,
	VarUnitCount,
	VarFloor,
	VarParkingSpaces,
}

// UnitContext is what the evaluator knows about the unit being billed.
type UnitContext struct {
	Unit      Unit
	UnitCount int
}

// Variables returns the per-unit variable values. Nullable unit attributes
// that are unset are omitted, so referencing them is an unresolved variable.
func (c UnitContext) Variables() map[string]decimal.Decimal {
	vars := map[string]decimal.Decimal{
		VarFloor:         decimal.NewFromInt(int64(c.Unit.Floor)),
		VarParkingSpaces: decimal.NewFromInt(int64(c.Unit.ParkingSpaces)),
		VarUnitCount:     decimal.NewFromInt(int64(c.UnitCount)),
	}
	if c.Unit.AliquotPercentage != nil {
		vars[VarAliquotPercentage] = *c.Unit.AliquotPercentage
	}
	if c.Unit.AreaM2 != nil {
		vars[VarAreaM2] = *c.Unit.AreaM2
	}
	return vars
}

// =============================================================================
// FORMULA EVALUATOR
// =============================================================================

// FormulaEvaluator evaluates one formula for many units. The expression, if
// any, is parsed once in NewFormulaEvaluator.
type FormulaEvaluator struct {
	formula Formula
	expr    *Expression
}

// NewFormulaEvaluator checks the formula's shape and prepares it. Errors
// wrap ErrInvalidFormula and are configuration errors for the whole run.
func NewFormulaEvaluator(f Formula) (*FormulaEvaluator, error) {
	if err := ValidateFormula(f); err != nil {
		return nil, err
	}
	e := &FormulaEvaluator{formula: f}
	if f.Type == FormulaExpression {
		expr, err := ParseExpression(f.Expression)
		if err != nil {
			return nil, err
		}
		e.expr = expr
	}
	return e, nil
}

// EvaluateFormula is a one-shot NewFormulaEvaluator + Evaluate.
func EvaluateFormula(f Formula, uc UnitContext) (decimal.Decimal, error) {
	e, err := NewFormulaEvaluator(f)
	if err != nil {
		return decimal.Zero, err
	}
	return e.Evaluate(uc)
}

func (e *FormulaEvaluator) Formula() Formula { return e.formula }

// Evaluate returns the amount for one unit, rounded to AmountScale.
// Failures are *EvaluationError and concern this unit only.
func (e *FormulaEvaluator) Evaluate(uc UnitContext) (decimal.Decimal, error) {
	amount, err := e.evaluate(uc)
	if err != nil {
		return decimal.Zero, &EvaluationError{FormulaID: e.formula.ID, UnitID: uc.Unit.ID, Reason: err}
	}
	amount = amount.Round(AmountScale)
	if amount.IsNegative() {
		return decimal.Zero, &EvaluationError{
			FormulaID: e.formula.ID,
			UnitID:    uc.Unit.ID,
			Reason:    fmt.Errorf("%w: %s", ErrNegativeAmount, amount.StringFixed(AmountScale)),
		}
	}
	return amount, nil
}

func (e *FormulaEvaluator) evaluate(uc UnitContext) (decimal.Decimal, error) {
	switch e.formula.Type {
	case FormulaFixed:
		return *e.formula.FixedAmount, nil

	case FormulaUnitBased:
		amount, ok := e.formula.UnitAmounts[uc.Unit.ID]
		if !ok {
			return decimal.Zero, ErrMissingUnitAmount
		}
		return amount, nil

	case FormulaExpression:
		vars := make(map[string]decimal.Decimal, len(e.formula.Variables)+5)
		for name, v := range e.formula.Variables {
			vars[name] = v
		}
		for name, v := range uc.Variables() {
			vars[name] = v
		}
		return e.expr.Eval(vars)
	}
	return decimal.Zero, fmt.Errorf("%w: unknown formula type %q", ErrInvalidFormula, e.formula.Type)
}

// Snapshot freezes the formula definition for the generation log.
func (e *FormulaEvaluator) Snapshot() *FormulaSnapshot {
	s := &FormulaSnapshot{
		ID:         e.formula.ID,
		Name:       e.formula.Name,
		Type:       e.formula.Type,
		Expression: e.formula.Expression,
	}
	if e.formula.FixedAmount != nil {
		s.FixedAmount = e.formula.FixedAmount.StringFixed(AmountScale)
	}
	return s
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateFormula checks the fields required by the formula's type.
func ValidateFormula(f Formula) error {
	switch f.Type {
	case FormulaFixed:
		if f.FixedAmount == nil {
			return fmt.Errorf("%w: fixed amount is required for fixed formulas", ErrInvalidFormula)
		}
		if f.FixedAmount.IsNegative() {
			return fmt.Errorf("%w: fixed amount must be non-negative", ErrInvalidFormula)
		}
	case FormulaExpression:
		if f.Expression == "" {
			return fmt.Errorf("%w: expression is required for expression formulas", ErrInvalidFormula)
		}
		if _, err := ParseExpression(f.Expression); err != nil {
			return err
		}
	case FormulaUnitBased:
		if len(f.UnitAmounts) == 0 {
			return fmt.Errorf("%w: unit amounts are required for unit_based formulas", ErrInvalidFormula)
		}
		for unitID, amount := range f.UnitAmounts {
			if amount.IsNegative() {
				return fmt.Errorf("%w: unit %s has a negative amount", ErrInvalidFormula, unitID)
			}
		}
	default:
		return fmt.Errorf("%w: unknown formula type %q", ErrInvalidFormula, f.Type)
	}
	return nil
}

// ValidateFormulaVariables rejects expressions referencing names outside
// AllowedVariables. Applied when formulas are created or edited.
func ValidateFormulaVariables(f Formula) error {
	if f.Type != FormulaExpression {
		return nil
	}
	expr, err := ParseExpression(f.Expression)
	if err != nil {
		return err
	}
	allowed := make(map[string]bool, len(AllowedVariables))
	for _, name := range AllowedVariables {
		allowed[name] = true
	}
	for _, name := range expr.Variables() {
		if !allowed[name] {
			return fmt.Errorf("%w: unknown variable %q", ErrInvalidFormula, name)
		}
	}
	for name := range f.Variables {
		if !allowed[name] {
			return fmt.Errorf("%w: unknown variable %q", ErrInvalidFormula, name)
		}
	}
	return nil
}
