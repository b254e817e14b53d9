/*
Package factory provides JSON to Go formula conversion and the formula
lifecycle.

PURPOSE:
  Converts JSON formula definitions into billing.Formula values. This lets
  condominium administrators configure charges without code changes - the
  admin UI posts JSON, the factory validates it and builds the Go struct.

JSON SCHEMA:
  {
    "id": "aliquot-share",
    "condominium_id": "condo-1",
    "name": "Aliquot share of the budget",
    "formula_type": "expression",
    "expression": "base_rate * aliquot_percentage",
    "variables": {"base_rate": "12000.00"},
    "currency_id": "usd"
  }

  fixed:      "fixed_amount": "150.00"
  unit_based: "unit_amounts": {"unit-1": "80.00", "unit-2": "95.50"}

  Amounts are accepted as JSON strings or numbers; strings are preferred
  since they never pass through float64.

LIFECYCLE:
  Create: validates structure and variable names, stamps audit fields.
  Update: a formula already referenced by a generated quota keeps its
          computation frozen. Changing type, amounts, expression,
          variables or currency returns billing.ErrFormulaInUse. Name,
          description and activation may still change.

USAGE:
  factory := NewFormulaFactory()
  formula, err := factory.ParseFormula(jsonString)
  err = factory.Create(ctx, store, formula, "admin-1")

SEE ALSO:
  - billing/formula.go: evaluation and validation rules
  - billing/expression.go: expression grammar
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/condo/billing-engine/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// FormulaJSON is the JSON representation of a formula.
type FormulaJSON struct {
	ID            string                     `json:"id,omitempty"`
	CondominiumID string                     `json:"condominium_id"`
	Name          string                     `json:"name"`
	Description   string                     `json:"description,omitempty"`
	FormulaType   string                     `json:"formula_type"`
	FixedAmount   *decimal.Decimal           `json:"fixed_amount,omitempty"`
	Expression    string                     `json:"expression,omitempty"`
	Variables     map[string]decimal.Decimal `json:"variables,omitempty"`
	UnitAmounts   map[string]decimal.Decimal `json:"unit_amounts,omitempty"`
	CurrencyID    string                     `json:"currency_id,omitempty"`
	IsActive      *bool                      `json:"is_active,omitempty"` // Default true
	UpdateReason  string                     `json:"update_reason,omitempty"`
}

// FormulaStore is the persistence the lifecycle needs.
type FormulaStore interface {
	GetFormula(ctx context.Context, id billing.FormulaID) (*billing.Formula, error)
	IsFormulaInUse(ctx context.Context, id billing.FormulaID) (bool, error)
	SaveFormula(ctx context.Context, f billing.Formula) error
}

// =============================================================================
// FORMULA FACTORY
// =============================================================================

// FormulaFactory converts JSON formulas to Go structs and manages edits.
type FormulaFactory struct {
	Now func() time.Time
}

// NewFormulaFactory creates a new formula factory.
func NewFormulaFactory() *FormulaFactory {
	return &FormulaFactory{Now: time.Now}
}

func (f *FormulaFactory) now() time.Time {
	if f.Now == nil {
		return time.Now().UTC()
	}
	return f.Now().UTC()
}

// ParseFormula parses a JSON string into a validated Formula.
func (f *FormulaFactory) ParseFormula(jsonStr string) (*billing.Formula, error) {
	var fj FormulaJSON
	if err := json.Unmarshal([]byte(jsonStr), &fj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse formula JSON: %v", billing.ErrInvalidFormula, err)
	}
	return f.FromJSON(fj)
}

// FromJSON converts FormulaJSON to a validated billing.Formula.
func (f *FormulaFactory) FromJSON(fj FormulaJSON) (*billing.Formula, error) {
	if strings.TrimSpace(fj.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", billing.ErrInvalidFormula)
	}
	if fj.CondominiumID == "" {
		return nil, fmt.Errorf("%w: condominium_id is required", billing.ErrInvalidFormula)
	}

	formula := &billing.Formula{
		ID:            billing.FormulaID(fj.ID),
		CondominiumID: billing.CondominiumID(fj.CondominiumID),
		Name:          fj.Name,
		Description:   fj.Description,
		Type:          billing.FormulaType(fj.FormulaType),
		FixedAmount:   fj.FixedAmount,
		Expression:    strings.TrimSpace(fj.Expression),
		Variables:     fj.Variables,
		CurrencyID:    billing.CurrencyID(fj.CurrencyID),
		IsActive:      fj.IsActive == nil || *fj.IsActive,
		UpdateReason:  fj.UpdateReason,
	}
	if len(fj.UnitAmounts) > 0 {
		formula.UnitAmounts = make(map[billing.UnitID]decimal.Decimal, len(fj.UnitAmounts))
		for id, amount := range fj.UnitAmounts {
			formula.UnitAmounts[billing.UnitID(id)] = amount
		}
	}

	if err := billing.ValidateFormula(*formula); err != nil {
		return nil, err
	}
	if err := billing.ValidateFormulaVariables(*formula); err != nil {
		return nil, err
	}
	return formula, nil
}

// ToJSON converts a Formula to FormulaJSON.
func (f *FormulaFactory) ToJSON(formula billing.Formula) FormulaJSON {
	active := formula.IsActive
	fj := FormulaJSON{
		ID:            string(formula.ID),
		CondominiumID: string(formula.CondominiumID),
		Name:          formula.Name,
		Description:   formula.Description,
		FormulaType:   string(formula.Type),
		FixedAmount:   formula.FixedAmount,
		Expression:    formula.Expression,
		Variables:     formula.Variables,
		CurrencyID:    string(formula.CurrencyID),
		IsActive:      &active,
		UpdateReason:  formula.UpdateReason,
	}
	if len(formula.UnitAmounts) > 0 {
		fj.UnitAmounts = make(map[string]decimal.Decimal, len(formula.UnitAmounts))
		for id, amount := range formula.UnitAmounts {
			fj.UnitAmounts[string(id)] = amount
		}
	}
	return fj
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Create stores a new formula. An empty ID gets a generated one.
func (f *FormulaFactory) Create(ctx context.Context, store FormulaStore, formula *billing.Formula, actor string) error {
	if formula.ID == "" {
		formula.ID = billing.FormulaID(uuid.NewString())
	} else if _, err := store.GetFormula(ctx, formula.ID); err == nil {
		return fmt.Errorf("%w: formula %s already exists", billing.ErrInvalidInput, formula.ID)
	}

	now := f.now()
	formula.CreatedBy = actor
	formula.UpdatedBy = actor
	formula.CreatedAt = now
	formula.UpdatedAt = now
	return store.SaveFormula(ctx, *formula)
}

// Update replaces the editable fields of an existing formula.
// The update reason is required so the change is auditable.
func (f *FormulaFactory) Update(ctx context.Context, store FormulaStore, next billing.Formula, actor, reason string) (*billing.Formula, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: update reason is required", billing.ErrInvalidInput)
	}
	current, err := store.GetFormula(ctx, next.ID)
	if err != nil {
		return nil, err
	}
	if next.CondominiumID != "" && next.CondominiumID != current.CondominiumID {
		return nil, fmt.Errorf("%w: formula cannot move between condominiums", billing.ErrInvalidInput)
	}

	if err := billing.ValidateFormula(next); err != nil {
		return nil, err
	}
	if err := billing.ValidateFormulaVariables(next); err != nil {
		return nil, err
	}

	if computationChanged(*current, next) {
		inUse, err := store.IsFormulaInUse(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		if inUse {
			return nil, fmt.Errorf("%w: %s", billing.ErrFormulaInUse, current.ID)
		}
	}

	updated := *current
	updated.Name = next.Name
	updated.Description = next.Description
	updated.Type = next.Type
	updated.FixedAmount = next.FixedAmount
	updated.Expression = next.Expression
	updated.Variables = next.Variables
	updated.UnitAmounts = next.UnitAmounts
	updated.CurrencyID = next.CurrencyID
	updated.IsActive = next.IsActive
	updated.UpdatedBy = actor
	updated.UpdateReason = reason
	updated.UpdatedAt = f.now()

	if err := store.SaveFormula(ctx, updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// computationChanged reports whether b would compute different amounts than a.
func computationChanged(a, b billing.Formula) bool {
	if a.Type != b.Type || a.Expression != b.Expression || a.CurrencyID != b.CurrencyID {
		return true
	}
	if (a.FixedAmount == nil) != (b.FixedAmount == nil) {
		return true
	}
	if a.FixedAmount != nil && !a.FixedAmount.Equal(*b.FixedAmount) {
		return true
	}
	eq := func(x, y decimal.Decimal) bool { return x.Equal(y) }
	return !maps.EqualFunc(a.Variables, b.Variables, eq) || !maps.EqualFunc(a.UnitAmounts, b.UnitAmounts, eq)
}

// =============================================================================
// PRESET FORMULAS
// =============================================================================

// FixedFeeJSON returns a fixed-amount formula.
func FixedFeeJSON(id, condominiumID, name, amount, currency string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"condominium_id": %q,
		"name": %q,
		"formula_type": "fixed",
		"fixed_amount": %q,
		"currency_id": %q
	}`, id, condominiumID, name, amount, currency)
}

// AliquotShareJSON splits a budget by each unit's aliquot percentage.
func AliquotShareJSON(id, condominiumID, budget, currency string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"condominium_id": %q,
		"name": "Aliquot share",
		"formula_type": "expression",
		"expression": "base_rate * aliquot_percentage",
		"variables": {"base_rate": %q},
		"currency_id": %q
	}`, id, condominiumID, budget, currency)
}

// AreaRateJSON charges a rate per square meter.
func AreaRateJSON(id, condominiumID, ratePerM2, currency string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"condominium_id": %q,
		"name": "Area rate",
		"formula_type": "expression",
		"expression": "base_rate * area_m2",
		"variables": {"base_rate": %q},
		"currency_id": %q
	}`, id, condominiumID, ratePerM2, currency)
}
