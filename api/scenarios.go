/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	condominium billing setups. Each scenario creates units, formulas,
	rules, schedules and (optionally) interest policies and quotas that
	demonstrate one feature of the engine.

AVAILABLE SCENARIOS:

	fixed-fee:         Flat monthly maintenance fee, one month in advance
	aliquot-share:     Budget split by each unit's aliquot percentage
	building-override: Condominium-wide rule overridden for one building
	overdue-interest:  Generated quotas swept to overdue, 2% monthly interest

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create formulas via the factory
 3. Create units, rules, schedules, interest policies
 4. Optionally run generation, sweep and accrual for past dates

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "aliquot-share"}

	then POST /api/admin/run-cycle {"as_of": "2024-01-01"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: engine wiring
  - factory/formula.go: preset formula JSON
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/condo/billing-engine/billing"
	"github.com/condo/billing-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fixed-fee",
		Name:        "Fixed Maintenance Fee",
		Description: "Three units billed 100.00 a month, generated one month in advance from 2024-01-01",
		Category:    "generation",
	},
	{
		ID:          "aliquot-share",
		Name:        "Aliquot Share",
		Description: "A 1000.00 budget split by aliquot percentage; one unit has no aliquot and fails evaluation",
		Category:    "generation",
	},
	{
		ID:          "building-override",
		Name:        "Building Override",
		Description: "Condominium-wide 100.00 fee, tower B pays 120.00 through a building-scoped rule",
		Category:    "resolution",
	},
	{
		ID:          "overdue-interest",
		Name:        "Overdue With Interest",
		Description: "January quotas due 2024-01-15, swept overdue, 2% monthly simple interest after a 5 day grace",
		Category:    "collections",
	},
}

const demoCondo = billing.CondominiumID("condo-demo")

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	var loader func(context.Context) error
	switch req.ScenarioID {
	case "fixed-fee":
		loader = h.loadFixedFeeScenario
	case "aliquot-share":
		loader = h.loadAliquotShareScenario
	case "building-override":
		loader = h.loadBuildingOverrideScenario
	case "overdue-interest":
		loader = h.loadOverdueInterestScenario
	default:
		writeError(w, http.StatusBadRequest, CodeValidationError, "unknown scenario",
			map[string]string{"scenario_id": req.ScenarioID})
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("reset database: %w", err))
		return
	}
	h.currentScenario = ""

	if err := loader(ctx); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("reset database: %w", err))
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFixedFeeScenario(ctx context.Context) error {
	if err := h.createFormulaFromJSON(ctx, factory.FixedFeeJSON(
		"formula-maintenance", string(demoCondo), "Monthly maintenance", "100.00", "usd")); err != nil {
		return err
	}
	units := []billing.Unit{
		demoUnit("unit-101", "", "101", 1, "", ""),
		demoUnit("unit-102", "", "102", 1, "", ""),
		demoUnit("unit-201", "", "201", 2, "", ""),
	}
	if err := h.saveUnits(ctx, units); err != nil {
		return err
	}
	if err := h.saveRule(ctx, "rule-maintenance", "Maintenance", "", "maintenance", "formula-maintenance", "2024-01-01"); err != nil {
		return err
	}
	return h.saveMonthlySchedule(ctx, "sched-maintenance", "Monthly maintenance", "", "maintenance", 1, "2024-01-01")
}

func (h *Handler) loadAliquotShareScenario(ctx context.Context) error {
	if err := h.createFormulaFromJSON(ctx, factory.AliquotShareJSON(
		"formula-aliquot", string(demoCondo), "1000", "usd")); err != nil {
		return err
	}
	units := []billing.Unit{
		demoUnit("unit-101", "", "101", 1, "0.025", "64.5"),
		demoUnit("unit-102", "", "102", 1, "0.035", "82"),
		demoUnit("unit-201", "", "201", 2, "0.04", "95.25"),
		// Aliquot not assigned yet: evaluation fails for this unit only.
		demoUnit("unit-202", "", "202", 2, "", "70"),
	}
	if err := h.saveUnits(ctx, units); err != nil {
		return err
	}
	if err := h.saveRule(ctx, "rule-aliquot", "Aliquot share", "", "common-expenses", "formula-aliquot", "2024-01-01"); err != nil {
		return err
	}
	return h.saveMonthlySchedule(ctx, "sched-common-expenses", "Common expenses", "", "common-expenses", 0, "2024-01-01")
}

func (h *Handler) loadBuildingOverrideScenario(ctx context.Context) error {
	if err := h.createFormulaFromJSON(ctx, factory.FixedFeeJSON(
		"formula-standard", string(demoCondo), "Standard fee", "100.00", "usd")); err != nil {
		return err
	}
	if err := h.createFormulaFromJSON(ctx, factory.FixedFeeJSON(
		"formula-tower-b", string(demoCondo), "Tower B fee", "120.00", "usd")); err != nil {
		return err
	}
	units := []billing.Unit{
		demoUnit("unit-a1", "tower-a", "A1", 1, "", ""),
		demoUnit("unit-a2", "tower-a", "A2", 2, "", ""),
		demoUnit("unit-b1", "tower-b", "B1", 1, "", ""),
		demoUnit("unit-b2", "tower-b", "B2", 2, "", ""),
	}
	if err := h.saveUnits(ctx, units); err != nil {
		return err
	}
	if err := h.saveRule(ctx, "rule-standard", "Standard fee", "", "maintenance", "formula-standard", "2024-01-01"); err != nil {
		return err
	}
	if err := h.saveRule(ctx, "rule-tower-b", "Tower B fee", "tower-b", "maintenance", "formula-tower-b", "2024-01-01"); err != nil {
		return err
	}
	if err := h.saveMonthlySchedule(ctx, "sched-tower-a", "Tower A maintenance", "tower-a", "maintenance", 0, "2024-01-01"); err != nil {
		return err
	}
	return h.saveMonthlySchedule(ctx, "sched-tower-b", "Tower B maintenance", "tower-b", "maintenance", 0, "2024-01-01")
}

func (h *Handler) loadOverdueInterestScenario(ctx context.Context) error {
	if err := h.loadFixedFeeScenario(ctx); err != nil {
		return err
	}

	rate := decimal.RequireFromString("0.02")
	if err := h.Store.SaveInterestConfiguration(ctx, billing.InterestConfiguration{
		ID:                "interest-late",
		Name:              "Late payment 2% monthly",
		Scope:             billing.Scope{CondominiumID: demoCondo},
		InterestType:      billing.InterestSimple,
		InterestRate:      &rate,
		CalculationPeriod: billing.CalculationMonthly,
		GracePeriodDays:   5,
		EffectiveFrom:     billing.MustParseDate("2024-01-01"),
		IsActive:          true,
		CreatedAt:         h.now().UTC(),
	}); err != nil {
		return err
	}

	// January quotas as if generated on the 1st, then left unpaid.
	if _, err := h.Generator.Generate(ctx, billing.GenerateInput{
		ScheduleID:  "sched-maintenance",
		Period:      billing.NewPeriod(2024, 1),
		GeneratedBy: h.systemUser,
		Method:      billing.MethodManual,
		AsOf:        billing.MustParseDate("2024-01-01"),
	}); err != nil {
		return err
	}
	if _, err := h.Sweeper.Sweep(ctx, billing.MustParseDate("2024-01-16")); err != nil {
		return err
	}
	_, err := h.Accruer.Accrue(ctx, billing.MustParseDate("2024-03-01"))
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) createFormulaFromJSON(ctx context.Context, jsonStr string) error {
	formula, err := h.FormulaFactory.ParseFormula(jsonStr)
	if err != nil {
		return err
	}
	return h.FormulaFactory.Create(ctx, h.Store, formula, h.systemUser)
}

func demoUnit(id, building, number string, floor int, aliquot, area string) billing.Unit {
	u := billing.Unit{
		ID:            billing.UnitID(id),
		CondominiumID: demoCondo,
		BuildingID:    billing.BuildingID(building),
		UnitNumber:    number,
		Floor:         floor,
		ParkingSpaces: 1,
		IsActive:      true,
	}
	if aliquot != "" {
		d := decimal.RequireFromString(aliquot)
		u.AliquotPercentage = &d
	}
	if area != "" {
		d := decimal.RequireFromString(area)
		u.AreaM2 = &d
	}
	return u
}

func (h *Handler) saveUnits(ctx context.Context, units []billing.Unit) error {
	for _, u := range units {
		if err := h.Store.SaveUnit(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) saveRule(ctx context.Context, id, name, building, concept, formula, from string) error {
	return h.Store.SaveRule(ctx, billing.BillingRule{
		ID:               billing.RuleID(id),
		Name:             name,
		Scope:            billing.Scope{CondominiumID: demoCondo, BuildingID: billing.BuildingID(building)},
		PaymentConceptID: billing.ConceptID(concept),
		FormulaID:        billing.FormulaID(formula),
		EffectiveFrom:    billing.MustParseDate(from),
		IsActive:         true,
		CreatedBy:        h.systemUser,
		CreatedAt:        h.now().UTC(),
	})
}

func (h *Handler) saveMonthlySchedule(ctx context.Context, id, name, building, concept string, periodsInAdvance int, next string) error {
	return h.Store.SaveSchedule(ctx, billing.BillingSchedule{
		ID:                 billing.ScheduleID(id),
		Name:               name,
		Scope:              billing.Scope{CondominiumID: demoCondo, BuildingID: billing.BuildingID(building)},
		PaymentConceptID:   billing.ConceptID(concept),
		FrequencyType:      billing.FrequencyMonthly,
		GenerationDay:      1,
		PeriodsInAdvance:   periodsInAdvance,
		IssueDay:           1,
		DueDay:             15,
		NextGenerationDate: billing.MustParseDate(next),
		IsActive:           true,
		CreatedBy:          h.systemUser,
		CreatedAt:          h.now().UTC(),
	})
}
