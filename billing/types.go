/*
Package billing provides the recurring charge generation engine.

PURPOSE:
  This package contains the types and algorithms that turn time-versioned
  billing rules into monetary obligations ("quotas") for residential units.
  Everything that decides WHAT is owed, WHEN and WHY lives here; storage and
  transport live in other packages behind the interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Scope: condominium + optional building that a schedule/rule applies to
  - BillingSchedule: recurrence that triggers periodic generation
  - BillingRule: time-scoped binding of a payment concept to a Formula
  - Formula: fixed, expression or unit_based charge computation
  - InterestConfiguration: late-payment interest policy
  - Quota: one unit's obligation for one concept in one period
  - QuotaAdjustment: append-only manual change to a quota
  - GenerationLog: one row per generation run, for observability

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, never float64
  2. Idempotency: (unit, concept, year, month) identifies a quota exactly once
  3. Append-only history: adjustments and generation logs are never edited
  4. Explicit dependencies: components receive a Store, no globals

SEE ALSO:
  - generator.go: the orchestrator that creates quotas
  - resolver.go: rule and interest policy resolution
  - formula.go: formula evaluation
  - store.go: persistence interfaces
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CondominiumID string
type BuildingID string
type UnitID string
type ConceptID string
type CurrencyID string
type ScheduleID string
type RuleID string
type FormulaID string
type InterestConfigID string
type QuotaID string
type AdjustmentID string
type LogID string

// =============================================================================
// SCOPE - Where a schedule, rule or interest policy applies
// =============================================================================

// Scope identifies a condominium and, optionally, one of its buildings.
// An empty BuildingID means the whole condominium.
type Scope struct {
	CondominiumID CondominiumID
	BuildingID    BuildingID
}

func (s Scope) IsBuildingScoped() bool { return s.BuildingID != "" }

// Covers reports whether a record scoped to s applies to target.
// Condominium-wide records cover every building of the condominium.
func (s Scope) Covers(target Scope) bool {
	if s.CondominiumID != target.CondominiumID {
		return false
	}
	return s.BuildingID == "" || s.BuildingID == target.BuildingID
}

// =============================================================================
// BILLING SCHEDULE
// =============================================================================

type FrequencyType string

const (
	FrequencyMonthly    FrequencyType = "monthly"
	FrequencyQuarterly  FrequencyType = "quarterly"
	FrequencySemiAnnual FrequencyType = "semi_annual"
	FrequencyAnnual     FrequencyType = "annual"
	FrequencyCustomDays FrequencyType = "custom_days"
)

// BillingSchedule is the recurrence definition that triggers generation.
//
// NextGenerationDate, LastGeneratedPeriod and LastGeneratedAt are owned by
// the bookkeeper (schedule.go). They are never edited by administrators.
type BillingSchedule struct {
	ID               ScheduleID
	Name             string
	Scope            Scope
	PaymentConceptID ConceptID

	FrequencyType    FrequencyType
	GenerationDay    int // day-of-month, or interval length for custom_days
	PeriodsInAdvance int

	// Day of the target month the quota is issued / due. Clamped to the
	// month length (31 in February becomes 28 or 29).
	IssueDay int
	DueDay   int

	LastGeneratedPeriod string // YYYY-MM
	LastGeneratedAt     *time.Time
	NextGenerationDate  Date // zero = due immediately

	IsActive  bool
	CreatedBy string
	CreatedAt time.Time
}

// =============================================================================
// BILLING RULE
// =============================================================================

// BillingRule binds a payment concept to a formula for a window of time.
type BillingRule struct {
	ID               RuleID
	Name             string
	Scope            Scope
	PaymentConceptID ConceptID
	FormulaID        FormulaID

	EffectiveFrom Date
	EffectiveTo   *Date // nil = open-ended

	IsActive  bool
	CreatedBy string
	CreatedAt time.Time
}

// =============================================================================
// FORMULA
// =============================================================================

type FormulaType string

const (
	FormulaFixed      FormulaType = "fixed"
	FormulaExpression FormulaType = "expression"
	FormulaUnitBased  FormulaType = "unit_based"
)

// Formula is the pluggable computation producing a charge amount.
type Formula struct {
	ID            FormulaID
	CondominiumID CondominiumID
	Name          string
	Description   string
	Type          FormulaType

	FixedAmount *decimal.Decimal          // fixed
	Expression  string                    // expression
	Variables   map[string]decimal.Decimal // expression, global variables
	UnitAmounts map[UnitID]decimal.Decimal // unit_based

	CurrencyID CurrencyID
	IsActive   bool

	CreatedBy    string
	UpdatedBy    string
	UpdateReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// INTEREST CONFIGURATION
// =============================================================================

type InterestType string

const (
	InterestSimple      InterestType = "simple"
	InterestCompound    InterestType = "compound"
	InterestFixedAmount InterestType = "fixed_amount"
)

type CalculationPeriod string

const (
	CalculationDaily   CalculationPeriod = "daily"
	CalculationMonthly CalculationPeriod = "monthly"
	CalculationAnnual  CalculationPeriod = "annual"
)

// InterestConfiguration is a late-payment policy. An empty PaymentConceptID
// applies to every concept of the scope.
type InterestConfiguration struct {
	ID               InterestConfigID
	Name             string
	Scope            Scope
	PaymentConceptID ConceptID

	InterestType      InterestType
	InterestRate      *decimal.Decimal // fractional, 0.02 = 2% per period
	FixedAmount       *decimal.Decimal // charged once per elapsed period
	CalculationPeriod CalculationPeriod
	GracePeriodDays   int

	EffectiveFrom Date
	EffectiveTo   *Date

	IsActive  bool
	CreatedAt time.Time
}

// =============================================================================
// UNIT - Read-only collaborator owned by the property CRUD services
// =============================================================================

type Unit struct {
	ID                UnitID
	CondominiumID     CondominiumID
	BuildingID        BuildingID
	UnitNumber        string
	Floor             int
	AreaM2            *decimal.Decimal // nil = not surveyed
	ParkingSpaces     int
	AliquotPercentage *decimal.Decimal // nil = not assigned
	IsActive          bool
}

func (u Unit) Scope() Scope {
	return Scope{CondominiumID: u.CondominiumID, BuildingID: u.BuildingID}
}

// =============================================================================
// QUOTA - The unit of obligation
// =============================================================================

type QuotaStatus string

const (
	QuotaPending   QuotaStatus = "pending"
	QuotaPaid      QuotaStatus = "paid"
	QuotaOverdue   QuotaStatus = "overdue"
	QuotaCancelled QuotaStatus = "cancelled"
)

// QuotaKey is the uniqueness key of a quota. Generation never creates two
// quotas with the same key, whatever their status.
type QuotaKey struct {
	UnitID           UnitID
	PaymentConceptID ConceptID
	Period           Period
}

type Quota struct {
	ID                QuotaID
	UnitID            UnitID
	Scope             Scope
	PaymentConceptID  ConceptID
	Period            Period
	PeriodDescription string

	BaseAmount     decimal.Decimal
	InterestAmount decimal.Decimal
	PaidAmount     decimal.Decimal
	Balance        decimal.Decimal
	CurrencyID     CurrencyID

	IssueDate Date
	DueDate   Date
	Status    QuotaStatus

	ScheduleID ScheduleID
	RuleID     RuleID
	FormulaID  FormulaID

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is bumped on every update; writers compare-and-swap on it.
	Version int
}

func (q Quota) Key() QuotaKey {
	return QuotaKey{UnitID: q.UnitID, PaymentConceptID: q.PaymentConceptID, Period: q.Period}
}

// ComputeBalance returns base + interest - paid, never negative.
func (q Quota) ComputeBalance() decimal.Decimal {
	b := q.BaseAmount.Add(q.InterestAmount).Sub(q.PaidAmount)
	if b.IsNegative() {
		return decimal.Zero
	}
	return b
}

// =============================================================================
// QUOTA ADJUSTMENT - Append-only manual change
// =============================================================================

type AdjustmentType string

const (
	AdjustmentDiscount   AdjustmentType = "discount"
	AdjustmentIncrease   AdjustmentType = "increase"
	AdjustmentCorrection AdjustmentType = "correction"
	AdjustmentWaiver     AdjustmentType = "waiver"
)

func (t AdjustmentType) Valid() bool {
	switch t {
	case AdjustmentDiscount, AdjustmentIncrease, AdjustmentCorrection, AdjustmentWaiver:
		return true
	}
	return false
}

type QuotaAdjustment struct {
	ID             AdjustmentID
	QuotaID        QuotaID
	PreviousAmount decimal.Decimal
	NewAmount      decimal.Decimal
	Type           AdjustmentType
	Reason         string
	CreatedBy      string
	CreatedAt      time.Time
}

// =============================================================================
// GENERATION LOG - One row per orchestrator run
// =============================================================================

type GenerationMethod string

const (
	MethodScheduled GenerationMethod = "scheduled"
	MethodManual    GenerationMethod = "manual"
)

type GenerationStatus string

const (
	StatusCompleted GenerationStatus = "completed" // every eligible unit billed
	StatusPartial   GenerationStatus = "partial"   // some units failed evaluation
	StatusFailed    GenerationStatus = "failed"    // nothing persisted
	StatusSkipped   GenerationStatus = "skipped"   // no rule effective for the period
)

// Succeeded reports whether the schedule may be advanced after this status.
func (s GenerationStatus) Succeeded() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusSkipped
}

// FormulaSnapshot freezes the formula as it was when the run happened.
type FormulaSnapshot struct {
	ID          FormulaID   `json:"id"`
	Name        string      `json:"name"`
	Type        FormulaType `json:"formula_type"`
	FixedAmount string      `json:"fixed_amount,omitempty"`
	Expression  string      `json:"expression,omitempty"`
}

type GenerationLog struct {
	ID         LogID
	ScheduleID ScheduleID
	RuleID     RuleID
	FormulaID  FormulaID
	Method     GenerationMethod

	Period            Period
	PeriodDescription string

	QuotasCreated int
	QuotasFailed  int
	QuotasSkipped int
	TotalAmount   decimal.Decimal
	CurrencyID    CurrencyID
	UnitsAffected []UnitID

	FormulaSnapshot *FormulaSnapshot
	Status          GenerationStatus
	Errors          []string
	Warnings        []string

	GeneratedBy string
	GeneratedAt time.Time
}
