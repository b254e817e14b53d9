/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND DATES:
  Money goes out as fixed two-decimal strings ("150.00") and comes in as
  decimal strings or JSON numbers. Calendar dates are YYYY-MM-DD, periods
  YYYY-MM, timestamps RFC3339.

VALIDATION:
  Request structs carry go-playground/validator tags for shape checks
  (required, oneof, ranges, date layout). Cross-field and store-backed
  rules (formula exists, window ordering) are checked in handlers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/formula.go: FormulaJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/condo/billing-engine/billing"
	"github.com/condo/billing-engine/factory"
	"github.com/condo/billing-engine/store/sqlite"
)

// =============================================================================
// UNITS
// =============================================================================

type UnitDTO struct {
	ID                string  `json:"id"`
	CondominiumID     string  `json:"condominium_id"`
	BuildingID        string  `json:"building_id,omitempty"`
	UnitNumber        string  `json:"unit_number"`
	Floor             int     `json:"floor"`
	AreaM2            *string `json:"area_m2,omitempty"`
	ParkingSpaces     int     `json:"parking_spaces"`
	AliquotPercentage *string `json:"aliquot_percentage,omitempty"`
	IsActive          bool    `json:"is_active"`
}

type CreateUnitRequest struct {
	ID                string           `json:"id" validate:"required"`
	CondominiumID     string           `json:"condominium_id" validate:"required"`
	BuildingID        string           `json:"building_id"`
	UnitNumber        string           `json:"unit_number" validate:"required"`
	Floor             int              `json:"floor"`
	AreaM2            *decimal.Decimal `json:"area_m2"`
	ParkingSpaces     int              `json:"parking_spaces" validate:"gte=0"`
	AliquotPercentage *decimal.Decimal `json:"aliquot_percentage"`
	IsActive          *bool            `json:"is_active"`
}

// =============================================================================
// FORMULAS
// =============================================================================

// FormulaDTO wraps the factory JSON with audit fields.
type FormulaDTO struct {
	factory.FormulaJSON
	CreatedBy string `json:"created_by,omitempty"`
	UpdatedBy string `json:"updated_by,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// =============================================================================
// BILLING RULES
// =============================================================================

type RuleDTO struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	CondominiumID    string  `json:"condominium_id"`
	BuildingID       string  `json:"building_id,omitempty"`
	PaymentConceptID string  `json:"payment_concept_id"`
	FormulaID        string  `json:"formula_id"`
	EffectiveFrom    string  `json:"effective_from"`
	EffectiveTo      *string `json:"effective_to,omitempty"`
	IsActive         bool    `json:"is_active"`
	CreatedBy        string  `json:"created_by,omitempty"`
	CreatedAt        string  `json:"created_at,omitempty"`
}

type CreateRuleRequest struct {
	ID               string  `json:"id"`
	Name             string  `json:"name" validate:"required"`
	CondominiumID    string  `json:"condominium_id" validate:"required"`
	BuildingID       string  `json:"building_id"`
	PaymentConceptID string  `json:"payment_concept_id" validate:"required"`
	FormulaID        string  `json:"formula_id" validate:"required"`
	EffectiveFrom    string  `json:"effective_from" validate:"required,datetime=2006-01-02"`
	EffectiveTo      *string `json:"effective_to" validate:"omitempty,datetime=2006-01-02"`
	IsActive         *bool   `json:"is_active"`
}

// EffectiveRuleDTO answers "which rule bills this concept on this date".
type EffectiveRuleDTO struct {
	Date      string    `json:"date"`
	Rule      *RuleDTO  `json:"rule"`
	Conflicts []RuleDTO `json:"conflicts,omitempty"`
	Warning   string    `json:"warning,omitempty"`
}

// =============================================================================
// INTEREST CONFIGURATIONS
// =============================================================================

type InterestConfigDTO struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	CondominiumID     string  `json:"condominium_id"`
	BuildingID        string  `json:"building_id,omitempty"`
	PaymentConceptID  string  `json:"payment_concept_id,omitempty"`
	InterestType      string  `json:"interest_type"`
	InterestRate      *string `json:"interest_rate,omitempty"`
	FixedAmount       *string `json:"fixed_amount,omitempty"`
	CalculationPeriod string  `json:"calculation_period"`
	GracePeriodDays   int     `json:"grace_period_days"`
	EffectiveFrom     string  `json:"effective_from"`
	EffectiveTo       *string `json:"effective_to,omitempty"`
	IsActive          bool    `json:"is_active"`
}

type CreateInterestConfigRequest struct {
	ID                string           `json:"id"`
	Name              string           `json:"name" validate:"required"`
	CondominiumID     string           `json:"condominium_id" validate:"required"`
	BuildingID        string           `json:"building_id"`
	PaymentConceptID  string           `json:"payment_concept_id"`
	InterestType      string           `json:"interest_type" validate:"required,oneof=simple compound fixed_amount"`
	InterestRate      *decimal.Decimal `json:"interest_rate"`
	FixedAmount       *decimal.Decimal `json:"fixed_amount"`
	CalculationPeriod string           `json:"calculation_period" validate:"required,oneof=daily monthly annual"`
	GracePeriodDays   int              `json:"grace_period_days" validate:"gte=0"`
	EffectiveFrom     string           `json:"effective_from" validate:"required,datetime=2006-01-02"`
	EffectiveTo       *string          `json:"effective_to" validate:"omitempty,datetime=2006-01-02"`
	IsActive          *bool            `json:"is_active"`
}

// =============================================================================
// SCHEDULES
// =============================================================================

type ScheduleDTO struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	CondominiumID       string  `json:"condominium_id"`
	BuildingID          string  `json:"building_id,omitempty"`
	PaymentConceptID    string  `json:"payment_concept_id"`
	FrequencyType       string  `json:"frequency_type"`
	GenerationDay       int     `json:"generation_day"`
	PeriodsInAdvance    int     `json:"periods_in_advance"`
	IssueDay            int     `json:"issue_day"`
	DueDay              int     `json:"due_day"`
	LastGeneratedPeriod string  `json:"last_generated_period,omitempty"`
	LastGeneratedAt     *string `json:"last_generated_at,omitempty"`
	NextGenerationDate  string  `json:"next_generation_date,omitempty"`
	IsActive            bool    `json:"is_active"`
	CreatedBy           string  `json:"created_by,omitempty"`
	CreatedAt           string  `json:"created_at,omitempty"`
}

type CreateScheduleRequest struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name" validate:"required"`
	CondominiumID      string  `json:"condominium_id" validate:"required"`
	BuildingID         string  `json:"building_id"`
	PaymentConceptID   string  `json:"payment_concept_id" validate:"required"`
	FrequencyType      string  `json:"frequency_type" validate:"required,oneof=monthly quarterly semi_annual annual custom_days"`
	GenerationDay      int     `json:"generation_day" validate:"required,min=1"`
	PeriodsInAdvance   int     `json:"periods_in_advance" validate:"gte=0,lte=12"`
	IssueDay           int     `json:"issue_day" validate:"omitempty,min=1,max=31"`
	DueDay             int     `json:"due_day" validate:"omitempty,min=1,max=31"`
	NextGenerationDate *string `json:"next_generation_date" validate:"omitempty,datetime=2006-01-02"`
	IsActive           *bool   `json:"is_active"`
}

// GenerateRequest triggers a manual run. Period defaults to the schedule's
// target period for as_of (today when omitted).
type GenerateRequest struct {
	Period          string `json:"period" validate:"omitempty,datetime=2006-01"`
	AsOf            string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
	AdvanceSchedule bool   `json:"advance_schedule"`
}

type UnitFailureDTO struct {
	UnitID string `json:"unit_id"`
	Reason string `json:"reason"`
}

type GenerationResultDTO struct {
	LogID              string           `json:"log_id"`
	ScheduleID         string           `json:"schedule_id"`
	RuleID             string           `json:"rule_id,omitempty"`
	FormulaID          string           `json:"formula_id,omitempty"`
	Period             string           `json:"period"`
	Status             string           `json:"status"`
	QuotasCreated      int              `json:"quotas_created"`
	QuotasFailed       int              `json:"quotas_failed"`
	QuotasSkipped      int              `json:"quotas_skipped"`
	TotalAmount        string           `json:"total_amount"`
	CurrencyID         string           `json:"currency_id,omitempty"`
	Failures           []UnitFailureDTO `json:"failures,omitempty"`
	Warnings           []string         `json:"warnings,omitempty"`
	NextGenerationDate string           `json:"next_generation_date,omitempty"`
}

type GenerationLogDTO struct {
	ID                string                   `json:"id"`
	ScheduleID        string                   `json:"schedule_id"`
	RuleID            string                   `json:"rule_id,omitempty"`
	FormulaID         string                   `json:"formula_id,omitempty"`
	Method            string                   `json:"generation_method"`
	Period            string                   `json:"period"`
	PeriodDescription string                   `json:"period_description"`
	QuotasCreated     int                      `json:"quotas_created"`
	QuotasFailed      int                      `json:"quotas_failed"`
	QuotasSkipped     int                      `json:"quotas_skipped"`
	TotalAmount       string                   `json:"total_amount"`
	CurrencyID        string                   `json:"currency_id,omitempty"`
	UnitsAffected     []string                 `json:"units_affected,omitempty"`
	FormulaSnapshot   *billing.FormulaSnapshot `json:"formula_snapshot,omitempty"`
	Status            string                   `json:"status"`
	Errors            []string                 `json:"errors,omitempty"`
	Warnings          []string                 `json:"warnings,omitempty"`
	GeneratedBy       string                   `json:"generated_by"`
	GeneratedAt       string                   `json:"generated_at"`
}

// =============================================================================
// QUOTAS AND ADJUSTMENTS
// =============================================================================

type QuotaDTO struct {
	ID                string `json:"id"`
	UnitID            string `json:"unit_id"`
	CondominiumID     string `json:"condominium_id"`
	BuildingID        string `json:"building_id,omitempty"`
	PaymentConceptID  string `json:"payment_concept_id"`
	Period            string `json:"period"`
	PeriodDescription string `json:"period_description"`
	BaseAmount        string `json:"base_amount"`
	InterestAmount    string `json:"interest_amount"`
	PaidAmount        string `json:"paid_amount"`
	Balance           string `json:"balance"`
	CurrencyID        string `json:"currency_id,omitempty"`
	IssueDate         string `json:"issue_date"`
	DueDate           string `json:"due_date"`
	Status            string `json:"status"`
	ScheduleID        string `json:"schedule_id,omitempty"`
	RuleID            string `json:"rule_id,omitempty"`
	FormulaID         string `json:"formula_id,omitempty"`
	Version           int    `json:"version"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

type AdjustmentDTO struct {
	ID             string `json:"id"`
	QuotaID        string `json:"quota_id"`
	PreviousAmount string `json:"previous_amount"`
	NewAmount      string `json:"new_amount"`
	Type           string `json:"adjustment_type"`
	Reason         string `json:"reason"`
	CreatedBy      string `json:"created_by"`
	CreatedAt      string `json:"created_at"`
}

type CreateAdjustmentRequest struct {
	Type      string           `json:"adjustment_type" validate:"required,oneof=discount increase correction waiver"`
	NewAmount *decimal.Decimal `json:"new_amount" validate:"required"`
	Reason    string           `json:"reason" validate:"required"`
}

type AdjustmentResultDTO struct {
	Adjustment AdjustmentDTO `json:"adjustment"`
	Quota      QuotaDTO      `json:"quota"`
	Delta      string        `json:"delta"`
}

// =============================================================================
// ADMIN
// =============================================================================

// AsOfRequest is the body of the admin sweep/accrue/cycle endpoints.
type AsOfRequest struct {
	AsOf string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
}

type SweepResultDTO struct {
	AsOf          string `json:"as_of"`
	MarkedOverdue int    `json:"marked_overdue"`
}

type AccrualSummaryDTO struct {
	AsOf      string   `json:"as_of"`
	Examined  int      `json:"examined"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	NoPolicy  int      `json:"no_policy"`
	Conflicts int      `json:"conflicts"`
	Warnings  []string `json:"warnings,omitempty"`
}

type ScheduleOutcomeDTO struct {
	ScheduleID    string `json:"schedule_id"`
	Period        string `json:"period"`
	Status        string `json:"status,omitempty"`
	QuotasCreated int    `json:"quotas_created"`
	Busy          bool   `json:"busy,omitempty"`
	Error         string `json:"error,omitempty"`
}

type CycleSummaryDTO struct {
	RunID               string               `json:"run_id"`
	AsOf                string               `json:"as_of"`
	Trigger             string               `json:"trigger"`
	SchedulesDue        int                  `json:"schedules_due"`
	SchedulesSucceeded  int                  `json:"schedules_succeeded"`
	SchedulesFailed     int                  `json:"schedules_failed"`
	SchedulesBusy       int                  `json:"schedules_busy"`
	QuotasCreated       int                  `json:"quotas_created"`
	QuotasMarkedOverdue int                  `json:"quotas_marked_overdue"`
	Interest            AccrualSummaryDTO    `json:"interest"`
	Outcomes            []ScheduleOutcomeDTO `json:"outcomes"`
}

type CycleRunDTO struct {
	ID                  string  `json:"id"`
	AsOf                string  `json:"as_of"`
	Trigger             string  `json:"trigger"`
	Status              string  `json:"status"`
	SchedulesDue        int     `json:"schedules_due"`
	SchedulesSucceeded  int     `json:"schedules_succeeded"`
	SchedulesFailed     int     `json:"schedules_failed"`
	QuotasCreated       int     `json:"quotas_created"`
	QuotasMarkedOverdue int     `json:"quotas_marked_overdue"`
	InterestUpdated     int     `json:"interest_updated"`
	Error               string  `json:"error,omitempty"`
	StartedAt           string  `json:"started_at"`
	CompletedAt         *string `json:"completed_at,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func optionalDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func optionalDate(d *billing.Date) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func optionalTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timestamp(*t)
	return &s
}

func toUnitDTO(u billing.Unit) UnitDTO {
	return UnitDTO{
		ID:                string(u.ID),
		CondominiumID:     string(u.CondominiumID),
		BuildingID:        string(u.BuildingID),
		UnitNumber:        u.UnitNumber,
		Floor:             u.Floor,
		AreaM2:            optionalDecimal(u.AreaM2),
		ParkingSpaces:     u.ParkingSpaces,
		AliquotPercentage: optionalDecimal(u.AliquotPercentage),
		IsActive:          u.IsActive,
	}
}

func toRuleDTO(r billing.BillingRule) RuleDTO {
	return RuleDTO{
		ID:               string(r.ID),
		Name:             r.Name,
		CondominiumID:    string(r.Scope.CondominiumID),
		BuildingID:       string(r.Scope.BuildingID),
		PaymentConceptID: string(r.PaymentConceptID),
		FormulaID:        string(r.FormulaID),
		EffectiveFrom:    r.EffectiveFrom.String(),
		EffectiveTo:      optionalDate(r.EffectiveTo),
		IsActive:         r.IsActive,
		CreatedBy:        r.CreatedBy,
		CreatedAt:        timestamp(r.CreatedAt),
	}
}

func toInterestConfigDTO(c billing.InterestConfiguration) InterestConfigDTO {
	return InterestConfigDTO{
		ID:                string(c.ID),
		Name:              c.Name,
		CondominiumID:     string(c.Scope.CondominiumID),
		BuildingID:        string(c.Scope.BuildingID),
		PaymentConceptID:  string(c.PaymentConceptID),
		InterestType:      string(c.InterestType),
		InterestRate:      optionalDecimal(c.InterestRate),
		FixedAmount:       optionalDecimal(c.FixedAmount),
		CalculationPeriod: string(c.CalculationPeriod),
		GracePeriodDays:   c.GracePeriodDays,
		EffectiveFrom:     c.EffectiveFrom.String(),
		EffectiveTo:       optionalDate(c.EffectiveTo),
		IsActive:          c.IsActive,
	}
}

func toScheduleDTO(s billing.BillingSchedule) ScheduleDTO {
	dto := ScheduleDTO{
		ID:                  string(s.ID),
		Name:                s.Name,
		CondominiumID:       string(s.Scope.CondominiumID),
		BuildingID:          string(s.Scope.BuildingID),
		PaymentConceptID:    string(s.PaymentConceptID),
		FrequencyType:       string(s.FrequencyType),
		GenerationDay:       s.GenerationDay,
		PeriodsInAdvance:    s.PeriodsInAdvance,
		IssueDay:            s.IssueDay,
		DueDay:              s.DueDay,
		LastGeneratedPeriod: s.LastGeneratedPeriod,
		LastGeneratedAt:     optionalTimestamp(s.LastGeneratedAt),
		IsActive:            s.IsActive,
		CreatedBy:           s.CreatedBy,
		CreatedAt:           timestamp(s.CreatedAt),
	}
	if !s.NextGenerationDate.IsZero() {
		dto.NextGenerationDate = s.NextGenerationDate.String()
	}
	return dto
}

func toGenerationResultDTO(r *billing.GenerationResult) GenerationResultDTO {
	dto := GenerationResultDTO{
		LogID:         string(r.LogID),
		ScheduleID:    string(r.ScheduleID),
		RuleID:        string(r.RuleID),
		FormulaID:     string(r.FormulaID),
		Period:        r.Period.String(),
		Status:        string(r.Status),
		QuotasCreated: r.QuotasCreated,
		QuotasFailed:  r.QuotasFailed,
		QuotasSkipped: r.QuotasSkipped,
		TotalAmount:   money(r.TotalAmount),
		CurrencyID:    string(r.CurrencyID),
		Warnings:      r.Warnings,
	}
	for _, f := range r.Failures {
		dto.Failures = append(dto.Failures, UnitFailureDTO{UnitID: string(f.UnitID), Reason: f.Reason})
	}
	if r.Bookkeeping != nil {
		dto.NextGenerationDate = r.Bookkeeping.NextGenerationDate.String()
	}
	return dto
}

func toGenerationLogDTO(l billing.GenerationLog) GenerationLogDTO {
	dto := GenerationLogDTO{
		ID:                string(l.ID),
		ScheduleID:        string(l.ScheduleID),
		RuleID:            string(l.RuleID),
		FormulaID:         string(l.FormulaID),
		Method:            string(l.Method),
		Period:            l.Period.String(),
		PeriodDescription: l.PeriodDescription,
		QuotasCreated:     l.QuotasCreated,
		QuotasFailed:      l.QuotasFailed,
		QuotasSkipped:     l.QuotasSkipped,
		TotalAmount:       money(l.TotalAmount),
		CurrencyID:        string(l.CurrencyID),
		FormulaSnapshot:   l.FormulaSnapshot,
		Status:            string(l.Status),
		Errors:            l.Errors,
		Warnings:          l.Warnings,
		GeneratedBy:       l.GeneratedBy,
		GeneratedAt:       timestamp(l.GeneratedAt),
	}
	for _, u := range l.UnitsAffected {
		dto.UnitsAffected = append(dto.UnitsAffected, string(u))
	}
	return dto
}

func toQuotaDTO(q billing.Quota) QuotaDTO {
	return QuotaDTO{
		ID:                string(q.ID),
		UnitID:            string(q.UnitID),
		CondominiumID:     string(q.Scope.CondominiumID),
		BuildingID:        string(q.Scope.BuildingID),
		PaymentConceptID:  string(q.PaymentConceptID),
		Period:            q.Period.String(),
		PeriodDescription: q.PeriodDescription,
		BaseAmount:        money(q.BaseAmount),
		InterestAmount:    money(q.InterestAmount),
		PaidAmount:        money(q.PaidAmount),
		Balance:           money(q.Balance),
		CurrencyID:        string(q.CurrencyID),
		IssueDate:         q.IssueDate.String(),
		DueDate:           q.DueDate.String(),
		Status:            string(q.Status),
		ScheduleID:        string(q.ScheduleID),
		RuleID:            string(q.RuleID),
		FormulaID:         string(q.FormulaID),
		Version:           q.Version,
		CreatedAt:         timestamp(q.CreatedAt),
		UpdatedAt:         timestamp(q.UpdatedAt),
	}
}

func toAdjustmentDTO(a billing.QuotaAdjustment) AdjustmentDTO {
	return AdjustmentDTO{
		ID:             string(a.ID),
		QuotaID:        string(a.QuotaID),
		PreviousAmount: money(a.PreviousAmount),
		NewAmount:      money(a.NewAmount),
		Type:           string(a.Type),
		Reason:         a.Reason,
		CreatedBy:      a.CreatedBy,
		CreatedAt:      timestamp(a.CreatedAt),
	}
}

func toAccrualSummaryDTO(asOf billing.Date, s billing.AccrualSummary) AccrualSummaryDTO {
	return AccrualSummaryDTO{
		AsOf:      asOf.String(),
		Examined:  s.Examined,
		Updated:   s.Updated,
		Unchanged: s.Unchanged,
		NoPolicy:  s.NoPolicy,
		Conflicts: s.Conflicts,
		Warnings:  s.Warnings,
	}
}

func toCycleSummaryDTO(s CycleSummary) CycleSummaryDTO {
	dto := CycleSummaryDTO{
		RunID:               s.RunID,
		AsOf:                s.AsOf.String(),
		Trigger:             s.Trigger,
		SchedulesDue:        s.SchedulesDue,
		SchedulesSucceeded:  s.SchedulesSucceeded,
		SchedulesFailed:     s.SchedulesFailed,
		SchedulesBusy:       s.SchedulesBusy,
		QuotasCreated:       s.QuotasCreated,
		QuotasMarkedOverdue: s.QuotasMarkedOverdue,
		Interest:            toAccrualSummaryDTO(s.AsOf, s.Interest),
		Outcomes:            make([]ScheduleOutcomeDTO, 0, len(s.Outcomes)),
	}
	for _, o := range s.Outcomes {
		dto.Outcomes = append(dto.Outcomes, ScheduleOutcomeDTO{
			ScheduleID:    string(o.ScheduleID),
			Period:        o.Period.String(),
			Status:        string(o.Status),
			QuotasCreated: o.QuotasCreated,
			Busy:          o.Busy,
			Error:         o.Error,
		})
	}
	return dto
}

func toCycleRunDTO(r sqlite.CycleRun) CycleRunDTO {
	return CycleRunDTO{
		ID:                  r.ID,
		AsOf:                r.AsOf.String(),
		Trigger:             r.Trigger,
		Status:              r.Status,
		SchedulesDue:        r.SchedulesDue,
		SchedulesSucceeded:  r.SchedulesSucceeded,
		SchedulesFailed:     r.SchedulesFailed,
		QuotasCreated:       r.QuotasCreated,
		QuotasMarkedOverdue: r.QuotasMarkedOverdue,
		InterestUpdated:     r.InterestUpdated,
		Error:               r.Error,
		StartedAt:           timestamp(r.StartedAt),
		CompletedAt:         optionalTimestamp(r.CompletedAt),
	}
}
