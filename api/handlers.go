/*
handlers.go - HTTP request handlers for the billing admin API

PURPOSE:
  Implements the REST endpoints administrators and the condominium UI use
  to configure billing and inspect its results. Each handler:
  1. Parses the request (URL params, query, body)
  2. Validates input
  3. Calls the billing engine (resolver, generator, adjuster, sweeper)
  4. Serializes the response
  5. Maps errors to HTTP status

ENDPOINT GROUPS:
  Units:              GET/POST /api/units
  Formulas:           GET/POST /api/formulas, GET/PUT /api/formulas/{id}
  Billing rules:      GET/POST /api/rules, GET /api/rules/effective
  Interest policies:  GET/POST /api/interest-configurations
  Schedules:          GET/POST /api/schedules, GET /api/schedules/due,
                      GET /api/schedules/{id},
                      POST /api/schedules/{id}/generate,
                      GET /api/schedules/{id}/logs
  Quotas:             GET /api/quotas, GET /api/quotas/{id},
                      GET/POST /api/quotas/{id}/adjustments
  Admin:              POST /api/admin/sweep, POST /api/admin/accrue-interest,
                      POST /api/admin/run-cycle, GET /api/admin/cycle-runs

ERROR HANDLING:
  Errors are returned as ErrorResponse{code, message, details}:
  - 400 VALIDATION_ERROR / BAD_REQUEST: invalid input
  - 404 NOT_FOUND: schedule, formula or quota missing
  - 409 CONFLICT: formula in use, stale version, schedule already running
  - 422 INACTIVE: schedule or formula inactive
  - 500 INTERNAL_ERROR: everything else (logged, not echoed)

ACTOR:
  The X-User-ID header names the administrator for audit fields
  (createdBy, generatedBy, adjustment author). Without it the configured
  system user is recorded.

SECURITY NOTE:
  No authentication or authorization here. The API is expected to sit
  behind the platform gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error envelope and validation helpers
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/condo/billing-engine/billing"
	"github.com/condo/billing-engine/factory"
	"github.com/condo/billing-engine/lock"
	"github.com/condo/billing-engine/metrics"
	"github.com/condo/billing-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Options configures the engine components the handler builds.
type Options struct {
	CronSpec          string
	GenerationWorkers int
	EvaluationWorkers int
	ScheduleTimeout   time.Duration
	LockTTL           time.Duration
	SystemUser        string

	Logger  *slog.Logger
	Metrics *metrics.Metrics // nil disables instrumentation
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.CronSpec == "" {
		o.CronSpec = "@every 1h"
	}
	if o.GenerationWorkers < 1 {
		o.GenerationWorkers = 4
	}
	if o.EvaluationWorkers < 1 {
		o.EvaluationWorkers = billing.DefaultEvaluationWorkers
	}
	if o.ScheduleTimeout <= 0 {
		o.ScheduleTimeout = 5 * time.Minute
	}
	if o.LockTTL < o.ScheduleTimeout {
		o.LockTTL = 2 * o.ScheduleTimeout
	}
	if o.SystemUser == "" {
		o.SystemUser = "system"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) recorder() billing.Recorder {
	if o.Metrics == nil {
		return billing.NopRecorder{}
	}
	return o.Metrics
}

func (o Options) cycleRecorder() CycleRecorder {
	if o.Metrics == nil {
		return nopCycleRecorder{}
	}
	return o.Metrics
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store          *sqlite.Store
	FormulaFactory *factory.FormulaFactory
	Generator      *billing.Generator
	Sweeper        *billing.Sweeper
	Accruer        *billing.InterestAccruer
	Adjuster       *billing.Adjuster
	Scheduler      *GenerationScheduler
	Validate       *validator.Validate
	Logger         *slog.Logger

	systemUser string
	now        func() time.Time

	// Track currently loaded scenario
	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler wires the billing engine on top of store. The scheduler is
// built but not started.
func NewHandler(store *sqlite.Store, locker lock.Locker, opts Options) *Handler {
	opts = opts.withDefaults()
	rec := opts.recorder()

	h := &Handler{
		Store:          store,
		FormulaFactory: &factory.FormulaFactory{Now: opts.Now},
		Generator: &billing.Generator{
			Store:   store,
			Logger:  opts.Logger.With(slog.String("component", "generator")),
			Metrics: rec,
			Workers: opts.EvaluationWorkers,
			Now:     opts.Now,
		},
		Sweeper: &billing.Sweeper{
			Store:   store,
			Logger:  opts.Logger.With(slog.String("component", "sweeper")),
			Metrics: rec,
			Now:     opts.Now,
		},
		Accruer: &billing.InterestAccruer{
			Store:   store,
			Logger:  opts.Logger.With(slog.String("component", "interest")),
			Metrics: rec,
			Now:     opts.Now,
		},
		Adjuster: &billing.Adjuster{
			Store:  store,
			Logger: opts.Logger.With(slog.String("component", "adjuster")),
			Now:    opts.Now,
		},
		Validate:   newValidator(),
		Logger:     opts.Logger,
		systemUser: opts.SystemUser,
		now:        opts.Now,
	}
	h.Scheduler = NewGenerationScheduler(h, locker, opts)
	return h
}

func (h *Handler) actor(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return h.systemUser
}

func (h *Handler) today() billing.Date {
	return billing.DateOf(h.now())
}

// asOfParam parses an optional YYYY-MM-DD value, defaulting to today.
func (h *Handler) asOfParam(value string) (billing.Date, error) {
	if value == "" {
		return h.today(), nil
	}
	d, err := billing.ParseDate(value)
	if err != nil {
		return billing.Date{}, fmt.Errorf("%w: %v", billing.ErrInvalidInput, err)
	}
	return d, nil
}

func requireQuery(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		writeError(w, http.StatusBadRequest, CodeValidationError, name+" query parameter is required",
			map[string]string{name: "is required"})
		return "", false
	}
	return v, true
}

func parseWindow(from string, to *string) (billing.Date, *billing.Date, error) {
	start, err := billing.ParseDate(from)
	if err != nil {
		return billing.Date{}, nil, fmt.Errorf("%w: effective_from: %v", billing.ErrInvalidInput, err)
	}
	if to == nil || *to == "" {
		return start, nil, nil
	}
	end, err := billing.ParseDate(*to)
	if err != nil {
		return billing.Date{}, nil, fmt.Errorf("%w: effective_to: %v", billing.ErrInvalidInput, err)
	}
	if end.Before(start) {
		return billing.Date{}, nil, fmt.Errorf("%w: effective_to is before effective_from", billing.ErrInvalidInput)
	}
	return start, &end, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// =============================================================================
// UNIT HANDLERS
// =============================================================================

// ListUnits returns the units of a condominium, inactive ones included.
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	condo, ok := requireQuery(w, r, "condominium_id")
	if !ok {
		return
	}
	units, err := h.Store.ListUnits(r.Context(), billing.CondominiumID(condo))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]UnitDTO, 0, len(units))
	for _, u := range units {
		dtos = append(dtos, toUnitDTO(u))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveUnit upserts a unit. Units are owned by the property services; this
// endpoint exists for seeding and tests.
func (h *Handler) SaveUnit(w http.ResponseWriter, r *http.Request) {
	var req CreateUnitRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if (req.AreaM2 != nil && req.AreaM2.IsNegative()) ||
		(req.AliquotPercentage != nil && req.AliquotPercentage.IsNegative()) {
		writeError(w, http.StatusBadRequest, CodeValidationError, "area_m2 and aliquot_percentage cannot be negative", nil)
		return
	}

	unit := billing.Unit{
		ID:                billing.UnitID(req.ID),
		CondominiumID:     billing.CondominiumID(req.CondominiumID),
		BuildingID:        billing.BuildingID(req.BuildingID),
		UnitNumber:        req.UnitNumber,
		Floor:             req.Floor,
		AreaM2:            req.AreaM2,
		ParkingSpaces:     req.ParkingSpaces,
		AliquotPercentage: req.AliquotPercentage,
		IsActive:          boolOr(req.IsActive, true),
	}
	if err := h.Store.SaveUnit(r.Context(), unit); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUnitDTO(unit))
}

// =============================================================================
// FORMULA HANDLERS
// =============================================================================

func (h *Handler) toFormulaDTO(f billing.Formula) FormulaDTO {
	return FormulaDTO{
		FormulaJSON: h.FormulaFactory.ToJSON(f),
		CreatedBy:   f.CreatedBy,
		UpdatedBy:   f.UpdatedBy,
		CreatedAt:   timestamp(f.CreatedAt),
		UpdatedAt:   timestamp(f.UpdatedAt),
	}
}

// ListFormulas returns formulas, optionally filtered by condominium_id.
func (h *Handler) ListFormulas(w http.ResponseWriter, r *http.Request) {
	formulas, err := h.Store.ListFormulas(r.Context(), billing.CondominiumID(r.URL.Query().Get("condominium_id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]FormulaDTO, 0, len(formulas))
	for _, f := range formulas {
		dtos = append(dtos, h.toFormulaDTO(f))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetFormula returns a single formula.
func (h *Handler) GetFormula(w http.ResponseWriter, r *http.Request) {
	f, err := h.Store.GetFormula(r.Context(), billing.FormulaID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toFormulaDTO(*f))
}

// CreateFormula validates the JSON definition and stores it.
func (h *Handler) CreateFormula(w http.ResponseWriter, r *http.Request) {
	var fj factory.FormulaJSON
	if err := json.NewDecoder(r.Body).Decode(&fj); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("invalid request body: %v", err), nil)
		return
	}

	formula, err := h.FormulaFactory.FromJSON(fj)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := h.FormulaFactory.Create(r.Context(), h.Store, formula, h.actor(r)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toFormulaDTO(*formula))
}

// UpdateFormula edits a formula. update_reason is required; a formula
// referenced by generated quotas only accepts cosmetic changes.
func (h *Handler) UpdateFormula(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var fj factory.FormulaJSON
	if err := json.NewDecoder(r.Body).Decode(&fj); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("invalid request body: %v", err), nil)
		return
	}
	if fj.ID != "" && fj.ID != id {
		writeError(w, http.StatusBadRequest, CodeValidationError, "body id does not match path", nil)
		return
	}
	fj.ID = id

	current, err := h.Store.GetFormula(r.Context(), billing.FormulaID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if fj.CondominiumID == "" {
		fj.CondominiumID = string(current.CondominiumID)
	}

	next, err := h.FormulaFactory.FromJSON(fj)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	updated, err := h.FormulaFactory.Update(r.Context(), h.Store, *next, h.actor(r), fj.UpdateReason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toFormulaDTO(*updated))
}

// =============================================================================
// BILLING RULE HANDLERS
// =============================================================================

// ListRules returns the rules of a condominium, optionally for one concept.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	condo, ok := requireQuery(w, r, "condominium_id")
	if !ok {
		return
	}
	concept := billing.ConceptID(r.URL.Query().Get("payment_concept_id"))

	rules, err := h.Store.ListRules(r.Context(), billing.CondominiumID(condo), concept)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]RuleDTO, 0, len(rules))
	for _, rule := range rules {
		dtos = append(dtos, toRuleDTO(rule))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveRule creates a rule, or replaces it when the id already exists
// (closing a window by setting effective_to is the common case).
func (h *Handler) SaveRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	from, to, err := parseWindow(req.EffectiveFrom, req.EffectiveTo)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	formula, err := h.Store.GetFormula(ctx, billing.FormulaID(req.FormulaID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if string(formula.CondominiumID) != req.CondominiumID {
		h.writeDomainError(w, r, fmt.Errorf("%w: formula %s belongs to another condominium", billing.ErrInvalidInput, formula.ID))
		return
	}

	rule := billing.BillingRule{
		ID:               billing.RuleID(req.ID),
		Name:             req.Name,
		Scope:            billing.Scope{CondominiumID: billing.CondominiumID(req.CondominiumID), BuildingID: billing.BuildingID(req.BuildingID)},
		PaymentConceptID: billing.ConceptID(req.PaymentConceptID),
		FormulaID:        formula.ID,
		EffectiveFrom:    from,
		EffectiveTo:      to,
		IsActive:         boolOr(req.IsActive, true),
		CreatedBy:        h.actor(r),
		CreatedAt:        h.now().UTC(),
	}
	if rule.ID == "" {
		rule.ID = billing.RuleID(uuid.NewString())
	}
	if err := h.Store.SaveRule(ctx, rule); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(rule))
}

// GetEffectiveRule resolves the rule billing a concept for a scope on a date.
// Query: condominium_id, payment_concept_id (required), building_id, date.
func (h *Handler) GetEffectiveRule(w http.ResponseWriter, r *http.Request) {
	condo, ok := requireQuery(w, r, "condominium_id")
	if !ok {
		return
	}
	concept, ok := requireQuery(w, r, "payment_concept_id")
	if !ok {
		return
	}
	date, err := h.asOfParam(r.URL.Query().Get("date"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	scope := billing.Scope{
		CondominiumID: billing.CondominiumID(condo),
		BuildingID:    billing.BuildingID(r.URL.Query().Get("building_id")),
	}

	rules, err := h.Store.ListRules(r.Context(), scope.CondominiumID, billing.ConceptID(concept))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	res := billing.ResolveRule(rules, scope, billing.ConceptID(concept), date)

	dto := EffectiveRuleDTO{Date: date.String()}
	if res.Rule != nil {
		rule := toRuleDTO(*res.Rule)
		dto.Rule = &rule
	}
	for _, c := range res.Conflicts {
		dto.Conflicts = append(dto.Conflicts, toRuleDTO(c))
	}
	if warning := res.Warning(date); warning != nil {
		dto.Warning = warning.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// INTEREST CONFIGURATION HANDLERS
// =============================================================================

// ListInterestConfigurations returns the policies of a condominium.
func (h *Handler) ListInterestConfigurations(w http.ResponseWriter, r *http.Request) {
	condo, ok := requireQuery(w, r, "condominium_id")
	if !ok {
		return
	}
	configs, err := h.Store.ListInterestConfigurations(r.Context(), billing.CondominiumID(condo))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]InterestConfigDTO, 0, len(configs))
	for _, c := range configs {
		dtos = append(dtos, toInterestConfigDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveInterestConfiguration creates or replaces a late-payment policy.
func (h *Handler) SaveInterestConfiguration(w http.ResponseWriter, r *http.Request) {
	var req CreateInterestConfigRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	from, to, err := parseWindow(req.EffectiveFrom, req.EffectiveTo)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	cfg := billing.InterestConfiguration{
		ID:                billing.InterestConfigID(req.ID),
		Name:              req.Name,
		Scope:             billing.Scope{CondominiumID: billing.CondominiumID(req.CondominiumID), BuildingID: billing.BuildingID(req.BuildingID)},
		PaymentConceptID:  billing.ConceptID(req.PaymentConceptID),
		InterestType:      billing.InterestType(req.InterestType),
		InterestRate:      req.InterestRate,
		FixedAmount:       req.FixedAmount,
		CalculationPeriod: billing.CalculationPeriod(req.CalculationPeriod),
		GracePeriodDays:   req.GracePeriodDays,
		EffectiveFrom:     from,
		EffectiveTo:       to,
		IsActive:          boolOr(req.IsActive, true),
		CreatedAt:         h.now().UTC(),
	}
	if err := validateInterest(cfg); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if cfg.ID == "" {
		cfg.ID = billing.InterestConfigID(uuid.NewString())
	}
	if err := h.Store.SaveInterestConfiguration(r.Context(), cfg); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInterestConfigDTO(cfg))
}

func validateInterest(c billing.InterestConfiguration) error {
	switch c.InterestType {
	case billing.InterestSimple, billing.InterestCompound:
		if c.InterestRate == nil || c.InterestRate.IsNegative() {
			return fmt.Errorf("%w: %s interest needs a non-negative interest_rate", billing.ErrInvalidInput, c.InterestType)
		}
	case billing.InterestFixedAmount:
		if c.FixedAmount == nil || c.FixedAmount.IsNegative() {
			return fmt.Errorf("%w: fixed_amount interest needs a non-negative fixed_amount", billing.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown interest type %q", billing.ErrInvalidInput, c.InterestType)
	}
	return nil
}

// =============================================================================
// SCHEDULE HANDLERS
// =============================================================================

// ListSchedules returns every schedule.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.Store.ListSchedules(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTOs(schedules))
}

// ListDueSchedules returns the schedules the next cycle would run.
// Query: as_of (default today).
func (h *Handler) ListDueSchedules(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOfParam(r.URL.Query().Get("as_of"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	due, err := billing.FindDueSchedules(r.Context(), h.Store, asOf)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTOs(due))
}

func toScheduleDTOs(schedules []billing.BillingSchedule) []ScheduleDTO {
	dtos := make([]ScheduleDTO, 0, len(schedules))
	for _, s := range schedules {
		dtos = append(dtos, toScheduleDTO(s))
	}
	return dtos
}

// GetSchedule returns a single schedule with its bookkeeping fields.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := h.Store.GetSchedule(r.Context(), billing.ScheduleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTO(*s))
}

// SaveSchedule creates a schedule or edits its definition. Bookkeeping
// fields of an existing schedule are never overwritten here.
func (h *Handler) SaveSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	freq := billing.FrequencyType(req.FrequencyType)
	if freq != billing.FrequencyCustomDays && req.GenerationDay > 31 {
		writeError(w, http.StatusBadRequest, CodeValidationError, "validation failed",
			map[string]string{"generation_day": "must be at most 31"})
		return
	}

	s := billing.BillingSchedule{
		ID:               billing.ScheduleID(req.ID),
		Name:             req.Name,
		Scope:            billing.Scope{CondominiumID: billing.CondominiumID(req.CondominiumID), BuildingID: billing.BuildingID(req.BuildingID)},
		PaymentConceptID: billing.ConceptID(req.PaymentConceptID),
		FrequencyType:    freq,
		GenerationDay:    req.GenerationDay,
		PeriodsInAdvance: req.PeriodsInAdvance,
		IssueDay:         req.IssueDay,
		DueDay:           req.DueDay,
		IsActive:         boolOr(req.IsActive, true),
		CreatedBy:        h.actor(r),
		CreatedAt:        h.now().UTC(),
	}
	if req.NextGenerationDate != nil && *req.NextGenerationDate != "" {
		next, err := billing.ParseDate(*req.NextGenerationDate)
		if err != nil {
			h.writeDomainError(w, r, fmt.Errorf("%w: %v", billing.ErrInvalidInput, err))
			return
		}
		s.NextGenerationDate = next
	}
	if s.ID == "" {
		s.ID = billing.ScheduleID(uuid.NewString())
	}

	ctx := r.Context()
	if err := h.Store.SaveSchedule(ctx, s); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	stored, err := h.Store.GetSchedule(ctx, s.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toScheduleDTO(*stored))
}

// GenerateSchedule runs generation for one schedule now. The period
// defaults to the schedule's target period for as_of. The schedule is only
// advanced when advance_schedule is true, so backfills of past periods
// leave the recurrence alone.
func (h *Handler) GenerateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.ScheduleID(chi.URLParam(r, "id"))

	var req GenerateRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	asOf, err := h.asOfParam(req.AsOf)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	schedule, err := h.Store.GetSchedule(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	period := billing.TargetPeriod(*schedule, asOf)
	if req.Period != "" {
		if period, err = billing.ParsePeriod(req.Period); err != nil {
			h.writeDomainError(w, r, fmt.Errorf("%w: %v", billing.ErrInvalidInput, err))
			return
		}
	}

	res, err := h.Scheduler.Generate(ctx, billing.GenerateInput{
		ScheduleID:      id,
		Period:          period,
		GeneratedBy:     h.actor(r),
		Method:          billing.MethodManual,
		AsOf:            asOf,
		AdvanceSchedule: req.AdvanceSchedule,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGenerationResultDTO(res))
}

// ListGenerationLogs returns the runs of a schedule, oldest first.
func (h *Handler) ListGenerationLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.ScheduleID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetSchedule(ctx, id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	logs, err := h.Store.ListGenerationLogs(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]GenerationLogDTO, 0, len(logs))
	for _, l := range logs {
		dtos = append(dtos, toGenerationLogDTO(l))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// QUOTA HANDLERS
// =============================================================================

// ListQuotas filters quotas. Query: condominium_id, building_id, unit_id,
// payment_concept_id, period (YYYY-MM), status (comma-separated).
func (h *Handler) ListQuotas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := billing.QuotaFilter{
		CondominiumID:    billing.CondominiumID(q.Get("condominium_id")),
		BuildingID:       billing.BuildingID(q.Get("building_id")),
		UnitID:           billing.UnitID(q.Get("unit_id")),
		PaymentConceptID: billing.ConceptID(q.Get("payment_concept_id")),
	}
	if p := q.Get("period"); p != "" {
		period, err := billing.ParsePeriod(p)
		if err != nil {
			h.writeDomainError(w, r, fmt.Errorf("%w: %v", billing.ErrInvalidInput, err))
			return
		}
		filter.Period = &period
	}
	if s := q.Get("status"); s != "" {
		for _, status := range strings.Split(s, ",") {
			filter.Statuses = append(filter.Statuses, billing.QuotaStatus(strings.TrimSpace(status)))
		}
	}

	quotas, err := h.Store.ListQuotas(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]QuotaDTO, 0, len(quotas))
	for _, quota := range quotas {
		dtos = append(dtos, toQuotaDTO(quota))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetQuota returns a single quota.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	quota, err := h.Store.GetQuota(r.Context(), billing.QuotaID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuotaDTO(*quota))
}

// ListAdjustments returns a quota's adjustment history, oldest first.
func (h *Handler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	adjustments, err := billing.ListAdjustments(r.Context(), h.Store, billing.QuotaID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]AdjustmentDTO, 0, len(adjustments))
	for _, a := range adjustments {
		dtos = append(dtos, toAdjustmentDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAdjustment applies a discount, increase, correction or waiver.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req CreateAdjustmentRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.Adjuster.Apply(r.Context(), billing.AdjustmentInput{
		QuotaID:   billing.QuotaID(chi.URLParam(r, "id")),
		Type:      billing.AdjustmentType(req.Type),
		NewAmount: *req.NewAmount,
		Reason:    req.Reason,
		Actor:     h.actor(r),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AdjustmentResultDTO{
		Adjustment: toAdjustmentDTO(res.Adjustment),
		Quota:      toQuotaDTO(res.Quota),
		Delta:      money(res.Delta()),
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunSweep marks pending quotas past their due date as overdue.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.decodeAsOf(w, r)
	if !ok {
		return
	}
	n, err := h.Sweeper.Sweep(r.Context(), asOf)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResultDTO{AsOf: asOf.String(), MarkedOverdue: n})
}

// RunAccrual recomputes interest on overdue quotas.
func (h *Handler) RunAccrual(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.decodeAsOf(w, r)
	if !ok {
		return
	}
	summary, err := h.Accruer.Accrue(r.Context(), asOf)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccrualSummaryDTO(asOf, summary))
}

// RunCycle runs a full cron cycle now: due schedules, sweep, accrual.
func (h *Handler) RunCycle(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.decodeAsOf(w, r)
	if !ok {
		return
	}
	// The cycle is recorded even if the client goes away.
	summary, err := h.Scheduler.RunOnce(context.WithoutCancel(r.Context()), asOf, TriggerManual)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleSummaryDTO(summary))
}

// ListCycleRuns returns recent cycle runs, newest first. Query: limit.
func (h *Handler) ListCycleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, CodeValidationError, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListCycleRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]CycleRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toCycleRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":     dtos,
		"next_run": timestamp(h.Scheduler.NextRun()),
	})
}

func (h *Handler) decodeAsOf(w http.ResponseWriter, r *http.Request) (billing.Date, bool) {
	var req AsOfRequest
	if !h.decodeAndValidate(w, r, &req) {
		return billing.Date{}, false
	}
	asOf, err := h.asOfParam(req.AsOf)
	if err != nil {
		h.writeDomainError(w, r, err)
		return billing.Date{}, false
	}
	return asOf, true
}

// Health pings the database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternalError, "database unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
