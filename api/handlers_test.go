/*
handlers_test.go - HTTP tests for the billing admin API

Tests for:
- Formula, unit, rule and schedule configuration
- Manual generation, error mapping and the per-schedule lock
- Quota adjustments
- Admin sweep and interest accrual
- Rule resolution and the metrics endpoint
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condo/billing-engine/billing"
	"github.com/condo/billing-engine/lock"
	"github.com/condo/billing-engine/logging"
	"github.com/condo/billing-engine/metrics"
	"github.com/condo/billing-engine/store/sqlite"
)

func fixedNow() time.Time { return time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC) }

type testServer struct {
	h      *Handler
	router *chi.Mux
	locker *lock.Local
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	locker := lock.NewLocal()
	h := NewHandler(store, locker, Options{
		Logger:          logging.Discard(),
		Now:             fixedNow,
		ScheduleTimeout: time.Minute,
	})
	router := NewRouter(h, RouterOptions{Metrics: metrics.New("test")})
	return &testServer{h: h, router: router, locker: locker}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "admin-1")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seedFixedFee configures condo-1 with three units billed a fixed 100.00
// through a monthly schedule one period in advance.
func (s *testServer) seedFixedFee(t *testing.T) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/formulas", map[string]any{
		"id":             "formula-1",
		"condominium_id": "condo-1",
		"name":           "Maintenance",
		"formula_type":   "fixed",
		"fixed_amount":   "100.00",
		"currency_id":    "usd",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	for _, id := range []string{"unit-1", "unit-2", "unit-3"} {
		rec = s.do(t, http.MethodPost, "/api/units", map[string]any{
			"id": id, "condominium_id": "condo-1", "building_id": "tower-a", "unit_number": id,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, "/api/rules", map[string]any{
		"id":                 "rule-1",
		"name":               "Maintenance",
		"condominium_id":     "condo-1",
		"payment_concept_id": "maintenance",
		"formula_id":         "formula-1",
		"effective_from":     "2024-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"id":                   "sched-1",
		"name":                 "Monthly maintenance",
		"condominium_id":       "condo-1",
		"payment_concept_id":   "maintenance",
		"frequency_type":       "monthly",
		"generation_day":       1,
		"periods_in_advance":   1,
		"issue_day":            1,
		"due_day":              15,
		"next_generation_date": "2024-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestGenerateSchedule_CreatesQuotasAndAdvances(t *testing.T) {
	// GIVEN: a monthly schedule, one period in advance, fixed 100.00 for 3 units
	// WHEN: generation is triggered on 2024-01-01 with advance_schedule
	// THEN: February quotas are created and the schedule moves to 2024-02-01

	s := setupTestServer(t)
	s.seedFixedFee(t)

	rec := s.do(t, http.MethodPost, "/api/schedules/sched-1/generate", map[string]any{
		"as_of": "2024-01-01", "advance_schedule": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[GenerationResultDTO](t, rec)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, "2024-02", res.Period)
	assert.Equal(t, 3, res.QuotasCreated)
	assert.Equal(t, "300.00", res.TotalAmount)
	assert.Equal(t, "2024-02-01", res.NextGenerationDate)

	rec = s.do(t, http.MethodGet, "/api/schedules/sched-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sched := decode[ScheduleDTO](t, rec)
	assert.Equal(t, "2024-02", sched.LastGeneratedPeriod)
	assert.Equal(t, "2024-02-01", sched.NextGenerationDate)

	rec = s.do(t, http.MethodGet, "/api/quotas?condominium_id=condo-1&period=2024-02", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	quotas := decode[[]QuotaDTO](t, rec)
	require.Len(t, quotas, 3)
	for _, q := range quotas {
		assert.Equal(t, "100.00", q.BaseAmount)
		assert.Equal(t, "100.00", q.Balance)
		assert.Equal(t, "2024-02-15", q.DueDate)
		assert.Equal(t, "pending", q.Status)
	}

	// Re-running the same period creates nothing new.
	rec = s.do(t, http.MethodPost, "/api/schedules/sched-1/generate", map[string]any{"period": "2024-02"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decode[GenerationResultDTO](t, rec)
	assert.Equal(t, 0, again.QuotasCreated)
	assert.Equal(t, 3, again.QuotasSkipped)
	assert.Empty(t, again.NextGenerationDate, "manual backfill does not advance")

	rec = s.do(t, http.MethodGet, "/api/schedules/sched-1/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[[]GenerationLogDTO](t, rec)
	require.Len(t, logs, 2)
	assert.Equal(t, "admin-1", logs[0].GeneratedBy)
	assert.Equal(t, "manual", logs[0].Method)
	require.NotNil(t, logs[0].FormulaSnapshot)
	assert.Equal(t, billing.FormulaFixed, logs[0].FormulaSnapshot.Type)
}

func TestGenerateSchedule_ErrorMapping(t *testing.T) {
	s := setupTestServer(t)
	s.seedFixedFee(t)

	rec := s.do(t, http.MethodPost, "/api/schedules/missing/generate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/schedules/sched-1/generate", map[string]any{"period": "2024-13"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"id": "sched-off", "name": "Off", "condominium_id": "condo-1", "payment_concept_id": "maintenance",
		"frequency_type": "monthly", "generation_day": 1, "is_active": false,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodPost, "/api/schedules/sched-off/generate", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, CodeInactive, decode[ErrorResponse](t, rec).Code)
}

func TestGenerateSchedule_LockedScheduleIsConflict(t *testing.T) {
	// GIVEN: another run holds the schedule's lock
	// WHEN: a manual generation is triggered
	// THEN: 409 and no quotas are created

	s := setupTestServer(t)
	s.seedFixedFee(t)

	lease, err := s.locker.Obtain(context.Background(), lockKeyPrefix+"sched-1", time.Minute)
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/schedules/sched-1/generate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, lease.Release(context.Background()))
	quotas, err := s.h.Store.ListQuotas(context.Background(), billing.QuotaFilter{CondominiumID: "condo-1"})
	require.NoError(t, err)
	assert.Empty(t, quotas)

	rec = s.do(t, http.MethodPost, "/api/schedules/sched-1/generate", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "lock is free again")
}

func TestSaveRule_Validation(t *testing.T) {
	s := setupTestServer(t)
	s.seedFixedFee(t)

	rec := s.do(t, http.MethodPost, "/api/rules", map[string]any{"condominium_id": "condo-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, CodeValidationError, resp.Code)
	assert.Contains(t, resp.Details, "name")
	assert.Contains(t, resp.Details, "effective_from")
	assert.Contains(t, resp.Details, "formula_id")

	base := map[string]any{
		"name": "r", "condominium_id": "condo-1", "payment_concept_id": "maintenance",
		"formula_id": "formula-1", "effective_from": "2024-03-01", "effective_to": "2024-02-01",
	}
	rec = s.do(t, http.MethodPost, "/api/rules", base)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "window ends before it starts")

	base["effective_to"] = nil
	base["formula_id"] = "nope"
	rec = s.do(t, http.MethodPost, "/api/rules", base)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	base["formula_id"] = "formula-1"
	base["condominium_id"] = "condo-2"
	rec = s.do(t, http.MethodPost, "/api/rules", base)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "formula of another condominium")

	rec = s.do(t, http.MethodPost, "/api/rules", `{"name": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeBadRequest, decode[ErrorResponse](t, rec).Code)
}

func TestUpdateFormula_InUseOnlyAcceptsCosmeticChanges(t *testing.T) {
	s := setupTestServer(t)
	s.seedFixedFee(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/schedules/sched-1/generate", nil).Code)

	update := map[string]any{
		"name": "Maintenance", "formula_type": "fixed", "fixed_amount": "120.00",
		"currency_id": "usd", "update_reason": "budget 2024",
	}
	rec := s.do(t, http.MethodPut, "/api/formulas/formula-1", update)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	update["fixed_amount"] = "100.00"
	update["name"] = "Monthly maintenance"
	rec = s.do(t, http.MethodPut, "/api/formulas/formula-1", update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	f := decode[FormulaDTO](t, rec)
	assert.Equal(t, "Monthly maintenance", f.Name)
	assert.Equal(t, "admin-1", f.UpdatedBy)

	delete(update, "update_reason")
	rec = s.do(t, http.MethodPut, "/api/formulas/formula-1", update)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = s.do(t, http.MethodPut, "/api/formulas/missing", update)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateFormula_Rejections(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/formulas", map[string]any{
		"condominium_id": "condo-1", "name": "Bad", "formula_type": "expression", "expression": "rent * 2",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidationError, decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/formulas?condominium_id=condo-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]FormulaDTO](t, rec))
}

func TestAdjustments_DiscountAndWaiver(t *testing.T) {
	s := setupTestServer(t)
	s.seedFixedFee(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/schedules/sched-1/generate", nil).Code)

	quotas := decode[[]QuotaDTO](t, s.do(t, http.MethodGet, "/api/quotas?unit_id=unit-1", nil))
	require.Len(t, quotas, 1)
	path := "/api/quotas/" + quotas[0].ID + "/adjustments"

	rec := s.do(t, http.MethodPost, path, map[string]any{
		"adjustment_type": "discount", "new_amount": "80", "reason": "early payment agreement",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[AdjustmentResultDTO](t, rec)
	assert.Equal(t, "-20.00", res.Delta)
	assert.Equal(t, "100.00", res.Adjustment.PreviousAmount)
	assert.Equal(t, "80.00", res.Quota.Balance)
	assert.Equal(t, "admin-1", res.Adjustment.CreatedBy)

	rec = s.do(t, http.MethodPost, path, map[string]any{
		"adjustment_type": "waiver", "new_amount": "50", "reason": "hardship",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "waiver must set 0")

	rec = s.do(t, http.MethodPost, path, map[string]any{"adjustment_type": "refund", "new_amount": "1", "reason": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "adjustment_type")

	rec = s.do(t, http.MethodPost, path, map[string]any{"adjustment_type": "waiver", "new_amount": "0", "reason": "hardship"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[AdjustmentResultDTO](t, rec).Quota.Status)

	rec = s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]AdjustmentDTO](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, "discount", history[0].Type)
	assert.Equal(t, "waiver", history[1].Type)

	rec = s.do(t, http.MethodPost, "/api/quotas/missing/adjustments", map[string]any{
		"adjustment_type": "discount", "new_amount": "1", "reason": "x",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_SweepThenAccrue(t *testing.T) {
	// GIVEN: January quotas due 2024-01-15 and a 2% monthly simple policy
	//        with 5 days of grace
	// WHEN: the sweep runs on 2024-01-16, twice, then accrual on 2024-03-01
	// THEN: 3 quotas go overdue once, each accrues one period (2.00)

	s := setupTestServer(t)
	s.seedFixedFee(t)
	rec := s.do(t, http.MethodPost, "/api/schedules/sched-1/generate", map[string]any{"period": "2024-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/interest-configurations", map[string]any{
		"name": "Late fee", "condominium_id": "condo-1", "interest_type": "simple",
		"interest_rate": "0.02", "calculation_period": "monthly", "grace_period_days": 5,
		"effective_from": "2024-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/admin/sweep", map[string]any{"as_of": "2024-01-16"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[SweepResultDTO](t, rec).MarkedOverdue)

	rec = s.do(t, http.MethodPost, "/api/admin/sweep", map[string]any{"as_of": "2024-01-16"})
	assert.Equal(t, 0, decode[SweepResultDTO](t, rec).MarkedOverdue)

	rec = s.do(t, http.MethodPost, "/api/admin/accrue-interest", map[string]any{"as_of": "2024-03-01"})
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[AccrualSummaryDTO](t, rec)
	assert.Equal(t, 3, summary.Examined)
	assert.Equal(t, 3, summary.Updated)

	quotas := decode[[]QuotaDTO](t, s.do(t, http.MethodGet, "/api/quotas?status=overdue", nil))
	require.Len(t, quotas, 3)
	for _, q := range quotas {
		assert.Equal(t, "2.00", q.InterestAmount)
		assert.Equal(t, "102.00", q.Balance)
	}

	rec = s.do(t, http.MethodPost, "/api/admin/accrue-interest", map[string]any{"as_of": "2024-03-01"})
	assert.Equal(t, 3, decode[AccrualSummaryDTO](t, rec).Unchanged, "interest never decreases or repeats")
}

func TestSaveInterestConfiguration_RequiresMatchingAmount(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/interest-configurations", map[string]any{
		"name": "Late fee", "condominium_id": "condo-1", "interest_type": "fixed_amount",
		"interest_rate": "0.02", "calculation_period": "monthly", "effective_from": "2024-01-01",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/interest-configurations", map[string]any{
		"name": "Late fee", "condominium_id": "condo-1", "interest_type": "weekly",
		"calculation_period": "monthly", "effective_from": "2024-01-01",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Details, "interest_type")
}

func TestGetEffectiveRule_BuildingBeatsCondominium(t *testing.T) {
	s := setupTestServer(t)
	s.seedFixedFee(t)

	rec := s.do(t, http.MethodPost, "/api/formulas", map[string]any{
		"id": "formula-b", "condominium_id": "condo-1", "name": "Tower B",
		"formula_type": "fixed", "fixed_amount": "120", "currency_id": "usd",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/rules", map[string]any{
		"id": "rule-b", "name": "Tower B", "condominium_id": "condo-1", "building_id": "tower-b",
		"payment_concept_id": "maintenance", "formula_id": "formula-b", "effective_from": "2024-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet,
		"/api/rules/effective?condominium_id=condo-1&building_id=tower-b&payment_concept_id=maintenance&date=2024-02-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	eff := decode[EffectiveRuleDTO](t, rec)
	require.NotNil(t, eff.Rule)
	assert.Equal(t, "rule-b", eff.Rule.ID)

	rec = s.do(t, http.MethodGet,
		"/api/rules/effective?condominium_id=condo-1&building_id=tower-a&payment_concept_id=maintenance&date=2024-02-01", nil)
	eff = decode[EffectiveRuleDTO](t, rec)
	require.NotNil(t, eff.Rule)
	assert.Equal(t, "rule-1", eff.Rule.ID)

	rec = s.do(t, http.MethodGet,
		"/api/rules/effective?condominium_id=condo-1&payment_concept_id=maintenance&date=2023-12-31", nil)
	assert.Nil(t, decode[EffectiveRuleDTO](t, rec).Rule, "before any rule starts")
}

func TestListEndpoints_RequireCondominium(t *testing.T) {
	s := setupTestServer(t)
	for _, path := range []string{"/api/units", "/api/rules", "/api/interest-configurations"} {
		rec := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestSaveSchedule_KeepsBookkeepingOnEdit(t *testing.T) {
	s := setupTestServer(t)
	s.seedFixedFee(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/schedules/sched-1/generate",
		map[string]any{"advance_schedule": true}).Code)

	rec := s.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"id": "sched-1", "name": "Renamed", "condominium_id": "condo-1", "payment_concept_id": "maintenance",
		"frequency_type": "monthly", "generation_day": 1, "periods_in_advance": 1, "due_day": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sched := decode[ScheduleDTO](t, rec)
	assert.Equal(t, "Renamed", sched.Name)
	assert.Equal(t, 10, sched.DueDay)
	assert.Equal(t, "2024-02", sched.LastGeneratedPeriod)
	assert.Equal(t, "2024-02-01", sched.NextGenerationDate)

	rec = s.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "Bad", "condominium_id": "condo-1", "payment_concept_id": "maintenance",
		"frequency_type": "monthly", "generation_day": 40,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/schedules/due?as_of=2024-02-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	due := decode[[]ScheduleDTO](t, rec)
	require.Len(t, due, 1)
	assert.Equal(t, "sched-1", due[0].ID)
}

func TestMetricsAndHealth(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `test_http_requests_total{method="GET",path="/health",status="200"} 1`),
		rec.Body.String())
}
