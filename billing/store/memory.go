// Package store provides in-memory billing.TxStore for tests and local runs.
package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/condo/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	data
}

type data struct {
	schedules   map[billing.ScheduleID]billing.BillingSchedule
	rules       map[billing.RuleID]billing.BillingRule
	formulas    map[billing.FormulaID]billing.Formula
	interest    map[billing.InterestConfigID]billing.InterestConfiguration
	units       map[billing.UnitID]billing.Unit
	quotas      map[billing.QuotaID]billing.Quota
	quotaKeys   map[billing.QuotaKey]billing.QuotaID
	adjustments []billing.QuotaAdjustment
	logs        []billing.GenerationLog
}

func NewMemory() *Memory {
	return &Memory{data: data{
		schedules: make(map[billing.ScheduleID]billing.BillingSchedule),
		rules:     make(map[billing.RuleID]billing.BillingRule),
		formulas:  make(map[billing.FormulaID]billing.Formula),
		interest:  make(map[billing.InterestConfigID]billing.InterestConfiguration),
		units:     make(map[billing.UnitID]billing.Unit),
		quotas:    make(map[billing.QuotaID]billing.Quota),
		quotaKeys: make(map[billing.QuotaKey]billing.QuotaID),
	}}
}

// =============================================================================
// CONFIGURATION WRITES - Upserts used by the API and tests
// =============================================================================

func (m *Memory) SaveSchedule(_ context.Context, s billing.BillingSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s
	return nil
}

func (m *Memory) SaveRule(_ context.Context, r billing.BillingRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r
	return nil
}

func (m *Memory) SaveFormula(_ context.Context, f billing.Formula) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.formulas[f.ID] = f
	return nil
}

func (m *Memory) SaveInterestConfiguration(_ context.Context, c billing.InterestConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interest[c.ID] = c
	return nil
}

func (m *Memory) SaveUnit(_ context.Context, u billing.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ID] = u
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetSchedule(_ context.Context, id billing.ScheduleID) (*billing.BillingSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, billing.ErrScheduleNotFound
	}
	return &s, nil
}

func (m *Memory) ListSchedules(_ context.Context) ([]billing.BillingSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Collect(maps.Values(m.schedules))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListRules(_ context.Context, condominiumID billing.CondominiumID, conceptID billing.ConceptID) ([]billing.BillingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.BillingRule
	for _, r := range m.rules {
		if r.Scope.CondominiumID == condominiumID && (conceptID == "" || r.PaymentConceptID == conceptID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetFormula(_ context.Context, id billing.FormulaID) (*billing.Formula, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.formulas[id]
	if !ok {
		return nil, billing.ErrFormulaNotFound
	}
	return &f, nil
}

// ListFormulas returns the formulas of a condominium (all when empty).
func (m *Memory) ListFormulas(_ context.Context, condominiumID billing.CondominiumID) ([]billing.Formula, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Formula
	for _, f := range m.formulas {
		if condominiumID == "" || f.CondominiumID == condominiumID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) IsFormulaInUse(_ context.Context, id billing.FormulaID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.quotas {
		if q.FormulaID == id {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListInterestConfigurations(_ context.Context, condominiumID billing.CondominiumID) ([]billing.InterestConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.InterestConfiguration
	for _, c := range m.interest {
		if c.Scope.CondominiumID == condominiumID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListActiveUnits(_ context.Context, scope billing.Scope) ([]billing.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Unit
	for _, u := range m.units {
		if u.IsActive && scope.Covers(u.Scope()) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetQuota(_ context.Context, id billing.QuotaID) (*billing.Quota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getQuotaLocked(id)
}

func (m *Memory) ListQuotas(_ context.Context, filter billing.QuotaFilter) ([]billing.Quota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Quota
	for _, q := range m.quotas {
		if filter.Matches(q) {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[i].Period.Before(out[j].Period)
		}
		if out[i].UnitID != out[j].UnitID {
			return out[i].UnitID < out[j].UnitID
		}
		return out[i].PaymentConceptID < out[j].PaymentConceptID
	})
	return out, nil
}

func (m *Memory) QuotaUnitsForPeriod(_ context.Context, condominiumID billing.CondominiumID, conceptID billing.ConceptID, period billing.Period) (map[billing.UnitID]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quotaUnitsLocked(condominiumID, conceptID, period), nil
}

func (m *Memory) ListGenerationLogs(_ context.Context, scheduleID billing.ScheduleID) ([]billing.GenerationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.GenerationLog
	for _, l := range m.logs {
		if scheduleID == "" || l.ScheduleID == scheduleID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Memory) ListAdjustments(_ context.Context, quotaID billing.QuotaID) ([]billing.QuotaAdjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.QuotaAdjustment
	for _, a := range m.adjustments {
		if a.QuotaID == quotaID {
			out = append(out, a)
		}
	}
	return out, nil
}

// =============================================================================
// SINGLE-STATEMENT WRITES
// =============================================================================

func (m *Memory) MarkOverdue(_ context.Context, asOf billing.Date, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, q := range m.quotas {
		if q.Status == billing.QuotaPending && q.DueDate.Before(asOf) {
			q.Status = billing.QuotaOverdue
			q.UpdatedAt = at
			q.Version++
			m.quotas[id] = q
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendGenerationLog(_ context.Context, log billing.GenerationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Writer) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&memoryWriter{m: m}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (d data) clone() data {
	return data{
		schedules:   maps.Clone(d.schedules),
		rules:       maps.Clone(d.rules),
		formulas:    maps.Clone(d.formulas),
		interest:    maps.Clone(d.interest),
		units:       maps.Clone(d.units),
		quotas:      maps.Clone(d.quotas),
		quotaKeys:   maps.Clone(d.quotaKeys),
		adjustments: slices.Clone(d.adjustments),
		logs:        slices.Clone(d.logs),
	}
}

// memoryWriter runs with m.mu already held by WithTx.
type memoryWriter struct {
	m *Memory
}

func (w *memoryWriter) QuotaUnitsForPeriod(_ context.Context, condominiumID billing.CondominiumID, conceptID billing.ConceptID, period billing.Period) (map[billing.UnitID]bool, error) {
	return w.m.quotaUnitsLocked(condominiumID, conceptID, period), nil
}

func (w *memoryWriter) GetQuota(_ context.Context, id billing.QuotaID) (*billing.Quota, error) {
	return w.m.getQuotaLocked(id)
}

func (w *memoryWriter) InsertQuotas(_ context.Context, quotas []billing.Quota) error {
	seen := make(map[billing.QuotaKey]bool, len(quotas))
	for _, q := range quotas {
		k := q.Key()
		if _, exists := w.m.quotaKeys[k]; exists || seen[k] {
			return billing.ErrDuplicateQuota
		}
		seen[k] = true
	}
	for _, q := range quotas {
		w.m.quotas[q.ID] = q
		w.m.quotaKeys[q.Key()] = q.ID
	}
	return nil
}

func (w *memoryWriter) UpdateQuota(_ context.Context, q billing.Quota) error {
	stored, ok := w.m.quotas[q.ID]
	if !ok {
		return billing.ErrQuotaNotFound
	}
	if stored.Version != q.Version {
		return billing.ErrConcurrentModification
	}
	q.Version++
	w.m.quotas[q.ID] = q
	return nil
}

func (w *memoryWriter) AppendAdjustment(_ context.Context, adj billing.QuotaAdjustment) error {
	w.m.adjustments = append(w.m.adjustments, adj)
	return nil
}

func (w *memoryWriter) AppendGenerationLog(_ context.Context, log billing.GenerationLog) error {
	w.m.logs = append(w.m.logs, log)
	return nil
}

func (w *memoryWriter) UpdateScheduleBookkeeping(_ context.Context, id billing.ScheduleID, b billing.Bookkeeping) error {
	s, ok := w.m.schedules[id]
	if !ok {
		return billing.ErrScheduleNotFound
	}
	b.Apply(&s)
	w.m.schedules[id] = s
	return nil
}

// =============================================================================
// HELPERS - Callers hold m.mu
// =============================================================================

func (m *Memory) getQuotaLocked(id billing.QuotaID) (*billing.Quota, error) {
	q, ok := m.quotas[id]
	if !ok {
		return nil, billing.ErrQuotaNotFound
	}
	return &q, nil
}

func (m *Memory) quotaUnitsLocked(condominiumID billing.CondominiumID, conceptID billing.ConceptID, period billing.Period) map[billing.UnitID]bool {
	out := make(map[billing.UnitID]bool)
	for _, q := range m.quotas {
		if q.Scope.CondominiumID == condominiumID && q.PaymentConceptID == conceptID && q.Period == period {
			out[q.UnitID] = true
		}
	}
	return out
}
