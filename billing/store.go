/*
store.go - Persistence boundary for the billing engine

PURPOSE:
  Defines what the engine needs from a data store. Components receive a
  Store (or TxStore) explicitly; there is no global database handle.

KEY INTERFACES:
  Store:    reads plus the writes that are a single conditional statement
            (overdue sweep, failure logs)
  Writer:   writes that must land together, only reachable inside WithTx
  TxStore:  Store + WithTx

QUOTA UNIQUENESS:
  Implementations MUST enforce uniqueness of (unit, concept, year, month)
  across all statuses and return ErrDuplicateQuota on violation. The
  generator re-checks existing quotas inside the transaction, the unique
  constraint is the last line.

OPTIMISTIC VERSIONING:
  UpdateQuota succeeds only if the stored Version equals q.Version, and
  stores q.Version+1. Otherwise it returns ErrConcurrentModification.

IMPLEMENTATIONS:
  - billing/store/memory.go: in-memory, for tests
  - store/sqlite/sqlite.go: SQLite (WAL)

SEE ALSO:
  - generator.go, overdue.go, interest.go, adjustment.go: the callers
*/
package billing

import (
	"context"
	"time"
)

// QuotaFilter narrows ListQuotas. Zero fields match everything.
type QuotaFilter struct {
	CondominiumID    CondominiumID
	BuildingID       BuildingID
	UnitID           UnitID
	PaymentConceptID ConceptID
	Period           *Period
	Statuses         []QuotaStatus
}

// Matches applies the filter in memory.
func (f QuotaFilter) Matches(q Quota) bool {
	if f.CondominiumID != "" && q.Scope.CondominiumID != f.CondominiumID {
		return false
	}
	if f.BuildingID != "" && q.Scope.BuildingID != f.BuildingID {
		return false
	}
	if f.UnitID != "" && q.UnitID != f.UnitID {
		return false
	}
	if f.PaymentConceptID != "" && q.PaymentConceptID != f.PaymentConceptID {
		return false
	}
	if f.Period != nil && q.Period != *f.Period {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if q.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// =============================================================================
// STORE - Reads and single-statement writes
// =============================================================================

type Store interface {
	// GetSchedule returns ErrScheduleNotFound if missing.
	GetSchedule(ctx context.Context, id ScheduleID) (*BillingSchedule, error)

	// ListSchedules returns all schedules, active or not.
	ListSchedules(ctx context.Context) ([]BillingSchedule, error)

	// ListRules returns every rule of the condominium for the concept,
	// building-scoped ones included. Resolution happens in ResolveRule.
	ListRules(ctx context.Context, condominiumID CondominiumID, conceptID ConceptID) ([]BillingRule, error)

	// GetFormula returns ErrFormulaNotFound if missing.
	GetFormula(ctx context.Context, id FormulaID) (*Formula, error)

	// IsFormulaInUse reports whether any quota references the formula.
	IsFormulaInUse(ctx context.Context, id FormulaID) (bool, error)

	ListInterestConfigurations(ctx context.Context, condominiumID CondominiumID) ([]InterestConfiguration, error)

	// ListActiveUnits returns active units covered by scope.
	ListActiveUnits(ctx context.Context, scope Scope) ([]Unit, error)

	// GetQuota returns ErrQuotaNotFound if missing.
	GetQuota(ctx context.Context, id QuotaID) (*Quota, error)
	ListQuotas(ctx context.Context, filter QuotaFilter) ([]Quota, error)

	// QuotaUnitsForPeriod returns the units of the condominium that already
	// hold a quota (any status) for concept+period.
	QuotaUnitsForPeriod(ctx context.Context, condominiumID CondominiumID, conceptID ConceptID, period Period) (map[UnitID]bool, error)

	// MarkOverdue moves pending quotas with dueDate < asOf to overdue in
	// one conditional write, bumping their version. Returns the count.
	MarkOverdue(ctx context.Context, asOf Date, at time.Time) (int, error)

	// AppendGenerationLog is also exposed outside transactions so a failed
	// run can be recorded after its transaction rolled back.
	AppendGenerationLog(ctx context.Context, log GenerationLog) error
	ListGenerationLogs(ctx context.Context, scheduleID ScheduleID) ([]GenerationLog, error)

	ListAdjustments(ctx context.Context, quotaID QuotaID) ([]QuotaAdjustment, error)
}

// =============================================================================
// WRITER - Transaction-scoped operations
// =============================================================================

type Writer interface {
	QuotaUnitsForPeriod(ctx context.Context, condominiumID CondominiumID, conceptID ConceptID, period Period) (map[UnitID]bool, error)
	GetQuota(ctx context.Context, id QuotaID) (*Quota, error)

	// InsertQuotas returns ErrDuplicateQuota if any key exists.
	InsertQuotas(ctx context.Context, quotas []Quota) error

	// UpdateQuota is a compare-and-swap on Version.
	UpdateQuota(ctx context.Context, q Quota) error

	AppendAdjustment(ctx context.Context, adj QuotaAdjustment) error
	AppendGenerationLog(ctx context.Context, log GenerationLog) error

	// UpdateScheduleBookkeeping writes the bookkeeper-owned fields only.
	UpdateScheduleBookkeeping(ctx context.Context, id ScheduleID, b Bookkeeping) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Writer) error) error
}
