/*
Package sqlite provides a SQLite-backed implementation of billing.TxStore.

PURPOSE:
  Persists schedules, rules, formulas, interest configurations, units,
  quotas, adjustments and generation logs. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  billing.Store:   reads + single-statement writes
  billing.TxStore: WithTx for the generator's atomic write

KEY TABLES:
  billing_schedules:       recurrence + bookkeeper fields
  billing_rules:           concept -> formula, time-scoped
  formulas:                fixed / expression / unit_based definitions
  interest_configurations: late-payment policies
  units:                   read-only collaborator (seeded by property CRUD)
  quotas:                  one row per (unit, concept, year, month)
  quota_adjustments:       append-only
  generation_logs:         append-only, one row per run
  cycle_runs:              one row per cron cycle

CONSTRAINTS:
  - idx_quotas_key: UNIQUE(unit_id, payment_concept_id, period_year,
    period_month) across ALL statuses. Violations map to
    billing.ErrDuplicateQuota.
  - quotas.version: optimistic concurrency, UpdateQuota is a
    conditional UPDATE ... WHERE version = ?.

STORAGE FORMATS:
  Money as decimal strings (never REAL), calendar dates as YYYY-MM-DD,
  timestamps as RFC3339 with fixed-width nanoseconds, maps/lists as JSON text.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/condo/billing-engine/billing"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		condominium_id TEXT NOT NULL,
		building_id TEXT NOT NULL DEFAULT '',
		unit_number TEXT NOT NULL,
		floor INTEGER NOT NULL DEFAULT 0,
		area_m2 TEXT,
		parking_spaces INTEGER NOT NULL DEFAULT 0,
		aliquot_percentage TEXT,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_units_scope
		ON units(condominium_id, building_id) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS formulas (
		id TEXT PRIMARY KEY,
		condominium_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		formula_type TEXT NOT NULL,
		fixed_amount TEXT,
		expression TEXT NOT NULL DEFAULT '',
		variables_json TEXT,
		unit_amounts_json TEXT,
		currency_id TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL DEFAULT '',
		updated_by TEXT NOT NULL DEFAULT '',
		update_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS billing_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		condominium_id TEXT NOT NULL,
		building_id TEXT NOT NULL DEFAULT '',
		payment_concept_id TEXT NOT NULL,
		formula_id TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_condo_concept
		ON billing_rules(condominium_id, payment_concept_id);

	CREATE TABLE IF NOT EXISTS billing_schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		condominium_id TEXT NOT NULL,
		building_id TEXT NOT NULL DEFAULT '',
		payment_concept_id TEXT NOT NULL,
		frequency_type TEXT NOT NULL,
		generation_day INTEGER NOT NULL,
		periods_in_advance INTEGER NOT NULL DEFAULT 0,
		issue_day INTEGER NOT NULL DEFAULT 1,
		due_day INTEGER NOT NULL DEFAULT 0,
		last_generated_period TEXT NOT NULL DEFAULT '',
		last_generated_at TEXT,
		next_generation_date TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_schedules_due
		ON billing_schedules(next_generation_date) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS interest_configurations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		condominium_id TEXT NOT NULL,
		building_id TEXT NOT NULL DEFAULT '',
		payment_concept_id TEXT NOT NULL DEFAULT '',
		interest_type TEXT NOT NULL,
		interest_rate TEXT,
		fixed_amount TEXT,
		calculation_period TEXT NOT NULL,
		grace_period_days INTEGER NOT NULL DEFAULT 0,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quotas (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		condominium_id TEXT NOT NULL,
		building_id TEXT NOT NULL DEFAULT '',
		payment_concept_id TEXT NOT NULL,
		period_year INTEGER NOT NULL,
		period_month INTEGER NOT NULL,
		period_description TEXT NOT NULL DEFAULT '',
		base_amount TEXT NOT NULL,
		interest_amount TEXT NOT NULL DEFAULT '0',
		paid_amount TEXT NOT NULL DEFAULT '0',
		balance TEXT NOT NULL,
		currency_id TEXT NOT NULL DEFAULT '',
		issue_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		status TEXT NOT NULL,
		schedule_id TEXT NOT NULL DEFAULT '',
		rule_id TEXT NOT NULL DEFAULT '',
		formula_id TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);

	-- CRITICAL: one quota per unit, concept and period, whatever the status
	CREATE UNIQUE INDEX IF NOT EXISTS idx_quotas_key
		ON quotas(unit_id, payment_concept_id, period_year, period_month);

	-- Overdue sweep (hot path)
	CREATE INDEX IF NOT EXISTS idx_quotas_pending_due
		ON quotas(due_date) WHERE status = 'pending';

	CREATE INDEX IF NOT EXISTS idx_quotas_period
		ON quotas(condominium_id, payment_concept_id, period_year, period_month);

	CREATE INDEX IF NOT EXISTS idx_quotas_formula
		ON quotas(formula_id);

	CREATE TABLE IF NOT EXISTS quota_adjustments (
		id TEXT PRIMARY KEY,
		quota_id TEXT NOT NULL REFERENCES quotas(id),
		previous_amount TEXT NOT NULL,
		new_amount TEXT NOT NULL,
		adjustment_type TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_adjustments_quota
		ON quota_adjustments(quota_id, created_at);

	CREATE TABLE IF NOT EXISTS generation_logs (
		id TEXT PRIMARY KEY,
		schedule_id TEXT NOT NULL,
		rule_id TEXT NOT NULL DEFAULT '',
		formula_id TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL,
		period_year INTEGER NOT NULL,
		period_month INTEGER NOT NULL,
		period_description TEXT NOT NULL DEFAULT '',
		quotas_created INTEGER NOT NULL DEFAULT 0,
		quotas_failed INTEGER NOT NULL DEFAULT 0,
		quotas_skipped INTEGER NOT NULL DEFAULT 0,
		total_amount TEXT NOT NULL DEFAULT '0',
		currency_id TEXT NOT NULL DEFAULT '',
		units_affected_json TEXT,
		formula_snapshot_json TEXT,
		status TEXT NOT NULL,
		errors_json TEXT,
		warnings_json TEXT,
		generated_by TEXT NOT NULL DEFAULT '',
		generated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_generation_logs_schedule
		ON generation_logs(schedule_id, generated_at);

	-- Cron cycles (one row per tick that ran)
	CREATE TABLE IF NOT EXISTS cycle_runs (
		id TEXT PRIMARY KEY,
		as_of TEXT NOT NULL,
		trigger TEXT NOT NULL,
		status TEXT NOT NULL,
		schedules_due INTEGER NOT NULL DEFAULT 0,
		schedules_succeeded INTEGER NOT NULL DEFAULT 0,
		schedules_failed INTEGER NOT NULL DEFAULT 0,
		quotas_created INTEGER NOT NULL DEFAULT 0,
		quotas_marked_overdue INTEGER NOT NULL DEFAULT 0,
		interest_updated INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_cycle_runs_started
		ON cycle_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// DB ABSTRACTION - Same helpers run against *sql.DB and *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// UNITS
// =============================================================================

const unitColumns = `id, condominium_id, building_id, unit_number, floor, area_m2, parking_spaces, aliquot_percentage, is_active`

// SaveUnit upserts a unit.
func (s *Store) SaveUnit(ctx context.Context, u billing.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO units (`+unitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			condominium_id = excluded.condominium_id,
			building_id = excluded.building_id,
			unit_number = excluded.unit_number,
			floor = excluded.floor,
			area_m2 = excluded.area_m2,
			parking_spaces = excluded.parking_spaces,
			aliquot_percentage = excluded.aliquot_percentage,
			is_active = excluded.is_active
	`,
		u.ID, u.CondominiumID, u.BuildingID, u.UnitNumber, u.Floor,
		nullDecimal(u.AreaM2), u.ParkingSpaces, nullDecimal(u.AliquotPercentage), u.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to save unit: %w", err)
	}
	return nil
}

// ListActiveUnits returns active units covered by scope.
func (s *Store) ListActiveUnits(ctx context.Context, scope billing.Scope) ([]billing.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + unitColumns + ` FROM units WHERE is_active = 1 AND condominium_id = ?`
	args := []any{scope.CondominiumID}
	if scope.BuildingID != "" {
		query += ` AND building_id = ?`
		args = append(args, scope.BuildingID)
	}
	query += ` ORDER BY id`
	return s.queryUnits(ctx, query, args...)
}

// ListUnits returns all units of a condominium, inactive ones included.
func (s *Store) ListUnits(ctx context.Context, condominiumID billing.CondominiumID) ([]billing.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryUnits(ctx, `SELECT `+unitColumns+` FROM units WHERE condominium_id = ? ORDER BY id`, condominiumID)
}

func (s *Store) queryUnits(ctx context.Context, query string, args ...any) ([]billing.Unit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}
	defer rows.Close()

	var units []billing.Unit
	for rows.Next() {
		var (
			u             billing.Unit
			area, aliquot sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.CondominiumID, &u.BuildingID, &u.UnitNumber, &u.Floor,
			&area, &u.ParkingSpaces, &aliquot, &u.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		if u.AreaM2, err = parseNullDecimal(area); err != nil {
			return nil, err
		}
		if u.AliquotPercentage, err = parseNullDecimal(aliquot); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// =============================================================================
// FORMULAS
// =============================================================================

const formulaColumns = `id, condominium_id, name, description, formula_type, fixed_amount, expression,
	variables_json, unit_amounts_json, currency_id, is_active, created_by, updated_by, update_reason,
	created_at, updated_at`

// SaveFormula upserts a formula. The in-use check lives in the caller.
func (s *Store) SaveFormula(ctx context.Context, f billing.Formula) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	varsJSON, err := marshalNullable(f.Variables, len(f.Variables) > 0)
	if err != nil {
		return err
	}
	amountsJSON, err := marshalNullable(f.UnitAmounts, len(f.UnitAmounts) > 0)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO formulas (`+formulaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			formula_type = excluded.formula_type,
			fixed_amount = excluded.fixed_amount,
			expression = excluded.expression,
			variables_json = excluded.variables_json,
			unit_amounts_json = excluded.unit_amounts_json,
			currency_id = excluded.currency_id,
			is_active = excluded.is_active,
			updated_by = excluded.updated_by,
			update_reason = excluded.update_reason,
			updated_at = excluded.updated_at
	`,
		f.ID, f.CondominiumID, f.Name, f.Description, f.Type, nullDecimal(f.FixedAmount), f.Expression,
		varsJSON, amountsJSON, f.CurrencyID, f.IsActive, f.CreatedBy, f.UpdatedBy, f.UpdateReason,
		formatTime(f.CreatedAt), formatTime(f.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save formula: %w", err)
	}
	return nil
}

func (s *Store) GetFormula(ctx context.Context, id billing.FormulaID) (*billing.Formula, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+formulaColumns+` FROM formulas WHERE id = ?`, id)
	f, err := scanFormula(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrFormulaNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFormulas returns the formulas of a condominium (all when empty).
func (s *Store) ListFormulas(ctx context.Context, condominiumID billing.CondominiumID) ([]billing.Formula, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + formulaColumns + ` FROM formulas`
	var args []any
	if condominiumID != "" {
		query += ` WHERE condominium_id = ?`
		args = append(args, condominiumID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query formulas: %w", err)
	}
	defer rows.Close()

	var formulas []billing.Formula
	for rows.Next() {
		f, err := scanFormula(rows)
		if err != nil {
			return nil, err
		}
		formulas = append(formulas, f)
	}
	return formulas, rows.Err()
}

func (s *Store) IsFormulaInUse(ctx context.Context, id billing.FormulaID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM quotas WHERE formula_id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check formula usage: %w", err)
	}
	return exists == 1, nil
}

func scanFormula(row scanner) (billing.Formula, error) {
	var (
		f                     billing.Formula
		fixed                 sql.NullString
		varsJSON, amountsJSON sql.NullString
		createdAt, updatedAt  string
	)
	err := row.Scan(&f.ID, &f.CondominiumID, &f.Name, &f.Description, &f.Type, &fixed, &f.Expression,
		&varsJSON, &amountsJSON, &f.CurrencyID, &f.IsActive, &f.CreatedBy, &f.UpdatedBy, &f.UpdateReason,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return f, err
		}
		return f, fmt.Errorf("failed to scan formula: %w", err)
	}

	if f.FixedAmount, err = parseNullDecimal(fixed); err != nil {
		return f, err
	}
	if varsJSON.Valid {
		if err := json.Unmarshal([]byte(varsJSON.String), &f.Variables); err != nil {
			return f, fmt.Errorf("formula %s: bad variables: %w", f.ID, err)
		}
	}
	if amountsJSON.Valid {
		if err := json.Unmarshal([]byte(amountsJSON.String), &f.UnitAmounts); err != nil {
			return f, fmt.Errorf("formula %s: bad unit amounts: %w", f.ID, err)
		}
	}
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return f, err
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return f, err
	}
	return f, nil
}

// =============================================================================
// BILLING RULES
// =============================================================================

const ruleColumns = `id, name, condominium_id, building_id, payment_concept_id, formula_id,
	effective_from, effective_to, is_active, created_by, created_at`

func (s *Store) SaveRule(ctx context.Context, r billing.BillingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			formula_id = excluded.formula_id,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			is_active = excluded.is_active
	`,
		r.ID, r.Name, r.Scope.CondominiumID, r.Scope.BuildingID, r.PaymentConceptID, r.FormulaID,
		r.EffectiveFrom.String(), nullDate(r.EffectiveTo), r.IsActive, r.CreatedBy, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save billing rule: %w", err)
	}
	return nil
}

// ListRules returns the rules of a condominium for a concept (all
// concepts when conceptID is empty).
func (s *Store) ListRules(ctx context.Context, condominiumID billing.CondominiumID, conceptID billing.ConceptID) ([]billing.BillingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + ruleColumns + ` FROM billing_rules WHERE condominium_id = ?`
	args := []any{condominiumID}
	if conceptID != "" {
		query += ` AND payment_concept_id = ?`
		args = append(args, conceptID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query billing rules: %w", err)
	}
	defer rows.Close()

	var rules []billing.BillingRule
	for rows.Next() {
		var (
			r         billing.BillingRule
			from      string
			to        sql.NullString
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Scope.CondominiumID, &r.Scope.BuildingID, &r.PaymentConceptID,
			&r.FormulaID, &from, &to, &r.IsActive, &r.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan billing rule: %w", err)
		}
		if r.EffectiveFrom, err = billing.ParseDate(from); err != nil {
			return nil, err
		}
		if r.EffectiveTo, err = parseNullDate(to); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// =============================================================================
// BILLING SCHEDULES
// =============================================================================

const scheduleColumns = `id, name, condominium_id, building_id, payment_concept_id, frequency_type,
	generation_day, periods_in_advance, issue_day, due_day, last_generated_period, last_generated_at,
	next_generation_date, is_active, created_by, created_at`

// SaveSchedule upserts the administrator-owned fields. Bookkeeper fields
// are only written on insert; afterwards UpdateScheduleBookkeeping owns them.
func (s *Store) SaveSchedule(ctx context.Context, sc billing.BillingSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastAt *string
	if sc.LastGeneratedAt != nil {
		v := formatTime(*sc.LastGeneratedAt)
		lastAt = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			frequency_type = excluded.frequency_type,
			generation_day = excluded.generation_day,
			periods_in_advance = excluded.periods_in_advance,
			issue_day = excluded.issue_day,
			due_day = excluded.due_day,
			is_active = excluded.is_active
	`,
		sc.ID, sc.Name, sc.Scope.CondominiumID, sc.Scope.BuildingID, sc.PaymentConceptID, sc.FrequencyType,
		sc.GenerationDay, sc.PeriodsInAdvance, sc.IssueDay, sc.DueDay, sc.LastGeneratedPeriod, lastAt,
		nullDateValue(sc.NextGenerationDate), sc.IsActive, sc.CreatedBy, formatTime(sc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id billing.ScheduleID) (*billing.BillingSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM billing_schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrScheduleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]billing.BillingSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM billing_schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []billing.BillingSchedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

func scanSchedule(row scanner) (billing.BillingSchedule, error) {
	var (
		sc               billing.BillingSchedule
		lastAt, nextDate sql.NullString
		createdAt        string
	)
	err := row.Scan(&sc.ID, &sc.Name, &sc.Scope.CondominiumID, &sc.Scope.BuildingID, &sc.PaymentConceptID,
		&sc.FrequencyType, &sc.GenerationDay, &sc.PeriodsInAdvance, &sc.IssueDay, &sc.DueDay,
		&sc.LastGeneratedPeriod, &lastAt, &nextDate, &sc.IsActive, &sc.CreatedBy, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sc, err
		}
		return sc, fmt.Errorf("failed to scan schedule: %w", err)
	}
	if sc.LastGeneratedAt, err = parseNullTime(lastAt); err != nil {
		return sc, err
	}
	if nextDate.Valid {
		if sc.NextGenerationDate, err = billing.ParseDate(nextDate.String); err != nil {
			return sc, err
		}
	}
	if sc.CreatedAt, err = parseTime(createdAt); err != nil {
		return sc, err
	}
	return sc, nil
}

// =============================================================================
// INTEREST CONFIGURATIONS
// =============================================================================

const interestColumns = `id, name, condominium_id, building_id, payment_concept_id, interest_type,
	interest_rate, fixed_amount, calculation_period, grace_period_days, effective_from, effective_to,
	is_active, created_at`

func (s *Store) SaveInterestConfiguration(ctx context.Context, c billing.InterestConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interest_configurations (`+interestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			interest_type = excluded.interest_type,
			interest_rate = excluded.interest_rate,
			fixed_amount = excluded.fixed_amount,
			calculation_period = excluded.calculation_period,
			grace_period_days = excluded.grace_period_days,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			is_active = excluded.is_active
	`,
		c.ID, c.Name, c.Scope.CondominiumID, c.Scope.BuildingID, c.PaymentConceptID, c.InterestType,
		nullDecimal(c.InterestRate), nullDecimal(c.FixedAmount), c.CalculationPeriod, c.GracePeriodDays,
		c.EffectiveFrom.String(), nullDate(c.EffectiveTo), c.IsActive, formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save interest configuration: %w", err)
	}
	return nil
}

func (s *Store) ListInterestConfigurations(ctx context.Context, condominiumID billing.CondominiumID) ([]billing.InterestConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interestColumns+` FROM interest_configurations WHERE condominium_id = ? ORDER BY id`, condominiumID)
	if err != nil {
		return nil, fmt.Errorf("failed to query interest configurations: %w", err)
	}
	defer rows.Close()

	var configs []billing.InterestConfiguration
	for rows.Next() {
		var (
			c               billing.InterestConfiguration
			rate, fixed, to sql.NullString
			from, createdAt string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Scope.CondominiumID, &c.Scope.BuildingID, &c.PaymentConceptID,
			&c.InterestType, &rate, &fixed, &c.CalculationPeriod, &c.GracePeriodDays, &from, &to,
			&c.IsActive, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan interest configuration: %w", err)
		}
		if c.InterestRate, err = parseNullDecimal(rate); err != nil {
			return nil, err
		}
		if c.FixedAmount, err = parseNullDecimal(fixed); err != nil {
			return nil, err
		}
		if c.EffectiveFrom, err = billing.ParseDate(from); err != nil {
			return nil, err
		}
		if c.EffectiveTo, err = parseNullDate(to); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// =============================================================================
// QUOTAS
// =============================================================================

const quotaColumns = `id, unit_id, condominium_id, building_id, payment_concept_id, period_year, period_month,
	period_description, base_amount, interest_amount, paid_amount, balance, currency_id, issue_date, due_date,
	status, schedule_id, rule_id, formula_id, created_by, created_at, updated_at, version`

func (s *Store) GetQuota(ctx context.Context, id billing.QuotaID) (*billing.Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getQuota(ctx, s.db, id)
}

func getQuota(ctx context.Context, q querier, id billing.QuotaID) (*billing.Quota, error) {
	row := q.QueryRowContext(ctx, `SELECT `+quotaColumns+` FROM quotas WHERE id = ?`, id)
	quota, err := scanQuota(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrQuotaNotFound
	}
	if err != nil {
		return nil, err
	}
	return &quota, nil
}

func (s *Store) ListQuotas(ctx context.Context, f billing.QuotaFilter) ([]billing.Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.CondominiumID != "" {
		where = append(where, "condominium_id = ?")
		args = append(args, f.CondominiumID)
	}
	if f.BuildingID != "" {
		where = append(where, "building_id = ?")
		args = append(args, f.BuildingID)
	}
	if f.UnitID != "" {
		where = append(where, "unit_id = ?")
		args = append(args, f.UnitID)
	}
	if f.PaymentConceptID != "" {
		where = append(where, "payment_concept_id = ?")
		args = append(args, f.PaymentConceptID)
	}
	if f.Period != nil {
		where = append(where, "period_year = ? AND period_month = ?")
		args = append(args, f.Period.Year, int(f.Period.Month))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN (?"+strings.Repeat(", ?", len(f.Statuses)-1)+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}

	query := `SELECT ` + quotaColumns + ` FROM quotas`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY period_year, period_month, unit_id, payment_concept_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query quotas: %w", err)
	}
	defer rows.Close()

	var quotas []billing.Quota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		quotas = append(quotas, q)
	}
	return quotas, rows.Err()
}

func (s *Store) QuotaUnitsForPeriod(ctx context.Context, condominiumID billing.CondominiumID, conceptID billing.ConceptID, period billing.Period) (map[billing.UnitID]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return quotaUnitsForPeriod(ctx, s.db, condominiumID, conceptID, period)
}

func quotaUnitsForPeriod(ctx context.Context, q querier, condominiumID billing.CondominiumID, conceptID billing.ConceptID, period billing.Period) (map[billing.UnitID]bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT unit_id FROM quotas
		WHERE condominium_id = ? AND payment_concept_id = ? AND period_year = ? AND period_month = ?
	`, condominiumID, conceptID, period.Year, int(period.Month))
	if err != nil {
		return nil, fmt.Errorf("failed to query existing quotas: %w", err)
	}
	defer rows.Close()

	units := make(map[billing.UnitID]bool)
	for rows.Next() {
		var id billing.UnitID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		units[id] = true
	}
	return units, rows.Err()
}

// MarkOverdue is a single conditional UPDATE; re-running it is a no-op.
func (s *Store) MarkOverdue(ctx context.Context, asOf billing.Date, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE quotas
		SET status = 'overdue', version = version + 1, updated_at = ?
		WHERE status = 'pending' AND due_date < ?
	`, formatTime(at), asOf.String())
	if err != nil {
		return 0, fmt.Errorf("failed to mark quotas overdue: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func insertQuotas(ctx context.Context, q querier, quotas []billing.Quota) error {
	for _, quota := range quotas {
		_, err := q.ExecContext(ctx, `
			INSERT INTO quotas (`+quotaColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			quota.ID, quota.UnitID, quota.Scope.CondominiumID, quota.Scope.BuildingID, quota.PaymentConceptID,
			quota.Period.Year, int(quota.Period.Month), quota.PeriodDescription,
			quota.BaseAmount.String(), quota.InterestAmount.String(), quota.PaidAmount.String(), quota.Balance.String(),
			quota.CurrencyID, quota.IssueDate.String(), quota.DueDate.String(), quota.Status,
			quota.ScheduleID, quota.RuleID, quota.FormulaID, quota.CreatedBy,
			formatTime(quota.CreatedAt), formatTime(quota.UpdatedAt), quota.Version,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return billing.ErrDuplicateQuota
			}
			return fmt.Errorf("failed to insert quota: %w", err)
		}
	}
	return nil
}

func updateQuota(ctx context.Context, q querier, quota billing.Quota) error {
	res, err := q.ExecContext(ctx, `
		UPDATE quotas SET
			base_amount = ?, interest_amount = ?, paid_amount = ?, balance = ?,
			status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		quota.BaseAmount.String(), quota.InterestAmount.String(), quota.PaidAmount.String(), quota.Balance.String(),
		quota.Status, formatTime(quota.UpdatedAt), quota.ID, quota.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM quotas WHERE id = ?)`, quota.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return billing.ErrQuotaNotFound
		}
		return billing.ErrConcurrentModification
	}
	return nil
}

func scanQuota(row scanner) (billing.Quota, error) {
	var (
		q                                billing.Quota
		month                            int
		base, interest, paid, balance    string
		issue, due, createdAt, updatedAt string
	)
	err := row.Scan(&q.ID, &q.UnitID, &q.Scope.CondominiumID, &q.Scope.BuildingID, &q.PaymentConceptID,
		&q.Period.Year, &month, &q.PeriodDescription, &base, &interest, &paid, &balance, &q.CurrencyID,
		&issue, &due, &q.Status, &q.ScheduleID, &q.RuleID, &q.FormulaID, &q.CreatedBy,
		&createdAt, &updatedAt, &q.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return q, err
		}
		return q, fmt.Errorf("failed to scan quota: %w", err)
	}
	q.Period.Month = time.Month(month)

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&q.BaseAmount, base}, {&q.InterestAmount, interest}, {&q.PaidAmount, paid}, {&q.Balance, balance}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return q, fmt.Errorf("quota %s: bad amount %q: %w", q.ID, f.src, err)
		}
	}
	if q.IssueDate, err = billing.ParseDate(issue); err != nil {
		return q, err
	}
	if q.DueDate, err = billing.ParseDate(due); err != nil {
		return q, err
	}
	if q.CreatedAt, err = parseTime(createdAt); err != nil {
		return q, err
	}
	if q.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return q, err
	}
	return q, nil
}

// =============================================================================
// ADJUSTMENTS & GENERATION LOGS - Append-only
// =============================================================================

func appendAdjustment(ctx context.Context, q querier, a billing.QuotaAdjustment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO quota_adjustments
		(id, quota_id, previous_amount, new_amount, adjustment_type, reason, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.QuotaID, a.PreviousAmount.String(), a.NewAmount.String(), a.Type, a.Reason, a.CreatedBy, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append adjustment: %w", err)
	}
	return nil
}

func (s *Store) ListAdjustments(ctx context.Context, quotaID billing.QuotaID) ([]billing.QuotaAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, quota_id, previous_amount, new_amount, adjustment_type, reason, created_by, created_at
		FROM quota_adjustments WHERE quota_id = ? ORDER BY created_at, rowid
	`, quotaID)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()

	var adjustments []billing.QuotaAdjustment
	for rows.Next() {
		var (
			a              billing.QuotaAdjustment
			prev, next, at string
		)
		if err := rows.Scan(&a.ID, &a.QuotaID, &prev, &next, &a.Type, &a.Reason, &a.CreatedBy, &at); err != nil {
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		var err error
		if a.PreviousAmount, err = decimal.NewFromString(prev); err != nil {
			return nil, fmt.Errorf("adjustment %s: bad previous amount %q: %w", a.ID, prev, err)
		}
		if a.NewAmount, err = decimal.NewFromString(next); err != nil {
			return nil, fmt.Errorf("adjustment %s: bad new amount %q: %w", a.ID, next, err)
		}
		if a.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		adjustments = append(adjustments, a)
	}
	return adjustments, rows.Err()
}

// AppendGenerationLog records a run outside any transaction.
func (s *Store) AppendGenerationLog(ctx context.Context, log billing.GenerationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendGenerationLog(ctx, s.db, log)
}

func appendGenerationLog(ctx context.Context, q querier, log billing.GenerationLog) error {
	unitsJSON, err := marshalNullable(log.UnitsAffected, len(log.UnitsAffected) > 0)
	if err != nil {
		return err
	}
	snapshotJSON, err := marshalNullable(log.FormulaSnapshot, log.FormulaSnapshot != nil)
	if err != nil {
		return err
	}
	errorsJSON, err := marshalNullable(log.Errors, len(log.Errors) > 0)
	if err != nil {
		return err
	}
	warningsJSON, err := marshalNullable(log.Warnings, len(log.Warnings) > 0)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO generation_logs
		(id, schedule_id, rule_id, formula_id, method, period_year, period_month, period_description,
		 quotas_created, quotas_failed, quotas_skipped, total_amount, currency_id, units_affected_json,
		 formula_snapshot_json, status, errors_json, warnings_json, generated_by, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		log.ID, log.ScheduleID, log.RuleID, log.FormulaID, log.Method, log.Period.Year, int(log.Period.Month),
		log.PeriodDescription, log.QuotasCreated, log.QuotasFailed, log.QuotasSkipped, log.TotalAmount.String(),
		log.CurrencyID, unitsJSON, snapshotJSON, log.Status, errorsJSON, warningsJSON, log.GeneratedBy,
		formatTime(log.GeneratedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append generation log: %w", err)
	}
	return nil
}

// ListGenerationLogs returns the logs of a schedule (all when empty), oldest first.
func (s *Store) ListGenerationLogs(ctx context.Context, scheduleID billing.ScheduleID) ([]billing.GenerationLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, schedule_id, rule_id, formula_id, method, period_year, period_month, period_description,
		       quotas_created, quotas_failed, quotas_skipped, total_amount, currency_id, units_affected_json,
		       formula_snapshot_json, status, errors_json, warnings_json, generated_by, generated_at
		FROM generation_logs`
	var args []any
	if scheduleID != "" {
		query += ` WHERE schedule_id = ?`
		args = append(args, scheduleID)
	}
	query += ` ORDER BY generated_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query generation logs: %w", err)
	}
	defer rows.Close()

	var logs []billing.GenerationLog
	for rows.Next() {
		var (
			l                                            billing.GenerationLog
			month                                        int
			total, generatedAt                           string
			unitsJSON, snapshotJSON, errsJSON, warnsJSON sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.ScheduleID, &l.RuleID, &l.FormulaID, &l.Method, &l.Period.Year, &month,
			&l.PeriodDescription, &l.QuotasCreated, &l.QuotasFailed, &l.QuotasSkipped, &total, &l.CurrencyID,
			&unitsJSON, &snapshotJSON, &l.Status, &errsJSON, &warnsJSON, &l.GeneratedBy, &generatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan generation log: %w", err)
		}
		l.Period.Month = time.Month(month)
		var err error
		if l.TotalAmount, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("generation log %s: bad total %q: %w", l.ID, total, err)
		}
		if l.GeneratedAt, err = parseTime(generatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalNullable(unitsJSON, &l.UnitsAffected); err != nil {
			return nil, fmt.Errorf("generation log %s: units: %w", l.ID, err)
		}
		if err := unmarshalNullable(errsJSON, &l.Errors); err != nil {
			return nil, fmt.Errorf("generation log %s: errors: %w", l.ID, err)
		}
		if err := unmarshalNullable(warnsJSON, &l.Warnings); err != nil {
			return nil, fmt.Errorf("generation log %s: warnings: %w", l.ID, err)
		}
		if snapshotJSON.Valid {
			l.FormulaSnapshot = &billing.FormulaSnapshot{}
			if err := unmarshalNullable(snapshotJSON, l.FormulaSnapshot); err != nil {
				return nil, fmt.Errorf("generation log %s: formula snapshot: %w", l.ID, err)
			}
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(w billing.Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txWriter{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txWriter struct {
	tx *sql.Tx
}

func (w *txWriter) QuotaUnitsForPeriod(ctx context.Context, condominiumID billing.CondominiumID, conceptID billing.ConceptID, period billing.Period) (map[billing.UnitID]bool, error) {
	return quotaUnitsForPeriod(ctx, w.tx, condominiumID, conceptID, period)
}

func (w *txWriter) GetQuota(ctx context.Context, id billing.QuotaID) (*billing.Quota, error) {
	return getQuota(ctx, w.tx, id)
}

func (w *txWriter) InsertQuotas(ctx context.Context, quotas []billing.Quota) error {
	return insertQuotas(ctx, w.tx, quotas)
}

func (w *txWriter) UpdateQuota(ctx context.Context, q billing.Quota) error {
	return updateQuota(ctx, w.tx, q)
}

func (w *txWriter) AppendAdjustment(ctx context.Context, a billing.QuotaAdjustment) error {
	return appendAdjustment(ctx, w.tx, a)
}

func (w *txWriter) AppendGenerationLog(ctx context.Context, log billing.GenerationLog) error {
	return appendGenerationLog(ctx, w.tx, log)
}

func (w *txWriter) UpdateScheduleBookkeeping(ctx context.Context, id billing.ScheduleID, b billing.Bookkeeping) error {
	res, err := w.tx.ExecContext(ctx, `
		UPDATE billing_schedules
		SET last_generated_period = ?, last_generated_at = ?, next_generation_date = ?
		WHERE id = ?
	`, b.LastGeneratedPeriod, formatTime(b.LastGeneratedAt), nullDateValue(b.NextGenerationDate), id)
	if err != nil {
		return fmt.Errorf("failed to update schedule bookkeeping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrScheduleNotFound
	}
	return nil
}

// =============================================================================
// RESET - Demo scenarios only
// =============================================================================

// Reset clears all data. Children are deleted before their parents.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"quota_adjustments", "quotas", "generation_logs", "cycle_runs",
		"billing_schedules", "billing_rules", "interest_configurations", "formulas", "units",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// CYCLE RUNS - One row per cron cycle
// =============================================================================

// CycleRun records one pass of the generation cron driver.
type CycleRun struct {
	ID                  string
	AsOf                billing.Date
	Trigger             string // cron, manual
	Status              string // running, completed, failed
	SchedulesDue        int
	SchedulesSucceeded  int
	SchedulesFailed     int
	QuotasCreated       int
	QuotasMarkedOverdue int
	InterestUpdated     int
	Error               string
	StartedAt           time.Time
	CompletedAt         *time.Time
}

// SaveCycleRun upserts a cycle run.
func (s *Store) SaveCycleRun(ctx context.Context, r CycleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt *string
	if r.CompletedAt != nil {
		v := formatTime(*r.CompletedAt)
		completedAt = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_runs (id, as_of, trigger, status, schedules_due, schedules_succeeded,
			schedules_failed, quotas_created, quotas_marked_overdue, interest_updated, error,
			started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			schedules_due = excluded.schedules_due,
			schedules_succeeded = excluded.schedules_succeeded,
			schedules_failed = excluded.schedules_failed,
			quotas_created = excluded.quotas_created,
			quotas_marked_overdue = excluded.quotas_marked_overdue,
			interest_updated = excluded.interest_updated,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		r.ID, r.AsOf.String(), r.Trigger, r.Status, r.SchedulesDue, r.SchedulesSucceeded,
		r.SchedulesFailed, r.QuotasCreated, r.QuotasMarkedOverdue, r.InterestUpdated, r.Error,
		formatTime(r.StartedAt), completedAt,
	)
	return err
}

// ListCycleRuns returns the most recent cycle runs first.
func (s *Store) ListCycleRuns(ctx context.Context, limit int) ([]CycleRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, as_of, trigger, status, schedules_due, schedules_succeeded, schedules_failed,
		       quotas_created, quotas_marked_overdue, interest_updated, error, started_at, completed_at
		FROM cycle_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []CycleRun
	for rows.Next() {
		var (
			r               CycleRun
			asOf, startedAt string
			completedAt     sql.NullString
		)
		if err := rows.Scan(&r.ID, &asOf, &r.Trigger, &r.Status, &r.SchedulesDue, &r.SchedulesSucceeded,
			&r.SchedulesFailed, &r.QuotasCreated, &r.QuotasMarkedOverdue, &r.InterestUpdated, &r.Error,
			&startedAt, &completedAt); err != nil {
			return nil, err
		}
		var err error
		if r.AsOf, err = billing.ParseDate(asOf); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

// timeLayout keeps nanoseconds at a fixed width so that text columns sort
// chronologically. Creation order breaks ties in rule and interest
// resolution.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime also accepts whole-second RFC3339 values.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, fmt.Errorf("bad decimal %q: %w", ns.String, err)
	}
	return &d, nil
}

func nullDate(d *billing.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return nullDateValue(*d)
}

func nullDateValue(d billing.Date) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDate(ns sql.NullString) (*billing.Date, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := billing.ParseDate(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func marshalNullable(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode json: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalNullable(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), dst); err != nil {
		return fmt.Errorf("failed to decode json: %w", err)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
