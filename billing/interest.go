/*
interest.go - Late-payment interest accrual

PURPOSE:
  Computes interest on overdue quotas from the interest policy in force
  and writes it back monotonically.

WHEN INTEREST ACCRUES:
  graceEnd = dueDate + gracePeriodDays
  Nothing accrues unless graceEnd < asOf. Elapsed periods are the whole
  calculationPeriod units (days, calendar months, years) from graceEnd to
  asOf.

FORMULAS (n = elapsed periods):
  simple        base * rate * n
  compound      base * ((1 + rate)^n - 1)
  fixed_amount  fixedAmount * n
  A policy with fixedAmount and no rate is treated as fixed_amount.

MONOTONICITY:
  interestAmount := max(current, computed). Moving asOf forward, or
  re-running with the same asOf, never lowers interest. Only a manual
  adjustment can.

CONCURRENCY:
  Updates compare-and-swap on Quota.Version. A quota that changed since
  it was read (payment, adjustment, another accrual pass) is skipped and
  picked up by the next pass.

SEE ALSO:
  - resolver.go: ResolveInterest
  - overdue.go: produces the overdue quotas this pass reads
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// ElapsedPeriods counts whole calculation periods from graceEnd to asOf.
func ElapsedPeriods(period CalculationPeriod, graceEnd, asOf Date) int {
	if !graceEnd.Before(asOf) {
		return 0
	}
	switch period {
	case CalculationDaily:
		return DaysBetween(graceEnd, asOf)
	case CalculationAnnual:
		return MonthsBetween(graceEnd, asOf) / 12
	default:
		return MonthsBetween(graceEnd, asOf)
	}
}

// ComputeInterest returns the interest owed on base as of asOf, rounded to
// AmountScale. Zero before the grace period ends.
func ComputeInterest(cfg InterestConfiguration, base decimal.Decimal, dueDate, asOf Date) decimal.Decimal {
	graceEnd := dueDate.AddDays(cfg.GracePeriodDays)
	n := ElapsedPeriods(cfg.CalculationPeriod, graceEnd, asOf)
	if n <= 0 {
		return decimal.Zero
	}
	periods := decimal.NewFromInt(int64(n))

	useFixed := cfg.InterestType == InterestFixedAmount || (cfg.InterestRate == nil && cfg.FixedAmount != nil)
	if useFixed {
		if cfg.FixedAmount == nil {
			return decimal.Zero
		}
		return cfg.FixedAmount.Mul(periods).Round(AmountScale)
	}
	if cfg.InterestRate == nil {
		return decimal.Zero
	}
	rate := *cfg.InterestRate

	switch cfg.InterestType {
	case InterestCompound:
		growth := decimal.NewFromInt(1).Add(rate).Pow(periods)
		return base.Mul(growth.Sub(decimal.NewFromInt(1))).Round(AmountScale)
	default:
		return base.Mul(rate).Mul(periods).Round(AmountScale)
	}
}

// =============================================================================
// INTEREST ACCRUER
// =============================================================================

type AccrualSummary struct {
	Examined  int
	Updated   int
	Unchanged int
	NoPolicy  int
	Conflicts int
	Warnings  []string
}

type InterestAccruer struct {
	Store   TxStore
	Logger  *slog.Logger
	Metrics Recorder
	Now     func() time.Time
}

// Accrue recomputes interest for every overdue quota. Store failures on
// individual quotas do not stop the pass; they are joined into the
// returned error.
func (a *InterestAccruer) Accrue(ctx context.Context, asOf Date) (AccrualSummary, error) {
	var summary AccrualSummary
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	quotas, err := a.Store.ListQuotas(ctx, QuotaFilter{Statuses: []QuotaStatus{QuotaOverdue}})
	if err != nil {
		return summary, fmt.Errorf("list overdue quotas: %w", err)
	}

	configs := make(map[CondominiumID][]InterestConfiguration)
	warned := make(map[string]bool)
	var errs []error

	for _, q := range quotas {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		summary.Examined++

		cfgs, ok := configs[q.Scope.CondominiumID]
		if !ok {
			cfgs, err = a.Store.ListInterestConfigurations(ctx, q.Scope.CondominiumID)
			if err != nil {
				errs = append(errs, fmt.Errorf("list interest configurations for %s: %w", q.Scope.CondominiumID, err))
				continue
			}
			configs[q.Scope.CondominiumID] = cfgs
		}

		res := ResolveInterest(cfgs, q.Scope, q.PaymentConceptID, asOf)
		if w := res.Warning(asOf); w != nil && !warned[w.Error()] {
			warned[w.Error()] = true
			summary.Warnings = append(summary.Warnings, w.Error())
			logger.Warn("overlapping interest configurations", slog.String("warning", w.Error()))
		}
		if res.Config == nil {
			summary.NoPolicy++
			continue
		}

		computed := ComputeInterest(*res.Config, q.BaseAmount, q.DueDate, asOf)
		if !computed.GreaterThan(q.InterestAmount) {
			summary.Unchanged++
			continue
		}

		updated := q
		updated.InterestAmount = computed
		updated.Balance = updated.ComputeBalance()
		updated.UpdatedAt = a.now()
		err := a.Store.WithTx(ctx, func(w Writer) error {
			return w.UpdateQuota(ctx, updated)
		})
		switch {
		case err == nil:
			summary.Updated++
		case errors.Is(err, ErrConcurrentModification):
			summary.Conflicts++
			logger.Info("quota changed during accrual, retrying next pass", slog.String("quota_id", string(q.ID)))
		default:
			errs = append(errs, fmt.Errorf("update quota %s: %w", q.ID, err))
		}
	}

	if a.Metrics != nil {
		a.Metrics.RecordAccrual(summary.Updated, summary.Conflicts)
	}
	logger.Info("interest accrual finished",
		slog.String("as_of", asOf.String()),
		slog.Int("examined", summary.Examined),
		slog.Int("updated", summary.Updated),
		slog.Int("conflicts", summary.Conflicts))
	return summary, errors.Join(errs...)
}

func (a *InterestAccruer) now() time.Time {
	if a.Now == nil {
		return time.Now().UTC()
	}
	return a.Now().UTC()
}
