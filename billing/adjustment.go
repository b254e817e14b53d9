package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// QUOTA ADJUSTMENTS - Append-only manual changes to a quota's base amount
// =============================================================================

type AdjustmentInput struct {
	QuotaID   QuotaID
	Type      AdjustmentType
	NewAmount decimal.Decimal
	Reason    string
	Actor     string
}

type AdjustmentResult struct {
	Adjustment QuotaAdjustment
	Quota      Quota
}

// Delta is new minus previous amount.
func (r AdjustmentResult) Delta() decimal.Decimal {
	return r.Adjustment.NewAmount.Sub(r.Adjustment.PreviousAmount)
}

// Adjuster applies adjustments. Each one appends a QuotaAdjustment holding
// the amount before the change and updates the quota in the same
// transaction. Mistakes are corrected with another adjustment.
type Adjuster struct {
	Store  TxStore
	Logger *slog.Logger
	Now    func() time.Time
}

// Apply validates and applies one adjustment.
//
// Rules:
//   - reason is required, the quota must exist and not be cancelled
//   - the new amount must differ from the current base amount
//   - waiver must set the amount to 0 and cancels the quota
//   - every other type requires a non-negative amount
//   - a balance of zero or less afterwards marks the quota paid
//   - a paid quota left with a positive balance reopens as pending, or
//     overdue when its due date has passed
func (a *Adjuster) Apply(ctx context.Context, in AdjustmentInput) (*AdjustmentResult, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown adjustment type %q", ErrInvalidAdjustment, in.Type)
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidAdjustment)
	}
	if in.Type == AdjustmentWaiver && !in.NewAmount.IsZero() {
		return nil, fmt.Errorf("%w: waiver adjustment must set amount to 0", ErrInvalidAdjustment)
	}
	if in.Type != AdjustmentWaiver && in.NewAmount.IsNegative() {
		return nil, fmt.Errorf("%w: new amount cannot be negative", ErrInvalidAdjustment)
	}
	newAmount := in.NewAmount.Round(AmountScale)

	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now().UTC()
	}

	var result AdjustmentResult
	err := a.Store.WithTx(ctx, func(w Writer) error {
		q, err := w.GetQuota(ctx, in.QuotaID)
		if err != nil {
			return err
		}
		if q.Status == QuotaCancelled {
			return fmt.Errorf("%w: cannot adjust a cancelled quota", ErrInvalidAdjustment)
		}
		if q.BaseAmount.Equal(newAmount) {
			return fmt.Errorf("%w: new amount must be different from current amount", ErrInvalidAdjustment)
		}

		adj := QuotaAdjustment{
			ID:             AdjustmentID(uuid.NewString()),
			QuotaID:        q.ID,
			PreviousAmount: q.BaseAmount,
			NewAmount:      newAmount,
			Type:           in.Type,
			Reason:         in.Reason,
			CreatedBy:      in.Actor,
			CreatedAt:      now,
		}
		if err := w.AppendAdjustment(ctx, adj); err != nil {
			return err
		}

		updated := *q
		updated.BaseAmount = newAmount
		updated.UpdatedAt = now
		if in.Type == AdjustmentWaiver {
			updated.Status = QuotaCancelled
			updated.Balance = decimal.Zero
		} else {
			raw := updated.BaseAmount.Add(updated.InterestAmount).Sub(updated.PaidAmount)
			updated.Balance = updated.ComputeBalance()
			switch {
			case !raw.IsPositive():
				updated.Status = QuotaPaid
			case updated.Status == QuotaPaid:
				updated.Status = reopenedStatus(updated.DueDate, DateOf(now))
			}
		}
		if err := w.UpdateQuota(ctx, updated); err != nil {
			return err
		}
		updated.Version++

		result = AdjustmentResult{Adjustment: adj, Quota: updated}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidAdjustment) && !errors.Is(err, ErrQuotaNotFound) {
			err = fmt.Errorf("apply adjustment to quota %s: %w", in.QuotaID, err)
		}
		return nil, err
	}

	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("quota adjusted",
		slog.String("quota_id", string(in.QuotaID)),
		slog.String("type", string(in.Type)),
		slog.String("previous_amount", result.Adjustment.PreviousAmount.StringFixed(AmountScale)),
		slog.String("new_amount", result.Adjustment.NewAmount.StringFixed(AmountScale)),
		slog.String("actor", in.Actor))
	return &result, nil
}

// reopenedStatus uses the sweeper's cutoff: overdue once due < today.
func reopenedStatus(due, today Date) QuotaStatus {
	if !due.IsZero() && due.Before(today) {
		return QuotaOverdue
	}
	return QuotaPending
}

// ListAdjustments returns the adjustment history of a quota, oldest first.
func ListAdjustments(ctx context.Context, store Store, quotaID QuotaID) ([]QuotaAdjustment, error) {
	if _, err := store.GetQuota(ctx, quotaID); err != nil {
		return nil, err
	}
	return store.ListAdjustments(ctx, quotaID)
}
