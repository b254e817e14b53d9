package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condo/billing-engine/billing"
	"github.com/condo/billing-engine/billing/store"
)

func seedQuota(t *testing.T, mem *store.Memory, q billing.Quota) {
	t.Helper()
	ctx := context.Background()
	if q.Scope.CondominiumID == "" {
		q.Scope = billing.Scope{CondominiumID: condo, BuildingID: towerA}
	}
	if q.PaymentConceptID == "" {
		q.PaymentConceptID = concept
	}
	if q.Balance.IsZero() && q.Status != billing.QuotaCancelled {
		q.Balance = q.ComputeBalance()
	}
	require.NoError(t, mem.WithTx(ctx, func(w billing.Writer) error {
		return w.InsertQuotas(ctx, []billing.Quota{q})
	}))
}

func TestSweep_PendingPastDueBecomesOverdue(t *testing.T) {
	// GIVEN: pending quota due 2024-01-15
	// WHEN: swept as of 2024-01-16, then again with the same date
	// THEN: first sweep transitions it, second is a no-op

	mem := store.NewMemory()
	ctx := context.Background()
	seedQuota(t, mem, billing.Quota{
		ID: "q1", UnitID: "unit-1", Period: billing.NewPeriod(2024, time.January),
		BaseAmount: dec("100"), DueDate: date(2024, time.January, 15), Status: billing.QuotaPending,
	})
	sweeper := &billing.Sweeper{Store: mem}

	n, err := sweeper.Sweep(ctx, date(2024, time.January, 16))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	q, err := mem.GetQuota(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, billing.QuotaOverdue, q.Status)

	n, err = sweeper.Sweep(ctx, date(2024, time.January, 16))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweep_DueDateItselfIsNotOverdue(t *testing.T) {
	mem := store.NewMemory()
	seedQuota(t, mem, billing.Quota{
		ID: "q1", UnitID: "unit-1", Period: billing.NewPeriod(2024, time.January),
		BaseAmount: dec("100"), DueDate: date(2024, time.January, 15), Status: billing.QuotaPending,
	})

	n, err := (&billing.Sweeper{Store: mem}).Sweep(context.Background(), date(2024, time.January, 15))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweep_LeavesOtherStatusesAlone(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	due := date(2024, time.January, 15)
	for i, status := range []billing.QuotaStatus{billing.QuotaPaid, billing.QuotaCancelled, billing.QuotaOverdue} {
		seedQuota(t, mem, billing.Quota{
			ID: billing.QuotaID(status), UnitID: billing.UnitID([]string{"u1", "u2", "u3"}[i]),
			Period: billing.NewPeriod(2024, time.January), BaseAmount: dec("100"), DueDate: due, Status: status,
		})
	}

	n, err := (&billing.Sweeper{Store: mem}).Sweep(ctx, date(2024, time.June, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, status := range []billing.QuotaStatus{billing.QuotaPaid, billing.QuotaCancelled, billing.QuotaOverdue} {
		q, err := mem.GetQuota(ctx, billing.QuotaID(status))
		require.NoError(t, err)
		assert.Equal(t, status, q.Status)
	}
}

func TestSweep_MonotonicAcrossDates(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	seedQuota(t, mem, billing.Quota{
		ID: "q1", UnitID: "unit-1", Period: billing.NewPeriod(2024, time.January),
		BaseAmount: dec("100"), DueDate: date(2024, time.January, 15), Status: billing.QuotaPending,
	})
	sweeper := &billing.Sweeper{Store: mem}

	_, err := sweeper.Sweep(ctx, date(2024, time.February, 1))
	require.NoError(t, err)

	// An earlier as-of date never reverts the transition.
	n, err := sweeper.Sweep(ctx, date(2024, time.January, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	q, err := mem.GetQuota(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, billing.QuotaOverdue, q.Status)
}
