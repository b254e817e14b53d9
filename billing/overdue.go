package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// =============================================================================
// OVERDUE SWEEPER
// =============================================================================

// Sweeper reclassifies pending quotas whose due date has passed.
//
// The transition is pending -> overdue only, applied by one conditional
// write in the store (status = pending AND due_date < asOf). Running it
// again with the same or a later date never reverts anything; paid,
// cancelled and overdue quotas are untouched.
type Sweeper struct {
	Store   Store
	Logger  *slog.Logger
	Metrics Recorder
	Now     func() time.Time
}

// Sweep returns the number of quotas transitioned.
func (s *Sweeper) Sweep(ctx context.Context, asOf Date) (int, error) {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	n, err := s.Store.MarkOverdue(ctx, asOf, now)
	if err != nil {
		return 0, fmt.Errorf("mark overdue as of %s: %w", asOf, err)
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if n > 0 {
		logger.Info("quotas marked overdue", slog.Int("count", n), slog.String("as_of", asOf.String()))
	}
	if s.Metrics != nil {
		s.Metrics.RecordOverdue(n)
	}
	return n, nil
}
