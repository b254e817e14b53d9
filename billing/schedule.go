/*
schedule.go - Schedule bookkeeping and due-schedule discovery

PURPOSE:
  Owns the three bookkeeper fields of a BillingSchedule:
  nextGenerationDate, lastGeneratedPeriod and lastGeneratedAt. Nothing
  else writes them.

NEXT DATE BY FREQUENCY (from = date of the run):
  monthly       from + 1 month,  day = generationDay
  quarterly     from + 3 months, day = generationDay
  semi_annual   from + 6 months, day = generationDay
  annual        from + 1 year,   day = generationDay
  custom_days   from + generationDay days (minimum 1)

  Calendar days are clamped to the month length: generationDay 31 in a
  30-day month lands on the 30th.
  Unknown frequencies fall back to custom_days.

WHEN TO ADVANCE:
  Only after a completed, partial or skipped run. A failed run leaves the
  schedule due so the next check retries the same period.

SEE ALSO:
  - generator.go: applies Advance inside the run's transaction
*/
package billing

import (
	"context"
	"sort"
	"time"
)

// Bookkeeping is the set of fields Advance produces.
type Bookkeeping struct {
	LastGeneratedPeriod string
	LastGeneratedAt     time.Time
	NextGenerationDate  Date
}

// NextGenerationDate computes the schedule's next due date from the date
// of the run that just completed.
func NextGenerationDate(s BillingSchedule, from Date) Date {
	switch s.FrequencyType {
	case FrequencyMonthly:
		return ClampedDate(from.Year(), from.Month()+1, s.GenerationDay)
	case FrequencyQuarterly:
		return ClampedDate(from.Year(), from.Month()+3, s.GenerationDay)
	case FrequencySemiAnnual:
		return ClampedDate(from.Year(), from.Month()+6, s.GenerationDay)
	case FrequencyAnnual:
		return ClampedDate(from.Year()+1, from.Month(), s.GenerationDay)
	default:
		days := s.GenerationDay
		if days < 1 {
			days = 1
		}
		return from.AddDays(days)
	}
}

// Advance returns the bookkeeping after a successful run for period.
func Advance(s BillingSchedule, period Period, asOf Date, at time.Time) Bookkeeping {
	return Bookkeeping{
		LastGeneratedPeriod: period.String(),
		LastGeneratedAt:     at,
		NextGenerationDate:  NextGenerationDate(s, asOf),
	}
}

// Apply copies b onto the schedule.
func (b Bookkeeping) Apply(s *BillingSchedule) {
	s.LastGeneratedPeriod = b.LastGeneratedPeriod
	at := b.LastGeneratedAt
	s.LastGeneratedAt = &at
	s.NextGenerationDate = b.NextGenerationDate
}

// IsDue reports whether the schedule should run on asOf.
func (s BillingSchedule) IsDue(asOf Date) bool {
	if !s.IsActive {
		return false
	}
	return s.NextGenerationDate.IsZero() || s.NextGenerationDate.BeforeOrEqual(asOf)
}

// TargetPeriod is the period a run on asOf generates for:
// asOf's month plus periodsInAdvance.
func TargetPeriod(s BillingSchedule, asOf Date) Period {
	ahead := s.PeriodsInAdvance
	if ahead < 0 {
		ahead = 0
	}
	return PeriodOf(asOf).Add(ahead)
}

// IssueDate and DueDate place the quota dates inside the target period.
// A zero day defaults to the 1st (issue) and the issue day (due).
func (s BillingSchedule) IssueDate(p Period) Date {
	day := s.IssueDay
	if day <= 0 {
		day = 1
	}
	return p.Day(day)
}

func (s BillingSchedule) DueDate(p Period) Date {
	day := s.DueDay
	if day <= 0 {
		return s.IssueDate(p)
	}
	return p.Day(day)
}

// FindDueSchedules returns active schedules due on asOf, ordered by next
// generation date then ID.
func FindDueSchedules(ctx context.Context, store Store, asOf Date) ([]BillingSchedule, error) {
	all, err := store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	var due []BillingSchedule
	for _, s := range all {
		if s.IsDue(asOf) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextGenerationDate.Equal(due[j].NextGenerationDate) {
			return due[i].NextGenerationDate.Before(due[j].NextGenerationDate)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}
