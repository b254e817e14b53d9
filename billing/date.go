package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Calendar day, UTC, no time-of-day
// =============================================================================

const DateLayout = "2006-01-02"

type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in UTC.
func DateOf(t time.Time) Date {
	t = t.UTC()
	return NewDate(t.Year(), t.Month(), t.Day())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Date) Before(other Date) bool        { return d.Time.Before(other.Time) }
func (d Date) After(other Date) bool         { return d.Time.After(other.Time) }
func (d Date) Equal(other Date) bool         { return d.Time.Equal(other.Time) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }
func (d Date) IsZero() bool                  { return d.Time.IsZero() }

// Properties
func (d Date) Year() int         { return d.Time.Year() }
func (d Date) Month() time.Month { return d.Time.Month() }
func (d Date) Day() int          { return d.Time.Day() }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time.Format(DateLayout)
}

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{Time: d.Time.AddDate(0, 0, n)} }

// AddMonths moves n months keeping the day, clamped to the target month
// length. Jan 31 + 1 month is Feb 28 (or 29), not Mar 3.
func (d Date) AddMonths(n int) Date {
	return ClampedDate(d.Year(), d.Month()+time.Month(n), d.Day())
}

// ClampedDate builds year-month-day, normalizing the month and clamping the
// day to [1, days in month].
func ClampedDate(year int, month time.Month, day int) Date {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day < 1 {
		day = 1
	}
	if day > last {
		day = last
	}
	return NewDate(first.Year(), first.Month(), day)
}

// DaysBetween returns the number of whole days from -> to (negative if to
// is before from).
func DaysBetween(from, to Date) int {
	return int(to.Time.Sub(from.Time).Hours() / 24)
}

// MonthsBetween returns the number of whole calendar months from -> to.
// Jan 15 -> Feb 14 is 0, Jan 15 -> Feb 15 is 1.
func MonthsBetween(from, to Date) int {
	if to.Before(from) {
		return 0
	}
	months := (to.Year()-from.Year())*12 + int(to.Month()-from.Month())
	if from.AddMonths(months).After(to) {
		months--
	}
	return months
}

// =============================================================================
// PERIOD - Billing year-month
// =============================================================================

// Period is a billing month. Quotas are keyed on it.
type Period struct {
	Year  int
	Month time.Month
}

func NewPeriod(year int, month time.Month) Period {
	d := NewDate(year, month, 1)
	return Period{Year: d.Year(), Month: d.Month()}
}

func PeriodOf(d Date) Period { return NewPeriod(d.Year(), d.Month()) }

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: %w", s, err)
	}
	return NewPeriod(t.Year(), t.Month()), nil
}

func (p Period) Valid() bool {
	return p.Year > 0 && p.Month >= time.January && p.Month <= time.December
}

func (p Period) Add(months int) Period { return NewPeriod(p.Year, p.Month+time.Month(months)) }

func (p Period) Before(other Period) bool {
	return p.Year < other.Year || (p.Year == other.Year && p.Month < other.Month)
}

// String returns the YYYY-MM form stored in lastGeneratedPeriod.
func (p Period) String() string { return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month)) }

// Description returns the human form, e.g. "February 2024".
func (p Period) Description() string { return fmt.Sprintf("%s %d", p.Month, p.Year) }

// Day returns the given day of the period, clamped to the month length.
func (p Period) Day(day int) Date { return ClampedDate(p.Year, p.Month, day) }

func (p Period) Start() Date { return p.Day(1) }
