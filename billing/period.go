package billing

import "fmt"

// =============================================================================
// PERIOD - The date range an invoice covers
// =============================================================================

// Period is an inclusive date range [Start, End].
//
// Examples:
//   - Weekly run on Fri 2025-01-10:   2025-01-04 .. 2025-01-10
//   - Biweekly run on Fri 2025-01-17: 2025-01-04 .. 2025-01-17
//   - Monthly run on 2025-04-30:      2025-04-01 .. 2025-04-30
type Period struct {
	Start Date `json:"period_start"`
	End   Date `json:"period_end"`
}

// NewPeriod builds a validated period.
func NewPeriod(start, end Date) (Period, error) {
	p := Period{Start: start, End: end}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// Validate rejects zero bounds and End before Start.
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return fmt.Errorf("%w: period bounds are required", ErrInvalidPeriod)
	}
	if p.End.Before(p.Start) {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, p)
	}
	return nil
}

func (p Period) IsZero() bool { return p.Start.IsZero() && p.End.IsZero() }

// Contains returns true if d is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

// Equal is exact equality of both bounds. The duplicate guard uses this.
func (p Period) Equal(o Period) bool {
	return p.Start.Equal(o.Start) && p.End.Equal(o.End)
}

// Overlaps reports whether the two ranges share at least one day.
func (p Period) Overlaps(o Period) bool {
	return !p.End.Before(o.Start) && !o.End.Before(p.Start)
}

// Days returns the number of days covered, inclusive.
func (p Period) Days() int {
	return DaysBetween(p.Start, p.End) + 1
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}
