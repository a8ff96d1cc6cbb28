/*
schedule.go - Schedule rules, matching and billing period computation

PURPOSE:
  Decides whether a contract is due on a run date and which calendar period
  the resulting invoice covers. Pure functions over dates: no I/O, no clock.

RULE VARIANTS (Cadence):
  Weekly{Weekday}            matches every <Weekday>
  Biweekly{Weekday, Anchor}  matches every other <Weekday>, counting from Anchor
  Monthly{Day}               matches day <Day>, clamped to the month's last day

  Weekdays are 0=Monday .. 6=Sunday.

PERIODS:
  weekly    [runDate-6,  runDate]
  biweekly  [runDate-13, runDate]
  monthly   [first of runDate's month, runDate]

MISCONFIGURATION:
  A rule whose cadence disagrees with the contract frequency, or a biweekly
  anchor that is not on the billing weekday, never matches. Matches returns
  false; Check returns the ErrScheduleMisconfigured explaining why.

SEE ALSO:
  - period.go: Period type
  - orchestrator.go: Uses Matches/ComputePeriod per item
*/
package billing

import "fmt"

// =============================================================================
// CADENCE - Tagged variant keyed by frequency
// =============================================================================

// Cadence is one of Weekly, Biweekly or Monthly.
type Cadence interface {
	Frequency() Frequency
	matches(runDate Date) bool
	check() error
}

type Weekly struct {
	Weekday int
}

type Biweekly struct {
	Weekday int
	Anchor  Date
}

type Monthly struct {
	Day int
}

func (Weekly) Frequency() Frequency   { return FrequencyWeekly }
func (Biweekly) Frequency() Frequency { return FrequencyBiweekly }
func (Monthly) Frequency() Frequency  { return FrequencyMonthly }

func (w Weekly) matches(d Date) bool { return d.Weekday() == w.Weekday }

func (b Biweekly) matches(d Date) bool {
	if d.Weekday() != b.Weekday || d.Before(b.Anchor) {
		return false
	}
	weeks := DaysBetween(b.Anchor, d) / 7
	return weeks%2 == 0
}

func (m Monthly) matches(d Date) bool {
	day := m.Day
	if last := DaysInMonth(d.Year(), d.Month()); day > last {
		day = last
	}
	return d.Day() == day
}

func (w Weekly) check() error { return checkWeekday(w.Weekday) }

func (b Biweekly) check() error {
	if err := checkWeekday(b.Weekday); err != nil {
		return err
	}
	if b.Anchor.IsZero() {
		return fmt.Errorf("%w: biweekly rule has no anchor date", ErrScheduleMisconfigured)
	}
	if b.Anchor.Weekday() != b.Weekday {
		return fmt.Errorf("%w: anchor %s is a %s, billing weekday is %s",
			ErrScheduleMisconfigured, b.Anchor, WeekdayName(b.Anchor.Weekday()), WeekdayName(b.Weekday))
	}
	return nil
}

func (m Monthly) check() error {
	if m.Day < 1 || m.Day > 31 {
		return fmt.Errorf("%w: billing day %d outside 1..31", ErrScheduleMisconfigured, m.Day)
	}
	return nil
}

func checkWeekday(wd int) error {
	if wd < 0 || wd > 6 {
		return fmt.Errorf("%w: billing weekday %d outside 0..6", ErrScheduleMisconfigured, wd)
	}
	return nil
}

// =============================================================================
// SCHEDULE RULE
// =============================================================================

// ScheduleRule is a contract's billing schedule.
type ScheduleRule struct {
	Cadence       Cadence
	Enabled       bool
	AutoSendEmail bool
}

// RuleFields is the loosely-typed shape schedules arrive in from storage or
// JSON. Only the fields of the chosen frequency are read.
type RuleFields struct {
	Weekday *int
	Anchor  *Date
	Day     *int
}

// NewScheduleRule builds the cadence for freq, rejecting a combination whose
// variant fields are absent or out of range.
func NewScheduleRule(freq Frequency, f RuleFields) (ScheduleRule, error) {
	var c Cadence
	switch freq {
	case FrequencyWeekly:
		if f.Weekday == nil {
			return ScheduleRule{}, fmt.Errorf("%w: weekly rule requires billing_weekday", ErrInvalidInput)
		}
		c = Weekly{Weekday: *f.Weekday}
	case FrequencyBiweekly:
		if f.Weekday == nil || f.Anchor == nil {
			return ScheduleRule{}, fmt.Errorf("%w: biweekly rule requires billing_weekday and anchor_date", ErrInvalidInput)
		}
		c = Biweekly{Weekday: *f.Weekday, Anchor: *f.Anchor}
	case FrequencyMonthly:
		if f.Day == nil {
			return ScheduleRule{}, fmt.Errorf("%w: monthly rule requires billing_day", ErrInvalidInput)
		}
		c = Monthly{Day: *f.Day}
	default:
		return ScheduleRule{}, fmt.Errorf("%w: unsupported frequency %q", ErrInvalidInput, freq)
	}
	if err := checkRange(c); err != nil {
		return ScheduleRule{}, err
	}
	return ScheduleRule{Cadence: c, Enabled: true}, nil
}

// checkRange rejects out-of-range values at construction. An anchor on the
// wrong weekday is accepted here and surfaces later as "never matches".
func checkRange(c Cadence) error {
	switch v := c.(type) {
	case Weekly:
		if checkWeekday(v.Weekday) != nil {
			return fmt.Errorf("%w: billing_weekday %d outside 0..6", ErrInvalidInput, v.Weekday)
		}
	case Biweekly:
		if checkWeekday(v.Weekday) != nil {
			return fmt.Errorf("%w: billing_weekday %d outside 0..6", ErrInvalidInput, v.Weekday)
		}
		if v.Anchor.IsZero() {
			return fmt.Errorf("%w: anchor_date is required", ErrInvalidInput)
		}
	case Monthly:
		if v.check() != nil {
			return fmt.Errorf("%w: billing_day %d outside 1..31", ErrInvalidInput, v.Day)
		}
	}
	return nil
}

func NewWeeklyRule(weekday int) (ScheduleRule, error) {
	return NewScheduleRule(FrequencyWeekly, RuleFields{Weekday: &weekday})
}

func NewBiweeklyRule(weekday int, anchor Date) (ScheduleRule, error) {
	return NewScheduleRule(FrequencyBiweekly, RuleFields{Weekday: &weekday, Anchor: &anchor})
}

func NewMonthlyRule(day int) (ScheduleRule, error) {
	return NewScheduleRule(FrequencyMonthly, RuleFields{Day: &day})
}

// Frequency returns the cadence's discriminant, or "" for an empty rule.
func (r ScheduleRule) Frequency() Frequency {
	if r.Cadence == nil {
		return ""
	}
	return r.Cadence.Frequency()
}

// Check reports why the rule can never match for a contract billed at freq.
// A nil error means the rule is consistent; it may still be disabled.
func (r ScheduleRule) Check(freq Frequency) error {
	if r.Cadence == nil {
		return fmt.Errorf("%w: rule has no cadence", ErrScheduleMisconfigured)
	}
	if r.Cadence.Frequency() != freq {
		return fmt.Errorf("%w: rule is %s, contract is %s", ErrScheduleMisconfigured, r.Cadence.Frequency(), freq)
	}
	return r.Cadence.check()
}

// Fields flattens the rule back into RuleFields for storage.
func (r ScheduleRule) Fields() RuleFields {
	switch v := r.Cadence.(type) {
	case Weekly:
		return RuleFields{Weekday: &v.Weekday}
	case Biweekly:
		return RuleFields{Weekday: &v.Weekday, Anchor: &v.Anchor}
	case Monthly:
		return RuleFields{Day: &v.Day}
	}
	return RuleFields{}
}

// =============================================================================
// RESOLVER
// =============================================================================

// Matches reports whether a contract billed at freq is due on runDate.
// Misconfigured or disabled rules return false.
func Matches(rule ScheduleRule, freq Frequency, runDate Date) bool {
	if !rule.Enabled || runDate.IsZero() {
		return false
	}
	if rule.Check(freq) != nil {
		return false
	}
	return rule.Cadence.matches(runDate)
}

// ComputePeriod returns the inclusive period ending on runDate.
// An unknown frequency or zero date yields a zero Period.
func ComputePeriod(freq Frequency, runDate Date) Period {
	if runDate.IsZero() {
		return Period{}
	}
	switch freq {
	case FrequencyWeekly:
		return Period{Start: runDate.AddDays(-6), End: runDate}
	case FrequencyBiweekly:
		return Period{Start: runDate.AddDays(-13), End: runDate}
	case FrequencyMonthly:
		return Period{Start: StartOfMonth(runDate.Year(), runDate.Month()), End: runDate}
	default:
		return Period{}
	}
}

// nextRunHorizon covers two biweekly cycles and any monthly gap.
const nextRunHorizon = 62

// NextRunDate returns the first date on or after from that matches.
// It returns false when nothing matches within the horizon, which only
// happens for disabled or misconfigured rules.
func NextRunDate(rule ScheduleRule, freq Frequency, from Date) (Date, bool) {
	d := from
	for i := 0; i <= nextRunHorizon; i++ {
		if Matches(rule, freq, d) {
			return d, true
		}
		d = d.AddDays(1)
	}
	return Date{}, false
}

var weekdayNames = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// WeekdayName returns the English name for 0=Monday .. 6=Sunday.
func WeekdayName(wd int) string {
	if wd < 0 || wd > 6 {
		return fmt.Sprintf("weekday(%d)", wd)
	}
	return weekdayNames[wd]
}
