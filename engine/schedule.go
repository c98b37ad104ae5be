package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// CLOCK - Wall-clock time of day
// =============================================================================

// Clock is a local wall-clock time of day in minutes since midnight.
// 24:00 is allowed as the end of a range.
type Clock int

const endOfDay Clock = 24 * 60

// ParseClock parses "HH:mm".
func ParseClock(s string) (Clock, error) {
	var h, m int
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid time of day %q (use HH:mm)", s)
	}
	if _, err := fmt.Sscanf(s, "%02d:%02d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time of day %q (use HH:mm)", s)
	}
	c := Clock(h*60 + m)
	if m < 0 || m > 59 || h < 0 || c > endOfDay {
		return 0, fmt.Errorf("time of day out of range: %q", s)
	}
	return c, nil
}

func MustParseClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60) }

func (c Clock) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *Clock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// TimeRange is a configured window within one day, [Start, End).
type TimeRange struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

func (r TimeRange) Minutes() int { return int(r.End - r.Start) }

// =============================================================================
// DATE - Calendar date without time of day
// =============================================================================

type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string        { return d.midnightUTC().Format(dateLayout) }
func (d Date) IsZero() bool          { return d.Year == 0 && d.Month == 0 && d.Day == 0 }
func (d Date) Weekday() time.Weekday { return d.midnightUTC().Weekday() }
func (d Date) AddDays(n int) Date    { return DateOf(d.midnightUTC().AddDate(0, 0, n)) }
func (d Date) Before(o Date) bool    { return d.midnightUTC().Before(o.midnightUTC()) }
func (d Date) After(o Date) bool     { return d.midnightUTC().After(o.midnightUTC()) }

// At returns the instant of wall-clock c on d in loc.
func (d Date) At(c Clock, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, int(c), 0, 0, loc)
}

func (d Date) midnightUTC() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// SCHEDULE - Weekly pattern, exceptions, booking policy
// =============================================================================

// DayAvailability is the configuration of one day. Slots are ordered,
// non-overlapping and each has Start < End.
type DayAvailability struct {
	Available bool        `json:"available"`
	Slots     []TimeRange `json:"slots"`
}

// WeeklyPattern has at most one entry per weekday; a missing weekday is closed.
type WeeklyPattern map[time.Weekday]DayAvailability

// Exception replaces the weekly pattern for a single date.
type Exception struct {
	Date      Date        `json:"date"`
	Available bool        `json:"available"`
	Slots     []TimeRange `json:"slots,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

type BookingPolicy struct {
	Timezone       string `json:"timezone"`
	BufferMinutes  int    `json:"buffer_minutes"`
	MinNoticeHours int    `json:"min_notice_hours"`
	MaxAdvanceDays int    `json:"max_advance_days"`
}

func (p BookingPolicy) Buffer() time.Duration    { return time.Duration(p.BufferMinutes) * time.Minute }
func (p BookingPolicy) MinNotice() time.Duration { return time.Duration(p.MinNoticeHours) * time.Hour }

// Horizon is the furthest start time bookable at now.
func (p BookingPolicy) Horizon(now time.Time) time.Time {
	return now.AddDate(0, 0, p.MaxAdvanceDays)
}

// Earliest is the first start time bookable at now.
func (p BookingPolicy) Earliest(now time.Time) time.Time {
	return now.Add(p.MinNotice())
}

func (p BookingPolicy) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", p.Timezone, err)
	}
	return loc, nil
}

// Schedule is owned one-per-mentor.
type Schedule struct {
	OwnerID    UserID
	Weekly     WeeklyPattern
	Exceptions []Exception
	Policy     BookingPolicy
	UpdatedAt  time.Time
}

// Effective resolves the availability of date: the exception for that date
// when present, the weekly pattern otherwise. An exception that is available
// but lists no slots yields an open day with no bookable time.
func (s Schedule) Effective(date Date) DayAvailability {
	for _, ex := range s.Exceptions {
		if ex.Date == date {
			return DayAvailability{Available: ex.Available, Slots: ex.Slots}
		}
	}
	return s.Weekly[date.Weekday()]
}
