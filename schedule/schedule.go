/*
Package schedule owns mentor availability.

PURPOSE:
  Three cooperating pieces, leaves first:

  Service    - the Schedule Store: read and validated upsert of a mentor's
               weekly pattern, date exceptions and booking policy.
  Checker    - the Conflict Checker: half-open overlap against a mentor's
               active appointments.
  Generator  - the Slot Generator: turns a schedule into a lazy sequence of
               bookable windows over a date range.

RESOLUTION RULE:
  For a calendar date the exception for that date (if any) fully replaces
  the weekly pattern. available=false closes an open weekday, available=true
  opens a closed one, but only with the slots it lists: an exception with no
  slots yields no bookable time.

SEE ALSO:
  - engine/schedule.go: data model
  - booking/orchestrator.go: consumes Checker and Fits
*/
package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/warp/booking-engine/engine"
)

// =============================================================================
// SERVICE - Schedule Store
// =============================================================================

type Service struct {
	store engine.ScheduleStore
	now   func() time.Time
}

func NewService(store engine.ScheduleStore, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

// Get returns the owner's schedule or an error wrapping engine.ErrNotFound.
func (s *Service) Get(ctx context.Context, ownerID engine.UserID) (engine.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, ownerID)
	if err != nil {
		return engine.Schedule{}, fmt.Errorf("schedule %s: %w", ownerID, err)
	}
	return sched, nil
}

// Upsert validates and replaces the owner's schedule. Slots are sorted by
// start; overlapping or empty slots are rejected with *engine.InvalidSlotError.
func (s *Service) Upsert(ctx context.Context, ownerID engine.UserID, weekly engine.WeeklyPattern, exceptions []engine.Exception, policy engine.BookingPolicy) (engine.Schedule, error) {
	sched := Normalize(engine.Schedule{
		OwnerID:    ownerID,
		Weekly:     weekly,
		Exceptions: exceptions,
		Policy:     policy,
		UpdatedAt:  s.now().UTC(),
	})
	if err := Validate(sched); err != nil {
		return engine.Schedule{}, err
	}
	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		return engine.Schedule{}, fmt.Errorf("save schedule %s: %w", ownerID, err)
	}
	return sched, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Normalize sorts slots by start and exceptions by date. It never drops data.
func Normalize(s engine.Schedule) engine.Schedule {
	weekly := make(engine.WeeklyPattern, len(s.Weekly))
	for day, avail := range s.Weekly {
		avail.Slots = sortedRanges(avail.Slots)
		weekly[day] = avail
	}
	exceptions := make([]engine.Exception, len(s.Exceptions))
	for i, ex := range s.Exceptions {
		ex.Slots = sortedRanges(ex.Slots)
		exceptions[i] = ex
	}
	sort.SliceStable(exceptions, func(i, j int) bool {
		return exceptions[i].Date.Before(exceptions[j].Date)
	})
	s.Weekly = weekly
	s.Exceptions = exceptions
	return s
}

func sortedRanges(in []engine.TimeRange) []engine.TimeRange {
	out := append([]engine.TimeRange(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Validate checks every invariant of a normalized schedule.
func Validate(s engine.Schedule) error {
	if s.OwnerID == "" {
		return fmt.Errorf("%w: owner id is required", engine.ErrInvalidSlot)
	}
	for day, avail := range s.Weekly {
		if day < time.Sunday || day > time.Saturday {
			return fmt.Errorf("%w: unknown weekday %d", engine.ErrInvalidSlot, day)
		}
		if err := validateRanges(dayName(day), avail.Slots); err != nil {
			return err
		}
	}

	seen := make(map[engine.Date]bool, len(s.Exceptions))
	for _, ex := range s.Exceptions {
		if ex.Date.IsZero() {
			return fmt.Errorf("%w: exception without date", engine.ErrInvalidSlot)
		}
		if seen[ex.Date] {
			return fmt.Errorf("%w: more than one exception for %s", engine.ErrInvalidSlot, ex.Date)
		}
		seen[ex.Date] = true
		if err := validateRanges("exception "+ex.Date.String(), ex.Slots); err != nil {
			return err
		}
	}

	return validatePolicy(s.Policy)
}

func validateRanges(where string, ranges []engine.TimeRange) error {
	for i, r := range ranges {
		if r.Start < 0 || r.End > 24*60 {
			return &engine.InvalidSlotError{Where: where, Index: i, Reason: "outside the day"}
		}
		if r.Start >= r.End {
			return &engine.InvalidSlotError{Where: where, Index: i,
				Reason: fmt.Sprintf("start %s is not before end %s", r.Start, r.End)}
		}
		if i > 0 && r.Start < ranges[i-1].End {
			return &engine.InvalidSlotError{Where: where, Index: i,
				Reason: fmt.Sprintf("overlaps %s-%s", ranges[i-1].Start, ranges[i-1].End)}
		}
	}
	return nil
}

func validatePolicy(p engine.BookingPolicy) error {
	if p.BufferMinutes < 0 {
		return fmt.Errorf("%w: buffer_minutes must be >= 0", engine.ErrInvalidSlot)
	}
	if p.MinNoticeHours < 0 {
		return fmt.Errorf("%w: min_notice_hours must be >= 0", engine.ErrInvalidSlot)
	}
	if p.MaxAdvanceDays < 1 {
		return fmt.Errorf("%w: max_advance_days must be >= 1", engine.ErrInvalidSlot)
	}
	if _, err := p.Location(); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidSlot, err)
	}
	return nil
}

func dayName(d time.Weekday) string {
	return map[time.Weekday]string{
		time.Monday: "monday", time.Tuesday: "tuesday", time.Wednesday: "wednesday",
		time.Thursday: "thursday", time.Friday: "friday", time.Saturday: "saturday",
		time.Sunday: "sunday",
	}[d]
}

// ParseWeekday accepts lower-case English day names.
func ParseWeekday(name string) (time.Weekday, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if dayName(d) == name {
			return d, true
		}
	}
	return 0, false
}

// WeekdayName is the inverse of ParseWeekday.
func WeekdayName(d time.Weekday) string { return dayName(d) }

// =============================================================================
// FIT - Is a window inside published availability?
// =============================================================================

// Fits reports whether w starts and, together with the buffer, ends inside
// one configured range of the effective day of w.Start in the schedule's
// timezone.
func Fits(s engine.Schedule, w engine.Window) (bool, error) {
	loc, err := s.Policy.Location()
	if err != nil {
		return false, err
	}
	start := w.Start.In(loc)
	date := engine.DateOf(start)
	eff := s.Effective(date)
	if !eff.Available {
		return false, nil
	}
	for _, r := range eff.Slots {
		rangeWindow := engine.Window{Start: date.At(r.Start, loc), End: date.At(r.End, loc)}
		padded := engine.Window{Start: w.Start, End: w.End.Add(s.Policy.Buffer())}
		if rangeWindow.Contains(padded) {
			return true, nil
		}
	}
	return false, nil
}
