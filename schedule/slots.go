package schedule

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/warp/booking-engine/engine"
)

// =============================================================================
// GENERATOR - Slot Generator
// =============================================================================

// Generator produces bookable windows. Nothing is cached: every call reads
// the current schedule and appointments, since both change as bookings land.
type Generator struct {
	schedules    engine.ScheduleStore
	appointments engine.AppointmentStore
	now          func() time.Time
}

func NewGenerator(schedules engine.ScheduleStore, appointments engine.AppointmentStore, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{schedules: schedules, appointments: appointments, now: now}
}

// Generate yields, in chronological order, every window of durationMinutes
// on the calendar days [from, to] (schedule timezone) that
//
//   - lies in a configured range of the effective day, with
//     start + duration + buffer <= range end, starting at the range start
//     and stepping by the duration;
//   - starts no earlier than now + min notice and no later than now + horizon;
//   - overlaps none of the owner's active appointments.
//
// The sequence is lazy and single-use: appointments are loaded one day at a
// time as the consumer advances. A failure is yielded once as the error of
// the last pair.
func (g *Generator) Generate(ctx context.Context, ownerID engine.UserID, from, to engine.Date, durationMinutes int) iter.Seq2[engine.Window, error] {
	return func(yield func(engine.Window, error) bool) {
		if durationMinutes <= 0 {
			yield(engine.Window{}, fmt.Errorf("%w: duration must be positive", engine.ErrInvalidTime))
			return
		}
		if to.Before(from) {
			yield(engine.Window{}, fmt.Errorf("%w: range end %s before start %s", engine.ErrInvalidTime, to, from))
			return
		}

		sched, err := g.schedules.GetSchedule(ctx, ownerID)
		if err != nil {
			yield(engine.Window{}, fmt.Errorf("schedule %s: %w", ownerID, err))
			return
		}
		loc, err := sched.Policy.Location()
		if err != nil {
			yield(engine.Window{}, err)
			return
		}

		now := g.now().In(loc)
		earliest := sched.Policy.Earliest(now)
		horizon := sched.Policy.Horizon(now)
		duration := time.Duration(durationMinutes) * time.Minute
		buffer := sched.Policy.Buffer()

		// Days outside [today, horizon] cannot produce a slot.
		if today := engine.DateOf(now); from.Before(today) {
			from = today
		}
		if last := engine.DateOf(horizon); to.After(last) {
			to = last
		}

		for day := from; !day.After(to); day = day.AddDays(1) {
			if err := ctx.Err(); err != nil {
				yield(engine.Window{}, err)
				return
			}
			eff := sched.Effective(day)
			if !eff.Available || len(eff.Slots) == 0 {
				continue
			}

			dayWindow := engine.Window{Start: day.At(0, loc), End: day.AddDays(1).At(0, loc)}
			booked, err := g.appointments.ActiveAppointments(ctx, ownerID, dayWindow)
			if err != nil {
				yield(engine.Window{}, fmt.Errorf("load appointments for %s: %w", ownerID, err))
				return
			}

			for _, r := range eff.Slots {
				rangeEnd := day.At(r.End, loc)
				for start := day.At(r.Start, loc); !start.Add(duration + buffer).After(rangeEnd); start = start.Add(duration) {
					if start.Before(earliest) || start.After(horizon) {
						continue
					}
					candidate := engine.NewWindow(start, duration)
					if len(FilterConflicts(booked, candidate, "")) > 0 {
						continue
					}
					if !yield(candidate, nil) {
						return
					}
				}
			}
		}
	}
}

// Collect drains a slot sequence.
func Collect(seq iter.Seq2[engine.Window, error]) ([]engine.Window, error) {
	var out []engine.Window
	for w, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, w)
	}
	return out, nil
}
