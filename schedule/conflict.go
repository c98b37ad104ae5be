package schedule

import (
	"context"
	"fmt"

	"github.com/warp/booking-engine/engine"
)

// =============================================================================
// CHECKER - Conflict Checker
// =============================================================================

// Checker decides whether a window collides with a mentor's active
// appointments. engine.Overlaps is the only overlap rule; a window that
// spans an existing appointment end to end is a conflict.
type Checker struct {
	store engine.AppointmentStore
}

func NewChecker(store engine.AppointmentStore) *Checker {
	return &Checker{store: store}
}

// Conflicts returns the active appointments of mentorID overlapping w,
// ignoring exclude (used when re-validating an existing appointment).
func (c *Checker) Conflicts(ctx context.Context, mentorID engine.UserID, w engine.Window, exclude engine.AppointmentID) ([]engine.Appointment, error) {
	candidates, err := c.store.ActiveAppointments(ctx, mentorID, w)
	if err != nil {
		return nil, fmt.Errorf("load appointments for %s: %w", mentorID, err)
	}
	return FilterConflicts(candidates, w, exclude), nil
}

func (c *Checker) HasConflict(ctx context.Context, mentorID engine.UserID, w engine.Window, exclude engine.AppointmentID) (bool, error) {
	conflicts, err := c.Conflicts(ctx, mentorID, w, exclude)
	if err != nil {
		return false, err
	}
	return len(conflicts) > 0, nil
}

// FilterConflicts keeps the active appointments of as that overlap w.
func FilterConflicts(as []engine.Appointment, w engine.Window, exclude engine.AppointmentID) []engine.Appointment {
	var out []engine.Appointment
	for _, a := range as {
		if a.ID == exclude || !a.Status.IsActive() {
			continue
		}
		if engine.Overlaps(a.Window(), w) {
			out = append(out, a)
		}
	}
	return out
}
