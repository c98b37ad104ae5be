package booking

import (
	"github.com/warp/booking-engine/engine"
)

// =============================================================================
// TRANSITIONS - The only edges an appointment status may take
// =============================================================================

// transitions is the allow-list:
//
//	pending ──► confirmed ──► in_progress ──► completed
//	   │            │ │             │
//	   └─► cancelled◄┘ └─► no_show ◄─┘
var transitions = map[engine.Status][]engine.Status{
	engine.StatusPending:    {engine.StatusConfirmed, engine.StatusCancelled},
	engine.StatusConfirmed:  {engine.StatusInProgress, engine.StatusCancelled, engine.StatusNoShow},
	engine.StatusInProgress: {engine.StatusCompleted, engine.StatusNoShow},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to engine.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns a *engine.TransitionError for every edge not in the table.
func Transition(from, to engine.Status) error {
	if !to.IsValid() || !CanTransition(from, to) {
		return &engine.TransitionError{From: from, To: to}
	}
	return nil
}

// Cancellable reports whether Cancel accepts an appointment in status s.
func Cancellable(s engine.Status) bool {
	return CanTransition(s, engine.StatusCancelled)
}

// NextStatuses lists the allowed targets of s, for clients building menus.
func NextStatuses(s engine.Status) []engine.Status {
	return append([]engine.Status(nil), transitions[s]...)
}

// =============================================================================
// PARTIES
// =============================================================================

type party int

const (
	partyNone party = iota
	partyStudent
	partyMentor
	partyAdmin
)

// partyOf resolves how actor relates to a. Admin wins over participation.
func partyOf(actor engine.Actor, a engine.Appointment) party {
	switch {
	case actor.HasRole(engine.RoleAdmin):
		return partyAdmin
	case a.HasMentor() && actor.ID == a.MentorID:
		return partyMentor
	case actor.ID == a.StudentID:
		return partyStudent
	default:
		return partyNone
	}
}
