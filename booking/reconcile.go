package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/booking-engine/engine"
)

// =============================================================================
// RECONCILE - Repair interrupted sagas
// =============================================================================

// DefaultGracePeriod leaves in-flight bookings alone.
const DefaultGracePeriod = 15 * time.Minute

type ReconcileReport struct {
	Scanned         int
	Deleted         []engine.AppointmentID // orphans whose charge never happened
	MarkedCharged   []engine.AppointmentID // charge found in the ledger, flag was missing
	RefundsFinished []engine.AppointmentID // cancelled and charged, refund was missing
	Failed          map[engine.AppointmentID]error
}

// Reconcile looks at pending appointments older than grace that cost
// credits but are not marked charged, and at cancelled ones whose refund
// never landed.
//
//   - charge:<id> exists in the ledger: the flag write was lost, set it.
//   - no charge: the compensating delete was lost, delete the appointment.
//   - cancelled, charged, not refunded: post the keyed refund.
//
// Each repair is independent; failures are collected, not fatal.
func (o *Orchestrator) Reconcile(ctx context.Context, grace time.Duration) (ReconcileReport, error) {
	report := ReconcileReport{Failed: make(map[engine.AppointmentID]error)}
	cutoff := o.now().Add(-grace)

	candidates, err := o.appointments.ListAppointments(ctx, engine.AppointmentFilter{
		Statuses: []engine.Status{engine.StatusPending, engine.StatusCancelled},
	})
	if err != nil {
		return report, fmt.Errorf("list appointments: %w", err)
	}

	for _, a := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !a.CreditCost.IsPositive() || a.CreatedAt.After(cutoff) {
			continue
		}
		report.Scanned++

		switch {
		case a.Status == engine.StatusPending && !a.CreditsCharged:
			o.reconcileCharge(ctx, a.ID, &report)
		case a.Status == engine.StatusCancelled && a.CreditsCharged && !a.CreditsRefunded:
			if _, err := o.Cancel(ctx, engine.Actor{ID: "reconciler", Roles: []engine.Role{engine.RoleAdmin}}, a.ID, ""); err != nil {
				report.Failed[a.ID] = err
				continue
			}
			report.RefundsFinished = append(report.RefundsFinished, a.ID)
		}
	}

	o.logger.Info("reconciliation finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("deleted", len(report.Deleted)),
		zap.Int("marked_charged", len(report.MarkedCharged)),
		zap.Int("refunds_finished", len(report.RefundsFinished)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

// reconcileCharge holds the booking's saga lock, so a Book still between
// create and debit finishes before the appointment is judged.
func (o *Orchestrator) reconcileCharge(ctx context.Context, id engine.AppointmentID, report *ReconcileReport) {
	unlock, err := o.locker.Lock(ctx, sagaKey(id))
	if err != nil {
		report.Failed[id] = fmt.Errorf("lock booking %s: %w", id, err)
		return
	}
	defer unlock()

	a, err := o.appointments.GetAppointment(ctx, id)
	if errors.Is(err, engine.ErrNotFound) {
		return
	}
	if err != nil {
		report.Failed[id] = err
		return
	}
	if a.Status != engine.StatusPending || a.CreditsCharged {
		return
	}

	_, err = o.ledger.Lookup(ctx, engine.ChargeKey(a.ID))
	switch {
	case err == nil:
		if _, err := o.mutate(ctx, a.ID, func(cur *engine.Appointment) error {
			cur.CreditsCharged = true
			return nil
		}); err != nil {
			report.Failed[a.ID] = err
			return
		}
		report.MarkedCharged = append(report.MarkedCharged, a.ID)
		o.logger.Warn("repaired missing charge flag", zap.String("appointment_id", string(a.ID)))

	case errors.Is(err, engine.ErrNotFound):
		if err := o.appointments.DeleteAppointment(ctx, a.ID); err != nil && !errors.Is(err, engine.ErrNotFound) {
			report.Failed[a.ID] = err
			return
		}
		report.Deleted = append(report.Deleted, a.ID)
		o.logger.Warn("deleted orphaned appointment",
			zap.String("appointment_id", string(a.ID)),
			zap.String("user_id", string(a.StudentID)),
			zap.String("mentor_id", string(a.MentorID)))

	default:
		report.Failed[a.ID] = err
	}
}
