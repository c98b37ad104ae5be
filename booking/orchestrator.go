/*
Package booking implements the Booking Orchestrator.

PURPOSE:
  Validates a booking end to end, creates the appointment, charges the
  ledger and compensates when the charge fails. Cancellation and every
  other status change go through here so no code path can set a status
  outside the allow-list in status.go.

BOOKING SAGA:
  1. Service active?                       ServiceUnavailable
  2. Mentor given when required?           MentorRequired
  3. Not in the past, timezone known?      InvalidTime
  4. Mentor bookable, inside availability,
     notice/horizon, no conflict?          SlotUnavailable
  5. Balance >= cost?                      InsufficientCredits
  6. Create appointment (pending, uncharged), atomic overlap check in storage
  7. Debit cost under idempotency key charge:<id>
  8. Debit failed  -> delete the appointment (compensation), return the debit error
     Debit ok      -> set creditsCharged, persist

  A compensation that fails is logged and left for Reconcile.

CONCURRENCY:
  Steps 4 and 6 run under the mentor's lock (lock.Locker). Storage re-checks
  the overlap on insert, so two processes sharing a database without a
  shared lock still cannot double-book. The ledger serializes per user.

SEE ALSO:
  - status.go: transition table
  - reconcile.go: repair of interrupted sagas
  - ledger/ledger.go: Debit/Credit
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/engine"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/lock"
	"github.com/warp/booking-engine/schedule"
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Orchestrator struct {
	appointments engine.AppointmentStore
	schedules    engine.ScheduleStore
	catalog      engine.Catalog
	mentors      engine.MentorDirectory
	ledger       *ledger.Ledger
	checker      *schedule.Checker

	locker   lock.Locker
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
	attempts int
}

type Option func(*Orchestrator)

func WithLocker(l lock.Locker) Option        { return func(o *Orchestrator) { o.locker = l } }
func WithLogger(lg *zap.Logger) Option       { return func(o *Orchestrator) { o.logger = lg } }
func WithClock(now func() time.Time) Option  { return func(o *Orchestrator) { o.now = now } }
func WithIDGenerator(f func() string) Option { return func(o *Orchestrator) { o.newID = f } }
func WithRetryAttempts(n int) Option         { return func(o *Orchestrator) { o.attempts = n } }

func New(store engine.Store, led *ledger.Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		appointments: store,
		schedules:    store,
		catalog:      store,
		mentors:      store,
		ledger:       led,
		checker:      schedule.NewChecker(store),
		locker:       lock.NewKeyed(),
		logger:       zap.NewNop(),
		now:          time.Now,
		newID:        uuid.NewString,
		attempts:     engine.DefaultRetryAttempts,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// =============================================================================
// BOOK
// =============================================================================

type BookRequest struct {
	StudentID   engine.UserID
	ServiceID   engine.ServiceID
	MentorID    engine.UserID // optional unless the service requires one
	ScheduledAt time.Time
	Timezone    string // defaults to the mentor's schedule timezone, then UTC
	Notes       string
}

// Book runs the booking saga. The returned appointment is pending and, when
// the service costs anything, charged.
func (o *Orchestrator) Book(ctx context.Context, req BookRequest) (engine.Appointment, error) {
	svc, err := o.catalog.GetService(ctx, req.ServiceID)
	if errors.Is(err, engine.ErrNotFound) {
		return engine.Appointment{}, fmt.Errorf("%w: service %s does not exist", engine.ErrServiceUnavailable, req.ServiceID)
	}
	if err != nil {
		return engine.Appointment{}, fmt.Errorf("load service %s: %w", req.ServiceID, err)
	}
	if !svc.Active {
		return engine.Appointment{}, fmt.Errorf("%w: service %s is inactive", engine.ErrServiceUnavailable, svc.ID)
	}
	if svc.RequiresMentor && req.MentorID == "" {
		return engine.Appointment{}, fmt.Errorf("%w: service %s", engine.ErrMentorRequired, svc.ID)
	}
	if req.StudentID == "" {
		return engine.Appointment{}, fmt.Errorf("%w: student id is required", engine.ErrInvalidRequest)
	}

	now := o.now()
	if req.ScheduledAt.IsZero() || req.ScheduledAt.Before(now) {
		return engine.Appointment{}, fmt.Errorf("%w: %s is in the past", engine.ErrInvalidTime, req.ScheduledAt.Format(time.RFC3339))
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			return engine.Appointment{}, fmt.Errorf("%w: unknown timezone %q", engine.ErrInvalidTime, req.Timezone)
		}
	}

	appt := engine.Appointment{
		ID:              engine.AppointmentID(o.newID()),
		StudentID:       req.StudentID,
		MentorID:        req.MentorID,
		ServiceID:       svc.ID,
		Status:          engine.StatusPending,
		ScheduledAt:     req.ScheduledAt.UTC(),
		DurationMinutes: svc.DurationMinutes,
		Timezone:        req.Timezone,
		CreditCost:      svc.CreditCost,
		Notes:           req.Notes,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}

	if appt.HasMentor() {
		unlock, err := o.locker.Lock(ctx, "mentor:"+string(appt.MentorID))
		if err != nil {
			return engine.Appointment{}, fmt.Errorf("lock mentor %s: %w", appt.MentorID, err)
		}
		defer unlock()

		sched, err := o.checkMentor(ctx, appt, now)
		if err != nil {
			return engine.Appointment{}, err
		}
		if appt.Timezone == "" {
			appt.Timezone = sched.Policy.Timezone
		}
	}
	if appt.Timezone == "" {
		appt.Timezone = "UTC"
	}

	charge := svc.CreditCost.IsPositive()
	if charge {
		if err := o.checkBalance(ctx, appt.StudentID, svc.CreditCost); err != nil {
			return engine.Appointment{}, err
		}
	}

	if charge {
		unlockSaga, err := o.locker.Lock(ctx, sagaKey(appt.ID))
		if err != nil {
			return engine.Appointment{}, fmt.Errorf("lock booking %s: %w", appt.ID, err)
		}
		defer unlockSaga()
	}

	if err := o.appointments.CreateAppointment(ctx, appt); err != nil {
		return engine.Appointment{}, fmt.Errorf("create appointment: %w", err)
	}
	appt.Version = 1

	if !charge {
		o.logger.Info("appointment booked",
			zap.String("appointment_id", string(appt.ID)),
			zap.String("student_id", string(appt.StudentID)),
			zap.String("mentor_id", string(appt.MentorID)))
		return appt, nil
	}

	tx, err := o.ledger.Debit(ctx, appt.StudentID, appt.CreditCost, ledger.Entry{
		Reason:               engine.ReasonBookingCharge,
		Memo:                 "booking " + string(svc.ID),
		RelatedAppointmentID: appt.ID,
		IdempotencyKey:       engine.ChargeKey(appt.ID),
	})
	if err != nil {
		o.compensate(ctx, appt, err)
		return engine.Appointment{}, err
	}

	charged, err := o.mutate(ctx, appt.ID, func(a *engine.Appointment) error {
		a.CreditsCharged = true
		return nil
	})
	if err != nil {
		// The debit stands. Reconcile finds the charge by key and sets the flag.
		o.logger.Error("charge recorded but appointment not updated",
			zap.String("appointment_id", string(appt.ID)),
			zap.String("tx_id", string(tx.ID)),
			zap.Error(err))
		return engine.Appointment{}, fmt.Errorf("mark appointment %s charged: %w", appt.ID, err)
	}

	o.logger.Info("appointment booked",
		zap.String("appointment_id", string(charged.ID)),
		zap.String("student_id", string(charged.StudentID)),
		zap.String("mentor_id", string(charged.MentorID)),
		zap.String("tx_id", string(tx.ID)),
		zap.String("credits", charged.CreditCost.String()))
	return charged, nil
}

// sagaKey guards one booking from create to mark-charged. Reconcile takes it
// before judging a pending appointment.
func sagaKey(id engine.AppointmentID) string { return "booking:" + string(id) }

// checkMentor runs every mentor-side precondition. Callers hold the mentor lock.
func (o *Orchestrator) checkMentor(ctx context.Context, appt engine.Appointment, now time.Time) (engine.Schedule, error) {
	w := appt.Window()
	unavailable := func(reason string) error {
		return &engine.SlotUnavailableError{MentorID: appt.MentorID, Window: w, Reason: reason}
	}

	mentor, err := o.mentors.GetMentor(ctx, appt.MentorID)
	if errors.Is(err, engine.ErrNotFound) || (err == nil && !mentor.Active) {
		return engine.Schedule{}, unavailable("mentor is not bookable")
	}
	if err != nil {
		return engine.Schedule{}, fmt.Errorf("load mentor %s: %w", appt.MentorID, err)
	}

	sched, err := o.schedules.GetSchedule(ctx, appt.MentorID)
	if errors.Is(err, engine.ErrNotFound) {
		return engine.Schedule{}, unavailable("mentor has no schedule")
	}
	if err != nil {
		return engine.Schedule{}, fmt.Errorf("load schedule %s: %w", appt.MentorID, err)
	}

	if w.Start.Before(sched.Policy.Earliest(now)) {
		return engine.Schedule{}, unavailable(fmt.Sprintf("less than %dh notice", sched.Policy.MinNoticeHours))
	}
	if w.Start.After(sched.Policy.Horizon(now)) {
		return engine.Schedule{}, unavailable(fmt.Sprintf("more than %d days ahead", sched.Policy.MaxAdvanceDays))
	}
	fits, err := schedule.Fits(sched, w)
	if err != nil {
		return engine.Schedule{}, fmt.Errorf("schedule %s: %w", appt.MentorID, err)
	}
	if !fits {
		return engine.Schedule{}, unavailable("outside published availability")
	}

	conflicts, err := o.checker.Conflicts(ctx, appt.MentorID, w, "")
	if err != nil {
		return engine.Schedule{}, err
	}
	if len(conflicts) > 0 {
		return engine.Schedule{}, unavailable("overlaps appointment " + string(conflicts[0].ID))
	}
	return sched, nil
}

func (o *Orchestrator) checkBalance(ctx context.Context, userID engine.UserID, cost decimal.Decimal) error {
	balance, err := o.ledger.Balance(ctx, userID)
	if errors.Is(err, engine.ErrNotFound) {
		balance = decimal.Zero
	} else if err != nil {
		return err
	}
	if balance.LessThan(cost) {
		return &engine.InsufficientCreditsError{UserID: userID, Required: cost, Available: balance}
	}
	return nil
}

// compensate undoes step 6 after a failed debit.
func (o *Orchestrator) compensate(ctx context.Context, appt engine.Appointment, cause error) {
	o.logger.Warn("charge failed, removing appointment",
		zap.String("appointment_id", string(appt.ID)),
		zap.String("user_id", string(appt.StudentID)),
		zap.Error(cause))

	// The request context may already be done; the delete must still run.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.appointments.DeleteAppointment(cctx, appt.ID); err != nil {
		o.logger.Error("compensation failed, appointment left for reconciliation",
			zap.String("appointment_id", string(appt.ID)),
			zap.String("mentor_id", string(appt.MentorID)),
			zap.Error(err))
	}
}

// =============================================================================
// CANCEL
// =============================================================================

// CancelResult reports the ledger effect of a cancellation.
type CancelResult struct {
	Appointment      engine.Appointment
	AlreadyCancelled bool
	Refunded         bool
	RefundTx         *engine.Transaction
}

// Cancel moves a pending or confirmed appointment to cancelled and refunds
// the charge. Cancelling an already cancelled appointment posts nothing new:
// the refund is keyed by appointment, so a retry only completes a refund an
// earlier call could not finish.
func (o *Orchestrator) Cancel(ctx context.Context, actor engine.Actor, id engine.AppointmentID, reason string) (CancelResult, error) {
	var already bool
	appt, err := o.mutate(ctx, id, func(a *engine.Appointment) error {
		if partyOf(actor, *a) == partyNone {
			return fmt.Errorf("%w: %s is not a participant", engine.ErrForbidden, actor.ID)
		}
		if a.Status == engine.StatusCancelled {
			already = true
			return errUnchanged
		}
		if !Cancellable(a.Status) {
			return &engine.TransitionError{From: a.Status, To: engine.StatusCancelled}
		}
		a.Status = engine.StatusCancelled
		a.Cancellation = &engine.Cancellation{Reason: reason, At: o.now().UTC(), By: actor.ID}
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}

	result := CancelResult{Appointment: appt, AlreadyCancelled: already}
	if !appt.CreditsCharged || !appt.CreditCost.IsPositive() {
		return result, nil
	}

	tx, err := o.refund(ctx, appt)
	if err != nil {
		o.logger.Error("refund failed",
			zap.String("appointment_id", string(appt.ID)),
			zap.String("user_id", string(appt.StudentID)),
			zap.Error(err))
		return result, fmt.Errorf("refund appointment %s: %w", appt.ID, err)
	}
	result.Refunded = true
	result.RefundTx = &tx

	if !appt.CreditsRefunded {
		updated, err := o.mutate(ctx, appt.ID, func(a *engine.Appointment) error {
			if a.CreditsRefunded {
				return errUnchanged
			}
			a.CreditsRefunded = true
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("mark appointment %s refunded: %w", appt.ID, err)
		}
		result.Appointment = updated
	}

	if !already {
		o.logger.Info("appointment cancelled",
			zap.String("appointment_id", string(appt.ID)),
			zap.String("by", string(actor.ID)),
			zap.String("refund_tx_id", string(tx.ID)))
	}
	return result, nil
}

// refund credits the charge back exactly once.
func (o *Orchestrator) refund(ctx context.Context, appt engine.Appointment) (engine.Transaction, error) {
	tx, err := o.ledger.Credit(ctx, appt.StudentID, appt.CreditCost, ledger.Entry{
		Reason:               engine.ReasonRefund,
		Memo:                 "cancellation",
		RelatedAppointmentID: appt.ID,
		IdempotencyKey:       engine.RefundKey(appt.ID),
	})
	if errors.Is(err, engine.ErrDuplicateIdempotencyKey) {
		return tx, nil
	}
	return tx, err
}

// =============================================================================
// UPDATE
// =============================================================================

// UpdateRequest is a typed partial update. Nil fields are left alone.
type UpdateRequest struct {
	Status   *engine.Status
	Notes    *string
	Rating   *int
	Feedback *string
	Reason   string // cancellation reason when Status is cancelled
}

// Update applies req on behalf of actor.
//
//   - Status: only the appointment's mentor or an admin, along the allow-list.
//     cancelled is delegated to Cancel so the refund runs; students may
//     request nothing else.
//   - Notes: any participant.
//   - Rating (1..5) and Feedback: the student or an admin, once completed.
func (o *Orchestrator) Update(ctx context.Context, actor engine.Actor, id engine.AppointmentID, req UpdateRequest) (engine.Appointment, error) {
	if req.Rating != nil && (*req.Rating < 1 || *req.Rating > 5) {
		return engine.Appointment{}, fmt.Errorf("%w: rating must be between 1 and 5", engine.ErrInvalidRequest)
	}
	if req.Status != nil && *req.Status == engine.StatusCancelled {
		res, err := o.Cancel(ctx, actor, id, req.Reason)
		if err != nil {
			return engine.Appointment{}, err
		}
		req.Status = nil
		if req.Notes == nil && req.Rating == nil && req.Feedback == nil {
			return res.Appointment, nil
		}
	}

	return o.mutate(ctx, id, func(a *engine.Appointment) error {
		p := partyOf(actor, *a)
		if p == partyNone {
			return fmt.Errorf("%w: %s is not a participant", engine.ErrForbidden, actor.ID)
		}

		if req.Status != nil && *req.Status != a.Status {
			if p == partyStudent {
				return fmt.Errorf("%w: students may only cancel", engine.ErrForbidden)
			}
			if err := Transition(a.Status, *req.Status); err != nil {
				return err
			}
			a.Status = *req.Status
		}
		if req.Notes != nil {
			a.Notes = *req.Notes
		}
		if req.Rating != nil || req.Feedback != nil {
			if p == partyMentor {
				return fmt.Errorf("%w: only the student rates an appointment", engine.ErrForbidden)
			}
			if a.Status != engine.StatusCompleted {
				return fmt.Errorf("%w: appointment is %s, ratings need completed", engine.ErrInvalidRequest, a.Status)
			}
			if req.Rating != nil {
				r := *req.Rating
				a.Rating = &r
			}
			if req.Feedback != nil {
				a.Feedback = *req.Feedback
			}
		}
		return nil
	})
}

// =============================================================================
// READS
// =============================================================================

func (o *Orchestrator) Get(ctx context.Context, id engine.AppointmentID) (engine.Appointment, error) {
	a, err := o.appointments.GetAppointment(ctx, id)
	if err != nil {
		return engine.Appointment{}, fmt.Errorf("appointment %s: %w", id, err)
	}
	return a, nil
}

func (o *Orchestrator) List(ctx context.Context, filter engine.AppointmentFilter) ([]engine.Appointment, error) {
	return o.appointments.ListAppointments(ctx, filter)
}

// =============================================================================
// CONDITIONAL WRITES
// =============================================================================

// errUnchanged tells mutate that fn decided no write is needed.
var errUnchanged = errors.New("unchanged")

// mutate reads the appointment, applies fn and writes it back with a
// compare-and-swap on Version, retrying lost races with a fresh read.
func (o *Orchestrator) mutate(ctx context.Context, id engine.AppointmentID, fn func(*engine.Appointment) error) (engine.Appointment, error) {
	var out engine.Appointment
	err := engine.Retry(ctx, o.attempts, func() error {
		current, err := o.appointments.GetAppointment(ctx, id)
		if err != nil {
			return fmt.Errorf("appointment %s: %w", id, err)
		}
		next := current
		if err := fn(&next); err != nil {
			if errors.Is(err, errUnchanged) {
				out = current
				return nil
			}
			return err
		}
		next.UpdatedAt = o.now().UTC()
		updated, err := o.appointments.UpdateAppointment(ctx, next)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	return out, err
}
