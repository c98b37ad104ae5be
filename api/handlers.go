/*
handlers.go - HTTP API handlers for the booking engine

PURPOSE:
  Exposes availability, bookings, the credit ledger and schedules via REST.
  Handles HTTP request/response and JSON, and delegates to the engine
  packages. No business rule lives here.

ENDPOINTS:
  Availability:
    GET    /api/availability/{ownerId}     ?from=&to=&duration_minutes= (or service_offering_id=)

  Bookings:
    POST   /api/bookings                   Book (saga: check, create, charge)
    GET    /api/bookings                   ?mentor_id=&student_id=&status=&from=&to=
    GET    /api/bookings/{id}
    PUT    /api/bookings/{id}              Status / notes / rating / feedback
    POST   /api/bookings/{id}/cancel       Cancel and refund

  Ledger:
    GET    /api/ledger/{userId}/balance
    GET    /api/ledger/{userId}/history
    POST   /api/ledger/{userId}/credits    Admin top-up or adjustment
    POST   /api/ledger/{userId}/verify     Replay history against the cached balance

  Schedules:
    GET    /api/schedules/{ownerId}
    PUT    /api/schedules/{ownerId}        Owner or admin

  Admin:
    PUT    /api/mentors/{id}
    PUT    /api/services/{id}
    POST   /api/admin/reconcile            Repair interrupted booking sagas (?grace= >= 1m)
    POST   /api/admin/audit                Verify every ledger

  Scenarios:
    GET    /api/scenarios
    GET    /api/scenarios/current
    POST   /api/scenarios/load             Admin
    POST   /api/scenarios/reset            Admin

ACTOR:
  Authentication happens upstream. The caller's id and roles arrive in the
  X-User-ID and X-User-Roles headers and are trusted as given.

ERROR HANDLING:
  See errors.go. Every engine error maps to one status and one code.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/engine"
	"github.com/warp/booking-engine/ledger"
	"github.com/warp/booking-engine/schedule"
)

// maxAvailabilityDays bounds one availability query.
const maxAvailabilityDays = 62

// minReconcileGrace keeps an admin pass away from bookings still in flight.
const minReconcileGrace = time.Minute

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     engine.Store
	Bookings  *booking.Orchestrator
	Ledger    *ledger.Ledger
	Schedules *schedule.Service
	Slots     *schedule.Generator
	Logger    *zap.Logger

	now func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the handlers to one store. now is the clock shared with
// the orchestrator and ledger; nil means time.Now.
func NewHandler(store engine.Store, bookings *booking.Orchestrator, led *ledger.Ledger, logger *zap.Logger, now func() time.Time) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Handler{
		Store:     store,
		Bookings:  bookings,
		Ledger:    led,
		Schedules: schedule.NewService(store, now),
		Slots:     schedule.NewGenerator(store, store, now),
		Logger:    logger,
		now:       now,
	}
}

// =============================================================================
// AVAILABILITY
// =============================================================================

// GetAvailability lists bookable slots of the owner between two calendar
// dates (inclusive, schedule timezone).
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	ownerID := engine.UserID(chi.URLParam(r, "ownerId"))
	q := r.URL.Query()

	from, err := engine.ParseDate(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date (use YYYY-MM-DD)", err)
		return
	}
	to := from
	if s := q.Get("to"); s != "" {
		if to, err = engine.ParseDate(s); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date (use YYYY-MM-DD)", err)
			return
		}
	}
	if from.AddDays(maxAvailabilityDays).Before(to) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Range is limited to %d days", maxAvailabilityDays), nil)
		return
	}

	duration, err := h.requestedDuration(r)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	windows, err := schedule.Collect(h.Slots.Generate(r.Context(), ownerID, from, to, duration))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := AvailabilityResponse{
		OwnerID:         string(ownerID),
		From:            from.String(),
		To:              to.String(),
		DurationMinutes: duration,
		Slots:           make([]SlotDTO, len(windows)),
	}
	for i, win := range windows {
		resp.Slots[i] = SlotDTO{Start: win.Start.Format(time.RFC3339), End: win.End.Format(time.RFC3339)}
	}
	writeJSON(w, http.StatusOK, resp)
}

// requestedDuration reads duration_minutes, or the duration of
// service_offering_id when no explicit duration is given.
func (h *Handler) requestedDuration(r *http.Request) (int, error) {
	q := r.URL.Query()
	if s := q.Get("duration_minutes"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: duration_minutes must be a positive integer", engine.ErrInvalidRequest)
		}
		return n, nil
	}
	if id := q.Get("service_offering_id"); id != "" {
		svc, err := h.Store.GetService(r.Context(), engine.ServiceID(id))
		if err != nil {
			return 0, fmt.Errorf("service %s: %w", id, err)
		}
		return svc.DurationMinutes, nil
	}
	return 0, fmt.Errorf("%w: duration_minutes or service_offering_id is required", engine.ErrInvalidRequest)
}

// =============================================================================
// BOOKINGS
// =============================================================================

// CreateBooking runs the booking saga.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		h.writeEngineError(w, r, fmt.Errorf("%w: scheduled_at must be RFC 3339", engine.ErrInvalidTime))
		return
	}

	appt, err := h.Bookings.Book(r.Context(), booking.BookRequest{
		StudentID:   engine.UserID(req.StudentID),
		ServiceID:   engine.ServiceID(req.ServiceID),
		MentorID:    engine.UserID(req.MentorID),
		ScheduledAt: scheduledAt,
		Timezone:    req.Timezone,
		Notes:       req.Notes,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentDTO(appt))
}

// ListBookings filters appointments by participant, status and start time.
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.AppointmentFilter{
		MentorID:  engine.UserID(q.Get("mentor_id")),
		StudentID: engine.UserID(q.Get("student_id")),
	}
	if s := q.Get("status"); s != "" {
		for _, name := range strings.Split(s, ",") {
			status := engine.Status(strings.TrimSpace(name))
			if !status.IsValid() {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown status %q", name), nil)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		s := q.Get(key)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s (use RFC 3339)", key), err)
			return
		}
		*dst = &t
	}

	appts, err := h.Bookings.List(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTOs(appts))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	appt, err := h.Bookings.Get(r.Context(), engine.AppointmentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt))
}

// UpdateBooking applies a typed partial update on behalf of the caller.
func (h *Handler) UpdateBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req UpdateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	update := booking.UpdateRequest{
		Notes:    req.Notes,
		Rating:   req.Rating,
		Feedback: req.Feedback,
		Reason:   req.Reason,
	}
	if req.Status != nil {
		status := engine.Status(*req.Status)
		update.Status = &status
	}

	appt, err := h.Bookings.Update(r.Context(), actor, engine.AppointmentID(chi.URLParam(r, "id")), update)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(appt))
}

// CancelBooking cancels and reports the ledger effect. The body is optional.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CancelBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Bookings.Cancel(r.Context(), actor, engine.AppointmentID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := CancelResponse{
		Appointment:      toAppointmentDTO(res.Appointment),
		AlreadyCancelled: res.AlreadyCancelled,
		Refunded:         res.Refunded,
	}
	if res.RefundTx != nil {
		dto := toTransactionDTO(*res.RefundTx)
		resp.RefundTransaction = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// LEDGER
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Ledger.Account(r.Context(), engine.UserID(chi.URLParam(r, "userId")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		UserID:  string(acct.UserID),
		Balance: credits(acct.Balance),
		AsOf:    acct.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Ledger.History(r.Context(), engine.UserID(chi.URLParam(r, "userId")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// AddCredits tops up or adjusts a balance, opening the account if needed.
// Replaying an idempotency key returns the original transaction with 200.
func (h *Handler) AddCredits(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	userID := engine.UserID(chi.URLParam(r, "userId"))

	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Amount <= 0 {
		h.writeEngineError(w, r, fmt.Errorf("%w: amount must be positive", engine.ErrInvalidAmount))
		return
	}
	reason := engine.ReasonTopUp
	switch req.Reason {
	case "", string(engine.ReasonTopUp):
	case string(engine.ReasonAdjustment):
		reason = engine.ReasonAdjustment
	default:
		h.writeEngineError(w, r, fmt.Errorf("%w: reason must be top_up or adjustment", engine.ErrInvalidRequest))
		return
	}

	if _, err := h.Ledger.OpenAccount(r.Context(), userID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	tx, err := h.Ledger.Credit(r.Context(), userID, engine.NewCredits(req.Amount), ledger.Entry{
		Reason:         reason,
		Memo:           req.Memo,
		IdempotencyKey: req.IdempotencyKey,
	})
	switch {
	case errors.Is(err, engine.ErrDuplicateIdempotencyKey):
		writeJSON(w, http.StatusOK, toTransactionDTO(tx))
	case err != nil:
		h.writeEngineError(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
	}
}

// VerifyLedger replays one user's history. A mismatch is reported, logged,
// and left alone.
func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	userID := engine.UserID(chi.URLParam(r, "userId"))
	ok, err := h.Ledger.Verify(r.Context(), userID)

	var ierr *engine.IntegrityError
	switch {
	case ok:
		writeJSON(w, http.StatusOK, VerifyResponse{UserID: string(userID), OK: true})
	case errors.As(err, &ierr):
		h.Logger.Error("ledger integrity violation",
			zap.String("user_id", string(userID)),
			zap.Int64("seq", ierr.Seq),
			zap.String("detail", ierr.Detail))
		writeJSON(w, http.StatusOK, VerifyResponse{UserID: string(userID), Violation: ierr.Error()})
	default:
		h.writeEngineError(w, r, err)
	}
}

// =============================================================================
// SCHEDULES
// =============================================================================

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := h.Schedules.Get(r.Context(), engine.UserID(chi.URLParam(r, "ownerId")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTO(sched))
}

// PutSchedule replaces a schedule. Only its owner or an admin may.
func (h *Handler) PutSchedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ownerID := engine.UserID(chi.URLParam(r, "ownerId"))
	if actor.ID != ownerID && !actor.HasRole(engine.RoleAdmin) {
		h.writeEngineError(w, r, fmt.Errorf("%w: %s may not edit the schedule of %s", engine.ErrForbidden, actor.ID, ownerID))
		return
	}

	var req ScheduleDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	weekly, err := weeklyFromDTO(req.Weekly)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	sched, err := h.Schedules.Upsert(r.Context(), ownerID, weekly, req.Exceptions, req.Policy)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTO(sched))
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handler) PutMentor(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	var req MentorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	m := engine.Mentor{ID: engine.UserID(chi.URLParam(r, "id")), Name: req.Name, Active: true}
	if req.Active != nil {
		m.Active = *req.Active
	}
	if err := h.Store.SaveMentor(r.Context(), m); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMentorDTO(m))
}

func (h *Handler) PutService(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	var req ServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	switch {
	case strings.TrimSpace(req.Name) == "":
		h.writeEngineError(w, r, fmt.Errorf("%w: name is required", engine.ErrInvalidRequest))
		return
	case req.CreditCost < 0:
		h.writeEngineError(w, r, fmt.Errorf("%w: credit_cost must not be negative", engine.ErrInvalidAmount))
		return
	case req.DurationMinutes < engine.MinServiceDuration:
		h.writeEngineError(w, r, fmt.Errorf("%w: duration_minutes must be at least %d", engine.ErrInvalidRequest, engine.MinServiceDuration))
		return
	}

	svc := engine.ServiceOffering{
		ID:              engine.ServiceID(chi.URLParam(r, "id")),
		Name:            req.Name,
		CreditCost:      engine.NewCredits(req.CreditCost),
		DurationMinutes: req.DurationMinutes,
		RequiresMentor:  req.RequiresMentor,
		Active:          true,
	}
	if req.Active != nil {
		svc.Active = *req.Active
	}
	if err := h.Store.SaveService(r.Context(), svc); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceDTO(svc))
}

// Reconcile repairs bookings whose saga was interrupted.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	grace := booking.DefaultGracePeriod
	if s := r.URL.Query().Get("grace"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid grace (use a Go duration such as 15m)", err)
			return
		}
		if d < minReconcileGrace {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("grace must be at least %s", minReconcileGrace), nil)
			return
		}
		grace = d
	}

	report, err := h.Bookings.Reconcile(r.Context(), grace)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	failed := make(map[string]string, len(report.Failed))
	for id, ferr := range report.Failed {
		failed[string(id)] = ferr.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scanned":          report.Scanned,
		"deleted":          report.Deleted,
		"marked_charged":   report.MarkedCharged,
		"refunds_finished": report.RefundsFinished,
		"failed":           failed,
	})
}

// Audit verifies every account's ledger.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	violations, err := h.Ledger.Audit(r.Context(), 4)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	out := make([]VerifyResponse, len(violations))
	for i, v := range violations {
		out[i] = VerifyResponse{UserID: string(v.UserID), Violation: v.Error()}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": len(out) == 0, "violations": out})
}

// ResetDatabase clears all data, ledger included.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health pings the store when it supports it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// actor resolves the caller or writes 401.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (engine.Actor, bool) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: "unauthenticated"})
		return engine.Actor{}, false
	}
	return actor, true
}

// admin resolves the caller and requires the admin role.
func (h *Handler) admin(w http.ResponseWriter, r *http.Request) (engine.Actor, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return actor, false
	}
	if !actor.HasRole(engine.RoleAdmin) {
		h.writeEngineError(w, r, fmt.Errorf("%w: admin role required", engine.ErrForbidden))
		return actor, false
	}
	return actor, true
}
