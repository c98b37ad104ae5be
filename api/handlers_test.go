/*
handlers_test.go - HTTP tests for the booking API

Tests run the full router against the in-memory store with a fixed clock
(Friday 2025-03-07 08:00 UTC), so "next Monday" is 2025-03-10.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/engine/store"
	"github.com/warp/booking-engine/ledger"
)

var fridayMorning = time.Date(2025, time.March, 7, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	t      *testing.T
	h      *Handler
	router *chi.Mux
	now    time.Time // shared clock; tests may move it between requests
}

func newTestEnv(t *testing.T, opts RouterOptions) *testEnv {
	t.Helper()
	env := &testEnv{t: t, now: fridayMorning}
	now := func() time.Time { return env.now }
	mem := store.NewMemory()
	led := ledger.New(mem, ledger.WithClock(now))
	orch := booking.New(mem, led, booking.WithClock(now))
	env.h = NewHandler(mem, orch, led, nil, now)
	env.router = NewRouter(env.h, opts)
	return env
}

func seededEnv(t *testing.T) *testEnv {
	env := newTestEnv(t, RouterOptions{Scenarios: true})
	require.NoError(t, env.h.Seed(context.Background(), "mentor-monday"))
	return env
}

// do sends a request; headers are key/value pairs.
func (e *testEnv) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func as(user string, roles ...string) []string {
	h := []string{headerUserID, user}
	if len(roles) > 0 {
		h = append(h, headerRoles, strings.Join(roles, ","))
	}
	return h
}

var admin = as("ops", "admin")

func bookMonday(e *testEnv, student, clock string) *httptest.ResponseRecorder {
	return e.do(http.MethodPost, "/api/bookings", CreateBookingRequest{
		StudentID:   student,
		ServiceID:   string(DemoSession),
		MentorID:    string(DemoMentor),
		ScheduledAt: "2025-03-10T" + clock + ":00Z",
	})
}

// =============================================================================
// AVAILABILITY
// =============================================================================

func TestAvailability_MondayScenario(t *testing.T) {
	// GIVEN: Monday 09:00-12:00, buffer 15m, 60-minute slots
	env := seededEnv(t)

	// WHEN
	rec := env.do(http.MethodGet, "/api/availability/mentor-ada?from=2025-03-10&duration_minutes=60", nil)

	// THEN: 11:00 does not fit with the buffer
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[AvailabilityResponse](t, rec)
	assert.Equal(t, []SlotDTO{
		{Start: "2025-03-10T09:00:00Z", End: "2025-03-10T10:00:00Z"},
		{Start: "2025-03-10T10:00:00Z", End: "2025-03-10T11:00:00Z"},
	}, resp.Slots)

	// Duration from the service gives the same answer.
	rec = env.do(http.MethodGet, "/api/availability/mentor-ada?from=2025-03-10&service_offering_id=session-60", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[AvailabilityResponse](t, rec).Slots, 2)
}

func TestAvailability_Errors(t *testing.T) {
	env := seededEnv(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"bad date", "/api/availability/mentor-ada?from=03/10/2025&duration_minutes=60", http.StatusBadRequest},
		{"no duration", "/api/availability/mentor-ada?from=2025-03-10", http.StatusBadRequest},
		{"negative duration", "/api/availability/mentor-ada?from=2025-03-10&duration_minutes=-5", http.StatusBadRequest},
		{"range too long", "/api/availability/mentor-ada?from=2025-03-10&to=2025-06-10&duration_minutes=60", http.StatusBadRequest},
		{"no schedule", "/api/availability/nobody?from=2025-03-10&duration_minutes=60", http.StatusNotFound},
		{"unknown service", "/api/availability/mentor-ada?from=2025-03-10&service_offering_id=nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAvailability_HolidayScenario(t *testing.T) {
	// GIVEN: next Monday closed by an exception
	env := newTestEnv(t, RouterOptions{Scenarios: true})
	rec := env.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "holiday"}, admin...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN
	rec = env.do(http.MethodGet, "/api/availability/mentor-ada?from=2025-03-10&duration_minutes=60", nil)

	// THEN
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[AvailabilityResponse](t, rec).Slots)

	rec = env.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "holiday", decode[ScenarioDTO](t, rec).ID)
}

// =============================================================================
// BOOKINGS
// =============================================================================

func TestBooking_ChargesAndHoldsSlot(t *testing.T) {
	env := seededEnv(t)

	// WHEN: student-high books Monday 10:00
	rec := bookMonday(env, "student-high", "10:00")

	// THEN: pending, charged, one debit of 50
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	appt := decode[AppointmentDTO](t, rec)
	assert.Equal(t, "pending", appt.Status)
	assert.True(t, appt.CreditsCharged)
	assert.Equal(t, int64(50), appt.CreditCost)
	assert.Equal(t, "2025-03-10T11:00:00Z", appt.EndAt)
	assert.Equal(t, "UTC", appt.Timezone)
	assert.ElementsMatch(t, []string{"confirmed", "cancelled"}, appt.NextStatuses)

	rec = env.do(http.MethodGet, "/api/ledger/student-high/balance", nil)
	assert.Equal(t, int64(150), decode[BalanceResponse](t, rec).Balance)

	rec = env.do(http.MethodGet, "/api/ledger/student-high/history", nil)
	history := decode[[]TransactionDTO](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, int64(-50), history[1].Amount)
	assert.Equal(t, "charge:"+appt.ID, history[1].IdempotencyKey)

	// The slot is gone from availability.
	rec = env.do(http.MethodGet, "/api/availability/mentor-ada?from=2025-03-10&duration_minutes=60", nil)
	slots := decode[AvailabilityResponse](t, rec).Slots
	require.Len(t, slots, 1)
	assert.Equal(t, "2025-03-10T09:00:00Z", slots[0].Start)

	// Reads.
	rec = env.do(http.MethodGet, "/api/bookings/"+appt.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, appt.ID, decode[AppointmentDTO](t, rec).ID)

	rec = env.do(http.MethodGet, "/api/bookings?student_id=student-high&status=pending,confirmed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AppointmentDTO](t, rec), 1)

	rec = env.do(http.MethodGet, "/api/bookings/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBooking_InsufficientCredits(t *testing.T) {
	// GIVEN: student-low has 40, the session costs 50
	env := seededEnv(t)

	// WHEN
	rec := bookMonday(env, "student-low", "10:00")

	// THEN: 402 with required and available, nothing created
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_credits", resp.Code)
	require.NotNil(t, resp.Required)
	require.NotNil(t, resp.Available)
	assert.Equal(t, int64(50), *resp.Required)
	assert.Equal(t, int64(40), *resp.Available)

	rec = env.do(http.MethodGet, "/api/bookings?student_id=student-low", nil)
	assert.Empty(t, decode[[]AppointmentDTO](t, rec))
}

func TestBooking_Rejections(t *testing.T) {
	env := seededEnv(t)
	require.Equal(t, http.StatusCreated, bookMonday(env, "student-high", "10:00").Code)

	tests := []struct {
		name   string
		req    CreateBookingRequest
		status int
		code   string
	}{
		{
			name:   "taken slot",
			req:    CreateBookingRequest{StudentID: "student-high", ServiceID: "session-60", MentorID: "mentor-ada", ScheduledAt: "2025-03-10T10:30:00Z"},
			status: http.StatusConflict, code: "slot_unavailable",
		},
		{
			name:   "mentor missing",
			req:    CreateBookingRequest{StudentID: "student-high", ServiceID: "session-60", ScheduledAt: "2025-03-10T09:00:00Z"},
			status: http.StatusBadRequest, code: "mentor_required",
		},
		{
			name:   "unknown service",
			req:    CreateBookingRequest{StudentID: "student-high", ServiceID: "nope", MentorID: "mentor-ada", ScheduledAt: "2025-03-10T09:00:00Z"},
			status: http.StatusBadRequest, code: "service_unavailable",
		},
		{
			name:   "in the past",
			req:    CreateBookingRequest{StudentID: "student-high", ServiceID: "session-60", MentorID: "mentor-ada", ScheduledAt: "2025-03-03T09:00:00Z"},
			status: http.StatusBadRequest, code: "invalid_time",
		},
		{
			name:   "not a timestamp",
			req:    CreateBookingRequest{StudentID: "student-high", ServiceID: "session-60", MentorID: "mentor-ada", ScheduledAt: "monday"},
			status: http.StatusBadRequest, code: "invalid_time",
		},
		{
			name:   "outside published hours",
			req:    CreateBookingRequest{StudentID: "student-high", ServiceID: "session-60", MentorID: "mentor-ada", ScheduledAt: "2025-03-11T10:00:00Z"},
			status: http.StatusConflict, code: "slot_unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/bookings", tt.req)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}

	rec := env.do(http.MethodGet, "/api/ledger/student-high/balance", nil)
	assert.Equal(t, int64(150), decode[BalanceResponse](t, rec).Balance, "rejections charge nothing")
}

func TestCancel_RefundsOnce(t *testing.T) {
	env := seededEnv(t)
	appt := decode[AppointmentDTO](t, bookMonday(env, "student-high", "10:00"))
	path := "/api/bookings/" + appt.ID + "/cancel"

	// No identity, not a participant.
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, path, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, path, nil, as("student-low")...).Code)

	// WHEN: the student cancels twice
	rec := env.do(http.MethodPost, path, CancelBookingRequest{Reason: "sick"}, as("student-high")...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[CancelResponse](t, rec)

	rec = env.do(http.MethodPost, path, nil, as("student-high")...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decode[CancelResponse](t, rec)

	// THEN: one refund transaction, reported both times
	assert.True(t, first.Refunded)
	assert.False(t, first.AlreadyCancelled)
	require.NotNil(t, first.RefundTransaction)
	assert.Equal(t, int64(50), first.RefundTransaction.Amount)
	assert.Equal(t, "cancelled", first.Appointment.Status)
	require.NotNil(t, first.Appointment.Cancellation)
	assert.Equal(t, "sick", first.Appointment.Cancellation.Reason)

	assert.True(t, second.AlreadyCancelled)
	require.NotNil(t, second.RefundTransaction)
	assert.Equal(t, first.RefundTransaction.ID, second.RefundTransaction.ID)

	rec = env.do(http.MethodGet, "/api/ledger/student-high/history", nil)
	assert.Len(t, decode[[]TransactionDTO](t, rec), 3)
	rec = env.do(http.MethodGet, "/api/ledger/student-high/balance", nil)
	assert.Equal(t, int64(200), decode[BalanceResponse](t, rec).Balance)
}

func TestUpdate_Transitions(t *testing.T) {
	env := seededEnv(t)
	appt := decode[AppointmentDTO](t, bookMonday(env, "student-high", "10:00"))
	path := "/api/bookings/" + appt.ID
	status := func(s string) *string { return &s }

	// Students cannot move the status forward.
	rec := env.do(http.MethodPut, path, UpdateBookingRequest{Status: status("confirmed")}, as("student-high")...)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The mentor confirms.
	rec = env.do(http.MethodPut, path, UpdateBookingRequest{Status: status("confirmed")}, as("mentor-ada")...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "confirmed", decode[AppointmentDTO](t, rec).Status)

	// confirmed -> completed skips in_progress.
	rec = env.do(http.MethodPut, path, UpdateBookingRequest{Status: status("completed")}, as("mentor-ada")...)
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "invalid_transition", resp.Code)
	assert.Equal(t, map[string]any{"from": "confirmed", "to": "completed"}, resp.Details)

	// Rating before completion.
	rating := 5
	rec = env.do(http.MethodPut, path, UpdateBookingRequest{Rating: &rating}, as("student-high")...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Notes from either participant.
	notes := "bring the draft"
	rec = env.do(http.MethodPut, path, UpdateBookingRequest{Notes: &notes}, as("student-high")...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, notes, decode[AppointmentDTO](t, rec).Notes)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestCredits_AdminOnlyAndIdempotent(t *testing.T) {
	env := seededEnv(t)
	body := CreditRequest{Amount: 25, Memo: "promo", IdempotencyKey: "promo-2025-03"}

	rec := env.do(http.MethodPost, "/api/ledger/student-low/credits", body, as("student-low")...)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/api/ledger/student-low/credits", body, admin...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[TransactionDTO](t, rec)
	assert.Equal(t, int64(65), first.BalanceAfter)

	rec = env.do(http.MethodPost, "/api/ledger/student-low/credits", body, admin...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, first.ID, decode[TransactionDTO](t, rec).ID)

	rec = env.do(http.MethodPost, "/api/ledger/student-low/credits", CreditRequest{Amount: 0}, admin...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(http.MethodPost, "/api/ledger/student-low/credits", CreditRequest{Amount: 5, Reason: "gift"}, admin...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A new user gets an account on first top-up.
	rec = env.do(http.MethodPost, "/api/ledger/newcomer/credits", CreditRequest{Amount: 10}, admin...)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodPost, "/api/ledger/student-low/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[VerifyResponse](t, rec).OK)

	rec = env.do(http.MethodGet, "/api/ledger/ghost/balance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodPost, "/api/admin/audit", nil, admin...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["ok"])
}

// =============================================================================
// SCHEDULES & ADMIN
// =============================================================================

func TestSchedule_PutAndGet(t *testing.T) {
	env := seededEnv(t)

	rec := env.do(http.MethodGet, "/api/schedules/mentor-ada", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[ScheduleDTO](t, rec)
	assert.Contains(t, got.Weekly, "monday")
	assert.Equal(t, 15, got.Policy.BufferMinutes)

	overlapping := map[string]any{
		"weekly": map[string]any{
			"Monday": map[string]any{"available": true, "slots": []map[string]string{
				{"start": "09:00", "end": "11:00"},
				{"start": "10:00", "end": "12:00"},
			}},
		},
		"policy": map[string]any{"timezone": "UTC", "max_advance_days": 30},
	}
	rec = env.do(http.MethodPut, "/api/schedules/mentor-ada", overlapping, as("mentor-ada")...)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "invalid_slot", decode[ErrorResponse](t, rec).Code)

	rec = env.do(http.MethodPut, "/api/schedules/mentor-ada", overlapping, as("student-low")...)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	friday := map[string]any{
		"weekly": map[string]any{
			"friday": map[string]any{"available": true, "slots": []map[string]string{{"start": "13:00", "end": "15:00"}}},
		},
		"exceptions": []map[string]any{{"date": "2025-03-14", "available": false, "reason": "conference"}},
		"policy":     map[string]any{"timezone": "Europe/Paris", "min_notice_hours": 24, "max_advance_days": 30},
	}
	rec = env.do(http.MethodPut, "/api/schedules/mentor-ada", friday, admin...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[ScheduleDTO](t, rec)
	assert.NotContains(t, got.Weekly, "monday")
	require.Len(t, got.Exceptions, 1)
	assert.Equal(t, "Europe/Paris", got.Policy.Timezone)
}

func TestAdmin_MentorsAndServices(t *testing.T) {
	env := newTestEnv(t, RouterOptions{})
	inactive := false

	rec := env.do(http.MethodPut, "/api/mentors/m1", MentorRequest{Name: "Grace"}, as("m1")...)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPut, "/api/mentors/m1", MentorRequest{Name: "Grace"}, admin...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[MentorDTO](t, rec).Active)

	rec = env.do(http.MethodPut, "/api/services/svc", ServiceRequest{Name: "Review", CreditCost: 30, DurationMinutes: 45, RequiresMentor: true, Active: &inactive}, admin...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ServiceDTO](t, rec).Active)

	for _, bad := range []ServiceRequest{
		{Name: "", CreditCost: 10, DurationMinutes: 30},
		{Name: "Negative", CreditCost: -1, DurationMinutes: 30},
		{Name: "Short", CreditCost: 10, DurationMinutes: 5},
	} {
		rec = env.do(http.MethodPut, "/api/services/bad", bad, admin...)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad.Name)
	}

	// An inactive service cannot be booked.
	rec = env.do(http.MethodPost, "/api/bookings", CreateBookingRequest{
		StudentID: "s1", ServiceID: "svc", MentorID: "m1", ScheduledAt: "2025-03-10T10:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "service_unavailable", decode[ErrorResponse](t, rec).Code)
}

func TestReconcile_Endpoint(t *testing.T) {
	env := seededEnv(t)
	require.Equal(t, http.StatusCreated, bookMonday(env, "student-high", "10:00").Code)

	// Bookings younger than the grace are not looked at.
	rec := env.do(http.MethodPost, "/api/admin/reconcile?grace=15m", nil, admin...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(0), decode[map[string]any](t, rec)["scanned"])

	env.now = env.now.Add(time.Hour)
	rec = env.do(http.MethodPost, "/api/admin/reconcile?grace=15m", nil, admin...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), report["scanned"])
	assert.Empty(t, report["deleted"], "a fully charged booking needs no repair")
	assert.Empty(t, report["marked_charged"])

	for _, grace := range []string{"soon", "0s", "30s", "-5m"} {
		rec = env.do(http.MethodPost, "/api/admin/reconcile?grace="+grace, nil, admin...)
		assert.Equal(t, http.StatusBadRequest, rec.Code, grace)
	}
}

// =============================================================================
// SCENARIOS & MIDDLEWARE
// =============================================================================

func TestScenarios(t *testing.T) {
	env := newTestEnv(t, RouterOptions{Scenarios: true})

	rec := env.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	rec = env.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, admin...)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// busy-mentor books 10:00 for student-high.
	rec = env.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "busy-mentor"}, admin...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodGet, "/api/bookings?mentor_id=mentor-ada", nil)
	assert.Len(t, decode[[]AppointmentDTO](t, rec), 1)
	rec = env.do(http.MethodGet, "/api/ledger/student-high/balance", nil)
	assert.Equal(t, int64(150), decode[BalanceResponse](t, rec).Balance)

	// Loading again starts from scratch.
	rec = env.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "mentor-monday"}, admin...)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodGet, "/api/bookings?mentor_id=mentor-ada", nil)
	assert.Empty(t, decode[[]AppointmentDTO](t, rec))

	rec = env.do(http.MethodPost, "/api/scenarios/reset", nil, admin...)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodGet, "/api/ledger/student-high/balance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenarios_WipingTheStoreRequiresAdmin(t *testing.T) {
	// GIVEN: a funded ledger
	env := seededEnv(t)

	// WHEN: anonymous callers and students try to reset or reload
	for _, path := range []string{"/api/scenarios/reset", "/api/scenarios/load"} {
		body := LoadScenarioRequest{ScenarioID: "mentor-monday"}
		assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, path, body).Code, path)
		assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, path, body, as("student-low", "student")...).Code, path)
	}

	// THEN: the ledger is untouched
	rec := env.do(http.MethodGet, "/api/ledger/student-high/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(200), decode[BalanceResponse](t, rec).Balance)
}

func TestScenarios_NotMountedByDefault(t *testing.T) {
	env := newTestEnv(t, RouterOptions{})

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/scenarios", nil).Code)
	rec := env.do(http.MethodPost, "/api/scenarios/reset", nil, admin...)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNextMonday(t *testing.T) {
	assert.Equal(t, "2025-03-10", NextMonday(fridayMorning).String())
	// Sunday: tomorrow is too close.
	assert.Equal(t, "2025-03-17", NextMonday(time.Date(2025, time.March, 9, 23, 0, 0, 0, time.UTC)).String())
	assert.Equal(t, "2025-03-17", NextMonday(time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)).String())
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, RouterOptions{RateLimitPerMin: 2, Scenarios: true})

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/scenarios", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/scenarios", nil).Code)
	rec := env.do(http.MethodGet, "/api/scenarios", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode[ErrorResponse](t, rec).Code)

	// Health checks are not limited.
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil).Code)
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t, RouterOptions{AllowedOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/bookings", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", headerUserID)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
