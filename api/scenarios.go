/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with a mentor, a
	schedule, services and funded students, so the booking flow can be
	exercised end to end without any setup calls.

AVAILABLE SCENARIOS:

	mentor-monday:  Mentor available Monday 09:00-12:00 and Wednesday
	                14:00-17:00 (buffer 15m, notice 24h, horizon 30d), a
	                60-minute session costing 50 credits, students with 40
	                and 200 credits
	holiday:        mentor-monday with next Monday closed by an exception
	busy-mentor:    mentor-monday with next Monday 10:00 already booked

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Register mentor and services
 3. Save the mentor's schedule
 4. Open and fund student accounts through the ledger
 5. Apply the scenario's extras (exceptions, bookings)

"Next Monday" is the first Monday at least two days after the handler's
clock, so it is always outside the minimum notice.

USAGE VIA API:

	POST /api/scenarios/load            (X-User-Roles: admin)
	{"scenario_id": "mentor-monday"}

NOTE:

	Scenarios reset the store, ledger included. The routes are only mounted
	outside production, and loading or resetting requires the admin role.

SEE ALSO:
  - handlers.go: ResetDatabase
  - cmd/server/main.go: -scenario flag seeds at startup
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/engine"
	"github.com/warp/booking-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	DemoMentor      engine.UserID    = "mentor-ada"
	DemoStudentLow  engine.UserID    = "student-low"
	DemoStudentHigh engine.UserID    = "student-high"
	DemoSession     engine.ServiceID = "session-60"
	DemoSelfStudy   engine.ServiceID = "self-study"
)

var scenarios = []ScenarioDTO{
	{
		ID:          "mentor-monday",
		Name:        "Mentor Monday",
		Description: "One mentor with Monday morning availability, a 50-credit session, students with 40 and 200 credits",
	},
	{
		ID:          "holiday",
		Name:        "Holiday Exception",
		Description: "Same mentor, next Monday closed by an exception",
	},
	{
		ID:          "busy-mentor",
		Name:        "Busy Mentor",
		Description: "Same mentor, next Monday 10:00 already booked by student-high",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"mentor-monday": (*Handler).loadBase,
	"holiday":       (*Handler).loadHoliday,
	"busy-mentor":   (*Handler).loadBusyMentor,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Seed(r.Context(), req.ScenarioID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario_id": req.ScenarioID})
}

// Seed resets the store and loads scenario id.
func (h *Handler) Seed(ctx context.Context, id string) error {
	load, ok := scenarioLoaders[id]
	if !ok {
		return fmt.Errorf("%w: unknown scenario %q", engine.ErrNotFound, id)
	}
	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	if err := load(h, ctx); err != nil {
		return fmt.Errorf("load scenario %s: %w", id, err)
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.Info("scenario loaded", zap.String("scenario_id", id))
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadBase(ctx context.Context) error {
	if err := h.Store.SaveMentor(ctx, engine.Mentor{ID: DemoMentor, Name: "Ada Lovelace", Active: true}); err != nil {
		return err
	}
	services := []engine.ServiceOffering{
		{ID: DemoSession, Name: "1:1 Session", CreditCost: engine.NewCredits(50), DurationMinutes: 60, RequiresMentor: true, Active: true},
		{ID: DemoSelfStudy, Name: "Self-study Room", CreditCost: engine.NewCredits(0), DurationMinutes: 30, Active: true},
	}
	for _, svc := range services {
		if err := h.Store.SaveService(ctx, svc); err != nil {
			return err
		}
	}

	weekly := engine.WeeklyPattern{
		time.Monday: {Available: true, Slots: []engine.TimeRange{
			{Start: engine.MustParseClock("09:00"), End: engine.MustParseClock("12:00")},
		}},
		time.Wednesday: {Available: true, Slots: []engine.TimeRange{
			{Start: engine.MustParseClock("14:00"), End: engine.MustParseClock("17:00")},
		}},
	}
	policy := engine.BookingPolicy{Timezone: "UTC", BufferMinutes: 15, MinNoticeHours: 24, MaxAdvanceDays: 30}
	if _, err := h.Schedules.Upsert(ctx, DemoMentor, weekly, nil, policy); err != nil {
		return err
	}

	for user, amount := range map[engine.UserID]int64{DemoStudentLow: 40, DemoStudentHigh: 200} {
		if _, err := h.Ledger.OpenAccount(ctx, user); err != nil {
			return err
		}
		if _, err := h.Ledger.Credit(ctx, user, engine.NewCredits(amount), ledger.Entry{
			Reason: engine.ReasonTopUp,
			Memo:   "scenario seed",
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadHoliday(ctx context.Context) error {
	if err := h.loadBase(ctx); err != nil {
		return err
	}
	sched, err := h.Schedules.Get(ctx, DemoMentor)
	if err != nil {
		return err
	}
	exceptions := append(sched.Exceptions, engine.Exception{
		Date:      NextMonday(h.now()),
		Available: false,
		Reason:    "public holiday",
	})
	_, err = h.Schedules.Upsert(ctx, DemoMentor, sched.Weekly, exceptions, sched.Policy)
	return err
}

func (h *Handler) loadBusyMentor(ctx context.Context) error {
	if err := h.loadBase(ctx); err != nil {
		return err
	}
	_, err := h.Bookings.Book(ctx, booking.BookRequest{
		StudentID:   DemoStudentHigh,
		ServiceID:   DemoSession,
		MentorID:    DemoMentor,
		ScheduledAt: NextMonday(h.now()).At(engine.MustParseClock("10:00"), time.UTC),
		Notes:       "scenario seed",
	})
	return err
}

// NextMonday is the first Monday at least two days after now (UTC).
func NextMonday(now time.Time) engine.Date {
	d := engine.DateOf(now.UTC()).AddDays(2)
	for d.Weekday() != time.Monday {
		d = d.AddDays(1)
	}
	return d
}
