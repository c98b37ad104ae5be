/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Availability:  SlotDTO, AvailabilityResponse
  Bookings:      AppointmentDTO, CreateBookingRequest, UpdateBookingRequest,
                 CancelBookingRequest, CancelResponse
  Ledger:        TransactionDTO, BalanceResponse, CreditRequest, VerifyResponse
  Schedules:     ScheduleDTO
  Admin:         MentorRequest, ServiceRequest
  Scenarios:     ScenarioDTO, LoadScenarioRequest

CREDITS:
  Credit amounts are whole numbers on the wire (int64). Internally they are
  decimal.Decimal; conversion happens here and nowhere else.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: ErrorResponse mapping
*/
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/engine"
	"github.com/warp/booking-engine/schedule"
)

// =============================================================================
// AVAILABILITY
// =============================================================================

type SlotDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type AvailabilityResponse struct {
	OwnerID         string    `json:"owner_id"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	DurationMinutes int       `json:"duration_minutes"`
	Slots           []SlotDTO `json:"slots"`
}

// =============================================================================
// BOOKINGS
// =============================================================================

type CancellationDTO struct {
	Reason string `json:"reason,omitempty"`
	At     string `json:"at"`
	By     string `json:"by"`
}

// AppointmentDTO represents an appointment in API responses. Times are
// rendered in the appointment's timezone.
type AppointmentDTO struct {
	ID              string           `json:"id"`
	StudentID       string           `json:"student_id"`
	MentorID        string           `json:"mentor_id,omitempty"`
	ServiceID       string           `json:"service_offering_id"`
	Status          string           `json:"status"`
	ScheduledAt     string           `json:"scheduled_at"`
	EndAt           string           `json:"end_at"`
	DurationMinutes int              `json:"duration_minutes"`
	Timezone        string           `json:"timezone"`
	CreditCost      int64            `json:"credit_cost"`
	CreditsCharged  bool             `json:"credits_charged"`
	CreditsRefunded bool             `json:"credits_refunded"`
	Notes           string           `json:"notes,omitempty"`
	Cancellation    *CancellationDTO `json:"cancellation,omitempty"`
	Rating          *int             `json:"rating,omitempty"`
	Feedback        string           `json:"feedback,omitempty"`
	NextStatuses    []string         `json:"next_statuses"`
	Version         int64            `json:"version"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
}

// CreateBookingRequest is the body of POST /api/bookings.
type CreateBookingRequest struct {
	StudentID   string `json:"student_id"`
	ServiceID   string `json:"service_offering_id"`
	MentorID    string `json:"mentor_id,omitempty"`
	ScheduledAt string `json:"scheduled_at"` // RFC 3339
	Timezone    string `json:"timezone,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// UpdateBookingRequest is the body of PUT /api/bookings/{id}. Absent fields
// are left unchanged.
type UpdateBookingRequest struct {
	Status   *string `json:"status,omitempty"`
	Notes    *string `json:"notes,omitempty"`
	Rating   *int    `json:"rating,omitempty"`
	Feedback *string `json:"feedback,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

type CancelBookingRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelResponse always says what happened in the ledger.
type CancelResponse struct {
	Appointment       AppointmentDTO  `json:"appointment"`
	AlreadyCancelled  bool            `json:"already_cancelled"`
	Refunded          bool            `json:"refunded"`
	RefundTransaction *TransactionDTO `json:"refund_transaction,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionDTO struct {
	ID                   string `json:"id"`
	UserID               string `json:"user_id"`
	Seq                  int64  `json:"seq"`
	Amount               int64  `json:"amount"`
	BalanceAfter         int64  `json:"balance_after"`
	Reason               string `json:"reason"`
	Memo                 string `json:"memo,omitempty"`
	RelatedAppointmentID string `json:"related_appointment_id,omitempty"`
	IdempotencyKey       string `json:"idempotency_key,omitempty"`
	CreatedAt            string `json:"created_at"`
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	AsOf    string `json:"as_of"`
}

// CreditRequest is an administrative top-up or adjustment.
type CreditRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason,omitempty"` // top_up (default) or adjustment
	Memo           string `json:"memo,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type VerifyResponse struct {
	UserID    string `json:"user_id"`
	OK        bool   `json:"ok"`
	Violation string `json:"violation,omitempty"`
}

// =============================================================================
// SCHEDULES
// =============================================================================

// ScheduleDTO keys the weekly pattern by lower-case weekday name.
type ScheduleDTO struct {
	OwnerID    string                            `json:"owner_id"`
	Weekly     map[string]engine.DayAvailability `json:"weekly"`
	Exceptions []engine.Exception                `json:"exceptions"`
	Policy     engine.BookingPolicy              `json:"policy"`
	UpdatedAt  string                            `json:"updated_at,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type MentorRequest struct {
	Name   string `json:"name"`
	Active *bool  `json:"active,omitempty"` // defaults to true
}

type MentorDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type ServiceRequest struct {
	Name            string `json:"name"`
	CreditCost      int64  `json:"credit_cost"`
	DurationMinutes int    `json:"duration_minutes"`
	RequiresMentor  bool   `json:"requires_mentor"`
	Active          *bool  `json:"active,omitempty"` // defaults to true
}

type ServiceDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	CreditCost      int64  `json:"credit_cost"`
	DurationMinutes int    `json:"duration_minutes"`
	RequiresMentor  bool   `json:"requires_mentor"`
	Active          bool   `json:"active"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response. Required and Available are
// set for insufficient_credits.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Details   any    `json:"details,omitempty"`
	Required  *int64 `json:"required,omitempty"`
	Available *int64 `json:"available,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func credits(d decimal.Decimal) int64 { return d.IntPart() }

func formatIn(t time.Time, tz string) string {
	if loc, err := time.LoadLocation(tz); err == nil && tz != "" {
		t = t.In(loc)
	}
	return t.Format(time.RFC3339)
}

func toAppointmentDTO(a engine.Appointment) AppointmentDTO {
	w := a.Window()
	dto := AppointmentDTO{
		ID:              string(a.ID),
		StudentID:       string(a.StudentID),
		MentorID:        string(a.MentorID),
		ServiceID:       string(a.ServiceID),
		Status:          string(a.Status),
		ScheduledAt:     formatIn(w.Start, a.Timezone),
		EndAt:           formatIn(w.End, a.Timezone),
		DurationMinutes: a.DurationMinutes,
		Timezone:        a.Timezone,
		CreditCost:      credits(a.CreditCost),
		CreditsCharged:  a.CreditsCharged,
		CreditsRefunded: a.CreditsRefunded,
		Notes:           a.Notes,
		Rating:          a.Rating,
		Feedback:        a.Feedback,
		NextStatuses:    []string{},
		Version:         a.Version,
		CreatedAt:       a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       a.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, s := range booking.NextStatuses(a.Status) {
		dto.NextStatuses = append(dto.NextStatuses, string(s))
	}
	if c := a.Cancellation; c != nil {
		dto.Cancellation = &CancellationDTO{
			Reason: c.Reason,
			At:     c.At.UTC().Format(time.RFC3339),
			By:     string(c.By),
		}
	}
	return dto
}

func toAppointmentDTOs(as []engine.Appointment) []AppointmentDTO {
	dtos := make([]AppointmentDTO, len(as))
	for i, a := range as {
		dtos[i] = toAppointmentDTO(a)
	}
	return dtos
}

func toTransactionDTO(tx engine.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                   string(tx.ID),
		UserID:               string(tx.UserID),
		Seq:                  tx.Seq,
		Amount:               credits(tx.Amount),
		BalanceAfter:         credits(tx.BalanceAfter),
		Reason:               string(tx.Reason),
		Memo:                 tx.Memo,
		RelatedAppointmentID: string(tx.RelatedAppointmentID),
		IdempotencyKey:       tx.IdempotencyKey,
		CreatedAt:            tx.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toTransactionDTOs(txs []engine.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toScheduleDTO(s engine.Schedule) ScheduleDTO {
	dto := ScheduleDTO{
		OwnerID:    string(s.OwnerID),
		Weekly:     make(map[string]engine.DayAvailability, len(s.Weekly)),
		Exceptions: s.Exceptions,
		Policy:     s.Policy,
	}
	if dto.Exceptions == nil {
		dto.Exceptions = []engine.Exception{}
	}
	for day, avail := range s.Weekly {
		dto.Weekly[schedule.WeekdayName(day)] = avail
	}
	if !s.UpdatedAt.IsZero() {
		dto.UpdatedAt = s.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

// weeklyFromDTO maps weekday names back to time.Weekday.
func weeklyFromDTO(in map[string]engine.DayAvailability) (engine.WeeklyPattern, error) {
	out := make(engine.WeeklyPattern, len(in))
	for name, avail := range in {
		day, ok := schedule.ParseWeekday(strings.ToLower(name))
		if !ok {
			return nil, fmt.Errorf("%w: unknown weekday %q", engine.ErrInvalidSlot, name)
		}
		out[day] = avail
	}
	return out, nil
}

func toMentorDTO(m engine.Mentor) MentorDTO {
	return MentorDTO{ID: string(m.ID), Name: m.Name, Active: m.Active}
}

func toServiceDTO(s engine.ServiceOffering) ServiceDTO {
	return ServiceDTO{
		ID:              string(s.ID),
		Name:            s.Name,
		CreditCost:      credits(s.CreditCost),
		DurationMinutes: s.DurationMinutes,
		RequiresMentor:  s.RequiresMentor,
		Active:          s.Active,
	}
}
