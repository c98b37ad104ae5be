/*
Package engine provides the shared domain model of the booking engine.

PURPOSE:
  Types every other package agrees on: identifiers, credit amounts, half-open
  time windows, appointments and their status, ledger transactions and the
  cached account balance. Storage and collaborator contracts live in store.go,
  the error taxonomy in errors.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Credits: decimal amounts, always whole numbers at the API boundary
  - Window: half-open [Start, End) interval, the single overlap rule
  - Appointment: the central entity mutated through the booking orchestrator
  - Transaction / Account: append-only ledger rows and the derived balance index

DESIGN PRINCIPLES:
  1. The ledger is the source of truth; Account.Balance is an index into it
  2. Precision: decimal.Decimal, never float64, for credits
  3. Type safety: distinct id types for users, services, appointments, transactions

SEE ALSO:
  - schedule.go: weekly pattern, exceptions, booking policy
  - store.go: persistence and collaborator interfaces
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ServiceID string
type AppointmentID string
type TransactionID string

// =============================================================================
// CREDITS
// =============================================================================

// NewCredits returns a whole-credit amount.
func NewCredits(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// IsWholeCredits reports whether d is a non-fractional amount.
func IsWholeCredits(d decimal.Decimal) bool { return d.Equal(d.Truncate(0)) }

// =============================================================================
// WINDOW - Half-open time interval
// =============================================================================

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewWindow(start time.Time, d time.Duration) Window {
	return Window{Start: start, End: start.Add(d)}
}

// Overlaps reports whether [a.Start, a.End) and [b.Start, b.End) intersect:
// a.Start < b.End AND b.Start < a.End. Touching windows do not overlap.
func Overlaps(a, b Window) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

func (w Window) Overlaps(o Window) bool  { return Overlaps(w, o) }
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }
func (w Window) IsValid() bool           { return w.Start.Before(w.End) }

// Contains reports whether o lies entirely inside w.
func (w Window) Contains(o Window) bool {
	return !o.Start.Before(w.Start) && !o.End.After(w.End)
}

func (w Window) In(loc *time.Location) Window {
	return Window{Start: w.Start.In(loc), End: w.End.In(loc)}
}

// =============================================================================
// ACTORS
// =============================================================================

type Role string

const (
	RoleStudent Role = "student"
	RoleMentor  Role = "mentor"
	RoleAdmin   Role = "admin"
)

// Actor is the already-authenticated caller. The engine trusts the roles it is given.
type Actor struct {
	ID    UserID
	Roles []Role
}

func (a Actor) HasRole(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// =============================================================================
// CATALOG - Read-only collaborators
// =============================================================================

// ServiceOffering is the snapshot a booking copies price and duration from.
type ServiceOffering struct {
	ID              ServiceID
	Name            string
	CreditCost      decimal.Decimal
	DurationMinutes int
	RequiresMentor  bool
	Active          bool
}

func (s ServiceOffering) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// MinServiceDuration is the shortest bookable service.
const MinServiceDuration = 15

type Mentor struct {
	ID     UserID
	Name   string
	Active bool
}

// =============================================================================
// APPOINTMENT
// =============================================================================

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// ActiveStatuses hold a mentor's time.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed, StatusInProgress}

func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusInProgress
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

func (s Status) IsValid() bool {
	return s.IsActive() || s.IsTerminal()
}

type Cancellation struct {
	Reason string
	At     time.Time
	By     UserID
}

type Appointment struct {
	ID              AppointmentID
	StudentID       UserID
	MentorID        UserID // empty when the service needs no mentor
	ServiceID       ServiceID
	Status          Status
	ScheduledAt     time.Time
	DurationMinutes int
	Timezone        string
	CreditCost      decimal.Decimal
	CreditsCharged  bool
	CreditsRefunded bool
	Notes           string
	Cancellation    *Cancellation
	Rating          *int
	Feedback        string

	// Version is bumped by every successful write; UpdateAppointment compares it.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a Appointment) Window() Window {
	return NewWindow(a.ScheduledAt, time.Duration(a.DurationMinutes)*time.Minute)
}

func (a Appointment) HasMentor() bool { return a.MentorID != "" }

// IsParticipant reports whether id is the student or the mentor of a.
func (a Appointment) IsParticipant(id UserID) bool {
	return id == a.StudentID || (a.HasMentor() && id == a.MentorID)
}

// =============================================================================
// LEDGER
// =============================================================================

type TxReason string

const (
	ReasonBookingCharge TxReason = "booking_charge"
	ReasonRefund        TxReason = "refund"
	ReasonTopUp         TxReason = "top_up"
	ReasonAdjustment    TxReason = "adjustment"
)

// Transaction is an immutable ledger row. Seq orders a user's transactions;
// BalanceAfter[i] = BalanceAfter[i-1] + Amount[i].
type Transaction struct {
	ID                   TransactionID
	UserID               UserID
	Seq                  int64
	Amount               decimal.Decimal // signed
	BalanceAfter         decimal.Decimal
	Reason               TxReason
	Memo                 string
	RelatedAppointmentID AppointmentID
	IdempotencyKey       string
	CreatedAt            time.Time
}

// Account is the cached balance of a user: the balance after LastTxID, the
// transaction with sequence number Seq. A new account has Seq 0 and no LastTxID.
type Account struct {
	UserID    UserID
	Balance   decimal.Decimal
	LastTxID  TransactionID
	Seq       int64
	UpdatedAt time.Time
}

// ChargeKey and RefundKey are the idempotency keys tying ledger rows to an appointment.
func ChargeKey(id AppointmentID) string { return "charge:" + string(id) }
func RefundKey(id AppointmentID) string { return "refund:" + string(id) }
