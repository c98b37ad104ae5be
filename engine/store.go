/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the engine and its storage. Every write that
  protects an invariant is a conditional write, so the invariant holds even
  when several processes share one database:

  CreateAppointment:  check-and-insert. Fails with ErrSlotUnavailable when an
                      active appointment of the same mentor overlaps.
  UpdateAppointment:  compare-and-swap on Appointment.Version.
  AppendTransaction:  compare-and-swap on Account.Seq; the ledger row and the
                      cached balance move together or not at all.

APPEND-ONLY CONTRACT:
  LedgerStore has no Update or Delete for transactions. A refund is a new
  positive transaction linked to the appointment it reverses.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - engine/store/memory.go: in-memory for tests and -db=memory

SEE ALSO:
  - ledger/ledger.go: uses LedgerStore
  - booking/orchestrator.go: uses AppointmentStore, Catalog, MentorDirectory
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// SCHEDULES
// =============================================================================

type ScheduleStore interface {
	// GetSchedule returns ErrNotFound when the owner has no schedule.
	GetSchedule(ctx context.Context, ownerID UserID) (Schedule, error)

	// SaveSchedule replaces the owner's schedule.
	SaveSchedule(ctx context.Context, s Schedule) error
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

type AppointmentFilter struct {
	MentorID  UserID
	StudentID UserID
	Statuses  []Status
	From      *time.Time // ScheduledAt >= From
	To        *time.Time // ScheduledAt < To
}

type AppointmentStore interface {
	GetAppointment(ctx context.Context, id AppointmentID) (Appointment, error)

	// ActiveAppointments returns the mentor's pending, confirmed and
	// in-progress appointments overlapping w, ordered by ScheduledAt.
	ActiveAppointments(ctx context.Context, mentorID UserID, w Window) ([]Appointment, error)

	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error)

	// CreateAppointment inserts a. When a has a mentor the overlap check
	// against the mentor's active appointments and the insert are atomic.
	CreateAppointment(ctx context.Context, a Appointment) error

	// UpdateAppointment stores a if the stored version still equals a.Version
	// and returns it with the new version. ErrConcurrencyConflict otherwise.
	UpdateAppointment(ctx context.Context, a Appointment) (Appointment, error)

	// DeleteAppointment exists for saga compensation only.
	DeleteAppointment(ctx context.Context, id AppointmentID) error
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerStore interface {
	// GetAccount returns ErrNotFound for unknown users.
	GetAccount(ctx context.Context, userID UserID) (Account, error)

	// OpenAccount creates an empty account, or returns the existing one.
	OpenAccount(ctx context.Context, userID UserID) (Account, error)

	ListAccounts(ctx context.Context) ([]Account, error)

	// AppendTransaction appends tx and moves the account's cached balance to
	// tx.BalanceAfter, provided the account's Seq still equals expectedSeq.
	// Returns ErrConcurrencyConflict when it does not and
	// ErrDuplicateIdempotencyKey when tx.IdempotencyKey was already used.
	AppendTransaction(ctx context.Context, tx Transaction, expectedSeq int64) error

	// Transactions returns the user's transactions ordered by Seq.
	Transactions(ctx context.Context, userID UserID) ([]Transaction, error)

	// TransactionByKey returns ErrNotFound when no row carries key.
	TransactionByKey(ctx context.Context, key string) (Transaction, error)
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Catalog is the service catalog. The engine only reads it; SaveService
// backs the admin endpoints.
type Catalog interface {
	GetService(ctx context.Context, id ServiceID) (ServiceOffering, error)
	SaveService(ctx context.Context, s ServiceOffering) error
}

type MentorDirectory interface {
	GetMentor(ctx context.Context, id UserID) (Mentor, error)
	SaveMentor(ctx context.Context, m Mentor) error
}

// Store is everything a process needs from one backend.
type Store interface {
	ScheduleStore
	AppointmentStore
	LedgerStore
	Catalog
	MentorDirectory

	// Reset clears all data (demo scenarios, tests).
	Reset(ctx context.Context) error
}
