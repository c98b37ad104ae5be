// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/booking-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements engine.Store. A single RWMutex makes every conditional
// write atomic.
type Memory struct {
	mu           sync.RWMutex
	schedules    map[engine.UserID]engine.Schedule
	appointments map[engine.AppointmentID]engine.Appointment
	accounts     map[engine.UserID]engine.Account
	transactions map[engine.UserID][]engine.Transaction
	idempotency  map[string]engine.Transaction
	services     map[engine.ServiceID]engine.ServiceOffering
	mentors      map[engine.UserID]engine.Mentor
}

var _ engine.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		schedules:    make(map[engine.UserID]engine.Schedule),
		appointments: make(map[engine.AppointmentID]engine.Appointment),
		accounts:     make(map[engine.UserID]engine.Account),
		transactions: make(map[engine.UserID][]engine.Transaction),
		idempotency:  make(map[string]engine.Transaction),
		services:     make(map[engine.ServiceID]engine.ServiceOffering),
		mentors:      make(map[engine.UserID]engine.Mentor),
	}
}

// =============================================================================
// SCHEDULES
// =============================================================================

func (m *Memory) GetSchedule(_ context.Context, ownerID engine.UserID) (engine.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[ownerID]
	if !ok {
		return engine.Schedule{}, engine.ErrNotFound
	}
	return copySchedule(s), nil
}

func (m *Memory) SaveSchedule(_ context.Context, s engine.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.schedules[s.OwnerID] = copySchedule(s)
	return nil
}

func copySchedule(s engine.Schedule) engine.Schedule {
	weekly := make(engine.WeeklyPattern, len(s.Weekly))
	for day, avail := range s.Weekly {
		weekly[day] = engine.DayAvailability{
			Available: avail.Available,
			Slots:     append([]engine.TimeRange(nil), avail.Slots...),
		}
	}
	exceptions := make([]engine.Exception, len(s.Exceptions))
	for i, ex := range s.Exceptions {
		ex.Slots = append([]engine.TimeRange(nil), ex.Slots...)
		exceptions[i] = ex
	}
	s.Weekly = weekly
	s.Exceptions = exceptions
	return s
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

func (m *Memory) GetAppointment(_ context.Context, id engine.AppointmentID) (engine.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.appointments[id]
	if !ok {
		return engine.Appointment{}, engine.ErrNotFound
	}
	return a, nil
}

func (m *Memory) ActiveAppointments(_ context.Context, mentorID engine.UserID, w engine.Window) ([]engine.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked(mentorID, w), nil
}

func (m *Memory) activeLocked(mentorID engine.UserID, w engine.Window) []engine.Appointment {
	var result []engine.Appointment
	for _, a := range m.appointments {
		if a.MentorID == mentorID && a.Status.IsActive() && a.Window().Overlaps(w) {
			result = append(result, a)
		}
	}
	sortAppointments(result)
	return result
}

func (m *Memory) ListAppointments(_ context.Context, f engine.AppointmentFilter) ([]engine.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.Appointment
	for _, a := range m.appointments {
		if f.MentorID != "" && a.MentorID != f.MentorID {
			continue
		}
		if f.StudentID != "" && a.StudentID != f.StudentID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, a.Status) {
			continue
		}
		if f.From != nil && a.ScheduledAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !a.ScheduledAt.Before(*f.To) {
			continue
		}
		result = append(result, a)
	}
	sortAppointments(result)
	return result, nil
}

// CreateAppointment re-validates the mentor's calendar under the write lock.
func (m *Memory) CreateAppointment(_ context.Context, a engine.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.appointments[a.ID]; exists {
		return engine.ErrConcurrencyConflict
	}
	if a.HasMentor() && a.Status.IsActive() {
		if clash := m.activeLocked(a.MentorID, a.Window()); len(clash) > 0 {
			return &engine.SlotUnavailableError{
				MentorID: a.MentorID,
				Window:   a.Window(),
				Reason:   "overlaps appointment " + string(clash[0].ID),
			}
		}
	}
	a.Version = 1
	m.appointments[a.ID] = a
	return nil
}

func (m *Memory) UpdateAppointment(_ context.Context, a engine.Appointment) (engine.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.appointments[a.ID]
	if !ok {
		return engine.Appointment{}, engine.ErrNotFound
	}
	if current.Version != a.Version {
		return engine.Appointment{}, engine.ErrConcurrencyConflict
	}
	a.Version++
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	m.appointments[a.ID] = a
	return a, nil
}

func (m *Memory) DeleteAppointment(_ context.Context, id engine.AppointmentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.appointments[id]; !ok {
		return engine.ErrNotFound
	}
	delete(m.appointments, id)
	return nil
}

func hasStatus(list []engine.Status, s engine.Status) bool {
	for _, have := range list {
		if have == s {
			return true
		}
	}
	return false
}

func sortAppointments(as []engine.Appointment) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].ScheduledAt.Equal(as[j].ScheduledAt) {
			return as[i].ID < as[j].ID
		}
		return as[i].ScheduledAt.Before(as[j].ScheduledAt)
	})
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, userID engine.UserID) (engine.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return engine.Account{}, engine.ErrNotFound
	}
	return acct, nil
}

func (m *Memory) OpenAccount(_ context.Context, userID engine.UserID) (engine.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.accounts[userID]; ok {
		return acct, nil
	}
	acct := engine.Account{UserID: userID, Balance: engine.NewCredits(0), UpdatedAt: time.Now().UTC()}
	m.accounts[userID] = acct
	return acct, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]engine.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]engine.Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		result = append(result, acct)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (m *Memory) AppendTransaction(_ context.Context, tx engine.Transaction, expectedSeq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[tx.UserID]
	if !ok {
		return engine.ErrNotFound
	}
	if acct.Seq != expectedSeq {
		return engine.ErrConcurrencyConflict
	}
	if tx.IdempotencyKey != "" {
		if _, dup := m.idempotency[tx.IdempotencyKey]; dup {
			return engine.ErrDuplicateIdempotencyKey
		}
		m.idempotency[tx.IdempotencyKey] = tx
	}

	m.transactions[tx.UserID] = append(m.transactions[tx.UserID], tx)
	acct.Balance = tx.BalanceAfter
	acct.LastTxID = tx.ID
	acct.Seq = tx.Seq
	acct.UpdatedAt = tx.CreatedAt
	m.accounts[tx.UserID] = acct
	return nil
}

func (m *Memory) Transactions(_ context.Context, userID engine.UserID) ([]engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]engine.Transaction, len(m.transactions[userID]))
	copy(result, m.transactions[userID])
	return result, nil
}

func (m *Memory) TransactionByKey(_ context.Context, key string) (engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.idempotency[key]
	if !ok {
		return engine.Transaction{}, engine.ErrNotFound
	}
	return tx, nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	fresh := NewMemory()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.schedules = fresh.schedules
	m.appointments = fresh.appointments
	m.accounts = fresh.accounts
	m.transactions = fresh.transactions
	m.idempotency = fresh.idempotency
	m.services = fresh.services
	m.mentors = fresh.mentors
	return nil
}

// SetAccountForTest overwrites a cached balance without a transaction.
// Only integrity tests use it to simulate a corrupted cache.
func (m *Memory) SetAccountForTest(acct engine.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.UserID] = acct
}

// =============================================================================
// COLLABORATORS
// =============================================================================

func (m *Memory) GetService(_ context.Context, id engine.ServiceID) (engine.ServiceOffering, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.services[id]
	if !ok {
		return engine.ServiceOffering{}, engine.ErrNotFound
	}
	return s, nil
}

func (m *Memory) SaveService(_ context.Context, s engine.ServiceOffering) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.ID] = s
	return nil
}

func (m *Memory) GetMentor(_ context.Context, id engine.UserID) (engine.Mentor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mentor, ok := m.mentors[id]
	if !ok {
		return engine.Mentor{}, engine.ErrNotFound
	}
	return mentor, nil
}

func (m *Memory) SaveMentor(_ context.Context, mentor engine.Mentor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mentors[mentor.ID] = mentor
	return nil
}
