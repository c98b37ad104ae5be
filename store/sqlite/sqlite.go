/*
Package sqlite provides a SQLite-backed implementation of engine.Store.

PURPOSE:
  Persists schedules, appointments, the credit ledger and the two read-only
  collaborators (service catalog, mentor directory). Every write that
  protects an invariant is conditional in SQL, so the invariant holds even
  when several processes share the database file.

INVARIANTS ENFORCED HERE:
  CreateAppointment:  overlap check + insert in one IMMEDIATE transaction
                      (SQLite takes the write lock at BEGIN, so no other
                      writer can slip in between the check and the insert).
  UpdateAppointment:  UPDATE ... WHERE version = ?    (compare-and-swap)
  AppendTransaction:  UPDATE accounts ... WHERE seq = ? and INSERT into
                      transactions in one transaction; UNIQUE(idempotency_key)
                      and UNIQUE(user_id, seq) back the ledger contract.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table (except Reset)
  - A refund is a new positive transaction

KEY TABLES:
  schedules:          one row per mentor, weekly pattern + exceptions as JSON
  appointments:       scheduled_at/end_at kept as fixed-width UTC text so
                      range predicates compare lexically
  accounts:           cached balance, last_tx_id, seq
  transactions:       immutable ledger rows
  service_offerings:  catalog
  mentors:            directory

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/booking.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: interface definitions
  - engine/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/booking-engine/engine"
)

// timeLayout is fixed width so that text comparison equals time comparison.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ engine.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Mentor schedules (one per owner)
	CREATE TABLE IF NOT EXISTS schedules (
		owner_id TEXT PRIMARY KEY,
		weekly_json TEXT NOT NULL,
		exceptions_json TEXT NOT NULL,
		timezone TEXT NOT NULL,
		buffer_minutes INTEGER NOT NULL DEFAULT 0,
		min_notice_hours INTEGER NOT NULL DEFAULT 0,
		max_advance_days INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	-- Appointments
	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		mentor_id TEXT NOT NULL DEFAULT '',
		service_id TEXT NOT NULL,
		status TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		timezone TEXT NOT NULL,
		credit_cost TEXT NOT NULL,
		credits_charged BOOLEAN NOT NULL DEFAULT FALSE,
		credits_refunded BOOLEAN NOT NULL DEFAULT FALSE,
		notes TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT,
		cancelled_at TEXT,
		cancelled_by TEXT,
		rating INTEGER,
		feedback TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Overlap checks (hot path)
	CREATE INDEX IF NOT EXISTS idx_appointments_mentor_active
		ON appointments(mentor_id, scheduled_at, end_at)
		WHERE status IN ('pending', 'confirmed', 'in_progress');
	CREATE INDEX IF NOT EXISTS idx_appointments_student
		ON appointments(student_id, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_appointments_status
		ON appointments(status);

	-- Cached balances
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		last_tx_id TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		seq INTEGER NOT NULL,
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		reason TEXT NOT NULL,
		memo TEXT NOT NULL DEFAULT '',
		related_appointment_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		UNIQUE(user_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_related
		ON transactions(related_appointment_id) WHERE related_appointment_id IS NOT NULL;

	-- Catalog
	CREATE TABLE IF NOT EXISTS service_offerings (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		credit_cost TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		requires_mentor BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	-- Mentor directory
	CREATE TABLE IF NOT EXISTS mentors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx executes fn within a database transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// SCHEDULES
// =============================================================================

func (s *Store) GetSchedule(ctx context.Context, ownerID engine.UserID) (engine.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		sched                   engine.Schedule
		weeklyJSON, exceptsJSON string
		updatedAt               string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, weekly_json, exceptions_json, timezone,
		       buffer_minutes, min_notice_hours, max_advance_days, updated_at
		FROM schedules WHERE owner_id = ?`, ownerID,
	).Scan(&sched.OwnerID, &weeklyJSON, &exceptsJSON, &sched.Policy.Timezone,
		&sched.Policy.BufferMinutes, &sched.Policy.MinNoticeHours, &sched.Policy.MaxAdvanceDays, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Schedule{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Schedule{}, fmt.Errorf("failed to load schedule: %w", err)
	}

	if err := json.Unmarshal([]byte(weeklyJSON), &sched.Weekly); err != nil {
		return engine.Schedule{}, fmt.Errorf("failed to decode weekly pattern: %w", err)
	}
	if err := json.Unmarshal([]byte(exceptsJSON), &sched.Exceptions); err != nil {
		return engine.Schedule{}, fmt.Errorf("failed to decode exceptions: %w", err)
	}
	var dec decoder
	sched.UpdatedAt = dec.time("updated_at", updatedAt)
	if dec.err != nil {
		return engine.Schedule{}, fmt.Errorf("failed to decode schedule %s: %w", ownerID, dec.err)
	}
	return sched, nil
}

func (s *Store) SaveSchedule(ctx context.Context, sched engine.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	weekly := sched.Weekly
	if weekly == nil {
		weekly = engine.WeeklyPattern{}
	}
	weeklyJSON, err := json.Marshal(weekly)
	if err != nil {
		return fmt.Errorf("failed to encode weekly pattern: %w", err)
	}
	exceptions := sched.Exceptions
	if exceptions == nil {
		exceptions = []engine.Exception{}
	}
	exceptsJSON, err := json.Marshal(exceptions)
	if err != nil {
		return fmt.Errorf("failed to encode exceptions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (owner_id, weekly_json, exceptions_json, timezone,
			buffer_minutes, min_notice_hours, max_advance_days, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			weekly_json = excluded.weekly_json,
			exceptions_json = excluded.exceptions_json,
			timezone = excluded.timezone,
			buffer_minutes = excluded.buffer_minutes,
			min_notice_hours = excluded.min_notice_hours,
			max_advance_days = excluded.max_advance_days,
			updated_at = excluded.updated_at`,
		sched.OwnerID, string(weeklyJSON), string(exceptsJSON), sched.Policy.Timezone,
		sched.Policy.BufferMinutes, sched.Policy.MinNoticeHours, sched.Policy.MaxAdvanceDays,
		formatTime(sched.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

const appointmentColumns = `
	id, student_id, mentor_id, service_id, status, scheduled_at, duration_minutes,
	timezone, credit_cost, credits_charged, credits_refunded, notes,
	cancel_reason, cancelled_at, cancelled_by, rating, feedback,
	version, created_at, updated_at`

func (s *Store) GetAppointment(ctx context.Context, id engine.AppointmentID) (engine.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	as, err := s.queryAppointments(ctx, "SELECT "+appointmentColumns+" FROM appointments WHERE id = ?", id)
	if err != nil {
		return engine.Appointment{}, err
	}
	if len(as) == 0 {
		return engine.Appointment{}, engine.ErrNotFound
	}
	return as[0], nil
}

func (s *Store) ActiveAppointments(ctx context.Context, mentorID engine.UserID, w engine.Window) ([]engine.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE mentor_id = ?
		  AND status IN ('pending', 'confirmed', 'in_progress')
		  AND scheduled_at < ? AND end_at > ?
		ORDER BY scheduled_at ASC, id ASC`,
		mentorID, formatTime(w.End), formatTime(w.Start))
}

func (s *Store) ListAppointments(ctx context.Context, f engine.AppointmentFilter) ([]engine.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.MentorID != "" {
		where = append(where, "mentor_id = ?")
		args = append(args, f.MentorID)
	}
	if f.StudentID != "" {
		where = append(where, "student_id = ?")
		args = append(args, f.StudentID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.From != nil {
		where = append(where, "scheduled_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "scheduled_at < ?")
		args = append(args, formatTime(*f.To))
	}

	query := "SELECT " + appointmentColumns + " FROM appointments"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scheduled_at ASC, id ASC"
	return s.queryAppointments(ctx, query, args...)
}

// CreateAppointment checks the mentor's calendar and inserts in one
// IMMEDIATE transaction.
func (s *Store) CreateAppointment(ctx context.Context, a engine.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.Version = 1
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if a.HasMentor() && a.Status.IsActive() {
			var clash string
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM appointments
				WHERE mentor_id = ?
				  AND status IN ('pending', 'confirmed', 'in_progress')
				  AND scheduled_at < ? AND end_at > ?
				ORDER BY scheduled_at LIMIT 1`,
				a.MentorID, formatTime(a.Window().End), formatTime(a.Window().Start),
			).Scan(&clash)
			switch {
			case err == nil:
				return &engine.SlotUnavailableError{
					MentorID: a.MentorID,
					Window:   a.Window(),
					Reason:   "overlaps appointment " + clash,
				}
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("failed to check overlap: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO appointments (`+appointmentColumns+`, end_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			appointmentArgs(a)...,
		)
		if isUniqueConstraintError(err) {
			return engine.ErrConcurrencyConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert appointment: %w", err)
		}
		return nil
	})
}

// UpdateAppointment is a compare-and-swap on version.
func (s *Store) UpdateAppointment(ctx context.Context, a engine.Appointment) (engine.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected := a.Version
	a.Version++
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}

	var cancelReason, cancelledAt, cancelledBy sql.NullString
	if a.Cancellation != nil {
		cancelReason = sql.NullString{String: a.Cancellation.Reason, Valid: true}
		cancelledAt = sql.NullString{String: formatTime(a.Cancellation.At), Valid: true}
		cancelledBy = sql.NullString{String: string(a.Cancellation.By), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE appointments SET
			status = ?, scheduled_at = ?, end_at = ?, duration_minutes = ?, timezone = ?,
			credits_charged = ?, credits_refunded = ?, notes = ?,
			cancel_reason = ?, cancelled_at = ?, cancelled_by = ?,
			rating = ?, feedback = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(a.Status), formatTime(a.ScheduledAt), formatTime(a.Window().End), a.DurationMinutes, a.Timezone,
		a.CreditsCharged, a.CreditsRefunded, a.Notes,
		cancelReason, cancelledAt, cancelledBy,
		nullInt(a.Rating), a.Feedback, a.Version, formatTime(a.UpdatedAt),
		a.ID, expected,
	)
	if err != nil {
		return engine.Appointment{}, fmt.Errorf("failed to update appointment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM appointments WHERE id = ?", a.ID).Scan(&exists); err != nil {
			return engine.Appointment{}, fmt.Errorf("failed to check appointment: %w", err)
		}
		if exists == 0 {
			return engine.Appointment{}, engine.ErrNotFound
		}
		return engine.Appointment{}, engine.ErrConcurrencyConflict
	}
	return a, nil
}

func (s *Store) DeleteAppointment(ctx context.Context, id engine.AppointmentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM appointments WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete appointment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func appointmentArgs(a engine.Appointment) []any {
	var cancelReason, cancelledAt, cancelledBy sql.NullString
	if a.Cancellation != nil {
		cancelReason = sql.NullString{String: a.Cancellation.Reason, Valid: true}
		cancelledAt = sql.NullString{String: formatTime(a.Cancellation.At), Valid: true}
		cancelledBy = sql.NullString{String: string(a.Cancellation.By), Valid: true}
	}
	return []any{
		a.ID, a.StudentID, a.MentorID, a.ServiceID, string(a.Status),
		formatTime(a.ScheduledAt), a.DurationMinutes, a.Timezone, a.CreditCost.String(),
		a.CreditsCharged, a.CreditsRefunded, a.Notes,
		cancelReason, cancelledAt, cancelledBy, nullInt(a.Rating), a.Feedback,
		a.Version, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
		formatTime(a.Window().End),
	}
}

func (s *Store) queryAppointments(ctx context.Context, query string, args ...any) ([]engine.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()

	var appointments []engine.Appointment
	for rows.Next() {
		var (
			a                                      engine.Appointment
			status, scheduledAt, cost              string
			createdAt, updatedAt                   string
			cancelReason, cancelledAt, cancelledBy sql.NullString
			rating                                 sql.NullInt64
		)
		err := rows.Scan(
			&a.ID, &a.StudentID, &a.MentorID, &a.ServiceID, &status, &scheduledAt, &a.DurationMinutes,
			&a.Timezone, &cost, &a.CreditsCharged, &a.CreditsRefunded, &a.Notes,
			&cancelReason, &cancelledAt, &cancelledBy, &rating, &a.Feedback,
			&a.Version, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		var dec decoder
		a.Status = engine.Status(status)
		a.ScheduledAt = dec.time("scheduled_at", scheduledAt)
		a.CreditCost = dec.decimal("credit_cost", cost)
		a.CreatedAt = dec.time("created_at", createdAt)
		a.UpdatedAt = dec.time("updated_at", updatedAt)
		if cancelledAt.Valid {
			a.Cancellation = &engine.Cancellation{
				Reason: cancelReason.String,
				At:     dec.time("cancelled_at", cancelledAt.String),
				By:     engine.UserID(cancelledBy.String),
			}
		}
		if dec.err != nil {
			return nil, fmt.Errorf("failed to decode appointment %s: %w", a.ID, dec.err)
		}
		if rating.Valid {
			r := int(rating.Int64)
			a.Rating = &r
		}
		appointments = append(appointments, a)
	}
	return appointments, rows.Err()
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, userID engine.UserID) (engine.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, userID)
}

func getAccount(ctx context.Context, db execer, userID engine.UserID) (engine.Account, error) {
	var (
		acct               engine.Account
		balance, updatedAt string
	)
	err := db.QueryRowContext(ctx,
		"SELECT user_id, balance, last_tx_id, seq, updated_at FROM accounts WHERE user_id = ?",
		userID,
	).Scan(&acct.UserID, &balance, &acct.LastTxID, &acct.Seq, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Account{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	var dec decoder
	acct.Balance = dec.decimal("balance", balance)
	acct.UpdatedAt = dec.time("updated_at", updatedAt)
	if dec.err != nil {
		return engine.Account{}, fmt.Errorf("failed to decode account %s: %w", userID, dec.err)
	}
	return acct, nil
}

func (s *Store) OpenAccount(ctx context.Context, userID engine.UserID) (engine.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, last_tx_id, seq, updated_at)
		VALUES (?, '0', '', 0, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, formatTime(time.Now()),
	)
	if err != nil {
		return engine.Account{}, fmt.Errorf("failed to open account: %w", err)
	}
	return getAccount(ctx, s.db, userID)
}

func (s *Store) ListAccounts(ctx context.Context) ([]engine.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, balance, last_tx_id, seq, updated_at FROM accounts ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []engine.Account
	for rows.Next() {
		var (
			acct               engine.Account
			balance, updatedAt string
		)
		if err := rows.Scan(&acct.UserID, &balance, &acct.LastTxID, &acct.Seq, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		var dec decoder
		acct.Balance = dec.decimal("balance", balance)
		acct.UpdatedAt = dec.time("updated_at", updatedAt)
		if dec.err != nil {
			return nil, fmt.Errorf("failed to decode account %s: %w", acct.UserID, dec.err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// AppendTransaction moves the account from expectedSeq to tx.Seq and
// inserts tx atomically.
func (s *Store) AppendTransaction(ctx context.Context, tx engine.Transaction, expectedSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(sqlTx *sql.Tx) error {
		res, err := sqlTx.ExecContext(ctx, `
			UPDATE accounts SET balance = ?, last_tx_id = ?, seq = ?, updated_at = ?
			WHERE user_id = ? AND seq = ?`,
			tx.BalanceAfter.String(), tx.ID, tx.Seq, formatTime(tx.CreatedAt),
			tx.UserID, expectedSeq,
		)
		if err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := getAccount(ctx, sqlTx, tx.UserID); err != nil {
				return err
			}
			return engine.ErrConcurrencyConflict
		}

		_, err = sqlTx.ExecContext(ctx, `
			INSERT INTO transactions
			(id, user_id, seq, amount, balance_after, reason, memo,
			 related_appointment_id, idempotency_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.ID, tx.UserID, tx.Seq, tx.Amount.String(), tx.BalanceAfter.String(),
			string(tx.Reason), tx.Memo,
			nullString(string(tx.RelatedAppointmentID)), nullString(tx.IdempotencyKey),
			formatTime(tx.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				if strings.Contains(err.Error(), "idempotency_key") {
					return engine.ErrDuplicateIdempotencyKey
				}
				return engine.ErrConcurrencyConflict
			}
			return fmt.Errorf("failed to append transaction: %w", err)
		}
		return nil
	})
}

const transactionColumns = `
	id, user_id, seq, amount, balance_after, reason, memo,
	related_appointment_id, idempotency_key, created_at`

func (s *Store) Transactions(ctx context.Context, userID engine.UserID) ([]engine.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE user_id = ? ORDER BY seq ASC", userID)
}

func (s *Store) TransactionByKey(ctx context.Context, key string) (engine.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs, err := s.queryTransactions(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE idempotency_key = ?", key)
	if err != nil {
		return engine.Transaction{}, err
	}
	if len(txs) == 0 {
		return engine.Transaction{}, engine.ErrNotFound
	}
	return txs[0], nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]engine.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []engine.Transaction
	for rows.Next() {
		var (
			tx                      engine.Transaction
			amount, balanceAfter    string
			reason, createdAt       string
			related, idempotencyKey sql.NullString
		)
		err := rows.Scan(&tx.ID, &tx.UserID, &tx.Seq, &amount, &balanceAfter, &reason, &tx.Memo,
			&related, &idempotencyKey, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		var dec decoder
		tx.Amount = dec.decimal("amount", amount)
		tx.BalanceAfter = dec.decimal("balance_after", balanceAfter)
		tx.Reason = engine.TxReason(reason)
		tx.RelatedAppointmentID = engine.AppointmentID(related.String)
		tx.IdempotencyKey = idempotencyKey.String
		tx.CreatedAt = dec.time("created_at", createdAt)
		if dec.err != nil {
			return nil, fmt.Errorf("failed to decode transaction %s: %w", tx.ID, dec.err)
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// =============================================================================
// COLLABORATORS
// =============================================================================

func (s *Store) GetService(ctx context.Context, id engine.ServiceID) (engine.ServiceOffering, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		svc  engine.ServiceOffering
		cost string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, credit_cost, duration_minutes, requires_mentor, active
		FROM service_offerings WHERE id = ?`, id,
	).Scan(&svc.ID, &svc.Name, &cost, &svc.DurationMinutes, &svc.RequiresMentor, &svc.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ServiceOffering{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.ServiceOffering{}, fmt.Errorf("failed to load service: %w", err)
	}
	var dec decoder
	svc.CreditCost = dec.decimal("credit_cost", cost)
	if dec.err != nil {
		return engine.ServiceOffering{}, fmt.Errorf("failed to decode service %s: %w", id, dec.err)
	}
	return svc, nil
}

func (s *Store) SaveService(ctx context.Context, svc engine.ServiceOffering) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_offerings (id, name, credit_cost, duration_minutes, requires_mentor, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			credit_cost = excluded.credit_cost,
			duration_minutes = excluded.duration_minutes,
			requires_mentor = excluded.requires_mentor,
			active = excluded.active`,
		svc.ID, svc.Name, svc.CreditCost.String(), svc.DurationMinutes, svc.RequiresMentor, svc.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to save service: %w", err)
	}
	return nil
}

func (s *Store) GetMentor(ctx context.Context, id engine.UserID) (engine.Mentor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m engine.Mentor
	err := s.db.QueryRowContext(ctx, "SELECT id, name, active FROM mentors WHERE id = ?", id).
		Scan(&m.ID, &m.Name, &m.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Mentor{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Mentor{}, fmt.Errorf("failed to load mentor: %w", err)
	}
	return m, nil
}

func (s *Store) SaveMentor(ctx context.Context, m engine.Mentor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mentors (id, name, active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active`,
		m.ID, m.Name, m.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to save mentor: %w", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"transactions", "accounts", "appointments", "schedules", "service_offerings", "mentors"}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// decoder parses TEXT columns and keeps the first failure, so a corrupt
// row surfaces as an error instead of a zero value.
type decoder struct {
	err error
}

func (d *decoder) time(column, s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("%w: column %s: %v", engine.ErrIntegrityViolation, column, err)
	}
	return t
}

func (d *decoder) decimal(column, s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("%w: column %s: %v", engine.ErrIntegrityViolation, column, err)
	}
	return v
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
