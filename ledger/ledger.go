/*
Package ledger implements the append-only credit ledger.

PURPOSE:
  Every change to a user's credits is a Transaction appended here. The
  account's cached balance is only an index into the latest transaction
  and can always be re-derived by replaying history (see verify.go).

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. A refund is a new credit.
  2. CHAINED: BalanceAfter[i] = BalanceAfter[i-1] + Amount[i], Seq is 1..n.
  3. NON-NEGATIVE: A debit never takes a balance below zero, even under races.
  4. IDEMPOTENT: One idempotency key = one transaction.

CONCURRENCY:
  Debit and Credit are read-modify-write. They run under a per-user lock and
  commit with a compare-and-swap on Account.Seq; a lost CAS is retried a
  bounded number of times (engine.Retry) with a fresh read.

EXAMPLE:
    l := ledger.New(store, ledger.WithLocker(lock.NewKeyed()))
    tx, err := l.Debit(ctx, "student-1", engine.NewCredits(50), ledger.Entry{
        Reason:               engine.ReasonBookingCharge,
        RelatedAppointmentID: appt.ID,
        IdempotencyKey:       engine.ChargeKey(appt.ID),
    })

SEE ALSO:
  - engine/store.go: LedgerStore contract
  - verify.go: replay and audit
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/booking-engine/engine"
	"github.com/warp/booking-engine/lock"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    engine.LedgerStore
	locker   lock.Locker
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
	attempts int
}

type Option func(*Ledger)

func WithLocker(l lock.Locker) Option       { return func(led *Ledger) { led.locker = l } }
func WithLogger(lg *zap.Logger) Option      { return func(led *Ledger) { led.logger = lg } }
func WithClock(now func() time.Time) Option { return func(led *Ledger) { led.now = now } }
func WithRetryAttempts(n int) Option        { return func(led *Ledger) { led.attempts = n } }

func New(store engine.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		locker:   lock.NewKeyed(),
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
		attempts: engine.DefaultRetryAttempts,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Entry describes why a posting happens.
type Entry struct {
	Reason               engine.TxReason
	Memo                 string
	RelatedAppointmentID engine.AppointmentID
	IdempotencyKey       string
}

// =============================================================================
// READS
// =============================================================================

// OpenAccount makes userID known to the ledger. Idempotent.
func (l *Ledger) OpenAccount(ctx context.Context, userID engine.UserID) (engine.Account, error) {
	if userID == "" {
		return engine.Account{}, fmt.Errorf("open account: empty user id: %w", engine.ErrNotFound)
	}
	return l.store.OpenAccount(ctx, userID)
}

func (l *Ledger) Account(ctx context.Context, userID engine.UserID) (engine.Account, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return engine.Account{}, fmt.Errorf("account %s: %w", userID, err)
	}
	return acct, nil
}

// Balance returns the cached balance.
func (l *Ledger) Balance(ctx context.Context, userID engine.UserID) (decimal.Decimal, error) {
	acct, err := l.Account(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// History returns the user's transactions, oldest first.
func (l *Ledger) History(ctx context.Context, userID engine.UserID) ([]engine.Transaction, error) {
	if _, err := l.Account(ctx, userID); err != nil {
		return nil, err
	}
	return l.store.Transactions(ctx, userID)
}

// Lookup returns the transaction recorded under an idempotency key.
func (l *Ledger) Lookup(ctx context.Context, key string) (engine.Transaction, error) {
	return l.store.TransactionByKey(ctx, key)
}

// =============================================================================
// WRITES
// =============================================================================

// Debit removes amount from the user's balance. Fails with
// *engine.InsufficientCreditsError when the balance is smaller than amount.
//
// When entry.IdempotencyKey was already used, Debit returns the existing
// transaction together with engine.ErrDuplicateIdempotencyKey.
func (l *Ledger) Debit(ctx context.Context, userID engine.UserID, amount decimal.Decimal, entry Entry) (engine.Transaction, error) {
	return l.post(ctx, userID, amount, true, entry)
}

// Credit adds amount to the user's balance. It only fails for unknown users,
// storage errors or a reused idempotency key (same contract as Debit).
func (l *Ledger) Credit(ctx context.Context, userID engine.UserID, amount decimal.Decimal, entry Entry) (engine.Transaction, error) {
	return l.post(ctx, userID, amount, false, entry)
}

func (l *Ledger) post(ctx context.Context, userID engine.UserID, amount decimal.Decimal, debit bool, entry Entry) (engine.Transaction, error) {
	if !amount.IsPositive() || !engine.IsWholeCredits(amount) {
		return engine.Transaction{}, fmt.Errorf("%w: %s must be a positive whole number", engine.ErrInvalidAmount, amount)
	}
	signed := amount
	if debit {
		signed = amount.Neg()
	}

	unlock, err := l.locker.Lock(ctx, "ledger:"+string(userID))
	if err != nil {
		return engine.Transaction{}, fmt.Errorf("lock ledger %s: %w", userID, err)
	}
	defer unlock()

	var posted engine.Transaction
	err = engine.Retry(ctx, l.attempts, func() error {
		acct, err := l.store.GetAccount(ctx, userID)
		if err != nil {
			return fmt.Errorf("account %s: %w", userID, err)
		}
		if debit && acct.Balance.LessThan(amount) {
			return &engine.InsufficientCreditsError{UserID: userID, Required: amount, Available: acct.Balance}
		}

		tx := engine.Transaction{
			ID:                   engine.TransactionID(l.newID()),
			UserID:               userID,
			Seq:                  acct.Seq + 1,
			Amount:               signed,
			BalanceAfter:         acct.Balance.Add(signed),
			Reason:               entry.Reason,
			Memo:                 entry.Memo,
			RelatedAppointmentID: entry.RelatedAppointmentID,
			IdempotencyKey:       entry.IdempotencyKey,
			CreatedAt:            l.now().UTC(),
		}
		if err := l.store.AppendTransaction(ctx, tx, acct.Seq); err != nil {
			return err
		}
		posted = tx
		return nil
	})

	if errors.Is(err, engine.ErrDuplicateIdempotencyKey) {
		existing, lookupErr := l.store.TransactionByKey(ctx, entry.IdempotencyKey)
		if lookupErr != nil {
			return engine.Transaction{}, fmt.Errorf("lookup %s: %w", entry.IdempotencyKey, lookupErr)
		}
		return existing, err
	}
	if err != nil {
		return engine.Transaction{}, err
	}

	l.logger.Debug("ledger posting",
		zap.String("user_id", string(userID)),
		zap.String("tx_id", string(posted.ID)),
		zap.String("reason", string(posted.Reason)),
		zap.String("amount", posted.Amount.String()),
		zap.String("balance_after", posted.BalanceAfter.String()),
	)
	return posted, nil
}
