package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/booking-engine/engine"
)

// =============================================================================
// VERIFY - Replay history against the cached balance
// =============================================================================

// Verify replays the user's transactions and reports whether the chain is
// intact and the cached balance equals the replayed sum. A mismatch returns
// false and an *engine.IntegrityError; storage failures return false and
// the storage error. Nothing is corrected.
func (l *Ledger) Verify(ctx context.Context, userID engine.UserID) (bool, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("account %s: %w", userID, err)
	}
	txs, err := l.store.Transactions(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("transactions %s: %w", userID, err)
	}
	if ierr := Replay(acct, txs); ierr != nil {
		return false, ierr
	}
	return true, nil
}

// Replay checks txs against acct without touching storage.
func Replay(acct engine.Account, txs []engine.Transaction) *engine.IntegrityError {
	balance := decimal.Zero
	var lastID engine.TransactionID

	for i, tx := range txs {
		want := int64(i + 1)
		if tx.Seq != want {
			return &engine.IntegrityError{
				UserID: acct.UserID, Seq: tx.Seq,
				Expected: decimal.NewFromInt(want), Actual: decimal.NewFromInt(tx.Seq),
				Detail: "sequence gap",
			}
		}
		balance = balance.Add(tx.Amount)
		if !balance.Equal(tx.BalanceAfter) {
			return &engine.IntegrityError{
				UserID: acct.UserID, Seq: tx.Seq,
				Expected: balance, Actual: tx.BalanceAfter,
				Detail: "balance_after does not follow from previous row",
			}
		}
		if balance.IsNegative() {
			return &engine.IntegrityError{
				UserID: acct.UserID, Seq: tx.Seq,
				Expected: decimal.Zero, Actual: balance,
				Detail: "negative balance",
			}
		}
		lastID = tx.ID
	}

	if !acct.Balance.Equal(balance) {
		return &engine.IntegrityError{
			UserID: acct.UserID, Expected: balance, Actual: acct.Balance,
			Detail: "cached balance differs from replayed sum",
		}
	}
	if acct.Seq != int64(len(txs)) || acct.LastTxID != lastID {
		return &engine.IntegrityError{
			UserID: acct.UserID, Expected: decimal.NewFromInt(int64(len(txs))), Actual: decimal.NewFromInt(acct.Seq),
			Detail: "cached balance does not point at the latest transaction",
		}
	}
	return nil
}

// =============================================================================
// AUDIT - Verify every account
// =============================================================================

// Audit verifies all accounts with at most concurrency replays in flight and
// returns every violation found. Violations are logged at error level.
func (l *Ledger) Audit(ctx context.Context, concurrency int) ([]*engine.IntegrityError, error) {
	accounts, err := l.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu         sync.Mutex
		violations []*engine.IntegrityError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, acct := range accounts {
		userID := acct.UserID
		g.Go(func() error {
			ok, err := l.Verify(gctx, userID)
			if ok {
				return nil
			}
			var ierr *engine.IntegrityError
			if !errors.As(err, &ierr) {
				return err
			}
			l.logger.Error("ledger integrity violation",
				zap.String("user_id", string(userID)),
				zap.Int64("seq", ierr.Seq),
				zap.String("expected", ierr.Expected.String()),
				zap.String("actual", ierr.Actual.String()),
				zap.String("detail", ierr.Detail),
			)
			mu.Lock()
			violations = append(violations, ierr)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return violations, err
	}
	return violations, nil
}
