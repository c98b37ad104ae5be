package engine

import (
	"context"
	"errors"
)

// DefaultRetryAttempts bounds internal retries of ErrConcurrencyConflict.
const DefaultRetryAttempts = 3

// Retry calls fn until it returns something other than ErrConcurrencyConflict,
// at most attempts times. The last error is returned as is.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
