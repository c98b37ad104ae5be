/*
Package lock provides keyed critical sections.

PURPOSE:
  The booking orchestrator serializes "check conflict -> create appointment"
  per mentor, and the ledger serializes "read balance -> append" per user.
  Storage re-validates both with conditional writes; the lock keeps
  contenders from burning their retry budget against each other.

IMPLEMENTATIONS:
  Keyed: in-process, one mutex per key, reference counted so idle keys are
         released.
  Redis: SET NX PX with a random token, released by a compare-and-delete
         script. For several server processes sharing one database.

USAGE:
    unlock, err := locker.Lock(ctx, "mentor:"+id)
    if err != nil {
        return err
    }
    defer unlock()
*/
package lock

import (
	"context"
	"sync"
)

// Locker acquires the critical section for key, blocking until it is free
// or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// =============================================================================
// KEYED - In-process lock per key
// =============================================================================

type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{} // holds one token while unlocked
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry)}
}

func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	entry := k.acquire(key)

	select {
	case <-entry.ch:
	case <-ctx.Done():
		k.release(key)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.ch <- struct{}{}
			k.release(key)
		})
	}, nil
}

func (k *Keyed) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		entry.ch <- struct{}{}
		k.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (k *Keyed) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry := k.locks[key]
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
}

// Len reports how many keys are currently held or waited on.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Noop never blocks. Useful when storage-level conditional writes are enough.
type Noop struct{}

func (Noop) Lock(context.Context, string) (func(), error) { return func() {}, nil }
