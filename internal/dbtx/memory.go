package dbtx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/syncutil"
)

// MemoryRunner gives the in-memory stores transactional behaviour: row
// locks held until the unit of work ends, and an undo journal replayed in
// reverse on failure. Reads are not isolated from uncommitted writes of
// other transactions; writers are serialized by Lock.
type MemoryRunner struct {
	locks       *syncutil.KeyedMutex
	lockTimeout time.Duration
}

type memTx struct {
	runner  *MemoryRunner
	unlocks map[string]func()
	undo    []func()
}

// NewMemoryRunner creates a runner whose lock waits give up after lockTimeout.
func NewMemoryRunner(lockTimeout time.Duration) *MemoryRunner {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &MemoryRunner{locks: syncutil.NewKeyedMutex(), lockTimeout: lockTimeout}
}

// InTx implements Runner.
func (r *MemoryRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	mt := &memTx{runner: r, unlocks: make(map[string]func())}
	st := &txState{mem: mt}
	committed := false
	defer func() {
		if !committed {
			for i := len(mt.undo) - 1; i >= 0; i-- {
				mt.undo[i]()
			}
		}
		for _, unlock := range mt.unlocks {
			unlock()
		}
		if committed {
			st.runHooks()
		}
	}()

	if err := fn(withState(ctx, st)); err != nil {
		return err
	}
	committed = true
	return nil
}

// Lock takes the row lock named key for the rest of the transaction carried
// by ctx. It is re-entrant within one transaction and a no-op outside a
// memory transaction. A wait longer than the runner's lock timeout fails
// with apperr.ErrContention.
func Lock(ctx context.Context, key string) error {
	st := stateFrom(ctx)
	if st == nil || st.mem == nil {
		return nil
	}
	mt := st.mem
	if _, held := mt.unlocks[key]; held {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, mt.runner.lockTimeout)
	defer cancel()
	unlock, err := mt.runner.locks.LockContext(waitCtx, key)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: lock %s not acquired within %s", apperr.ErrContention, key, mt.runner.lockTimeout)
		}
		return err
	}
	mt.unlocks[key] = unlock
	return nil
}

// OnRollback records fn to undo a write made by a memory store. Outside a
// memory transaction the write is already final and fn is discarded.
func OnRollback(ctx context.Context, fn func()) {
	if st := stateFrom(ctx); st != nil && st.mem != nil {
		st.mem.undo = append(st.mem.undo, fn)
	}
}
