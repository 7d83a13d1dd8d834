// Package txn runs ledger operations one at a time with full rollback.
//
// Every state-mutating operation executes inside Executor.Do. The executor
// serialises operations, hands each one a Journal that records how to undo
// its mutations, and writes the notifications it buffered to the durable
// sink only after the operation validated. Any error unwinds the journal, so
// an operation either commits every effect or none. Observers receive the
// committed batch after the executor lock is released, in commit order.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"laurel.org/internal/audit"
	"laurel.org/internal/clock"
	"laurel.org/internal/ids"
	"laurel.org/internal/obs"
)

// ErrReentrantCall is returned when a guarded operation is entered again
// from inside another operation on the same executor.
var ErrReentrantCall = errors.New("txn: reentrant call")

type guardKey struct{}

// Executor is the single serialisation point for one ledger instance.
type Executor struct {
	mu      sync.RWMutex
	durable audit.Sink
	clock   clock.Clock

	observers []audit.Sink
	outMu     sync.Mutex
	outbox    []delivery
	draining  bool
}

type delivery struct {
	ctx   context.Context
	batch []audit.Notification
}

// NewExecutor creates an executor. durable runs under the executor lock and
// its error rolls the operation back, so it must not call into the executor.
// observers see each committed batch once the lock is free and may call back
// into the ledger. durable and clk may be nil.
func NewExecutor(durable audit.Sink, clk clock.Clock, observers ...audit.Sink) *Executor {
	if clk == nil {
		clk = clock.Real()
	}
	e := &Executor{durable: durable, clock: clk}
	for _, o := range observers {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
	return e
}

// Now reports the executor clock.
func (e *Executor) Now() time.Time {
	return e.clock.Now().UTC()
}

// Do runs fn as one atomic operation named op. The ctx passed to fn is
// marked as inside this executor; passing it back into Do fails with
// ErrReentrantCall instead of blocking.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context, j *Journal) error) error {
	if e.inside(ctx) {
		return fmt.Errorf("%w: %s", ErrReentrantCall, op)
	}
	if err := e.commit(ctx, op, fn); err != nil {
		return err
	}
	e.publish()
	return nil
}

func (e *Executor) commit(ctx context.Context, op string, fn func(ctx context.Context, j *Journal) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	j := &Journal{now: e.Now()}
	outer := ctx
	ctx = context.WithValue(ctx, guardKey{}, e)

	defer func() {
		if r := recover(); r != nil {
			j.rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, j); err != nil {
		j.rollback()
		return err
	}
	if len(j.pending) == 0 {
		return nil
	}
	batch := make([]audit.Notification, len(j.pending))
	for i, n := range j.pending {
		n.ID = ids.NewAt(j.now)
		if n.OccurredAt.IsZero() {
			n.OccurredAt = j.now
		}
		batch[i] = n
	}
	if e.durable != nil {
		if err := e.durable.Emit(ctx, batch); err != nil {
			j.rollback()
			return fmt.Errorf("%s: emit notifications: %w", op, err)
		}
	}
	if len(e.observers) > 0 {
		// Queued under mu so observers see batches in commit order.
		e.outMu.Lock()
		e.outbox = append(e.outbox, delivery{ctx: context.WithoutCancel(outer), batch: batch})
		e.outMu.Unlock()
	}
	return nil
}

// publish drains the outbox unless another goroutine already is. A Do
// issued by an observer queues its batch behind the one being delivered.
func (e *Executor) publish() {
	e.outMu.Lock()
	if e.draining {
		e.outMu.Unlock()
		return
	}
	e.draining = true
	for len(e.outbox) > 0 {
		next := e.outbox[0]
		e.outbox = e.outbox[1:]
		e.outMu.Unlock()
		e.deliver(next)
		e.outMu.Lock()
	}
	e.draining = false
	e.outMu.Unlock()
}

func (e *Executor) deliver(d delivery) {
	for _, o := range e.observers {
		e.observe(o, d)
	}
}

func (e *Executor) observe(o audit.Sink, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			obs.Error("observer_panic", fmt.Errorf("%v", r), map[string]any{"batch": len(d.batch)})
		}
	}()
	if err := o.Emit(d.ctx, d.batch); err != nil {
		obs.Error("observer_failed", err, map[string]any{"batch": len(d.batch)})
	}
}

// View runs fn against a consistent state. Inside an operation fn runs
// directly since the caller already holds the executor.
func (e *Executor) View(ctx context.Context, fn func()) {
	if e.inside(ctx) {
		fn()
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn()
}

// Restore runs fn under the executor lock without a journal or
// notifications. It rebuilds state from stored notifications at startup.
func (e *Executor) Restore(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

// Inside reports whether ctx belongs to an operation running on e.
func (e *Executor) Inside(ctx context.Context) bool {
	return e.inside(ctx)
}

func (e *Executor) inside(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(guardKey{}).(*Executor)
	return v == e
}

// Journal collects the undo steps and notifications of one operation.
type Journal struct {
	now     time.Time
	undo    []func()
	pending []audit.Notification
}

// Now is the timestamp shared by every effect of the operation.
func (j *Journal) Now() time.Time { return j.now }

// OnRollback registers fn to run if the operation fails. Steps run in
// reverse registration order.
func (j *Journal) OnRollback(fn func()) {
	j.undo = append(j.undo, fn)
}

// Emit buffers a notification until the operation commits.
func (j *Journal) Emit(n audit.Notification) {
	j.pending = append(j.pending, n)
}

// Pending reports the buffered notifications.
func (j *Journal) Pending() int { return len(j.pending) }

func (j *Journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
	j.pending = nil
}
