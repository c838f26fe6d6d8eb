/*
Package mutation applies optimistic writes to the cache store.

A mutation puts a speculative value in the store, writes it to the node,
and then either swaps in the node's answer, retries once against the
node's current value after a version conflict, or puts back exactly what
was there before.  Mutations on the same key run one at a time, each
seeing the settled result of the one before.

Whatever happens, the keys that depend on the mutated entity are
invalidated a little later, once the node has had time to index the
change.
*/
package mutation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ts4z/feedsync/cachestore"
	"github.com/ts4z/feedsync/dep"
	"github.com/ts4z/feedsync/errs"
	"github.com/ts4z/feedsync/varz"
)

const DefaultSettleDelay = time.Second

var (
	commits   = varz.NewInt("commits")
	conflicts = varz.NewInt("conflicts")
	rollbacks = varz.NewInt("rollbacks")
	settled   = varz.NewInt("settledInvalidations")
)

type Status int

const (
	Idle Status = iota
	Pending
	Committed
	Conflicted
	RolledBack
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case Conflicted:
		return "conflicted"
	case RolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// PendingMutation is the state of one mutation while it runs.
type PendingMutation[T any] struct {
	Key              cachestore.Key
	PreviousValue    T
	HadPrevious      bool
	SpeculativeValue T
	Status           Status
}

// Spec describes one mutation.  Apply and Write are required.
type Spec[T any] struct {
	Key cachestore.Key
	// Apply computes the speculative value from the current one.  ok is
	// false if there is no current value.  It must not modify prev.
	Apply func(prev T, ok bool) T
	// Write sends a value to the node and returns the node's version.
	// A version conflict is reported as an *errs.ConflictError.
	Write func(ctx context.Context, v T) (T, error)
	// Fetch reads the node's current value.  Without it a conflict is a
	// hard failure.
	Fetch func(ctx context.Context) (T, error)
	// Merge lays the caller's change onto the node's current value for
	// the retry.  Defaults to retrying the speculative value unchanged.
	Merge func(base, speculative T) T
	// Reconcile combines what we sent with what the node answered.
	// Defaults to taking the node's answer.
	Reconcile func(sent, authoritative T) T
	// Dependents are invalidated SettleDelay after the mutation ends.
	Dependents []cachestore.Key
	// Optional leaves the store alone when it holds nothing at Key: the
	// write still happens, but a value built from nothing would be
	// mistaken for a complete one.
	Optional bool
}

// Outcome is how a mutation ended.
type Outcome[T any] struct {
	Status Status
	// Value is what the store holds for the key afterward.
	Value T
	// Retried is set if a conflict was merged and written again.
	Retried bool
}

type Config struct {
	Store       *cachestore.Store
	Clock       clockwork.Clock
	SettleDelay time.Duration
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

type Engine struct {
	store  *cachestore.Store
	clock  clockwork.Clock
	settle time.Duration

	mu      sync.Mutex
	locks   map[string]*keyLock
	pending map[string]Status
	timers  map[int]clockwork.Timer
	nextID  int
	closed  bool
	wg      sync.WaitGroup
}

func NewEngine(cf *Config) *Engine {
	e := &Engine{
		store:   dep.Required(cf.Store),
		clock:   dep.Default(cf.Clock, clockwork.NewRealClock()),
		settle:  cf.SettleDelay,
		locks:   make(map[string]*keyLock),
		pending: make(map[string]Status),
		timers:  make(map[int]clockwork.Timer),
	}
	if e.settle <= 0 {
		e.settle = DefaultSettleDelay
	}
	return e
}

// Pending reports the status of the mutation running on key, if any.
func (e *Engine) Pending(key cachestore.Key) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.pending[key.String()]
	return st, ok
}

func (e *Engine) setStatus(k string, st Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st == Idle {
		delete(e.pending, k)
		return
	}
	e.pending[k] = st
}

// lock waits for key's previous mutation to finish, or for ctx.
func (e *Engine) lock(ctx context.Context, k string) (func(), error) {
	e.mu.Lock()
	kl, ok := e.locks[k]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		e.locks[k] = kl
	}
	kl.refs++
	e.mu.Unlock()

	drop := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		kl.refs--
		if kl.refs == 0 {
			delete(e.locks, k)
		}
	}

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
	return func() {
		<-kl.sem
		drop()
	}, nil
}

// Mutate runs spec.  The error is nil when Status is Committed; otherwise
// it is an *errs.HardWriteError and the store has been rolled back.
func Mutate[T any](ctx context.Context, e *Engine, spec Spec[T]) (Outcome[T], error) {
	k := spec.Key.String()
	unlock, err := e.lock(ctx, k)
	if err != nil {
		return Outcome[T]{Status: Idle}, fmt.Errorf("waiting to mutate %s: %w", k, err)
	}
	defer unlock()
	defer e.settleLater(spec.Dependents)
	defer e.setStatus(k, Idle)

	pm := PendingMutation[T]{Key: spec.Key, Status: Pending}
	before, had := e.store.Get(spec.Key)
	if had {
		pm.PreviousValue, pm.HadPrevious = before.Value.(T)
	}
	pm.SpeculativeValue = spec.Apply(pm.PreviousValue, pm.HadPrevious)
	e.setStatus(k, Pending)
	cached := had || !spec.Optional
	set := func(v T) {
		if cached {
			e.store.Set(spec.Key, v)
		}
	}
	set(pm.SpeculativeValue)

	rollback := func(cause error) (Outcome[T], error) {
		rollbacks.Add(1)
		switch {
		case !cached:
		case had:
			e.store.Restore(spec.Key, before)
		default:
			e.store.Delete(spec.Key)
		}
		log.Printf("mutation: %s rolled back: %v", k, cause)
		return Outcome[T]{Status: RolledBack, Value: pm.PreviousValue}, &errs.HardWriteError{Key: k, Err: cause}
	}
	commit := func(sent, auth T, retried bool) (Outcome[T], error) {
		commits.Add(1)
		v := auth
		if spec.Reconcile != nil {
			v = spec.Reconcile(sent, auth)
		}
		set(v)
		return Outcome[T]{Status: Committed, Value: v, Retried: retried}, nil
	}

	auth, err := spec.Write(ctx, pm.SpeculativeValue)
	if err == nil {
		return commit(pm.SpeculativeValue, auth, false)
	}
	if !errs.IsConflict(err) || spec.Fetch == nil {
		return rollback(err)
	}

	conflicts.Add(1)
	e.setStatus(k, Conflicted)
	base, ferr := spec.Fetch(ctx)
	if ferr != nil {
		return rollback(fmt.Errorf("%w; refetch failed: %w", err, ferr))
	}
	merged := pm.SpeculativeValue
	if spec.Merge != nil {
		merged = spec.Merge(base, pm.SpeculativeValue)
	}
	set(merged)

	auth, err = spec.Write(ctx, merged)
	if err != nil {
		// A second conflict is as final as anything else.
		return rollback(fmt.Errorf("retry after conflict: %w", err))
	}
	return commit(merged, auth, true)
}

// settleLater invalidates keys after the settle delay.
func (e *Engine) settleLater(keys []cachestore.Key) {
	if len(keys) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.nextID++
	id := e.nextID
	e.wg.Add(1)
	e.timers[id] = e.clock.AfterFunc(e.settle, func() {
		defer e.wg.Done()
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()
		n := 0
		for _, k := range keys {
			n += e.store.Invalidate(k)
		}
		settled.Add(int64(n))
	})
}

// Wait blocks until every scheduled settle invalidation has run.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close drops settle invalidations that haven't fired yet.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for id, t := range e.timers {
		if t.Stop() {
			e.wg.Done()
		}
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
