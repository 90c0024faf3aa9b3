// Package exchange implements the blocking send-then-wait primitive used by
// every protocol step that needs exactly one answer: registration, the
// existing-subscriptions sync and privileged subscription requests.
package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/dreamware/spine/internal/cluster"
)

const (
	// DefaultPatience bounds a generic exchange.
	DefaultPatience = 60 * time.Second
	// RegisterPatience bounds one registration attempt.
	RegisterPatience = 5 * time.Second
)

// Exchange waits for a single signal carrying a value of type T. The first
// signal wins; later ones are ignored. An Exchange may be awaited several
// times (one send per attempt) and stays notified once signalled.
type Exchange[T any] struct {
	patience time.Duration

	mu       sync.Mutex
	notified bool
	value    T

	wake chan struct{}
}

// New creates an exchange that waits at most patience per Await.
func New[T any](patience time.Duration) *Exchange[T] {
	if patience <= 0 {
		patience = DefaultPatience
	}
	return &Exchange[T]{patience: patience, wake: make(chan struct{}, 1)}
}

// Signal records v and wakes the waiting caller. It reports whether this
// call was the one that notified the exchange.
func (e *Exchange[T]) Signal(v T) bool {
	e.mu.Lock()
	if e.notified {
		e.mu.Unlock()
		return false
	}
	e.notified = true
	e.value = v
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Result returns the signalled value and whether a signal arrived.
func (e *Exchange[T]) Result() (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.notified
}

// Await calls send and then blocks until Signal is invoked, the patience
// elapses or ctx is done. A timeout is not an error: the caller gets
// notified=false and decides whether that is fatal. Send errors and context
// errors are returned as-is.
func (e *Exchange[T]) Await(ctx context.Context, send func(context.Context) error) (T, bool, error) {
	var zero T
	if send != nil {
		if err := send(ctx); err != nil {
			return zero, false, err
		}
	}

	timer := time.NewTimer(e.patience)
	defer timer.Stop()

	for {
		// Re-check the flag on every wake-up.
		if v, ok := e.Result(); ok {
			return v, true, nil
		}
		select {
		case <-e.wake:
		case <-timer.C:
			v, ok := e.Result()
			return v, ok, nil
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
	}
}

// Table routes responses to pending exchanges by correlation id.
// Thread-safe: all methods are safe for concurrent access.
type Table[T any] struct {
	mu      sync.Mutex
	pending map[cluster.CorrelationID]*Exchange[T]
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{pending: make(map[cluster.CorrelationID]*Exchange[T])}
}

// Open registers a new exchange under id, replacing any previous one.
func (t *Table[T]) Open(id cluster.CorrelationID, patience time.Duration) *Exchange[T] {
	ex := New[T](patience)
	t.mu.Lock()
	t.pending[id] = ex
	t.mu.Unlock()
	return ex
}

// Signal delivers v to the exchange registered under id. It reports false
// when nothing is waiting on id.
func (t *Table[T]) Signal(id cluster.CorrelationID, v T) bool {
	t.mu.Lock()
	ex, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return ex.Signal(v)
}

// Close forgets the exchange registered under id.
func (t *Table[T]) Close(id cluster.CorrelationID) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Len returns the number of pending exchanges.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
