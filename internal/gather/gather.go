// Package gather implements scatter-gather collection: a query is broadcast
// elsewhere, and an Instance accumulates the responses that carry the
// query's correlation id until the expected count is reached or the
// deadline passes.
//
// Each outstanding instance waits on its own goroutine. The number of
// goroutines is bounded by the engine's worker pool; a query that cannot get
// a worker before its own deadline is refused before anything is sent.
package gather

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dreamware/spine/internal/cluster"
)

// DefaultWorkers bounds concurrently outstanding gathers.
const DefaultWorkers = 64

var (
	// ErrPoolExhausted is returned when no worker frees up in time.
	ErrPoolExhausted = errors.New("gather worker pool exhausted")
	// ErrDuplicate is returned when an instance already exists for the id.
	ErrDuplicate = errors.New("gather already in progress for correlation id")
)

// Callback receives the outcome of one gather. Status is StatusOK when every
// expected response arrived and StatusTimeout otherwise; Value always holds
// whatever was collected, possibly nothing.
type Callback func(cluster.Result[[]cluster.Envelope])

// Engine owns the live gather instances.
// Thread-safe: all methods are safe for concurrent access.
type Engine struct {
	pool   *semaphore.Weighted
	logger *zap.Logger

	mu        sync.Mutex
	instances map[cluster.CorrelationID]*Instance
}

// NewEngine creates an engine with the given worker bound. A non-positive
// bound selects DefaultWorkers.
func NewEngine(workers int, logger *zap.Logger) *Engine {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		pool:      semaphore.NewWeighted(int64(workers)),
		logger:    logger.Named("gather"),
		instances: make(map[cluster.CorrelationID]*Instance),
	}
}

// Start registers an instance for id expecting the given number of
// responses and starts its worker. The instance is live before Start
// returns, so the caller broadcasts the query afterwards and no early
// response is missed.
//
// timeout is measured from the call: time spent waiting for a worker slot
// counts against it, so the callback never fires later than timeout after
// Start began. ctx also bounds the slot wait. cb runs exactly once, on the
// worker, with no engine lock held.
func (e *Engine) Start(ctx context.Context, id cluster.CorrelationID, expected int, timeout time.Duration, cb Callback) (*Instance, error) {
	deadline := time.Now().Add(timeout)
	acquireCtx, cancel := context.WithDeadline(ctx, deadline)
	err := e.pool.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}

	inst := &Instance{
		id:       id,
		expected: expected,
		callback: cb,
		senders:  make(map[cluster.NodeID]struct{}),
		complete: make(chan struct{}),
		cancel:   make(chan struct{}),
		finished: make(chan struct{}),
	}

	e.mu.Lock()
	if _, exists := e.instances[id]; exists {
		e.mu.Unlock()
		e.pool.Release(1)
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	e.instances[id] = inst
	e.mu.Unlock()

	if expected <= 0 {
		inst.markComplete()
	}
	go e.run(inst, deadline)
	return inst, nil
}

func (e *Engine) run(inst *Instance, deadline time.Time) {
	defer e.pool.Release(1)
	defer close(inst.finished)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	reason := "complete"
	select {
	case <-inst.complete:
	case <-timer.C:
		reason = "timeout"
	case <-inst.cancel:
		reason = "cancelled"
	}

	e.mu.Lock()
	delete(e.instances, inst.id)
	e.mu.Unlock()

	responses := inst.seal()
	result := cluster.Result[[]cluster.Envelope]{Status: cluster.StatusOK, Value: responses}
	if len(responses) < inst.expected {
		result.Status = cluster.StatusTimeout
	}

	e.logger.Debug("gather finished",
		zap.Stringer("correlation", inst.id),
		zap.String("reason", reason),
		zap.Int("expected", inst.expected),
		zap.Int("received", len(responses)))

	if inst.callback != nil {
		inst.callback(result)
	}
}

// Offer hands a response to every live instance. It reports whether some
// instance accepted it.
func (e *Engine) Offer(env cluster.Envelope) bool {
	e.mu.Lock()
	live := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		live = append(live, inst)
	}
	e.mu.Unlock()

	accepted := false
	for _, inst := range live {
		if inst.Offer(env) {
			accepted = true
		}
	}
	return accepted
}

// Cancel ends the instance for id early. It reports whether one was live.
func (e *Engine) Cancel(id cluster.CorrelationID) bool {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if ok {
		inst.Cancel()
	}
	return ok
}

// Live returns the number of outstanding instances.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.instances)
}

// CancelAll ends every outstanding instance. Used at shutdown.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	live := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		live = append(live, inst)
	}
	e.mu.Unlock()
	for _, inst := range live {
		inst.Cancel()
	}
}

// Instance is one outstanding gather.
type Instance struct {
	id       cluster.CorrelationID
	expected int
	callback Callback

	mu        sync.Mutex
	responses []cluster.Envelope
	senders   map[cluster.NodeID]struct{}
	full      bool
	sealed    bool

	complete   chan struct{}
	cancel     chan struct{}
	cancelOnce sync.Once
	finished   chan struct{}
}

// ID returns the correlation id the instance collects for.
func (i *Instance) ID() cluster.CorrelationID { return i.id }

// Offer appends env if it carries this instance's correlation id and the
// instance is still collecting. Only the first response from each sender
// counts; redeliveries are dropped.
func (i *Instance) Offer(env cluster.Envelope) bool {
	if env.Correlation != i.id {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sealed || i.full {
		return false
	}
	if _, seen := i.senders[env.Sender]; seen {
		return false
	}
	i.senders[env.Sender] = struct{}{}
	i.responses = append(i.responses, env)
	if len(i.responses) >= i.expected {
		i.full = true
		close(i.complete)
	}
	return true
}

func (i *Instance) markComplete() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.full {
		i.full = true
		close(i.complete)
	}
}

func (i *Instance) seal() []cluster.Envelope {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sealed = true
	out := make([]cluster.Envelope, len(i.responses))
	copy(out, i.responses)
	return out
}

// Cancel stops collecting. The callback still runs with what was collected.
func (i *Instance) Cancel() {
	i.cancelOnce.Do(func() { close(i.cancel) })
}

// Done is closed after the callback has returned.
func (i *Instance) Done() <-chan struct{} { return i.finished }
