// Package watch detects execution requests that every capable responder
// declined.
//
// A watch opens with the number of responders expected at broadcast time.
// Any acceptance resolves it. Each decline counts down, and the last one
// fires the ignored callback exactly once. Declines are counted per
// responder, so a redelivered decline does not count twice. There is no
// timeout: responders must answer one way or the other.
package watch

import (
	"sync"

	"github.com/dreamware/spine/internal/cluster"
)

type entry struct {
	remaining int
	declined  map[cluster.NodeID]struct{}
	onIgnored func()
}

// Watch tracks outstanding execution requests by correlation id.
type Watch struct {
	mu      sync.Mutex
	entries map[cluster.CorrelationID]*entry
}

// New creates an empty watch.
func New() *Watch {
	return &Watch{entries: make(map[cluster.CorrelationID]*entry)}
}

// Open starts watching id. A non-positive expected count fires onIgnored
// right away and leaves nothing open.
func (w *Watch) Open(id cluster.CorrelationID, expected int, onIgnored func()) {
	if expected < 1 {
		if onIgnored != nil {
			onIgnored()
		}
		return
	}
	w.mu.Lock()
	w.entries[id] = &entry{
		remaining: expected,
		declined:  make(map[cluster.NodeID]struct{}, expected),
		onIgnored: onIgnored,
	}
	w.mu.Unlock()
}

// Accept resolves id because a responder took the request.
func (w *Watch) Accept(id cluster.CorrelationID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[id]; !ok {
		return false
	}
	delete(w.entries, id)
	return true
}

// Decline counts responder out. It reports whether this decline exhausted
// the responders; unknown ids and repeated declines from the same responder
// are ignored.
func (w *Watch) Decline(id cluster.CorrelationID, responder cluster.NodeID) bool {
	w.mu.Lock()
	e, ok := w.entries[id]
	if !ok {
		w.mu.Unlock()
		return false
	}
	if _, dup := e.declined[responder]; dup {
		w.mu.Unlock()
		return false
	}
	e.declined[responder] = struct{}{}
	e.remaining--
	if e.remaining >= 1 {
		w.mu.Unlock()
		return false
	}
	delete(w.entries, id)
	w.mu.Unlock()

	if e.onIgnored != nil {
		e.onIgnored()
	}
	return true
}

// Observe applies an execution status reported by responder for id.
func (w *Watch) Observe(id cluster.CorrelationID, responder cluster.NodeID, state cluster.ExecutionState) {
	switch {
	case state.Accepted():
		w.Accept(id)
	case state == cluster.ExecutionIgnored:
		w.Decline(id, responder)
	}
}

// Pending returns the number of open watches.
func (w *Watch) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
