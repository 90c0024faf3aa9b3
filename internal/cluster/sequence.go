package cluster

import "sync"

// Sequencer issues correlation ids for one node. Application-visible
// requests draw ascending numbers starting at 0; protocol traffic draws
// descending numbers starting at -1, so the two ranges never collide.
// Safe for concurrent use.
type Sequencer struct {
	origin   NodeID
	mu       sync.Mutex
	external int64
	internal int64
}

// NewSequencer creates a sequencer for the given node.
func NewSequencer(origin NodeID) *Sequencer {
	return &Sequencer{origin: origin, internal: -1}
}

// Next returns the next id for an application-visible request.
func (s *Sequencer) Next() CorrelationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := CorrelationID{Origin: s.origin, Seq: s.external}
	s.external++
	return id
}

// NextInternal returns the next id for protocol traffic.
func (s *Sequencer) NextInternal() CorrelationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := CorrelationID{Origin: s.origin, Seq: s.internal}
	s.internal--
	return id
}
