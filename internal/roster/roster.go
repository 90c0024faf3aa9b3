// Package roster holds the master's authoritative set of registered node
// identities.
package roster

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/spine/internal/cluster"
)

// Member is one registered node.
type Member struct {
	ID     cluster.NodeID // Registered identity
	Nonce  string         // Per-process token presented at registration
	Joined time.Time      // When the identity was first granted
}

// Decision is the master's answer to a registration attempt.
type Decision int

const (
	// Granted means the identity was free and is now registered.
	Granted Decision = iota
	// Regranted means the same process asked again (its earlier
	// confirmation was lost or is still in flight).
	Regranted
	// Denied means another live process holds the identity.
	Denied
)

// Granted reports whether the caller may use the identity.
func (d Decision) Granted() bool { return d != Denied }

// Roster is the set of currently registered identities. The master's own
// identity is always a member and cannot be claimed.
// Thread-safe: all methods are safe for concurrent access.
type Roster struct {
	self    cluster.NodeID
	mu      sync.RWMutex
	members []Member
}

// New creates a roster containing only the master.
func New(master cluster.NodeID) *Roster {
	return &Roster{
		self:    master,
		members: []Member{{ID: master, Joined: time.Now()}},
	}
}

// Admit registers id for the process identified by nonce.
//
// A free identity is granted. A held identity is re-granted only to the
// process that already holds it (same non-empty nonce) and denied to
// everyone else, including anyone claiming the master's identity.
func (r *Roster) Admit(id cluster.NodeID, nonce string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.members, func(m Member) bool { return m.ID == id })
	if idx >= 0 {
		if id != r.self && nonce != "" && r.members[idx].Nonce == nonce {
			return Regranted
		}
		return Denied
	}
	r.members = append(r.members, Member{ID: id, Nonce: nonce, Joined: time.Now()})
	return Granted
}

// Remove drops id. The master cannot be removed.
func (r *Roster) Remove(id cluster.NodeID) bool {
	if id == r.self {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := slices.IndexFunc(r.members, func(m Member) bool { return m.ID == id })
	if idx < 0 {
		return false
	}
	r.members = slices.Delete(r.members, idx, idx+1)
	return true
}

// Contains reports whether id is registered.
func (r *Roster) Contains(id cluster.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.ContainsFunc(r.members, func(m Member) bool { return m.ID == id })
}

// Size returns the number of registered identities, the master included.
func (r *Roster) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns a copy of the roster sorted by identity.
func (r *Roster) Members() []Member {
	r.mu.RLock()
	out := slices.Clone(r.members)
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Member) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

// IDs returns the registered identities, sorted.
func (r *Roster) IDs() []cluster.NodeID {
	members := r.Members()
	ids := make([]cluster.NodeID, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}
