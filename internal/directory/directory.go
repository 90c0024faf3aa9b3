// Package directory tracks which nodes subscribe to which message kinds,
// cluster-wide, and arbitrates exclusive (privileged) ownership.
//
// Every node holds its own Directory. Local subscriptions are applied
// immediately; peer subscriptions arrive as New Subscription / Unsubscribe /
// Closing events and a full snapshot is merged once at startup. The master's
// copy is authoritative for privileged ownership.
//
// Events can overtake the snapshot: a peer may unsubscribe or close after
// the master took the snapshot but before it is merged. Between BeginSync
// and Merge the directory remembers every removal and Merge skips those
// entries, so a stale snapshot never resurrects a departed subscriber.
package directory

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/spine/internal/cluster"
)

// Directory maps message kinds to the set of subscribed nodes and records
// the owner of every claimed privileged kind.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│              Directory                   │
//	├──────────────────────────────────────────┤
//	│  subscribers: kind → {node, node, ...}   │
//	│  owners:      kind → node (privileged)   │
//	│  removed:     tombstones while syncing   │
//	│  self:        excluded from audiences    │
//	└──────────────────────────────────────────┘
//
// Kinds are keyed by name: a kind maps 1:1 to a topic, so two kinds with the
// same name are the same channel.
//
// Thread-safe: all methods are safe for concurrent access. Returned slices
// and maps are copies.
type Directory struct {
	// self is the owning node. It counts as a subscriber but never as an
	// expected responder.
	self cluster.NodeID

	mu          sync.RWMutex
	subscribers map[string]map[cluster.NodeID]struct{}
	owners      map[string]cluster.NodeID

	// syncing is set between BeginSync and Merge. While set, removed holds
	// (kind, node) pairs taken out by events and departed the nodes that
	// announced closing.
	syncing  bool
	removed  map[string]map[cluster.NodeID]struct{}
	departed map[cluster.NodeID]struct{}
}

// New creates an empty directory owned by self.
func New(self cluster.NodeID) *Directory {
	return &Directory{
		self:        self,
		subscribers: make(map[string]map[cluster.NodeID]struct{}),
		owners:      make(map[string]cluster.NodeID),
	}
}

// BeginSync starts recording removals so a later Merge does not undo them.
// Call it before any peer event can be applied.
func (d *Directory) BeginSync() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncing = true
	d.removed = make(map[string]map[cluster.NodeID]struct{})
	d.departed = make(map[cluster.NodeID]struct{})
}

// Add records node as a subscriber of kind.
//
// Returns:
//   - true if the subscription is new
//   - false if node was already listed
func (d *Directory) Add(kind cluster.Kind, node cluster.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.syncing {
		delete(d.removed[kind.Name], node)
		delete(d.departed, node)
	}
	return d.addLocked(kind.Name, node)
}

func (d *Directory) addLocked(name string, node cluster.NodeID) bool {
	set, ok := d.subscribers[name]
	if !ok {
		set = make(map[cluster.NodeID]struct{})
		d.subscribers[name] = set
	}
	if _, ok := set[node]; ok {
		return false
	}
	set[node] = struct{}{}
	return true
}

// Remove drops node from the subscribers of kind. If node owned kind as a
// privileged subscription the ownership is released as well.
//
// Returns:
//   - true if node was listed
func (d *Directory) Remove(kind cluster.Kind, node cluster.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner, ok := d.owners[kind.Name]; ok && owner == node {
		delete(d.owners, kind.Name)
	}
	if d.syncing {
		set, ok := d.removed[kind.Name]
		if !ok {
			set = make(map[cluster.NodeID]struct{})
			d.removed[kind.Name] = set
		}
		set[node] = struct{}{}
	}
	return d.removeLocked(kind.Name, node)
}

func (d *Directory) removeLocked(name string, node cluster.NodeID) bool {
	set, ok := d.subscribers[name]
	if !ok {
		return false
	}
	if _, ok := set[node]; !ok {
		return false
	}
	delete(set, node)
	if len(set) == 0 {
		delete(d.subscribers, name)
	}
	return true
}

// RemoveNode drops node from every kind and releases every privileged kind
// it owned. Used when a peer announces it is closing.
//
// Returns:
//   - Names of the kinds node was removed from, sorted
func (d *Directory) RemoveNode(node cluster.NodeID) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.syncing {
		d.departed[node] = struct{}{}
	}
	var removed []string
	for name := range d.subscribers {
		if d.removeLocked(name, node) {
			removed = append(removed, name)
		}
	}
	for name, owner := range d.owners {
		if owner == node {
			delete(d.owners, name)
		}
	}
	slices.Sort(removed)
	return removed
}

// Subscribers returns the nodes subscribed to kind, sorted. The owning node
// is included when it subscribes.
func (d *Directory) Subscribers(kind cluster.Kind) []cluster.NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedNodes(d.subscribers[kind.Name])
}

// ExpectedResponders returns how many other nodes would answer a question
// of this kind: the subscriber count minus one if self subscribes.
func (d *Directory) ExpectedResponders(kind cluster.Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := d.subscribers[kind.Name]
	n := len(set)
	if _, ok := set[d.self]; ok {
		n--
	}
	return n
}

// ClaimPrivileged atomically grants kind to node if nobody owns it yet.
// Exactly one of any number of concurrent claims succeeds; a second claim by
// the current owner is refused like any other.
func (d *Directory) ClaimPrivileged(kind cluster.Kind, node cluster.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, owned := d.owners[kind.Name]; owned {
		return false
	}
	d.owners[kind.Name] = node
	return true
}

// MarkOwned mirrors an ownership decision made elsewhere.
func (d *Directory) MarkOwned(kind cluster.Kind, node cluster.NodeID) {
	d.mu.Lock()
	d.owners[kind.Name] = node
	d.mu.Unlock()
}

// Release clears the ownership of kind if node holds it.
func (d *Directory) Release(kind cluster.Kind, node cluster.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner, ok := d.owners[kind.Name]; ok && owner == node {
		delete(d.owners, kind.Name)
		return true
	}
	return false
}

// Owner returns the owner of a privileged kind.
func (d *Directory) Owner(kind cluster.Kind) (cluster.NodeID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	owner, ok := d.owners[kind.Name]
	return owner, ok
}

// Snapshot returns a full copy of the directory suitable for the Existing
// Subscriptions response.
func (d *Directory) Snapshot() cluster.DirectoryPayload {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := cluster.DirectoryPayload{
		Subscribers: make(map[string][]cluster.NodeID, len(d.subscribers)),
	}
	for name, set := range d.subscribers {
		snap.Subscribers[name] = sortedNodes(set)
	}
	if len(d.owners) > 0 {
		snap.Privileged = make(map[string]cluster.NodeID, len(d.owners))
		for name, owner := range d.owners {
			snap.Privileged[name] = owner
		}
	}
	return snap
}

// Merge folds a snapshot received from the master into this directory. The
// owning node's own entries are skipped: its local subscriptions are the
// truth for itself. Entries removed since BeginSync are skipped too, and
// recording stops.
//
// Returns:
//   - Number of subscriptions that were new
func (d *Directory) Merge(snap cluster.DirectoryPayload) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.endSyncLocked()

	added := 0
	for name, nodes := range snap.Subscribers {
		for _, node := range nodes {
			if node == d.self || d.staleLocked(name, node) {
				continue
			}
			if d.addLocked(name, node) {
				added++
			}
		}
	}
	for name, owner := range snap.Privileged {
		if owner == d.self || d.staleLocked(name, owner) {
			continue
		}
		if _, ok := d.owners[name]; !ok {
			d.owners[name] = owner
		}
	}
	return added
}

// EndSync stops recording removals without merging, for a sync that got
// no answer.
func (d *Directory) EndSync() {
	d.mu.Lock()
	d.endSyncLocked()
	d.mu.Unlock()
}

func (d *Directory) endSyncLocked() {
	d.syncing = false
	d.removed = nil
	d.departed = nil
}

// staleLocked reports whether an event removed node from name after the
// sync began.
func (d *Directory) staleLocked(name string, node cluster.NodeID) bool {
	if _, gone := d.departed[node]; gone {
		return true
	}
	_, gone := d.removed[name][node]
	return gone
}

func sortedNodes(set map[cluster.NodeID]struct{}) []cluster.NodeID {
	nodes := make([]cluster.NodeID, 0, len(set))
	for node := range set {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	return nodes
}
