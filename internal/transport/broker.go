package transport

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/dreamware/spine/internal/cluster"
)

// DefaultRetention bounds the backlog a durable topic keeps while it has no
// subscribers. The oldest messages are dropped first.
const DefaultRetention = 1024

// TopicStats is a point-in-time copy of a topic's counters.
type TopicStats struct {
	Name        string // Topic name
	Durable     bool   // Whether the topic retains messages
	Subscribers int    // Current subscriber count
	Backlog     int    // Messages retained for a late subscriber
	Published   uint64 // Messages published since creation
	Delivered   uint64 // Handler invocations since creation
}

type topic struct {
	name      string
	durable   bool
	subs      map[uint64]*mailbox
	backlog   []cluster.Envelope
	published uint64
	delivered uint64
}

// Broker is the in-memory topic hub the master hosts. Local nodes attach
// through Connect; remote nodes reach it through Server.
// Thread-safe: all methods are safe for concurrent access.
type Broker struct {
	mu        sync.RWMutex
	topics    map[string]*topic
	retention int
	nextID    uint64
	closed    bool
}

// NewBroker creates an empty broker. A non-positive retention selects
// DefaultRetention.
func NewBroker(retention int) *Broker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Broker{
		topics:    make(map[string]*topic),
		retention: retention,
	}
}

// topicLocked returns the named topic, creating it on first use. Durability
// is sticky: once any caller declares a topic durable it stays durable.
// Callers must hold b.mu for writing.
func (b *Broker) topicLocked(t Topic) *topic {
	tp, ok := b.topics[t.Name]
	if !ok {
		tp = &topic{name: t.Name, subs: make(map[uint64]*mailbox)}
		b.topics[t.Name] = tp
	}
	if t.Durable {
		tp.durable = true
	}
	return tp
}

func (b *Broker) publish(t Topic, env cluster.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	tp := b.topicLocked(t)
	atomic.AddUint64(&tp.published, 1)

	if len(tp.subs) == 0 {
		if tp.durable {
			tp.backlog = append(tp.backlog, env)
			if over := len(tp.backlog) - b.retention; over > 0 {
				tp.backlog = append([]cluster.Envelope(nil), tp.backlog[over:]...)
			}
		}
		return nil
	}
	for _, m := range tp.subs {
		m.push(env)
	}
	return nil
}

func (b *Broker) subscribe(t Topic, h Handler) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}

	tp := b.topicLocked(t)
	b.nextID++
	id := b.nextID
	m := newMailbox(h, func() { atomic.AddUint64(&tp.delivered, 1) })
	tp.subs[id] = m

	// Hand the retained backlog to the first listener.
	for _, env := range tp.backlog {
		m.push(env)
	}
	tp.backlog = nil
	return id, nil
}

func (b *Broker) unsubscribe(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tp, ok := b.topics[name]
	if !ok {
		return
	}
	if m, ok := tp.subs[id]; ok {
		m.stop()
		delete(tp.subs, id)
	}
}

// Connect returns a new connection to the broker.
func (b *Broker) Connect() *Conn {
	return &Conn{broker: b, subs: make(map[*localSub]struct{})}
}

// Stats returns counters for every topic, sorted by name.
func (b *Broker) Stats() []TopicStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := make([]TopicStats, 0, len(b.topics))
	for _, tp := range b.topics {
		stats = append(stats, TopicStats{
			Name:        tp.name,
			Durable:     tp.durable,
			Subscribers: len(tp.subs),
			Backlog:     len(tp.backlog),
			Published:   atomic.LoadUint64(&tp.published),
			Delivered:   atomic.LoadUint64(&tp.delivered),
		})
	}
	slices.SortFunc(stats, func(a, b TopicStats) int { return strings.Compare(a.Name, b.Name) })
	return stats
}

// Close stops every subscription and rejects further use. Closing twice is
// a no-op.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, tp := range b.topics {
		for id, m := range tp.subs {
			m.stop()
			delete(tp.subs, id)
		}
	}
	return nil
}

// Conn is a Transport bound directly to an in-process Broker.
type Conn struct {
	broker *Broker

	mu     sync.Mutex
	subs   map[*localSub]struct{}
	closed bool
}

var _ Transport = (*Conn)(nil)

type localSub struct {
	conn  *Conn
	topic string
	id    uint64
	once  sync.Once
}

func (s *localSub) Unsubscribe() error {
	s.once.Do(func() {
		s.conn.broker.unsubscribe(s.topic, s.id)
		s.conn.mu.Lock()
		delete(s.conn.subs, s)
		s.conn.mu.Unlock()
	})
	return nil
}

// Publish implements Transport.
func (c *Conn) Publish(ctx context.Context, t Topic, env cluster.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.broker.publish(t, env)
}

// Subscribe implements Transport.
func (c *Conn) Subscribe(t Topic, h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	id, err := c.broker.subscribe(t, h)
	if err != nil {
		return nil, err
	}
	sub := &localSub{conn: c, topic: t.Name, id: id}
	c.subs[sub] = struct{}{}
	return sub, nil
}

// Close implements Transport. It removes every subscription made through
// this connection but leaves the broker running.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*localSub, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { c.broker.unsubscribe(s.topic, s.id) })
	}
	return nil
}
