package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dreamware/spine/internal/cluster"
)

// collector records envelopes delivered to a handler.
type collector struct {
	mu   sync.Mutex
	envs []cluster.Envelope
}

func (c *collector) handle(env cluster.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *collector) seqs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.envs))
	for _, e := range c.envs {
		out = append(out, e.Correlation.Seq)
	}
	return out
}

func envelope(seq int64) cluster.Envelope {
	return cluster.Envelope{
		Sender:      "n1",
		Kind:        cluster.UserKind("k"),
		Correlation: cluster.CorrelationID{Origin: "n1", Seq: seq},
	}
}

// TestBrokerPublishSubscribe verifies fan-out to every subscriber in order.
func TestBrokerPublishSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	broker := NewBroker(0)
	defer broker.Close()
	conn := broker.Connect()
	defer conn.Close()

	topic := Topic{Name: "spine.k"}
	var a, b collector
	_, err := conn.Subscribe(topic, a.handle)
	require.NoError(t, err)
	_, err = conn.Subscribe(topic, b.handle)
	require.NoError(t, err)

	for i := int64(0); i < 5; i++ {
		require.NoError(t, conn.Publish(context.Background(), topic, envelope(i)))
	}

	require.Eventually(t, func() bool { return a.len() == 5 && b.len() == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, a.seqs())
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, b.seqs())
}

// TestBrokerNonDurableDropsWithoutSubscribers verifies plain topics keep
// nothing for late listeners.
func TestBrokerNonDurableDropsWithoutSubscribers(t *testing.T) {
	broker := NewBroker(0)
	defer broker.Close()
	conn := broker.Connect()
	defer conn.Close()

	topic := Topic{Name: "spine.k"}
	require.NoError(t, conn.Publish(context.Background(), topic, envelope(0)))

	var c collector
	_, err := conn.Subscribe(topic, c.handle)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, c.len())
}

// TestBrokerDurableRetention verifies a durable topic replays its backlog
// to the first late subscriber, bounded by the retention limit.
func TestBrokerDurableRetention(t *testing.T) {
	broker := NewBroker(3)
	defer broker.Close()
	conn := broker.Connect()
	defer conn.Close()

	topic := Topic{Name: "spine.register", Durable: true}
	for i := int64(0); i < 5; i++ {
		require.NoError(t, conn.Publish(context.Background(), topic, envelope(i)))
	}

	stats := broker.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Backlog)
	assert.True(t, stats[0].Durable)

	var first, second collector
	_, err := conn.Subscribe(topic, first.handle)
	require.NoError(t, err)
	_, err = conn.Subscribe(topic, second.handle)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return first.len() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{2, 3, 4}, first.seqs())
	assert.Equal(t, 0, second.len())
	assert.Equal(t, 0, broker.Stats()[0].Backlog)
}

// TestBrokerUnsubscribe verifies a removed handler receives nothing further.
func TestBrokerUnsubscribe(t *testing.T) {
	broker := NewBroker(0)
	defer broker.Close()
	conn := broker.Connect()
	defer conn.Close()

	topic := Topic{Name: "spine.k"}
	var c collector
	sub, err := conn.Subscribe(topic, c.handle)
	require.NoError(t, err)

	require.NoError(t, conn.Publish(context.Background(), topic, envelope(0)))
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, conn.Publish(context.Background(), topic, envelope(1)))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.len())
	assert.Equal(t, 0, broker.Stats()[0].Subscribers)
}

// TestBrokerHandlerMayPublish verifies a handler publishing to its own topic
// does not deadlock the broker.
func TestBrokerHandlerMayPublish(t *testing.T) {
	broker := NewBroker(0)
	defer broker.Close()
	conn := broker.Connect()
	defer conn.Close()

	topic := Topic{Name: "spine.echo"}
	var c collector
	_, err := conn.Subscribe(topic, func(env cluster.Envelope) {
		c.handle(env)
		if env.Correlation.Seq < 3 {
			_ = conn.Publish(context.Background(), topic, envelope(env.Correlation.Seq+1))
		}
	})
	require.NoError(t, err)

	require.NoError(t, conn.Publish(context.Background(), topic, envelope(0)))
	require.Eventually(t, func() bool { return c.len() == 4 }, time.Second, 5*time.Millisecond)
}

// TestConnClose verifies a closed connection rejects use and drops its
// subscriptions without affecting other connections.
func TestConnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	broker := NewBroker(0)
	defer broker.Close()
	a := broker.Connect()
	b := broker.Connect()
	defer b.Close()

	topic := Topic{Name: "spine.k"}
	var ca, cb collector
	_, err := a.Subscribe(topic, ca.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(topic, cb.handle)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Publish(context.Background(), topic, envelope(0)), ErrClosed)
	_, err = a.Subscribe(topic, ca.handle)
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, b.Publish(context.Background(), topic, envelope(0)))
	require.Eventually(t, func() bool { return cb.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ca.len())
}

// TestBrokerStats verifies published and delivered counters.
func TestBrokerStats(t *testing.T) {
	broker := NewBroker(0)
	defer broker.Close()
	conn := broker.Connect()
	defer conn.Close()

	var c collector
	_, err := conn.Subscribe(Topic{Name: "spine.b"}, c.handle)
	require.NoError(t, err)
	require.NoError(t, conn.Publish(context.Background(), Topic{Name: "spine.b"}, envelope(0)))
	require.NoError(t, conn.Publish(context.Background(), Topic{Name: "spine.a"}, envelope(0)))

	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return broker.Stats()[1].Delivered == 1 }, time.Second, 5*time.Millisecond)

	stats := broker.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "spine.a", stats[0].Name)
	assert.Equal(t, uint64(1), stats[0].Published)
	assert.Equal(t, 0, stats[0].Subscribers)
	assert.Equal(t, "spine.b", stats[1].Name)
	assert.Equal(t, 1, stats[1].Subscribers)
}

// TestBrokerClose verifies a closed broker rejects publishes.
func TestBrokerClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	broker := NewBroker(0)
	conn := broker.Connect()
	var c collector
	_, err := conn.Subscribe(Topic{Name: "spine.k"}, c.handle)
	require.NoError(t, err)

	require.NoError(t, broker.Close())
	require.NoError(t, broker.Close())
	assert.ErrorIs(t, conn.Publish(context.Background(), Topic{Name: "spine.k"}, envelope(0)), ErrClosed)
}
