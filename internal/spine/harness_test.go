package spine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/spine/internal/cluster"
	"github.com/dreamware/spine/internal/config"
	"github.com/dreamware/spine/internal/transport"
)

const eventually = 2 * time.Second

var (
	kindK    = cluster.UserKind("k")
	kindKRes = cluster.UserKind("k-result")
)

// testConfig returns a configuration with protocol timings shrunk for
// tests.
func testConfig(id string, role cluster.Role) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Node.ID = id
	cfg.Node.Role = string(role)
	cfg.Protocol.RegisterAttempts = 20
	cfg.Protocol.RegisterPatience = "100ms"
	cfg.Protocol.ExchangePatience = "2s"
	cfg.Protocol.HeartbeatInterval = "20ms"
	cfg.Protocol.HeartbeatStaleness = "200ms"
	cfg.Protocol.DrainTimeout = "2s"
	cfg.Protocol.DrainPoll = "10ms"
	return cfg
}

// harness is an in-process cluster sharing one broker.
type harness struct {
	t      *testing.T
	broker *transport.Broker
	master *Node
}

// newHarness starts a master on a fresh broker; opts apply to the master.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, broker: transport.NewBroker(0)}
	t.Cleanup(func() { _ = h.broker.Close() })

	master, err := New(context.Background(), testConfig("master", cluster.RoleMaster), h.broker.Connect(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = master.Shutdown(false) })
	h.master = master
	return h
}

func (h *harness) join(id string, opts ...Option) *Node {
	h.t.Helper()
	n, err := h.start(id, cluster.RoleReplica, opts...)
	require.NoError(h.t, err)
	return n
}

func (h *harness) start(id string, role cluster.Role, opts ...Option) (*Node, error) {
	n, err := New(context.Background(), testConfig(id, role), h.broker.Connect(), opts...)
	if err != nil {
		return nil, err
	}
	h.t.Cleanup(func() { _ = n.Shutdown(false) })
	return n, nil
}

// waitResponders blocks until n sees want responders for kind.
func waitResponders(t *testing.T, n *Node, kind cluster.Kind, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return n.ExpectedResponders(kind) == want },
		eventually, 5*time.Millisecond, "%s expected %d responders for %s", n.ID(), want, kind.Name)
}

// waitDone blocks until n has shut down.
func waitDone(t *testing.T, n *Node) {
	t.Helper()
	select {
	case <-n.Done():
	case <-time.After(eventually):
		t.Fatalf("%s did not shut down", n.ID())
	}
}
