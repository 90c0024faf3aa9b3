package spine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/spine/internal/cluster"
	"github.com/dreamware/spine/internal/config"
)

// freePort reserves an ephemeral port and releases it for the caller.
func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return port
}

func endpointConfig(id string, role cluster.Role, port int) *config.Config {
	cfg := testConfig(id, role)
	cfg.Transport.Address = "127.0.0.1"
	cfg.Transport.Port = port
	cfg.Transport.ReconnectInterval = "20ms"
	return cfg
}

// TestStartOverGRPC runs a master and a replica as they would run in
// separate processes and exchanges one request across the wire.
func TestStartOverGRPC(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	port := freePort(t)

	master, err := Start(ctx, endpointConfig("master", cluster.RoleMaster, port), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = master.Shutdown(false) })

	replica, err := Start(ctx, endpointConfig("r1", cluster.RoleReplica, port), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = replica.Shutdown(false) })

	assert.ElementsMatch(t, []cluster.NodeID{"master", "r1"}, master.Roster())
	require.Eventually(t, replica.MasterAlive, eventually, 5*time.Millisecond)

	answer(t, replica, "pong")
	require.NoError(t, master.RegisterGatherable(kindK, kindKRes, true))
	waitResponders(t, master, kindK, 1)

	res, err := master.Gather(ctx, kindK, "ping", time.Second)
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Len(t, res.Value, 1)
	assert.Equal(t, cluster.NodeID("r1"), res.Value[0].Sender)

	assert.NotEmpty(t, master.TopicStats())

	require.NoError(t, master.Shutdown(true))
	waitDone(t, replica)
}

// TestStartMasterBusyPort verifies a second master cannot bind an endpoint
// already in use.
func TestStartMasterBusyPort(t *testing.T) {
	ctx := context.Background()
	port := freePort(t)

	first, err := StartMaster(ctx, endpointConfig("m1", cluster.RoleMaster, port), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Shutdown(false) })

	_, err = StartMaster(ctx, endpointConfig("m2", cluster.RoleMaster, port), nil)
	assert.Error(t, err)
}

// TestStartReplicaNoMaster verifies dialing gives up after the configured
// attempts.
func TestStartReplicaNoMaster(t *testing.T) {
	cfg := endpointConfig("r1", cluster.RoleReplica, freePort(t))
	cfg.Transport.MaxReconnectAttempts = 2

	_, err := StartReplica(context.Background(), cfg, nil)
	assert.Error(t, err)
}

// TestStartRoleMismatch verifies the role-specific constructors refuse the
// wrong role.
func TestStartRoleMismatch(t *testing.T) {
	ctx := context.Background()
	_, err := StartMaster(ctx, testConfig("r1", cluster.RoleReplica), nil)
	assert.Error(t, err)
	_, err = StartReplica(ctx, testConfig("m", cluster.RoleMaster), nil)
	assert.Error(t, err)
}

// TestRunStopsOnCancel verifies cancelling Run's context takes the whole
// cluster down through the master's drain.
func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	r1 := h.join("r1")

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- h.master.Run(ctx) }()
	cancel()

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("Run did not return")
	}
	waitDone(t, h.master)
	waitDone(t, r1)
}

// TestRunReturnsWhenNodeStops verifies Run ends once the node stops by
// itself.
func TestRunReturnsWhenNodeStops(t *testing.T) {
	h := newHarness(t)
	r1 := h.join("r1")

	errs := make(chan error, 1)
	go func() { errs <- r1.Run(context.Background()) }()
	require.NoError(t, h.master.Shutdown(true))

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("Run did not return")
	}
}
