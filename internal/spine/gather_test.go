package spine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dreamware/spine/internal/cluster"
)

// answer subscribes n to kindK and replies to every query with payload.
func answer(t *testing.T, n *Node, payload any) {
	t.Helper()
	require.NoError(t, n.SubscribeUser(context.Background(), kindK, func(env cluster.Envelope) {
		_ = n.Reply(context.Background(), env, kindKRes, payload)
	}))
}

// TestClusterScenario walks the basic lifecycle: a replica registers and
// answers a gather; once it closes the master refuses the same gather up
// front.
func TestClusterScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.join("r")

	answer(t, r, "pong")
	require.NoError(t, h.master.RegisterGatherable(kindK, kindKRes, false))
	waitResponders(t, h.master, kindK, 1)

	start := time.Now()
	res, err := h.master.Gather(ctx, kindK, "ping", 2*time.Second)
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Len(t, res.Value, 1)
	assert.Equal(t, cluster.NodeID("r"), res.Value[0].Sender)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NoError(t, r.Shutdown(true))
	require.Eventually(t, func() bool { return len(h.master.Subscribers(kindK)) == 0 }, eventually, 5*time.Millisecond)
	assert.NotContains(t, h.master.Roster(), cluster.NodeID("r"))

	res, err = h.master.Gather(ctx, kindK, "ping", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusNoSubscribers, res.Status)
}

// TestGatherCollectsAll verifies k responders produce exactly k results.
func TestGatherCollectsAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for _, id := range []string{"r1", "r2", "r3"} {
		answer(t, h.join(id), id)
	}
	require.NoError(t, h.master.RegisterGatherable(kindK, kindKRes, false))
	waitResponders(t, h.master, kindK, 3)

	res, err := h.master.Gather(ctx, kindK, nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusOK, res.Status)
	assert.Len(t, res.Value, 3)
}

// TestGatherPartial verifies a silent responder yields the partial set at
// the timeout boundary.
func TestGatherPartial(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	answer(t, h.join("talker"), "here")
	silent := h.join("silent")
	require.NoError(t, silent.SubscribeUser(ctx, kindK, nil))

	require.NoError(t, h.master.RegisterGatherable(kindK, kindKRes, false))
	waitResponders(t, h.master, kindK, 2)

	timeout := 150 * time.Millisecond
	start := time.Now()
	res, err := h.master.Gather(ctx, kindK, nil, timeout)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, cluster.StatusTimeout, res.Status)
	assert.Len(t, res.Value, 1)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)
}

// TestGatherRejectedUpFront verifies nothing is sent for kinds that are not
// gatherable or have no audience.
func TestGatherRejectedUpFront(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r1 := h.join("r1")

	var queries atomic.Int32
	require.NoError(t, r1.SubscribeUser(ctx, kindK, func(cluster.Envelope) { queries.Add(1) }))
	waitResponders(t, h.master, kindK, 1)

	res, err := h.master.Gather(ctx, kindK, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusNotGatherable, res.Status)

	lonely := cluster.UserKind("lonely")
	require.NoError(t, h.master.RegisterGatherable(lonely, kindKRes, false))
	res, err = h.master.Gather(ctx, lonely, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusNoSubscribers, res.Status)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, queries.Load())

	assert.ErrorIs(t, h.master.RegisterGatherable(cluster.KindHeartbeat, kindKRes, false), ErrProtocolViolation)
}

// TestGatherAsync verifies the callback form and explicit cancellation.
func TestGatherAsync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	silent := h.join("silent")
	require.NoError(t, silent.SubscribeUser(ctx, kindK, nil))
	require.NoError(t, h.master.RegisterGatherable(kindK, kindKRes, false))
	waitResponders(t, h.master, kindK, 1)

	out := make(chan cluster.Result[[]cluster.Envelope], 1)
	started, err := h.master.GatherAsync(ctx, kindK, nil, time.Minute, func(r cluster.Result[[]cluster.Envelope]) {
		out <- r
	})
	require.NoError(t, err)
	require.True(t, started.OK())

	assert.True(t, h.master.CancelGather(started.Value))
	select {
	case r := <-out:
		assert.Equal(t, cluster.StatusTimeout, r.Status)
		assert.Empty(t, r.Value)
	case <-time.After(eventually):
		t.Fatal("cancelled gather never reported")
	}
}

// TestGatherContextCancel verifies the blocking form returns when its
// context ends.
func TestGatherContextCancel(t *testing.T) {
	h := newHarness(t)
	silent := h.join("silent")
	require.NoError(t, silent.SubscribeUser(context.Background(), kindK, nil))
	require.NoError(t, h.master.RegisterGatherable(kindK, kindKRes, false))
	waitResponders(t, h.master, kindK, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := h.master.Gather(ctx, kindK, nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusTimeout, res.Status)
	assert.Less(t, time.Since(start), eventually)
}

// TestGatherUniformMismatchStillReturns verifies disagreeing responders are
// logged as a warning but not treated as failure.
func TestGatherUniformMismatchStillReturns(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, WithLogger(zap.New(core)))
	answer(t, h.join("r1"), map[string]int{"answer": 1})
	answer(t, h.join("r2"), map[string]int{"answer": 2})
	require.NoError(t, h.master.RegisterGatherable(kindK, kindKRes, true))
	waitResponders(t, h.master, kindK, 2)

	res, err := h.master.Gather(ctx, kindK, nil, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Len(t, res.Value, 2)

	warnings := logs.FilterMessage("gather responders disagree").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, kindK.Name, warnings[0].ContextMap()["kind"])
}

// TestGatherUniformAgreementQuiet verifies matching payloads log nothing.
func TestGatherUniformAgreementQuiet(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, WithLogger(zap.New(core)))
	answer(t, h.join("r1"), map[string]int{"answer": 1})
	answer(t, h.join("r2"), map[string]int{"answer": 1})
	require.NoError(t, h.master.RegisterGatherable(kindK, kindKRes, true))
	waitResponders(t, h.master, kindK, 2)

	res, err := h.master.Gather(ctx, kindK, nil, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Zero(t, logs.FilterMessage("gather responders disagree").Len())
}

// TestReplicaGathers verifies gathering works from a replica, with the
// master among the responders.
func TestReplicaGathers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r1 := h.join("r1")
	answer(t, h.master, "from-master")
	answer(t, h.join("r2"), "from-r2")

	require.NoError(t, r1.RegisterGatherable(kindK, kindKRes, true))
	waitResponders(t, r1, kindK, 2)

	res, err := r1.Gather(ctx, kindK, nil, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Len(t, res.Value, 2)
}
