package spine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/spine/internal/cluster"
)

var kindJob = cluster.UserKind("job")

// statusLog records execution statuses in arrival order.
type statusLog struct {
	mu     sync.Mutex
	states []cluster.ExecutionState
}

func (l *statusLog) record(s cluster.ExecutionStatus) {
	l.mu.Lock()
	l.states = append(l.states, s.State)
	l.mu.Unlock()
}

func (l *statusLog) snapshot() []cluster.ExecutionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cluster.ExecutionState(nil), l.states...)
}

// decliner subscribes n to kindJob and declines every request.
func decliner(t *testing.T, n *Node) {
	t.Helper()
	require.NoError(t, n.SubscribeUser(context.Background(), kindJob, func(env cluster.Envelope) {
		_ = n.Decline(context.Background(), env)
	}))
}

// TestExecuteIgnoredByAll verifies the requester learns exactly once that
// every responder declined, and observers see a request-ignored notice.
func TestExecuteIgnoredByAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r1 := h.join("r1")
	decliner(t, r1)
	decliner(t, h.join("r2"))
	decliner(t, h.join("r3"))

	notices := make(chan cluster.Envelope, 4)
	require.NoError(t, r1.SubscribeSystem(ctx, cluster.KindRequestIgnored, func(env cluster.Envelope) { notices <- env }))
	waitResponders(t, h.master, kindJob, 3)

	var log statusLog
	res, err := h.master.Execute(ctx, kindJob, "work", log.record)
	require.NoError(t, err)
	require.True(t, res.OK())

	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, eventually, 5*time.Millisecond)
	assert.Equal(t, []cluster.ExecutionState{cluster.ExecutionIgnored}, log.snapshot())

	select {
	case env := <-notices:
		assert.Equal(t, res.Value, env.Correlation)
	case <-time.After(eventually):
		t.Fatal("request-ignored notice not observed")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, log.snapshot(), 1)
	assert.Zero(t, h.master.watch.Pending())
}

// TestExecuteAccepted verifies an acceptance resolves the watch and later
// declines do not produce an ignored status.
func TestExecuteAccepted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	decliner(t, h.join("r1"))

	worker := h.join("worker")
	require.NoError(t, worker.SubscribeUser(ctx, kindJob, func(env cluster.Envelope) {
		_ = worker.Accept(ctx, env, cluster.ExecutionStart, "")
		_ = worker.Accept(ctx, env, cluster.ExecutionSuccess, "done")
	}))
	waitResponders(t, h.master, kindJob, 2)

	var log statusLog
	res, err := h.master.Execute(ctx, kindJob, nil, log.record)
	require.NoError(t, err)
	require.True(t, res.OK())

	require.Eventually(t, func() bool { return len(log.snapshot()) == 2 }, eventually, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []cluster.ExecutionState{cluster.ExecutionStart, cluster.ExecutionSuccess}, log.snapshot())
}

// TestExecuteNoResponders verifies nothing is watched without an audience.
func TestExecuteNoResponders(t *testing.T) {
	h := newHarness(t)
	res, err := h.master.Execute(context.Background(), kindJob, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusNoSubscribers, res.Status)
	assert.Zero(t, h.master.watch.Pending())
}

// TestAcceptRejectsDeclineState verifies Accept only takes acceptance
// states.
func TestAcceptRejectsDeclineState(t *testing.T) {
	h := newHarness(t)
	req := cluster.Envelope{Correlation: cluster.CorrelationID{Origin: "x", Seq: 1}}
	assert.ErrorIs(t, h.master.Accept(context.Background(), req, cluster.ExecutionIgnored, ""), ErrProtocolViolation)
}

// TestExecuteRepeatedDeclineCountsOnce verifies a responder whose decline is
// delivered twice does not exhaust the request for the others.
func TestExecuteRepeatedDeclineCountsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	twice := h.join("twice")
	require.NoError(t, twice.SubscribeUser(ctx, kindJob, func(env cluster.Envelope) {
		_ = twice.Decline(ctx, env)
		_ = twice.Decline(ctx, env)
	}))
	worker := h.join("worker")
	accept := make(chan cluster.Envelope, 1)
	require.NoError(t, worker.SubscribeUser(ctx, kindJob, func(env cluster.Envelope) { accept <- env }))
	waitResponders(t, h.master, kindJob, 2)

	var log statusLog
	res, err := h.master.Execute(ctx, kindJob, nil, log.record)
	require.NoError(t, err)
	require.True(t, res.OK())

	var req cluster.Envelope
	select {
	case req = <-accept:
	case <-time.After(eventually):
		t.Fatal("request not delivered")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, log.snapshot())
	assert.Equal(t, 1, h.master.watch.Pending())

	require.NoError(t, worker.Accept(ctx, req, cluster.ExecutionSuccess, ""))
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, eventually, 5*time.Millisecond)
	assert.Equal(t, []cluster.ExecutionState{cluster.ExecutionSuccess}, log.snapshot())
}
