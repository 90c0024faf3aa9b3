package spine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/spine/internal/cluster"
)

// Send publishes an application message under a fresh correlation id.
// With no other subscriber for kind nothing is sent and the result is
// NoSubscribers. Protocol kinds are rejected with ErrProtocolViolation.
func (n *Node) Send(ctx context.Context, kind cluster.Kind, payload any) (cluster.Result[cluster.CorrelationID], error) {
	if err := n.checkSend(kind); err != nil {
		return cluster.Fail[cluster.CorrelationID](cluster.StatusDenied), err
	}
	if n.dir.ExpectedResponders(kind) == 0 {
		return cluster.Fail[cluster.CorrelationID](cluster.StatusNoSubscribers), nil
	}

	id := n.seq.Next()
	if err := n.publish(ctx, kind, id, payload); err != nil {
		return cluster.Fail[cluster.CorrelationID](cluster.StatusDenied), err
	}
	return cluster.Ok(id), nil
}

// Reply answers request with a message of kind carrying the request's
// correlation id. Replies skip the audience check: the requester is
// listening by construction.
func (n *Node) Reply(ctx context.Context, request cluster.Envelope, kind cluster.Kind, payload any) error {
	if err := n.checkSend(kind); err != nil {
		return err
	}
	return n.publish(ctx, kind, request.Correlation, payload)
}

// Execute broadcasts an execution request and watches for acceptance.
// Every status a responder reports as accepted (start, success, error) is
// passed to onStatus. If every responder that was subscribed when the
// request went out declines, onStatus receives exactly one ignored status
// after the last decline and a request-ignored notice is published.
func (n *Node) Execute(ctx context.Context, kind cluster.Kind, payload any, onStatus func(cluster.ExecutionStatus)) (cluster.Result[cluster.CorrelationID], error) {
	if err := n.checkSend(kind); err != nil {
		return cluster.Fail[cluster.CorrelationID](cluster.StatusDenied), err
	}
	expected := n.dir.ExpectedResponders(kind)
	if expected == 0 {
		return cluster.Fail[cluster.CorrelationID](cluster.StatusNoSubscribers), nil
	}

	id := n.seq.Next()
	n.mu.Lock()
	n.executions[id] = onStatus
	n.mu.Unlock()
	n.watch.Open(id, expected, func() { n.requestIgnored(id) })

	if err := n.publish(ctx, kind, id, payload); err != nil {
		n.watch.Accept(id)
		n.mu.Lock()
		delete(n.executions, id)
		n.mu.Unlock()
		return cluster.Fail[cluster.CorrelationID](cluster.StatusDenied), err
	}
	return cluster.Ok(id), nil
}

// Accept reports that this node took request. state must be start, success
// or error; success and error end the requester's interest.
func (n *Node) Accept(ctx context.Context, request cluster.Envelope, state cluster.ExecutionState, detail string) error {
	if !state.Accepted() {
		return fmt.Errorf("%w: %q is not an acceptance state", ErrProtocolViolation, state)
	}
	return n.reportStatus(ctx, request, cluster.ExecutionStatus{State: state, Detail: detail})
}

// Decline reports that this node will not handle request.
func (n *Node) Decline(ctx context.Context, request cluster.Envelope) error {
	return n.reportStatus(ctx, request, cluster.ExecutionStatus{State: cluster.ExecutionIgnored})
}

func (n *Node) reportStatus(ctx context.Context, request cluster.Envelope, status cluster.ExecutionStatus) error {
	if n.closing.Load() {
		return ErrClosed
	}
	if n.role == cluster.RoleProbe {
		return ErrReadOnly
	}
	return n.publish(ctx, cluster.KindExecutionStatus, request.Correlation, status)
}

// handleExecutionStatus feeds statuses for this node's own requests into
// the watch. Statuses for other requesters are ignored.
func (n *Node) handleExecutionStatus(env cluster.Envelope) error {
	if env.Correlation.Origin != n.id {
		return nil
	}
	var status cluster.ExecutionStatus
	if err := decode(env, &status); err != nil {
		return err
	}

	n.watch.Observe(env.Correlation, env.Sender, status.State)
	if !status.State.Accepted() {
		return nil
	}

	n.mu.Lock()
	cb, ok := n.executions[env.Correlation]
	if ok && status.State != cluster.ExecutionStart {
		delete(n.executions, env.Correlation)
	}
	n.mu.Unlock()

	if ok && cb != nil {
		cb(status)
	}
	return nil
}

// requestIgnored runs once when every responder declined id.
func (n *Node) requestIgnored(id cluster.CorrelationID) {
	n.mu.Lock()
	cb := n.executions[id]
	delete(n.executions, id)
	n.mu.Unlock()

	n.logger.Info("request ignored by every responder", zap.Stringer("correlation", id))
	if cb != nil {
		cb(cluster.ExecutionStatus{State: cluster.ExecutionIgnored})
	}
	if err := n.publish(n.ctx, cluster.KindRequestIgnored, id, nil); err != nil && !n.closing.Load() {
		n.logger.Warn("request-ignored notice not published", zap.Error(err))
	}
}
