package spine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/spine/internal/cluster"
	"github.com/dreamware/spine/internal/transport"
)

// protocolKinds lists the protocol topics a role listens on.
func (n *Node) protocolKinds() []cluster.Kind {
	kinds := []cluster.Kind{
		cluster.KindNewSubscription,
		cluster.KindUnsubscribe,
		cluster.KindClosing,
	}
	switch n.role {
	case cluster.RoleMaster:
		kinds = append(kinds,
			cluster.KindRegister,
			cluster.KindExistingSubscriptionsRequest,
			cluster.KindPrivilegedRequest,
			cluster.KindShutdownMaster,
			cluster.KindExecutionStatus)
	case cluster.RoleReplica:
		kinds = append(kinds,
			cluster.KindRegisterConfirmation,
			cluster.KindExistingSubscriptions,
			cluster.KindPrivilegedResponse,
			cluster.KindHeartbeat,
			cluster.KindExecutionStatus)
	case cluster.RoleProbe:
		kinds = append(kinds, cluster.KindHeartbeat)
	}
	return kinds
}

func (n *Node) subscribeProtocol() error {
	for _, kind := range n.protocolKinds() {
		sub, err := n.transport.Subscribe(transport.TopicFor(kind), n.dispatch)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", kind.Name, err)
		}
		n.mu.Lock()
		n.protocol = append(n.protocol, sub)
		n.mu.Unlock()
	}
	return nil
}

// dispatch routes one protocol message. Messages this node sent are
// skipped; every failure is logged rather than dropped silently.
func (n *Node) dispatch(env cluster.Envelope) {
	if env.Sender == n.id {
		return
	}
	if err := n.handleProtocol(env); err != nil {
		level := n.logger.Warn
		if errors.Is(err, ErrUnknownKind) {
			level = n.logger.Error
		}
		level("protocol message rejected",
			zap.String("kind", env.Kind.Name),
			zap.String("sender", string(env.Sender)),
			zap.Stringer("correlation", env.Correlation),
			zap.Error(err))
	}
}

func (n *Node) handleProtocol(env cluster.Envelope) error {
	switch env.Kind.Name {
	case cluster.KindRegister.Name:
		return n.handleRegister(env)
	case cluster.KindRegisterConfirmation.Name:
		return n.handleConfirmation(env)
	case cluster.KindExistingSubscriptionsRequest.Name:
		return n.handleDirectoryRequest(env)
	case cluster.KindExistingSubscriptions.Name,
		cluster.KindPrivilegedResponse.Name:
		// Answers to this node's own exchanges; others' answers are ignored.
		n.pending.Signal(env.Correlation, env)
		return nil
	case cluster.KindNewSubscription.Name:
		return n.handleNewSubscription(env)
	case cluster.KindUnsubscribe.Name:
		return n.handleUnsubscribe(env)
	case cluster.KindPrivilegedRequest.Name:
		return n.handlePrivilegedRequest(env)
	case cluster.KindClosing.Name:
		return n.handleClosing(env)
	case cluster.KindShutdownMaster.Name:
		return n.handleShutdownMaster(env)
	case cluster.KindHeartbeat.Name:
		return n.handleHeartbeat(env)
	case cluster.KindExecutionStatus.Name:
		return n.handleExecutionStatus(env)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, env.Kind)
	}
}

// decode unmarshals a protocol payload, classifying failures as protocol
// violations.
func decode(env cluster.Envelope, out any) error {
	if err := env.Decode(out); err != nil {
		return fmt.Errorf("%w: malformed %s payload: %v", ErrProtocolViolation, env.Kind.Name, err)
	}
	return nil
}
