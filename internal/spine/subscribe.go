package spine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/spine/internal/cluster"
	"github.com/dreamware/spine/internal/transport"
)

// SubscribeUser registers h for a user kind and announces the subscription
// to every peer. The local directory is updated before the announcement.
func (n *Node) SubscribeUser(ctx context.Context, kind cluster.Kind, h Handler) error {
	if kind.Category != cluster.CategoryUser {
		return fmt.Errorf("%w: %s is not a user kind", ErrProtocolViolation, kind)
	}
	return n.subscribe(ctx, kind, h)
}

// SubscribeSystem registers h for a system kind and announces it.
func (n *Node) SubscribeSystem(ctx context.Context, kind cluster.Kind, h Handler) error {
	if kind.Category != cluster.CategorySystem {
		return fmt.Errorf("%w: %s is not a system kind", ErrProtocolViolation, kind)
	}
	return n.subscribe(ctx, kind, h)
}

// SubscribePrivileged asks for exclusive ownership of kind and subscribes h
// if granted. The master decides: the first claim wins and every later one
// is Denied, including a second claim by the owner. On a replica the
// decision arrives through one blocking exchange; no answer within the
// exchange patience yields Timeout.
//
// The master does not claim unconditionally: its own claim goes through the
// same check-and-set as a replica's, so on the master this returns Denied
// for a kind a replica already owns.
func (n *Node) SubscribePrivileged(ctx context.Context, kind cluster.Kind, h Handler) (cluster.Result[bool], error) {
	if kind.Category != cluster.CategoryPrivileged {
		return cluster.Fail[bool](cluster.StatusDenied), fmt.Errorf("%w: %s is not a privileged kind", ErrProtocolViolation, kind)
	}
	if err := n.checkSubscribe(); err != nil {
		return cluster.Fail[bool](cluster.StatusDenied), err
	}

	if n.role == cluster.RoleMaster {
		if !n.dir.ClaimPrivileged(kind, n.id) {
			return cluster.Fail[bool](cluster.StatusDenied), nil
		}
		if err := n.subscribe(ctx, kind, h); err != nil {
			n.dir.Release(kind, n.id)
			return cluster.Fail[bool](cluster.StatusDenied), err
		}
		return cluster.Ok(true), nil
	}

	id := n.seq.NextInternal()
	ex := n.pending.Open(id, n.cfg.GetExchangePatience())
	defer n.pending.Close(id)

	env, ok, err := ex.Await(ctx, func(ctx context.Context) error {
		return n.publish(ctx, cluster.KindPrivilegedRequest, id, cluster.PrivilegedPayload{Kind: kind})
	})
	if err != nil {
		return cluster.Fail[bool](cluster.StatusTimeout), err
	}
	if !ok {
		return cluster.Fail[bool](cluster.StatusTimeout), nil
	}

	var resp cluster.PrivilegedPayload
	if err := decode(env, &resp); err != nil {
		return cluster.Fail[bool](cluster.StatusDenied), err
	}
	if !resp.Granted {
		return cluster.Fail[bool](cluster.StatusDenied), nil
	}

	n.dir.MarkOwned(kind, n.id)
	if err := n.subscribe(ctx, kind, h); err != nil {
		return cluster.Fail[bool](cluster.StatusDenied), err
	}
	return cluster.Ok(true), nil
}

// Unsubscribe removes the local listener for kind and, except for system
// kinds, announces the removal. Unsubscribing a privileged kind releases its
// ownership. Unknown kinds are a no-op.
func (n *Node) Unsubscribe(ctx context.Context, kind cluster.Kind) error {
	n.mu.Lock()
	sub, ok := n.local[kind.Name]
	delete(n.local, kind.Name)
	n.mu.Unlock()
	if !ok {
		return nil
	}

	err := sub.Unsubscribe()
	n.dir.Remove(kind, n.id)
	if kind.Category == cluster.CategorySystem || n.closing.Load() {
		return err
	}
	if pubErr := n.publishInternal(ctx, cluster.KindUnsubscribe, cluster.SubscriptionPayload{Subscriber: n.id, Kind: kind}); pubErr != nil {
		return pubErr
	}
	return err
}

// ExpectedResponders returns how many other nodes would answer a message of
// this kind.
func (n *Node) ExpectedResponders(kind cluster.Kind) int {
	return n.dir.ExpectedResponders(kind)
}

func (n *Node) checkSubscribe() error {
	if n.closing.Load() {
		return ErrClosed
	}
	if n.role == cluster.RoleProbe {
		return ErrReadOnly
	}
	return nil
}

func (n *Node) subscribe(ctx context.Context, kind cluster.Kind, h Handler) error {
	if err := n.checkSubscribe(); err != nil {
		return err
	}

	n.mu.Lock()
	if _, ok := n.local[kind.Name]; ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: already subscribed to %s", ErrProtocolViolation, kind.Name)
	}
	sub, err := n.transport.Subscribe(transport.TopicFor(kind), n.deliver(h))
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", kind.Name, err)
	}
	n.local[kind.Name] = sub
	n.mu.Unlock()

	n.dir.Add(kind, n.id)
	n.logger.Debug("subscribed", zap.String("kind", kind.Name))
	return n.publishInternal(ctx, cluster.KindNewSubscription, cluster.SubscriptionPayload{Subscriber: n.id, Kind: kind})
}

// deliver wraps an application handler so the node never hears itself.
func (n *Node) deliver(h Handler) transport.Handler {
	return func(env cluster.Envelope) {
		if env.Sender == n.id || h == nil {
			return
		}
		h(env)
	}
}

func (n *Node) handleNewSubscription(env cluster.Envelope) error {
	var p cluster.SubscriptionPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	n.dir.Add(p.Kind, p.Subscriber)
	if p.Kind.Category == cluster.CategoryPrivileged {
		// Mirror ownership; the master already recorded it when granting.
		n.dir.ClaimPrivileged(p.Kind, p.Subscriber)
	}
	return nil
}

func (n *Node) handleUnsubscribe(env cluster.Envelope) error {
	var p cluster.SubscriptionPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	n.dir.Remove(p.Kind, p.Subscriber)
	return nil
}

// handlePrivilegedRequest arbitrates on the master. The directory's
// check-and-set serializes concurrent requests.
func (n *Node) handlePrivilegedRequest(env cluster.Envelope) error {
	var req cluster.PrivilegedPayload
	if err := decode(env, &req); err != nil {
		return err
	}

	granted := req.Kind.Category == cluster.CategoryPrivileged && n.dir.ClaimPrivileged(req.Kind, env.Sender)
	n.logger.Info("privileged subscription request",
		zap.String("kind", req.Kind.Name),
		zap.String("requester", string(env.Sender)),
		zap.Bool("granted", granted))

	return n.publish(n.ctx, cluster.KindPrivilegedResponse, env.Correlation, cluster.PrivilegedPayload{
		Kind:    req.Kind,
		Granted: granted,
	})
}
