package spine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/spine/internal/cluster"
	"github.com/dreamware/spine/internal/roster"
)

// register runs the replica side of the handshake. Each attempt publishes a
// Register on the durable channel and waits one registration patience for
// the confirmation; the first attempt may be published before the master
// listens, which is why the channel is durable and the attempt repeated.
func (n *Node) register(ctx context.Context) error {
	attempts := n.cfg.Protocol.RegisterAttempts
	if attempts <= 0 {
		attempts = 1
	}

	id := n.seq.NextInternal()
	ex := n.pending.Open(id, n.cfg.GetRegisterPatience())
	defer n.pending.Close(id)

	payload := cluster.RegisterPayload{Identity: n.id, Nonce: n.nonce}
	send := func(ctx context.Context) error {
		return n.publish(ctx, cluster.KindRegister, id, payload)
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		env, ok, err := ex.Await(ctx, send)
		if err != nil {
			return fmt.Errorf("register %s: %w", n.id, err)
		}
		if !ok {
			n.logger.Debug("no registration confirmation yet", zap.Int("attempt", attempt))
			continue
		}

		var conf cluster.ConfirmationPayload
		if err := decode(env, &conf); err != nil {
			return err
		}
		if !conf.Granted {
			return fmt.Errorf("%w: %s", ErrIdentityDenied, n.id)
		}
		n.logger.Info("registered with master",
			zap.String("master", string(env.Sender)),
			zap.Int("attempt", attempt))
		return nil
	}
	return fmt.Errorf("%w: %d attempts", ErrRegistrationTimeout, attempts)
}

// handleConfirmation accepts only the confirmation meant for this process.
func (n *Node) handleConfirmation(env cluster.Envelope) error {
	var conf cluster.ConfirmationPayload
	if err := decode(env, &conf); err != nil {
		return err
	}
	if conf.Identity != n.id || conf.Nonce != n.nonce {
		return nil
	}
	if conf.Granted {
		n.setMaster(env.Sender)
	}
	n.pending.Signal(env.Correlation, env)
	return nil
}

// handleRegister is the master's side: grant a free identity, deny a held
// one, and answer on the durable confirmation channel.
func (n *Node) handleRegister(env cluster.Envelope) error {
	var req cluster.RegisterPayload
	if err := decode(env, &req); err != nil {
		return err
	}

	decision := n.roster.Admit(req.Identity, req.Nonce)
	switch decision {
	case roster.Granted:
		n.logger.Info("replica registered",
			zap.String("replica", string(req.Identity)),
			zap.Int("roster", n.roster.Size()))
	case roster.Regranted:
		n.logger.Debug("replica registration repeated", zap.String("replica", string(req.Identity)))
	case roster.Denied:
		n.logger.Warn("duplicate identity denied", zap.String("replica", string(req.Identity)))
	}

	return n.publish(n.ctx, cluster.KindRegisterConfirmation, env.Correlation, cluster.ConfirmationPayload{
		Identity: req.Identity,
		Nonce:    req.Nonce,
		Granted:  decision.Granted(),
	})
}

// syncDirectory fetches the master's directory once. No answer within the
// exchange patience leaves the directory as it is. Events applied while the
// request is in flight win over the snapshot (see directory.BeginSync).
func (n *Node) syncDirectory(ctx context.Context) error {
	id := n.seq.NextInternal()
	ex := n.pending.Open(id, n.cfg.GetExchangePatience())
	defer n.pending.Close(id)

	env, ok, err := ex.Await(ctx, func(ctx context.Context) error {
		return n.publish(ctx, cluster.KindExistingSubscriptionsRequest, id, nil)
	})
	if err != nil {
		return fmt.Errorf("directory sync: %w", err)
	}
	if !ok {
		n.dir.EndSync()
		n.logger.Warn("no directory from master, starting with local view only")
		return nil
	}

	var snap cluster.DirectoryPayload
	if err := decode(env, &snap); err != nil {
		return err
	}
	added := n.dir.Merge(snap)
	n.logger.Debug("directory synchronized", zap.Int("subscriptions", added))
	return nil
}

func (n *Node) handleDirectoryRequest(env cluster.Envelope) error {
	return n.publish(n.ctx, cluster.KindExistingSubscriptions, env.Correlation, n.dir.Snapshot())
}
