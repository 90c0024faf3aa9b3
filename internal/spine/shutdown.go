package spine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/spine/internal/cluster"
)

// closingPatience bounds the best-effort closing broadcast.
const closingPatience = 2 * time.Second

// Shutdown stops the node. Only the first call does anything; later and
// concurrent calls return nil at once. When loud is set, a closing notice
// (identity and role) is broadcast before the connection is torn down. The
// master stops its heartbeat and, after its own connection closed, the
// broker it hosts.
func (n *Node) Shutdown(loud bool) error {
	if !n.closing.CompareAndSwap(false, true) {
		return nil
	}
	n.logger.Info("shutting down", zap.Bool("loud", loud))

	if loud && n.role != cluster.RoleProbe {
		n.announceClosing()
	}
	return n.teardown()
}

func (n *Node) announceClosing() {
	ctx, cancel := context.WithTimeout(context.Background(), closingPatience)
	defer cancel()
	err := n.publishInternal(ctx, cluster.KindClosing, cluster.ClosingPayload{Identity: n.id, Role: n.role})
	if err != nil {
		n.logger.Warn("closing notice not delivered", zap.Error(err))
	}
}

// teardown releases every resource exactly once.
func (n *Node) teardown() error {
	n.stopOnce.Do(func() {
		if n.heartbeat != nil {
			n.heartbeat.Stop()
		}
		if n.monitor != nil {
			n.monitor.Stop()
		}
		n.engine.CancelAll()

		n.mu.Lock()
		protocol := n.protocol
		n.protocol = nil
		n.mu.Unlock()
		for _, sub := range protocol {
			_ = sub.Unsubscribe()
		}

		n.cancel()
		n.stopErr = n.transport.Close()
		for _, closer := range n.closers {
			closer()
		}
		close(n.done)
		n.logger.Info("node stopped")
	})
	return n.stopErr
}

// ShutdownMaster winds the whole cluster down. On the master it starts the
// drain in the background and returns: a closing notice goes out, the roster
// is polled until only the master remains or the drain budget is spent, and
// the master then shuts down regardless. On a replica it asks the master to
// do the same.
func (n *Node) ShutdownMaster(ctx context.Context) error {
	if n.closing.Load() {
		return ErrClosed
	}
	switch n.role {
	case cluster.RoleMaster:
		if n.draining.CompareAndSwap(false, true) {
			go n.drain()
		}
		return nil
	case cluster.RoleReplica:
		return n.publishInternal(ctx, cluster.KindShutdownMaster, nil)
	default:
		return ErrReadOnly
	}
}

func (n *Node) drain() {
	n.announceClosing()

	budget := n.cfg.GetDrainTimeout()
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(n.cfg.GetDrainPoll())
	defer ticker.Stop()

	for n.roster.Size() > 1 {
		if time.Now().After(deadline) {
			n.logger.Warn("replicas did not drain in time",
				zap.Duration("budget", budget),
				zap.Int("remaining", n.roster.Size()-1))
			break
		}
		select {
		case <-ticker.C:
		case <-n.ctx.Done():
			return
		}
	}
	_ = n.Shutdown(false)
}

func (n *Node) handleShutdownMaster(env cluster.Envelope) error {
	if n.closing.Load() {
		return nil
	}
	n.logger.Info("cluster shutdown requested", zap.String("by", string(env.Sender)))
	return n.ShutdownMaster(n.ctx)
}

// handleClosing forgets a departing peer. A departing master takes every
// other node down with it.
func (n *Node) handleClosing(env cluster.Envelope) error {
	var p cluster.ClosingPayload
	if err := decode(env, &p); err != nil {
		return err
	}

	kinds := n.dir.RemoveNode(p.Identity)
	if n.roster != nil {
		n.roster.Remove(p.Identity)
	}
	n.logger.Info("peer closing",
		zap.String("peer", string(p.Identity)),
		zap.String("peer_role", string(p.Role)),
		zap.Strings("kinds", kinds))

	if p.Role == cluster.RoleMaster && n.role != cluster.RoleMaster {
		go n.Shutdown(true)
	}
	return nil
}

func (n *Node) handleHeartbeat(env cluster.Envelope) error {
	var hb cluster.HeartbeatPayload
	if err := decode(env, &hb); err != nil {
		return err
	}
	n.setMaster(hb.Master)
	if n.monitor != nil {
		n.monitor.Observe(hb)
	}
	return nil
}
