package spine

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/spine/internal/cluster"
)

var errStopped = errors.New("node stopped")

// Run blocks until the node has shut down. Cancelling ctx starts the
// role's shutdown path: the master drains the cluster, a replica leaves
// with a closing notice, a probe disconnects quietly. A node that stops on
// its own (master departure, transport failure) ends Run without error.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-n.Done()
		return errStopped
	})
	g.Go(func() error {
		<-gctx.Done()
		if n.Closed() {
			return nil
		}
		n.logger.Info("stop requested", zap.Error(context.Cause(ctx)))
		switch n.role {
		case cluster.RoleMaster:
			return n.ShutdownMaster(context.Background())
		case cluster.RoleReplica:
			return n.Shutdown(true)
		default:
			return n.Shutdown(false)
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errStopped) {
		return err
	}
	return nil
}
