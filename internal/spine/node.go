package spine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/spine/internal/cluster"
	"github.com/dreamware/spine/internal/config"
	"github.com/dreamware/spine/internal/directory"
	"github.com/dreamware/spine/internal/exchange"
	"github.com/dreamware/spine/internal/gather"
	"github.com/dreamware/spine/internal/liveness"
	"github.com/dreamware/spine/internal/logging"
	"github.com/dreamware/spine/internal/roster"
	"github.com/dreamware/spine/internal/transport"
	"github.com/dreamware/spine/internal/watch"
)

// Handler receives application messages of a subscribed kind. Messages the
// node sent itself are never delivered back to it.
type Handler func(env cluster.Envelope)

// Option customizes a Node.
type Option func(*Node)

// WithLogger sets the logger. The node scopes it with its identity and role.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithOnMasterSilent sets a callback fired once each time the master's
// heartbeat goes silent. Ignored on the master.
func WithOnMasterSilent(cb func(master cluster.NodeID)) Option {
	return func(n *Node) { n.onMasterSilent = cb }
}

// WithOnMasterRecover sets a callback fired when the master's heartbeat
// returns after a silence. Ignored on the master.
func WithOnMasterRecover(cb func(master cluster.NodeID)) Option {
	return func(n *Node) { n.onMasterRecover = cb }
}

// withHost attaches the broker and server the master hosts, so they are
// stopped after the master's own connection closes.
func withHost(broker *transport.Broker, server *transport.Server) Option {
	return func(n *Node) {
		n.broker = broker
		n.closers = append(n.closers, func() {
			server.Stop()
			for _, s := range broker.Stats() {
				n.logger.Info("topic stats",
					zap.String("topic", s.Name),
					zap.Bool("durable", s.Durable),
					zap.Int("subscribers", s.Subscribers),
					zap.Int("backlog", s.Backlog),
					zap.Uint64("published", s.Published),
					zap.Uint64("delivered", s.Delivered))
			}
			_ = broker.Close()
		})
	}
}

type gatherSpec struct {
	response cluster.Kind
	uniform  bool
}

// Node is the Cluster Context: one participant's view of the cluster and the
// operations it can perform. All methods are safe for concurrent use.
type Node struct {
	id     cluster.NodeID
	role   cluster.Role
	cfg    *config.Config
	logger *zap.Logger

	transport transport.Transport
	broker    *transport.Broker
	closers   []func()

	seq     *cluster.Sequencer
	dir     *directory.Directory
	roster  *roster.Roster
	engine  *gather.Engine
	watch   *watch.Watch
	pending *exchange.Table[cluster.Envelope]

	heartbeat       *liveness.Heartbeater
	monitor         *liveness.Monitor
	onMasterSilent  func(cluster.NodeID)
	onMasterRecover func(cluster.NodeID)

	// nonce identifies this process during registration.
	nonce string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	masterID   cluster.NodeID
	local      map[string]transport.Subscription
	gatherable map[string]gatherSpec
	responses  map[string]transport.Subscription
	executions map[cluster.CorrelationID]func(cluster.ExecutionStatus)
	protocol   []transport.Subscription

	closing  atomic.Bool
	draining atomic.Bool
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// New builds a node on top of t and brings it to its ready state: a master
// starts its heartbeat, a replica registers and synchronizes its directory,
// a probe starts watching heartbeats. New takes ownership of t; it is closed
// if construction fails and when the node shuts down.
//
// Construction fails with ErrIdentityDenied or ErrRegistrationTimeout when a
// replica cannot register.
func New(ctx context.Context, cfg *config.Config, t transport.Transport, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	id := cluster.NodeID(cfg.Node.ID)
	nctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:         id,
		role:       cfg.NodeRole(),
		cfg:        cfg,
		transport:  t,
		seq:        cluster.NewSequencer(id),
		dir:        directory.New(id),
		watch:      watch.New(),
		pending:    exchange.NewTable[cluster.Envelope](),
		nonce:      uuid.NewString(),
		ctx:        nctx,
		cancel:     cancel,
		local:      make(map[string]transport.Subscription),
		gatherable: make(map[string]gatherSpec),
		responses:  make(map[string]transport.Subscription),
		executions: make(map[cluster.CorrelationID]func(cluster.ExecutionStatus)),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = logging.ForNode(n.logger, cfg.Node.ID, string(n.role)).Named("spine")
	n.engine = gather.NewEngine(cfg.Protocol.GatherWorkers, n.logger)

	if n.role == cluster.RoleReplica {
		n.dir.BeginSync()
	}
	if n.role == cluster.RoleMaster {
		n.roster = roster.New(id)
		n.masterID = id
	} else {
		n.monitor = liveness.NewMonitor(cfg.GetHeartbeatStaleness(), n.logger)
		if n.onMasterSilent != nil {
			n.monitor.SetOnSilent(n.onMasterSilent)
		}
		if n.onMasterRecover != nil {
			n.monitor.SetOnRecover(n.onMasterRecover)
		}
	}

	if err := n.subscribeProtocol(); err != nil {
		n.abort()
		return nil, err
	}

	switch n.role {
	case cluster.RoleMaster:
		n.heartbeat = liveness.NewHeartbeater(cfg.GetHeartbeatInterval(), n.publishHeartbeat, n.logger)
		n.heartbeat.Start()
	case cluster.RoleReplica:
		if err := n.register(ctx); err != nil {
			n.abort()
			return nil, err
		}
		if err := n.syncDirectory(ctx); err != nil {
			n.abort()
			return nil, err
		}
		n.monitor.Start()
	case cluster.RoleProbe:
		n.monitor.Start()
	}

	n.logger.Info("node ready")
	return n, nil
}

// StartMaster binds the broker endpoint from cfg and builds the master node
// on a local connection to it. A busy endpoint fails here.
func StartMaster(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Node, error) {
	if role := cfg.NodeRole(); role != cluster.RoleMaster {
		return nil, fmt.Errorf("start master: configured role is %s", role)
	}

	broker := transport.NewBroker(cfg.Protocol.DurableRetention)
	server := transport.NewServer(broker, logger)
	if err := server.Listen(cfg.Endpoint()); err != nil {
		_ = broker.Close()
		return nil, err
	}

	opts = append([]Option{WithLogger(logger), withHost(broker, server)}, opts...)
	n, err := New(ctx, cfg, broker.Connect(), opts...)
	if err != nil {
		server.Stop()
		_ = broker.Close()
		return nil, err
	}
	return n, nil
}

// StartReplica dials the master's broker and builds a replica or probe
// node, depending on the configured role. A broken stream afterwards shuts
// the node down without a closing notice.
func StartReplica(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Node, error) {
	if role := cfg.NodeRole(); role == cluster.RoleMaster {
		return nil, fmt.Errorf("start replica: configured role is %s", role)
	}

	var self atomic.Pointer[Node]
	client, err := transport.Dial(ctx, cfg.Endpoint(), transport.ClientOptions{
		MaxAttempts: cfg.Transport.MaxReconnectAttempts,
		Interval:    cfg.GetReconnectInterval(),
		Logger:      logger,
		OnError: func(err error) {
			if n := self.Load(); n != nil {
				n.logger.Error("transport failure, shutting down", zap.Error(err))
				go n.Shutdown(false)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	opts = append([]Option{WithLogger(logger)}, opts...)
	n, err := New(ctx, cfg, client, opts...)
	if err != nil {
		return nil, err
	}
	self.Store(n)
	return n, nil
}

// Start builds a node for the role in cfg.
func Start(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Node, error) {
	if cfg.NodeRole() == cluster.RoleMaster {
		return StartMaster(ctx, cfg, logger, opts...)
	}
	return StartReplica(ctx, cfg, logger, opts...)
}

// ID returns the node identity.
func (n *Node) ID() cluster.NodeID { return n.id }

// Role returns the node role.
func (n *Node) Role() cluster.Role { return n.role }

// Master returns the master's identity once known.
func (n *Node) Master() cluster.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.masterID
}

func (n *Node) setMaster(id cluster.NodeID) {
	n.mu.Lock()
	if n.masterID == "" {
		n.masterID = id
	}
	n.mu.Unlock()
}

// Done is closed when the node has shut down.
func (n *Node) Done() <-chan struct{} { return n.done }

// Closed reports whether shutdown has begun.
func (n *Node) Closed() bool { return n.closing.Load() }

// Roster returns the registered identities. Only the master keeps a roster;
// other roles get nil.
func (n *Node) Roster() []cluster.NodeID {
	if n.roster == nil {
		return nil
	}
	return n.roster.IDs()
}

// Subscribers returns the nodes this node believes subscribe to kind.
func (n *Node) Subscribers(kind cluster.Kind) []cluster.NodeID {
	return n.dir.Subscribers(kind)
}

// Directory returns a copy of this node's subscription directory.
func (n *Node) Directory() cluster.DirectoryPayload {
	return n.dir.Snapshot()
}

// TopicStats returns per-topic counters of the hosted broker. Nodes that do
// not host the broker get nil.
func (n *Node) TopicStats() []transport.TopicStats {
	if n.broker == nil {
		return nil
	}
	return n.broker.Stats()
}

// MasterAlive reports whether the master's message stream is alive. The
// master answers for itself.
func (n *Node) MasterAlive() bool {
	if n.closing.Load() {
		return false
	}
	if n.role == cluster.RoleMaster {
		return true
	}
	return n.monitor != nil && n.monitor.Alive()
}

func (n *Node) publishHeartbeat(ctx context.Context, beat uint64) error {
	return n.publishInternal(ctx, cluster.KindHeartbeat, cluster.HeartbeatPayload{Master: n.id, Beat: beat})
}

// publish sends a message of any kind with the given correlation id.
func (n *Node) publish(ctx context.Context, kind cluster.Kind, id cluster.CorrelationID, payload any) error {
	env, err := cluster.NewEnvelope(n.id, kind, id, payload)
	if err != nil {
		return err
	}
	if err := n.transport.Publish(ctx, transport.TopicFor(kind), env); err != nil {
		return fmt.Errorf("publish %s: %w", kind.Name, err)
	}
	return nil
}

// publishInternal sends protocol traffic under a fresh internal id.
func (n *Node) publishInternal(ctx context.Context, kind cluster.Kind, payload any) error {
	return n.publish(ctx, kind, n.seq.NextInternal(), payload)
}

// checkSend rejects sends this node may not perform.
func (n *Node) checkSend(kind cluster.Kind) error {
	if n.closing.Load() {
		return ErrClosed
	}
	if n.role == cluster.RoleProbe {
		return ErrReadOnly
	}
	if kind.Internal() {
		return fmt.Errorf("%w: %s is a protocol kind", ErrProtocolViolation, kind)
	}
	return nil
}

// abort tears down a node whose construction failed.
func (n *Node) abort() {
	n.closing.Store(true)
	n.teardown()
}
