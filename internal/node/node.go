package node

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"gridkv/internal/config"
	"gridkv/internal/membership"
	"gridkv/internal/quorum"
	"gridkv/internal/ring"
	"gridkv/internal/storage"
)

// Instance is a single grid node: it follows a membership source, keeps
// the configured quorums evaluated and serves named maps guarded by them.
type Instance struct {
	nodeID string
	cfg    config.Config
	logger *zap.Logger

	source  membership.Source
	gossip  *membership.Gossip // nil when following an external source
	seeds   []membership.Member
	quorums *quorum.Service

	ring        atomic.Pointer[ring.Ring]
	vnodes      int
	unsubscribe func()

	mapsMu     sync.Mutex
	maps       map[string]*Map
	mapConfigs map[string]config.MapConfig

	clientMgr  *ClientManager
	grpcServer *grpc.Server
	listener   net.Listener
	serveDone  chan error

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds an instance from cfg. Quorum configs from the file and from
// WithQuorum are validated together; a map bound to an unknown quorum is a
// *quorum.ConfigError.
func New(cfg *config.Config, opts ...Option) (*Instance, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node-id cannot be empty")
	}

	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger.With(zap.String("node", cfg.NodeID))

	qcs, err := cfg.QuorumConfigs()
	if err != nil {
		return nil, err
	}
	qcs = append(qcs, o.quorums...)
	svc, err := quorum.NewService(qcs, append([]quorum.Option{quorum.WithLogger(logger)}, o.quorumOpts...)...)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(qcs))
	for _, name := range svc.Names() {
		known[name] = true
	}
	mapConfigs := make(map[string]config.MapConfig)
	var errs error
	for _, mc := range append(append([]config.MapConfig(nil), cfg.Maps...), o.maps...) {
		if mc.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("map name cannot be empty"))
			continue
		}
		if mc.QuorumName != "" && !known[mc.QuorumName] {
			errs = multierr.Append(errs, fmt.Errorf("map %q: %w",
				mc.Name, &quorum.ConfigError{Quorum: mc.QuorumName, Reason: "unknown quorum"}))
			continue
		}
		mapConfigs[mc.Name] = mc
	}
	if errs != nil {
		return nil, errs
	}

	vnodes := cfg.VNodes
	if vnodes <= 0 {
		vnodes = ring.DefaultVNodes
	}

	n := &Instance{
		nodeID:     cfg.NodeID,
		cfg:        *cfg,
		logger:     logger,
		source:     o.source,
		quorums:    svc,
		vnodes:     vnodes,
		maps:       make(map[string]*Map),
		mapConfigs: mapConfigs,
		clientMgr:  NewClientManager(),
	}

	if n.source == nil {
		// Dynamic membership with gossip
		g := membership.NewGossip(cfg.LocalMember(), membership.GossipConfig{
			ProbeInterval:  cfg.Gossip.ProbeInterval,
			SuspectTimeout: cfg.Gossip.SuspectTimeout,
			DeadTimeout:    cfg.Gossip.DeadTimeout,
		}, o.logger)
		n.seeds = cfg.Seeds()
		n.gossip = g
		n.source = g
	}
	n.ring.Store(ring.New(vnodes, n.source.Members()))

	return n, nil
}

// Start joins the membership, warms the quorum service and, when a listen
// address is configured, starts serving gRPC. Every enabled quorum holds
// an evaluated state when Start returns.
func (n *Instance) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return fmt.Errorf("node %s already started", n.nodeID)
	}

	// Nothing below is left running if Start fails, so it can be retried.
	var lis net.Listener
	if n.cfg.ListenAddr != "" {
		var err error
		lis, err = net.Listen("tcp", n.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddr, err)
		}
	}

	if n.gossip != nil && len(n.seeds) > 0 {
		n.gossip.AddSeeds(n.seeds)
	}

	initial, unsubscribe := n.source.Subscribe(n)
	n.rebuildRing(initial)

	if err := n.quorums.Start(n, n.source); err != nil {
		unsubscribe()
		if lis != nil {
			_ = lis.Close()
		}
		return fmt.Errorf("failed to start quorums: %w", err)
	}
	n.unsubscribe = unsubscribe
	n.started = true

	if lis != nil {
		n.listener = lis
		n.grpcServer = grpc.NewServer()
		RegisterMapServer(n.grpcServer, &mapServer{node: n})
		RegisterQuorumServer(n.grpcServer, &quorumServer{node: n})
		RegisterMembershipServer(n.grpcServer, &membershipServer{node: n})
		// Enable gRPC reflection for grpcurl
		reflection.Register(n.grpcServer)

		n.serveDone = make(chan error, 1)
		go func() {
			n.serveDone <- n.grpcServer.Serve(lis)
		}()
		n.logger.Info("serving", zap.String("addr", lis.Addr().String()))
	}

	if n.gossip != nil && len(n.seeds) > 0 {
		n.gossip.Start(n.ping, n.exchange)
		n.logger.Info("started gossip membership", zap.Int("seeds", len(n.seeds)))
	}

	n.logger.Info("node started",
		zap.Int("members", initial.Len()), zap.Strings("quorums", n.quorums.Names()))
	return nil
}

// Shutdown stops serving and leaves the membership. It is safe to call more
// than once.
func (n *Instance) Shutdown() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started || n.stopped {
		return nil
	}
	n.stopped = true

	var errs error
	if n.grpcServer != nil {
		n.logger.Info("stopping gRPC server")
		n.grpcServer.GracefulStop()
		if err := <-n.serveDone; err != nil && err != grpc.ErrServerStopped {
			errs = multierr.Append(errs, fmt.Errorf("serve: %w", err))
		}
	}
	if n.gossip != nil {
		n.gossip.Stop()
	}
	n.quorums.Stop()
	n.unsubscribe()
	errs = multierr.Append(errs, n.clientMgr.Close())

	n.logger.Info("node stopped")
	return errs
}

// Name implements quorum.Instance.
func (n *Instance) Name() string {
	return n.nodeID
}

// Members implements quorum.Instance.
func (n *Instance) Members() membership.Snapshot {
	return n.source.Members()
}

// LocalMember returns this node's member record.
func (n *Instance) LocalMember() membership.Member {
	return n.source.LocalMember()
}

// Addr returns the address the gRPC server is bound to, or "" when the
// instance does not serve.
func (n *Instance) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Quorums returns the instance's quorum service.
func (n *Instance) Quorums() *quorum.Service {
	return n.quorums
}

// Quorum looks up a configured quorum by name.
func (n *Instance) Quorum(name string) (*quorum.Quorum, error) {
	return n.quorums.Quorum(name)
}

// Gossip returns the gossip membership, or nil when the instance follows
// an external source.
func (n *Instance) Gossip() *membership.Gossip {
	return n.gossip
}

// GetMap returns the named map, creating it on first use. Maps without a
// configuration are not bound to any quorum.
func (n *Instance) GetMap(name string) *Map {
	n.mapsMu.Lock()
	defer n.mapsMu.Unlock()

	if m, ok := n.maps[name]; ok {
		return m
	}
	mc, ok := n.mapConfigs[name]
	if !ok {
		mc = config.MapConfig{Name: name}
	}
	m := newMap(mc, n.quorums, storage.NewStore())
	n.maps[name] = m
	return m
}

// MapNames returns the names of the maps created so far, sorted.
func (n *Instance) MapNames() []string {
	n.mapsMu.Lock()
	defer n.mapsMu.Unlock()

	names := make([]string, 0, len(n.maps))
	for name := range n.maps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OwnerOf reports which member owns key on the current ring.
func (n *Instance) OwnerOf(key string) (membership.Member, bool) {
	return n.ring.Load().Owner(key)
}

// MemberAdded implements membership.Listener.
func (n *Instance) MemberAdded(ev membership.Event) {
	n.logger.Info("member added", zap.String("member", ev.Member.ID), zap.Int("members", ev.Members.Len()))
	n.rebuildRing(ev.Members)
}

// MemberRemoved implements membership.Listener.
func (n *Instance) MemberRemoved(ev membership.Event) {
	n.logger.Info("member removed", zap.String("member", ev.Member.ID), zap.Int("members", ev.Members.Len()))
	n.rebuildRing(ev.Members)
}

// MemberAttributeChanged implements membership.Listener. Attributes do not
// affect key ownership.
func (n *Instance) MemberAttributeChanged(ev membership.Event) {
	n.logger.Debug("member attribute changed",
		zap.String("member", ev.Member.ID), zap.String("key", ev.Key), zap.String("value", ev.Value))
}

func (n *Instance) rebuildRing(members membership.Snapshot) {
	if cur := n.ring.Load(); cur != nil && slices.Equal(cur.Members().IDs(), members.IDs()) {
		return
	}
	n.ring.Store(ring.New(n.vnodes, members))
	n.logger.Debug("ring updated", zap.Int("members", members.Len()))
}

// ping checks that the node at addr answers, for failure detection.
func (n *Instance) ping(ctx context.Context, addr string) error {
	client, err := n.clientMgr.Get(addr)
	if err != nil {
		return err
	}
	return client.Ping(ctx, n.nodeID)
}

// exchange pushes the local peer table to addr and returns the remote one.
func (n *Instance) exchange(ctx context.Context, addr string, peers []*membership.Peer) ([]*membership.Peer, error) {
	client, err := n.clientMgr.Get(addr)
	if err != nil {
		return nil, err
	}
	return client.Gossip(ctx, n.nodeID, peers)
}

