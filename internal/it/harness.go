package it

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gridkv/internal/config"
	"gridkv/internal/membership"
	"gridkv/internal/node"
)

// Cluster is an in-process test cluster: every node follows its own view of
// one shared membership hub.
type Cluster struct {
	hub    *membership.Hub
	logger *zap.Logger

	mu    sync.Mutex
	nodes map[string]*node.Instance
}

// NewCluster creates an empty test cluster. A nil logger discards logs.
func NewCluster(logger *zap.Logger) *Cluster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cluster{
		hub:    membership.NewHub(logger),
		logger: logger,
		nodes:  make(map[string]*node.Instance),
	}
}

// StartNode joins nodeID to the cluster and starts an instance for it. cfg
// may be nil; its NodeID is overridden. The quorum state is warm when
// StartNode returns.
func (c *Cluster) StartNode(nodeID string, cfg *config.Config, opts ...node.Option) (*node.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.nodes[nodeID]; exists {
		return nil, fmt.Errorf("node %s already started", nodeID)
	}

	var nodeCfg config.Config
	if cfg != nil {
		nodeCfg = *cfg
	}
	nodeCfg.NodeID = nodeID

	view, err := c.hub.Join(membership.Member{ID: nodeID})
	if err != nil {
		return nil, err
	}

	opts = append([]node.Option{node.WithLogger(c.logger), node.WithSource(view)}, opts...)
	n, err := node.New(&nodeCfg, opts...)
	if err != nil {
		_ = c.hub.Leave(nodeID)
		return nil, fmt.Errorf("failed to create node %s: %w", nodeID, err)
	}
	if err := n.Start(); err != nil {
		_ = c.hub.Leave(nodeID)
		return nil, fmt.Errorf("failed to start node %s: %w", nodeID, err)
	}

	c.nodes[nodeID] = n
	return n, nil
}

// GetNode returns a node by ID, or nil.
func (c *Cluster) GetNode(nodeID string) *node.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[nodeID]
}

// NodeIDs returns the IDs of the running nodes, sorted.
func (c *Cluster) NodeIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// KillNode shuts a node down and removes it from the membership.
func (c *Cluster) KillNode(nodeID string) error {
	c.mu.Lock()
	n, exists := c.nodes[nodeID]
	delete(c.nodes, nodeID)
	c.mu.Unlock()

	if !exists {
		return fmt.Errorf("node %s not found", nodeID)
	}
	return multierr.Combine(n.Shutdown(), c.hub.Leave(nodeID))
}

// SetAttribute changes a member attribute without changing membership.
func (c *Cluster) SetAttribute(nodeID, key, value string) error {
	return c.hub.SetAttribute(nodeID, key, value)
}

// Partition splits the cluster; see membership.Hub.Partition.
func (c *Cluster) Partition(groups ...[]string) {
	c.hub.Partition(groups...)
}

// Heal merges all partitions.
func (c *Cluster) Heal() {
	c.hub.Heal()
}

// Stop stops all nodes in the cluster.
func (c *Cluster) Stop() error {
	var errs error
	for _, id := range c.NodeIDs() {
		errs = multierr.Append(errs, c.KillNode(id))
	}
	return errs
}
