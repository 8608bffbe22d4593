package it

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridkv/internal/config"
	"gridkv/internal/membership"
	"gridkv/internal/node"
	"gridkv/internal/quorum"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func newCluster(t *testing.T) *Cluster {
	t.Helper()
	c := NewCluster(nil)
	t.Cleanup(func() { require.NoError(t, c.Stop()) })
	return c
}

func startNodes(t *testing.T, c *Cluster, cfg *config.Config, ids ...string) []*node.Instance {
	t.Helper()
	nodes := make([]*node.Instance, 0, len(ids))
	for _, id := range ids {
		n, err := c.StartNode(id, cfg)
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	return nodes
}

func present(t *testing.T, n *node.Instance, name string) func() bool {
	t.Helper()
	q, err := n.Quorum(name)
	require.NoError(t, err)
	return q.IsPresent
}

func put(n *node.Instance, mapName string) error {
	_, err := n.GetMap(mapName).Put("key", []byte("value"))
	return err
}

func TestQuorum_InitialEvaluation(t *testing.T) {
	c := newCluster(t)
	cfg := &config.Config{Quorums: []config.QuorumConfig{
		{Name: "one", Enabled: true, MinimumSize: 1},
		{Name: "two", Enabled: true, MinimumSize: 2},
	}}

	n1 := startNodes(t, c, cfg, "n1")[0]
	assert.True(t, present(t, n1, "one")(), "size 1 quorum is warm on start")
	assert.False(t, present(t, n1, "two")())

	startNodes(t, c, cfg, "n2")
	require.Eventually(t, present(t, n1, "two"), waitFor, tick)
}

func TestQuorum_SizeThresholdFollowsClusterSize(t *testing.T) {
	c := newCluster(t)
	cfg := &config.Config{
		Quorums: []config.QuorumConfig{{Name: "three", Enabled: true, MinimumSize: 3}},
		Maps:    []config.MapConfig{{Name: "guarded", QuorumName: "three"}},
	}
	nodes := startNodes(t, c, cfg, "n1", "n2", "n3")
	for _, n := range nodes {
		require.Eventually(t, present(t, n, "three"), waitFor, tick)
		require.NoError(t, put(n, "guarded"))
	}

	require.NoError(t, c.KillNode("n3"))
	require.Eventually(t, func() bool { return !present(t, nodes[0], "three")() }, waitFor, tick)
	require.ErrorIs(t, put(nodes[0], "guarded"), quorum.ErrQuorumNotPresent)

	startNodes(t, c, cfg, "n4")
	require.Eventually(t, present(t, nodes[0], "three"), waitFor, tick)
	require.NoError(t, put(nodes[0], "guarded"))
}

type callFlagPolicy struct {
	calls atomic.Int64
}

func (p *callFlagPolicy) Evaluate(membership.Snapshot) bool {
	p.calls.Add(1)
	return true
}

func TestQuorum_AttributeChangesNeverEvaluate(t *testing.T) {
	c := newCluster(t)
	policy := &callFlagPolicy{}

	_, err := c.StartNode("n1", nil, node.WithQuorum(quorum.Config{Name: "custom", Enabled: true, Policy: policy}))
	require.NoError(t, err)
	startNodes(t, c, nil, "n2")
	require.Eventually(t, func() bool { return policy.calls.Load() == 2 }, waitFor, tick)

	require.NoError(t, c.SetAttribute("n2", "zone", "a"))
	require.NoError(t, c.SetAttribute("n1", "zone", "b"))
	require.NoError(t, c.SetAttribute("n2", "zone", "c"))
	require.Never(t, func() bool { return policy.calls.Load() != 2 }, 200*time.Millisecond, tick)

	startNodes(t, c, nil, "n3")
	require.Eventually(t, func() bool { return policy.calls.Load() == 3 }, waitFor, tick)
}

func TestQuorum_AlwaysFalsePolicyRejectsEveryPut(t *testing.T) {
	c := newCluster(t)
	cfg := &config.Config{
		Quorums: []config.QuorumConfig{{Name: "never", Enabled: true, Type: "WRITE", Policy: "never"}},
		Maps:    []config.MapConfig{{Name: "guarded", QuorumName: "never"}},
	}
	never := node.WithPolicyFactory("never", func() quorum.Policy {
		return quorum.PolicyFunc(func(membership.Snapshot) bool { return false })
	})

	n1, err := c.StartNode("n1", cfg, never)
	require.NoError(t, err)
	_, err = c.StartNode("n2", cfg, never)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := n1.GetMap("guarded").Put(fmt.Sprintf("key-%d", i), []byte("value"))
		var qerr *quorum.QuorumError
		require.True(t, errors.As(err, &qerr), "put %d: %v", i, err)
		assert.Equal(t, "never", qerr.Name)
		assert.False(t, qerr.Present)
	}

	_, found, err := n1.GetMap("guarded").Get("key-0")
	require.NoError(t, err)
	assert.False(t, found)
	size, err := n1.GetMap("guarded").Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

// onceFalsePolicy is not satisfied on its first evaluation only.
type onceFalsePolicy struct {
	evaluated atomic.Bool
}

func (p *onceFalsePolicy) Evaluate(membership.Snapshot) bool {
	return p.evaluated.Swap(true)
}

func TestQuorum_FailsThenSucceedsWithoutRestart(t *testing.T) {
	c := newCluster(t)
	cfg := &config.Config{Maps: []config.MapConfig{{Name: "guarded", QuorumName: "flip"}}}

	n1, err := c.StartNode("n1", cfg,
		node.WithQuorum(quorum.Config{Name: "flip", Enabled: true, Policy: &onceFalsePolicy{}}))
	require.NoError(t, err)

	require.ErrorIs(t, put(n1, "guarded"), quorum.ErrQuorumNotPresent)

	startNodes(t, c, nil, "n2")
	require.Eventually(t, present(t, n1, "flip"), waitFor, tick)
	require.NoError(t, put(n1, "guarded"))

	value, found, err := n1.GetMap("guarded").Get("key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("value"), value)
}

type bindingPolicy struct {
	mu        sync.Mutex
	instances []quorum.Instance
}

func (p *bindingPolicy) BindInstance(instance quorum.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances = append(p.instances, instance)
}

func (p *bindingPolicy) Evaluate(membership.Snapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances) == 1
}

func (p *bindingPolicy) bound() []quorum.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]quorum.Instance(nil), p.instances...)
}

func TestQuorum_InstanceBinderInjection(t *testing.T) {
	c := newCluster(t)

	prebuilt := &bindingPolicy{}
	var fromFactory []*bindingPolicy
	cfg := &config.Config{Quorums: []config.QuorumConfig{{Name: "factory", Enabled: true, Policy: "binding"}}}

	n1, err := c.StartNode("n1", cfg,
		node.WithQuorum(quorum.Config{Name: "prebuilt", Enabled: true, Policy: prebuilt}),
		node.WithPolicyFactory("binding", func() quorum.Policy {
			p := &bindingPolicy{}
			fromFactory = append(fromFactory, p)
			return p
		}),
	)
	require.NoError(t, err)
	startNodes(t, c, nil, "n2")

	require.Len(t, fromFactory, 1)
	for _, p := range []*bindingPolicy{prebuilt, fromFactory[0]} {
		bound := p.bound()
		require.Len(t, bound, 1)
		require.NotNil(t, bound[0])
		assert.Same(t, n1, bound[0])
	}
	assert.True(t, present(t, n1, "prebuilt")())
	assert.True(t, present(t, n1, "factory")())
}

func exactly(n int) node.Option {
	return node.WithPolicyFactory(fmt.Sprintf("exactly-%d", n), func() quorum.Policy {
		return quorum.PolicyFunc(func(members membership.Snapshot) bool { return members.Len() == n })
	})
}

func TestQuorum_IndependentQuorumsOnDifferentMaps(t *testing.T) {
	c := newCluster(t)
	cfg := &config.Config{
		Quorums: []config.QuorumConfig{
			{Name: "four", Enabled: true, Policy: "exactly-4"},
			{Name: "three", Enabled: true, Policy: "exactly-3"},
		},
		Maps: []config.MapConfig{
			{Name: "map-four", QuorumName: "four"},
			{Name: "map-three", QuorumName: "three"},
		},
	}

	var nodes []*node.Instance
	for _, id := range []string{"n1", "n2", "n3"} {
		n, err := c.StartNode(id, cfg, exactly(3), exactly(4))
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		require.Eventually(t, present(t, n, "three"), waitFor, tick)
		require.NoError(t, put(n, "map-three"))
		require.ErrorIs(t, put(n, "map-four"), quorum.ErrQuorumNotPresent)
	}

	n4, err := c.StartNode("n4", cfg, exactly(3), exactly(4))
	require.NoError(t, err)
	for _, n := range append(nodes, n4) {
		require.Eventually(t, present(t, n, "four"), waitFor, tick)
		require.Eventually(t, func() bool { return !present(t, n, "three")() }, waitFor, tick)
		require.NoError(t, put(n, "map-four"))
		require.ErrorIs(t, put(n, "map-three"), quorum.ErrQuorumNotPresent)
	}
}

func TestQuorum_DisabledIsAlwaysPresent(t *testing.T) {
	c := newCluster(t)
	cfg := &config.Config{
		Quorums: []config.QuorumConfig{{Name: "off", Enabled: false, MinimumSize: 5}},
		Maps:    []config.MapConfig{{Name: "m", QuorumName: "off"}},
	}
	n1 := startNodes(t, c, cfg, "n1")[0]

	assert.True(t, present(t, n1, "off")())
	require.NoError(t, put(n1, "m"))

	startNodes(t, c, cfg, "n2")
	require.NoError(t, c.KillNode("n2"))
	require.Never(t, func() bool { return !present(t, n1, "off")() }, 100*time.Millisecond, tick)
}

func TestQuorum_UnknownNameIsNotFound(t *testing.T) {
	c := newCluster(t)
	n1 := startNodes(t, c, nil, "n1")[0]

	q, err := n1.Quorum("missing")
	assert.Nil(t, q)
	var nerr *quorum.NotFoundError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "missing", nerr.Name)
}

func TestQuorum_UnknownMapQuorumPreventsStart(t *testing.T) {
	c := newCluster(t)
	cfg := &config.Config{Maps: []config.MapConfig{{Name: "m", QuorumName: "missing"}}}

	_, err := c.StartNode("n1", cfg)
	require.ErrorIs(t, err, quorum.ErrConfig)
	assert.Nil(t, c.GetNode("n1"))
	assert.Zero(t, c.hub.Members().Len())
}

func TestQuorum_MinorityPartitionRejectsWrites(t *testing.T) {
	c := newCluster(t)
	cfg := &config.Config{
		Quorums: []config.QuorumConfig{{Name: "majority", Enabled: true, MinimumSize: 3}},
		Maps:    []config.MapConfig{{Name: "orders", QuorumName: "majority"}},
	}
	nodes := startNodes(t, c, cfg, "n1", "n2", "n3", "n4", "n5")
	for _, n := range nodes {
		require.Eventually(t, present(t, n, "majority"), waitFor, tick)
	}

	c.Partition([]string{"n1", "n2"}, []string{"n3", "n4", "n5"})
	for _, n := range nodes[:2] {
		require.Eventually(t, func() bool { return !present(t, n, "majority")() }, waitFor, tick)
		require.ErrorIs(t, put(n, "orders"), quorum.ErrQuorumNotPresent)
	}
	for _, n := range nodes[2:] {
		require.Never(t, func() bool { return !present(t, n, "majority")() }, 50*time.Millisecond, tick)
		require.NoError(t, put(n, "orders"))
	}

	c.Heal()
	for _, n := range nodes[:2] {
		require.Eventually(t, present(t, n, "majority"), waitFor, tick)
		require.NoError(t, put(n, "orders"))
	}
}

func TestQuorum_ListenersObserveTransitions(t *testing.T) {
	c := newCluster(t)
	cfg := &config.Config{Quorums: []config.QuorumConfig{{Name: "two", Enabled: true, MinimumSize: 2}}}
	n1 := startNodes(t, c, cfg, "n1")[0]

	var mu sync.Mutex
	var events []quorum.Event
	remove := n1.Quorums().AddListener(func(ev quorum.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	defer remove()

	startNodes(t, c, nil, "n2")
	require.Eventually(t, present(t, n1, "two"), waitFor, tick)
	require.NoError(t, c.KillNode("n2"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, events[0].Present)
	assert.False(t, events[1].Present)
	for _, ev := range events {
		assert.Equal(t, "two", ev.Name)
		assert.False(t, ev.Timestamp.IsZero())
	}
}
