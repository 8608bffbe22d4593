package quorum

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gridkv/internal/membership"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type testInstance struct {
	name   string
	source membership.Source
}

func (i *testInstance) Name() string                 { return i.name }
func (i *testInstance) Members() membership.Snapshot { return i.source.Members() }

// startService joins a member named id to hub and starts a service on its view.
func startService(t *testing.T, hub *membership.Hub, id string, configs []Config, opts ...Option) (*Service, *testInstance) {
	t.Helper()
	view, err := hub.Join(membership.Member{ID: id})
	require.NoError(t, err)

	svc, err := NewService(configs, opts...)
	require.NoError(t, err)

	inst := &testInstance{name: id, source: view}
	require.NoError(t, svc.Start(inst, view))
	t.Cleanup(svc.Stop)
	return svc, inst
}

func join(t *testing.T, hub *membership.Hub, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := hub.Join(membership.Member{ID: id})
		require.NoError(t, err)
	}
}

func isPresent(t *testing.T, svc *Service, name string) bool {
	t.Helper()
	q, err := svc.Quorum(name)
	require.NoError(t, err)
	return q.IsPresent()
}

// recordingPolicy counts Evaluate calls.
type recordingPolicy struct {
	calls   atomic.Int64
	present bool
}

func (p *recordingPolicy) Evaluate(membership.Snapshot) bool {
	p.calls.Add(1)
	return p.present
}

// bindingPolicy records the instances it was bound to.
type bindingPolicy struct {
	mu      sync.Mutex
	bound   []Instance
	unbound bool // Evaluate ran before BindInstance
}

func (p *bindingPolicy) BindInstance(instance Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bound = append(p.bound, instance)
}

func (p *bindingPolicy) Evaluate(membership.Snapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.bound) == 0 {
		p.unbound = true
	}
	return false
}

func (p *bindingPolicy) instances() []Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Instance(nil), p.bound...)
}
