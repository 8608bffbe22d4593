package quorum

import (
	"fmt"

	"gridkv/internal/membership"
)

// Policy decides whether a membership snapshot satisfies a quorum.
// Evaluate is called from a single goroutine per quorum and should be fast
// and free of I/O.
type Policy interface {
	Evaluate(members membership.Snapshot) bool
}

// PolicyFunc adapts an ordinary function to Policy.
type PolicyFunc func(members membership.Snapshot) bool

// Evaluate implements Policy.
func (f PolicyFunc) Evaluate(members membership.Snapshot) bool {
	return f(members)
}

// SizePolicy is satisfied when the cluster has at least MinimumSize members.
type SizePolicy struct {
	MinimumSize int
}

// Evaluate implements Policy.
func (p SizePolicy) Evaluate(members membership.Snapshot) bool {
	return members.Len() >= p.MinimumSize
}

func (p SizePolicy) String() string {
	return fmt.Sprintf("minimum cluster size %d", p.MinimumSize)
}

// Instance is the runtime handle handed to policies implementing
// InstanceBinder.
type Instance interface {
	Name() string
	Members() membership.Snapshot
}

// InstanceBinder is implemented by policies that need the owning runtime.
// BindInstance is called exactly once, before the first Evaluate.
type InstanceBinder interface {
	BindInstance(instance Instance)
}

// PolicyFactory builds a fresh policy for a quorum configured by policy
// name. It is called once per quorum per service.
type PolicyFactory func() Policy

// describe returns a human readable description of p for error messages.
func describe(p Policy) string {
	if s, ok := p.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("custom policy %T", p)
}
