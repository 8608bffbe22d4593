package node

import (
	"go.uber.org/zap"

	"gridkv/internal/config"
	"gridkv/internal/membership"
	"gridkv/internal/quorum"
)

// Option configures an Instance.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	source     membership.Source
	quorumOpts []quorum.Option
	quorums    []quorum.Config
	maps       []config.MapConfig
}

// WithLogger sets the instance logger. It is scoped with the node ID.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSource makes the instance follow an external membership source
// instead of running its own gossip protocol.
func WithSource(source membership.Source) Option {
	return func(o *options) {
		o.source = source
	}
}

// WithPolicyFactory registers a named custom quorum policy factory.
func WithPolicyFactory(name string, factory quorum.PolicyFactory) Option {
	return func(o *options) {
		o.quorumOpts = append(o.quorumOpts, quorum.WithPolicyFactory(name, factory))
	}
}

// WithQuorum adds a quorum configured in code, for example one carrying a
// pre-built policy.
func WithQuorum(cfg quorum.Config) Option {
	return func(o *options) {
		o.quorums = append(o.quorums, cfg)
	}
}

// WithMap adds a map configured in code.
func WithMap(cfg config.MapConfig) Option {
	return func(o *options) {
		o.maps = append(o.maps, cfg)
	}
}
