package quorum

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gridkv/internal/membership"
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for state changes and policy failures.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPolicyFactory registers a factory for quorums configured with
// PolicyName == name.
func WithPolicyFactory(name string, factory PolicyFactory) Option {
	return func(s *Service) {
		s.factories[name] = factory
	}
}

// Service owns the configured quorums of one runtime instance. The set of
// quorums is fixed at construction.
type Service struct {
	logger    *zap.Logger
	factories map[string]PolicyFactory
	quorums   map[string]*Quorum
	names     []string

	listenersMu  sync.RWMutex
	listeners    map[uint64]func(Event)
	nextListener uint64

	mu          sync.Mutex
	started     bool
	stopped     atomic.Bool
	unsubscribe func()
}

// NewService validates configs and builds one quorum per entry. All
// problems are reported together; each is a *ConfigError.
func NewService(configs []Config, opts ...Option) (*Service, error) {
	s := &Service{
		logger:    zap.NewNop(),
		factories: make(map[string]PolicyFactory),
		quorums:   make(map[string]*Quorum, len(configs)),
		listeners: make(map[uint64]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}

	var errs error
	for _, cfg := range configs {
		if cfg.Name == "" {
			errs = multierr.Append(errs, &ConfigError{Reason: "name cannot be empty"})
			continue
		}
		if _, dup := s.quorums[cfg.Name]; dup {
			errs = multierr.Append(errs, &ConfigError{Quorum: cfg.Name, Reason: "duplicate name"})
			continue
		}
		policy, err := cfg.resolve(s.factories)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		s.quorums[cfg.Name] = newQuorum(cfg, policy, s.notify, s.logger)
		s.names = append(s.names, cfg.Name)
	}
	if errs != nil {
		return nil, errs
	}
	return s, nil
}

// Start binds policies to instance, evaluates every enabled quorum against
// the current membership of source, and then follows source's events.
// When Start returns, every enabled quorum holds a state.
func (s *Service) Start(instance Instance, source membership.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("quorum service already started")
	}
	if s.stopped.Load() {
		return fmt.Errorf("quorum service stopped")
	}
	s.started = true

	// A policy shared by several quorums is bound once.
	bound := make(map[InstanceBinder]bool)
	for _, name := range s.names {
		b, ok := s.quorums[name].policy.(InstanceBinder)
		if !ok {
			continue
		}
		if reflect.TypeOf(b).Comparable() {
			if bound[b] {
				continue
			}
			bound[b] = true
		}
		b.BindInstance(instance)
	}

	// Events that arrive before the lanes start are queued behind the
	// initial evaluation.
	initial, unsubscribe := source.Subscribe(s)
	s.unsubscribe = unsubscribe

	for _, name := range s.names {
		q := s.quorums[name]
		if !q.cfg.Enabled {
			continue
		}
		q.evaluate(initial)
		q.lane.Start()
	}

	s.logger.Info("quorum service started",
		zap.Int("quorums", len(s.names)), zap.Int("members", initial.Len()))
	return nil
}

// Stop detaches from the membership source and stops all lanes.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Swap(true) {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	for _, name := range s.names {
		if q := s.quorums[name]; q.lane != nil {
			q.lane.Stop()
		}
	}
}

// Quorum returns the handle of a configured quorum.
func (s *Service) Quorum(name string) (*Quorum, error) {
	q, ok := s.quorums[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return q, nil
}

// Names returns the configured quorum names in configuration order.
func (s *Service) Names() []string {
	return append([]string(nil), s.names...)
}

// States returns the current state of every quorum, sorted by name.
func (s *Service) States() []State {
	states := make([]State, 0, len(s.names))
	for _, name := range s.names {
		states = append(states, s.quorums[name].State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// AddListener registers fn for quorum state changes. fn runs on the
// evaluating lane and must not block for long.
func (s *Service) AddListener(fn func(Event)) (remove func()) {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Service) notify(ev Event) {
	s.listenersMu.RLock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		s.callListener(fn, ev)
	}
}

func (s *Service) callListener(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("quorum listener panicked", zap.String("quorum", ev.Name), zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// MemberAdded implements membership.Listener.
func (s *Service) MemberAdded(ev membership.Event) {
	s.membershipChanged(ev)
}

// MemberRemoved implements membership.Listener.
func (s *Service) MemberRemoved(ev membership.Event) {
	s.membershipChanged(ev)
}

// MemberAttributeChanged implements membership.Listener. Attribute updates
// do not change who is in the cluster and are ignored.
func (s *Service) MemberAttributeChanged(membership.Event) {}

func (s *Service) membershipChanged(ev membership.Event) {
	if s.stopped.Load() {
		return
	}
	for _, name := range s.names {
		if q := s.quorums[name]; q.lane != nil {
			q.lane.Push(ev.Members)
		}
	}
}
