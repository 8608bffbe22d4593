package quorum

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gridkv/internal/mailbox"
	"gridkv/internal/membership"
)

// State is the cached result of the last evaluation of a quorum.
// A State is never mutated once published.
type State struct {
	Name        string
	Present     bool
	Members     membership.Snapshot // snapshot the result was computed from
	EvaluatedAt time.Time           // zero until the first evaluation
}

// Event announces that a quorum changed between present and absent.
type Event struct {
	Name      string
	Present   bool
	Members   membership.Snapshot
	Timestamp time.Time
}

// Quorum is the handle of one configured quorum.
type Quorum struct {
	cfg         Config
	policy      Policy
	description string
	state       atomic.Pointer[State]
	lane        *mailbox.Mailbox[membership.Snapshot]
	notify      func(Event)
	logger      *zap.Logger
}

func newQuorum(cfg Config, policy Policy, notify func(Event), logger *zap.Logger) *Quorum {
	q := &Quorum{
		cfg:         cfg,
		policy:      policy,
		description: describe(policy),
		notify:      notify,
		logger:      logger.With(zap.String("quorum", cfg.Name)),
	}
	if cfg.Enabled {
		q.lane = mailbox.New(q.evaluate)
	}
	return q
}

// Name returns the quorum name.
func (q *Quorum) Name() string {
	return q.cfg.Name
}

// Enabled reports whether the quorum is enforced.
func (q *Quorum) Enabled() bool {
	return q.cfg.Enabled
}

// Type returns which operations the quorum guards.
func (q *Quorum) Type() Type {
	return q.cfg.Type
}

// Description describes the policy, e.g. "minimum cluster size 3".
func (q *Quorum) Description() string {
	return q.description
}

// IsPresent reports whether the quorum is currently satisfied. Disabled
// quorums are always present; enabled ones are absent until their first
// evaluation completes.
func (q *Quorum) IsPresent() bool {
	if !q.cfg.Enabled {
		return true
	}
	st := q.state.Load()
	return st != nil && st.Present
}

// State returns the last published state.
func (q *Quorum) State() State {
	if !q.cfg.Enabled {
		return State{Name: q.cfg.Name, Present: true}
	}
	if st := q.state.Load(); st != nil {
		return *st
	}
	return State{Name: q.cfg.Name}
}

// check is the enforcement gate for one operation.
func (q *Quorum) check(op OpKind) error {
	if !q.cfg.Enabled || !q.cfg.Type.guards(op) {
		return nil
	}
	if st := q.state.Load(); st != nil && st.Present {
		return nil
	}
	return &QuorumError{Name: q.cfg.Name, Description: q.description, Op: op}
}

// evaluate runs the policy against members and publishes the result.
// It is only ever called from the quorum's lane, or before the lane starts.
func (q *Quorum) evaluate(members membership.Snapshot) {
	present, err := q.apply(members)
	if err != nil {
		q.logger.Warn("quorum policy failed, keeping previous state",
			zap.Int("members", members.Len()), zap.Error(err))
		return
	}

	prev := q.state.Load()
	next := &State{
		Name:        q.cfg.Name,
		Present:     present,
		Members:     members,
		EvaluatedAt: time.Now(),
	}
	q.state.Store(next)

	wasPresent := prev != nil && prev.Present
	if present == wasPresent {
		return
	}
	q.logger.Info("quorum state changed",
		zap.Bool("present", present), zap.Stringer("members", members))
	q.notify(Event{
		Name:      q.cfg.Name,
		Present:   present,
		Members:   members,
		Timestamp: next.EvaluatedAt,
	})
}

func (q *Quorum) apply(members membership.Snapshot) (present bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PolicyEvaluationError{Name: q.cfg.Name, Cause: r}
		}
	}()
	return q.policy.Evaluate(members), nil
}
