package quorum

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig matches every *ConfigError.
	ErrConfig = errors.New("invalid quorum configuration")
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("quorum not found")
	// ErrQuorumNotPresent matches every *QuorumError.
	ErrQuorumNotPresent = errors.New("quorum not present")
)

// ConfigError reports a configuration problem detected at startup.
type ConfigError struct {
	Quorum string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Quorum == "" {
		return fmt.Sprintf("quorum config: %s", e.Reason)
	}
	return fmt.Sprintf("quorum config %q: %s", e.Quorum, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// NotFoundError is returned when a quorum name is not configured.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("quorum %q is not configured", e.Name)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// QuorumError is returned by the enforcement check when the quorum guarding
// an operation is not satisfied. The rejected operation had no effect.
type QuorumError struct {
	Name        string
	Description string
	Op          OpKind
	Present     bool
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("split-brain protection: quorum %q (%s) is not present, %s rejected",
		e.Name, e.Description, e.Op)
}

func (e *QuorumError) Unwrap() error { return ErrQuorumNotPresent }

// PolicyEvaluationError records a policy that panicked. It is logged by
// the evaluator and never returned to callers.
type PolicyEvaluationError struct {
	Name  string
	Cause interface{}
}

func (e *PolicyEvaluationError) Error() string {
	return fmt.Sprintf("quorum %q: policy evaluation failed: %v", e.Name, e.Cause)
}
