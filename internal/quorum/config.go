package quorum

import (
	"fmt"
)

// Type selects which operations a quorum guards.
type Type int

const (
	ReadWrite Type = iota
	Read
	Write
)

// String returns the string representation of Type.
func (t Type) String() string {
	switch t {
	case ReadWrite:
		return "READ_WRITE"
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

// ParseType parses READ, WRITE or READ_WRITE (case sensitive). The empty
// string means READ_WRITE.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "READ_WRITE":
		return ReadWrite, nil
	case "READ":
		return Read, nil
	case "WRITE":
		return Write, nil
	default:
		return ReadWrite, fmt.Errorf("unknown quorum type %q", s)
	}
}

// OpKind classifies an operation for the enforcement check.
type OpKind int

const (
	OpRead OpKind = iota + 1
	OpWrite
)

// String returns the string representation of OpKind.
func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return "unknown"
	}
}

// guards reports whether a quorum of type t applies to op.
func (t Type) guards(op OpKind) bool {
	switch t {
	case Read:
		return op == OpRead
	case Write:
		return op == OpWrite
	default:
		return true
	}
}

// Config describes one named quorum. Exactly one of Policy, PolicyName or
// MinimumSize selects the policy, in that order of precedence.
type Config struct {
	Name        string
	Enabled     bool
	Type        Type
	MinimumSize int
	Policy      Policy // pre-built custom policy
	PolicyName  string // custom policy built by a registered factory
}

// resolve returns the policy c refers to.
func (c Config) resolve(factories map[string]PolicyFactory) (Policy, error) {
	switch {
	case c.Policy != nil:
		return c.Policy, nil
	case c.PolicyName != "":
		factory, ok := factories[c.PolicyName]
		if !ok {
			return nil, &ConfigError{Quorum: c.Name, Reason: fmt.Sprintf("unknown policy %q", c.PolicyName)}
		}
		p := factory()
		if p == nil {
			return nil, &ConfigError{Quorum: c.Name, Reason: fmt.Sprintf("policy factory %q returned nil", c.PolicyName)}
		}
		return p, nil
	case c.MinimumSize > 0:
		return SizePolicy{MinimumSize: c.MinimumSize}, nil
	case !c.Enabled:
		// A disabled quorum is never evaluated; any policy will do.
		return SizePolicy{}, nil
	default:
		return nil, &ConfigError{Quorum: c.Name, Reason: "minimum size must be at least 1 when no custom policy is set"}
	}
}
