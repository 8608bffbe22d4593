// Package membership delivers cluster membership as an ordered stream of
// events. Consumers subscribe to a Source and receive MemberAdded,
// MemberRemoved and MemberAttributeChanged events, each carrying the
// immutable member snapshot as it stood right after the change.
//
// Two sources are provided:
//   - Hub, an in-process cluster where every joined member gets its own
//     view (used by tests and single-process deployments, and able to
//     simulate network partitions)
//   - Gossip, a simplified SWIM-style protocol with ping/gossip loops whose
//     transport is injected by the caller
package membership
