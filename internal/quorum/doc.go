// Package quorum implements split-brain protection. A Service owns a fixed
// set of named quorums, each bound to a Policy that decides from a member
// snapshot whether the cluster is healthy enough to accept operations.
// Membership changes are re-evaluated on one serialized lane per quorum and
// the result is published by atomic replacement, so the enforcement check
// performed by every quorum-bound operation is a single lock-free load.
package quorum
