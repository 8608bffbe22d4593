// Package ring implements a consistent hashing ring with virtual nodes.
// A Ring is built from one membership snapshot and never changes; callers
// build a new ring when membership changes and swap it in.
package ring
