package ring

import (
	"fmt"
	"hash/fnv"
	"sort"

	"gridkv/internal/membership"
)

// DefaultVNodes is the number of virtual nodes per member when none is given.
const DefaultVNodes = 128

// vnode represents a virtual node on the ring.
type vnode struct {
	hash     uint32
	memberID string
}

// Ring maps keys to members. It is immutable and safe for concurrent use.
type Ring struct {
	vnodes  []vnode
	members membership.Snapshot
}

// New builds a ring over members with vnodesPerMember virtual nodes each.
// The same members always produce the same ring, regardless of order.
func New(vnodesPerMember int, members membership.Snapshot) *Ring {
	if vnodesPerMember <= 0 {
		vnodesPerMember = DefaultVNodes
	}

	r := &Ring{
		vnodes:  make([]vnode, 0, members.Len()*vnodesPerMember),
		members: members,
	}
	for _, id := range members.IDs() {
		for i := 0; i < vnodesPerMember; i++ {
			r.vnodes = append(r.vnodes, vnode{
				hash:     hashString(fmt.Sprintf("%s-vnode-%d", id, i)),
				memberID: id,
			})
		}
	}

	// Sort vnodes by hash for binary search; ties broken by ID for determinism.
	sort.Slice(r.vnodes, func(i, j int) bool {
		if r.vnodes[i].hash != r.vnodes[j].hash {
			return r.vnodes[i].hash < r.vnodes[j].hash
		}
		return r.vnodes[i].memberID < r.vnodes[j].memberID
	})
	return r
}

// Members returns the snapshot the ring was built from.
func (r *Ring) Members() membership.Snapshot {
	return r.members
}

// Owner returns the member responsible for key.
// Returns false if the ring is empty.
func (r *Ring) Owner(key string) (membership.Member, bool) {
	owners := r.Owners(key, 1)
	if len(owners) == 0 {
		return membership.Member{}, false
	}
	return owners[0], true
}

// Owners returns up to n distinct members for key: the owner first, then
// the members that follow it clockwise.
func (r *Ring) Owners(key string, n int) []membership.Member {
	if len(r.vnodes) == 0 || n <= 0 {
		return nil
	}

	keyHash := hashString(key)
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].hash >= keyHash
	})

	seen := make(map[string]bool)
	result := make([]membership.Member, 0, n)
	for i := 0; i < len(r.vnodes) && len(result) < n; i++ {
		id := r.vnodes[(idx+i)%len(r.vnodes)].memberID
		if seen[id] {
			continue
		}
		seen[id] = true
		if m, ok := r.members.Get(id); ok {
			result = append(result, m)
		}
	}
	return result
}

// hashString computes a 32-bit FNV-1a hash of the string.
func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
