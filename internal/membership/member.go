package membership

import "strings"

// Member is a cluster member identity plus its attributes.
type Member struct {
	ID         string
	Addr       string
	Attributes map[string]string
}

// Attribute returns the value of an attribute and whether it is set.
func (m Member) Attribute(key string) (string, bool) {
	v, ok := m.Attributes[key]
	return v, ok
}

// clone returns a copy whose attribute map is not shared with m.
func (m Member) clone() Member {
	out := Member{ID: m.ID, Addr: m.Addr}
	if len(m.Attributes) > 0 {
		out.Attributes = make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Snapshot is an immutable, ordered view of cluster members.
// Order is the order in which members joined.
type Snapshot struct {
	members []Member
}

// NewSnapshot copies members into a new snapshot.
func NewSnapshot(members ...Member) Snapshot {
	if len(members) == 0 {
		return Snapshot{}
	}
	out := make([]Member, len(members))
	for i, m := range members {
		out[i] = m.clone()
	}
	return Snapshot{members: out}
}

// Len returns the number of members.
func (s Snapshot) Len() int {
	return len(s.members)
}

// At returns the i-th member in join order.
func (s Snapshot) At(i int) Member {
	return s.members[i].clone()
}

// Members returns a copy of the members in join order.
func (s Snapshot) Members() []Member {
	out := make([]Member, len(s.members))
	for i, m := range s.members {
		out[i] = m.clone()
	}
	return out
}

// IDs returns member IDs in join order.
func (s Snapshot) IDs() []string {
	ids := make([]string, len(s.members))
	for i, m := range s.members {
		ids[i] = m.ID
	}
	return ids
}

// Contains reports whether a member with the given ID is in the snapshot.
func (s Snapshot) Contains(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Get returns the member with the given ID.
func (s Snapshot) Get(id string) (Member, bool) {
	for _, m := range s.members {
		if m.ID == id {
			return m.clone(), true
		}
	}
	return Member{}, false
}

func (s Snapshot) String() string {
	return "[" + strings.Join(s.IDs(), " ") + "]"
}
