package membership

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"go.uber.org/zap"
)

// Hub is an in-process cluster. Each joined member gets its own view of
// the cluster (a HubMember, which is a Source). Views normally agree, but
// Partition splits them so that each side only sees its own group, which
// is how split-brain scenarios are reproduced without a network.
type Hub struct {
	mu      sync.Mutex
	order   *linkedhashset.Set // member IDs in join order
	members map[string]Member
	groups  map[string]int
	views   map[string]*HubMember
	logger  *zap.Logger
}

// NewHub creates an empty in-process cluster.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		order:   linkedhashset.New(),
		members: make(map[string]Member),
		groups:  make(map[string]int),
		views:   make(map[string]*HubMember),
		logger:  logger,
	}
}

// HubMember is one member's view of a Hub.
type HubMember struct {
	hub        *Hub
	id         string
	visible    map[string]bool
	dispatcher *Dispatcher
}

// Join adds m to the cluster. Every member that can reach m observes a
// MemberAdded event.
func (h *Hub) Join(m Member) (*HubMember, error) {
	if m.ID == "" {
		return nil, fmt.Errorf("member ID cannot be empty")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.members[m.ID]; exists {
		return nil, fmt.Errorf("member %s already joined", m.ID)
	}

	m = m.clone()
	h.members[m.ID] = m
	h.order.Add(m.ID)
	h.groups[m.ID] = 0

	for _, v := range h.viewsInOrder() {
		if !h.reachable(v.id, m.ID) {
			continue
		}
		v.visible[m.ID] = true
		v.dispatcher.Publish(Event{Type: MemberAdded, Member: m.clone(), Members: h.snapshotFor(v)})
	}

	view := &HubMember{hub: h, id: m.ID, visible: make(map[string]bool)}
	for _, id := range h.ids() {
		if h.reachable(m.ID, id) {
			view.visible[id] = true
		}
	}
	view.dispatcher = NewDispatcher(m, h.snapshotFor(view), h.logger.With(zap.String("member", m.ID)))
	h.views[m.ID] = view

	h.logger.Info("member joined", zap.String("member", m.ID), zap.Int("size", h.order.Size()))
	return view, nil
}

// Leave removes a member. Its own view stops delivering events and every
// member that could see it observes a MemberRemoved event.
func (h *Hub) Leave(id string) error {
	h.mu.Lock()
	view, exists := h.views[id]
	if !exists {
		h.mu.Unlock()
		return fmt.Errorf("member %s not found", id)
	}
	m := h.members[id]

	delete(h.views, id)
	delete(h.members, id)
	delete(h.groups, id)
	h.order.Remove(id)
	h.leaveLocked(id, m)
	h.mu.Unlock()

	// Closing waits for in-flight deliveries, so it happens outside h.mu.
	view.dispatcher.Close()
	return nil
}

func (h *Hub) leaveLocked(id string, m Member) {
	for _, v := range h.viewsInOrder() {
		if !v.visible[id] {
			continue
		}
		delete(v.visible, id)
		v.dispatcher.Publish(Event{Type: MemberRemoved, Member: m.clone(), Members: h.snapshotFor(v)})
	}

	h.logger.Info("member left", zap.String("member", id), zap.Int("size", h.order.Size()))
}

// SetAttribute updates an attribute of a member. Members that can see it
// observe a MemberAttributeChanged event.
func (h *Hub) SetAttribute(id, key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, exists := h.members[id]
	if !exists {
		return fmt.Errorf("member %s not found", id)
	}
	m = m.clone()
	if m.Attributes == nil {
		m.Attributes = make(map[string]string)
	}
	m.Attributes[key] = value
	h.members[id] = m

	for _, v := range h.viewsInOrder() {
		if !v.visible[id] {
			continue
		}
		v.dispatcher.Publish(Event{
			Type:    MemberAttributeChanged,
			Member:  m.clone(),
			Key:     key,
			Value:   value,
			Members: h.snapshotFor(v),
		})
	}
	return nil
}

// Partition splits the cluster into the given groups. Members not listed
// form one more group together. Each view observes removals for members
// it can no longer reach, then additions for members it can reach again.
func (h *Hub) Partition(groups ...[]string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id := range h.groups {
		h.groups[id] = 0
	}
	for i, group := range groups {
		for _, id := range group {
			if _, exists := h.groups[id]; exists {
				h.groups[id] = i + 1
			}
		}
	}
	h.reconcile()
	h.logger.Info("cluster partitioned", zap.Int("groups", len(groups)))
}

// Heal merges all partitions back into one group.
func (h *Hub) Heal() {
	h.Partition()
}

// Members returns every joined member regardless of partitions.
func (h *Hub) Members() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := make([]Member, 0, h.order.Size())
	for _, id := range h.ids() {
		members = append(members, h.members[id])
	}
	return NewSnapshot(members...)
}

// reconcile brings every view's visible set in line with the current
// groups. Must be called with h.mu held.
func (h *Hub) reconcile() {
	for _, v := range h.viewsInOrder() {
		var removed, added []string
		for _, id := range h.ids() {
			want := h.reachable(v.id, id)
			switch {
			case v.visible[id] && !want:
				removed = append(removed, id)
			case !v.visible[id] && want:
				added = append(added, id)
			}
		}

		for _, id := range removed {
			delete(v.visible, id)
			v.dispatcher.Publish(Event{Type: MemberRemoved, Member: h.members[id].clone(), Members: h.snapshotFor(v)})
		}
		for _, id := range added {
			v.visible[id] = true
			v.dispatcher.Publish(Event{Type: MemberAdded, Member: h.members[id].clone(), Members: h.snapshotFor(v)})
		}
	}
}

func (h *Hub) reachable(from, to string) bool {
	return h.groups[from] == h.groups[to]
}

// ids returns member IDs in join order (must be called with lock held).
func (h *Hub) ids() []string {
	values := h.order.Values()
	ids := make([]string, 0, len(values))
	for _, v := range values {
		ids = append(ids, v.(string))
	}
	return ids
}

// viewsInOrder returns views in member join order (must be called with lock held).
func (h *Hub) viewsInOrder() []*HubMember {
	views := make([]*HubMember, 0, len(h.views))
	for _, id := range h.ids() {
		if v, ok := h.views[id]; ok {
			views = append(views, v)
		}
	}
	return views
}

// snapshotFor builds the membership as seen by v (must be called with lock held).
func (h *Hub) snapshotFor(v *HubMember) Snapshot {
	members := make([]Member, 0, len(v.visible))
	for _, id := range h.ids() {
		if v.visible[id] {
			members = append(members, h.members[id])
		}
	}
	return NewSnapshot(members...)
}

// ID returns the member ID this view belongs to.
func (v *HubMember) ID() string {
	return v.id
}

// LocalMember implements Source.
func (v *HubMember) LocalMember() Member {
	return v.dispatcher.LocalMember()
}

// Members implements Source.
func (v *HubMember) Members() Snapshot {
	return v.dispatcher.Members()
}

// Subscribe implements Source.
func (v *HubMember) Subscribe(l Listener) (Snapshot, func()) {
	return v.dispatcher.Subscribe(l)
}

// SetAttribute updates an attribute of this member.
func (v *HubMember) SetAttribute(key, value string) error {
	return v.hub.SetAttribute(v.id, key, value)
}

// Leave removes this member from the hub.
func (v *HubMember) Leave() error {
	return v.hub.Leave(v.id)
}
