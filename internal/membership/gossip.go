package membership

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"go.uber.org/zap"
)

// Status represents the liveness of a gossip peer.
type Status int

const (
	Alive Status = iota
	Suspect
	Dead
	// Pending marks a configured seed nobody has heard from yet. Pending
	// peers are pinged but are not members and are never gossiped.
	Pending
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	case Pending:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus converts the output of Status.String back to a Status.
// Unknown values are treated as Alive.
func ParseStatus(s string) Status {
	switch s {
	case "SUSPECT":
		return Suspect
	case "DEAD":
		return Dead
	case "PENDING":
		return Pending
	default:
		return Alive
	}
}

// Peer is the gossip protocol's record of a member.
type Peer struct {
	Member
	Status      Status
	Incarnation uint64
	LastSeen    time.Time
}

func (p *Peer) copy() *Peer {
	return &Peer{
		Member:      p.Member.clone(),
		Status:      p.Status,
		Incarnation: p.Incarnation,
		LastSeen:    p.LastSeen,
	}
}

// PingFunc pings a peer address.
type PingFunc func(ctx context.Context, addr string) error

// GossipFunc pushes the local peer table to addr and returns the remote table.
type GossipFunc func(ctx context.Context, addr string, peers []*Peer) ([]*Peer, error)

// GossipConfig holds protocol timing.
type GossipConfig struct {
	ProbeInterval  time.Duration
	SuspectTimeout time.Duration
	DeadTimeout    time.Duration
}

func (c GossipConfig) withDefaults() GossipConfig {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 1 * time.Second
	}
	if c.SuspectTimeout <= 0 {
		c.SuspectTimeout = 3 * time.Second
	}
	if c.DeadTimeout <= 0 {
		c.DeadTimeout = 10 * time.Second
	}
	return c
}

// Gossip is a SWIM-style membership Source. Only Alive peers are members;
// transitions into and out of Alive are published as MemberAdded and
// MemberRemoved in the order they are applied.
type Gossip struct {
	mu     sync.RWMutex
	local  Member
	peers  map[string]*Peer
	alive  *linkedhashset.Set // alive IDs in the order they became alive
	cfg    GossipConfig
	logger *zap.Logger

	dispatcher *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGossip creates a gossip membership with local as its only alive member.
func NewGossip(local Member, cfg GossipConfig, logger *zap.Logger) *Gossip {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	local = local.clone()

	g := &Gossip{
		local:  local,
		peers:  make(map[string]*Peer),
		alive:  linkedhashset.New(local.ID),
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("node", local.ID)),
		ctx:    ctx,
		cancel: cancel,
	}
	g.peers[local.ID] = &Peer{
		Member:      local,
		Status:      Alive,
		Incarnation: 1,
		LastSeen:    time.Now(),
	}
	g.dispatcher = NewDispatcher(local, NewSnapshot(local), g.logger)
	return g
}

// LocalMember implements Source.
func (g *Gossip) LocalMember() Member {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.peers[g.local.ID].Member.clone()
}

// Members implements Source.
func (g *Gossip) Members() Snapshot {
	return g.dispatcher.Members()
}

// Subscribe implements Source.
func (g *Gossip) Subscribe(l Listener) (Snapshot, func()) {
	return g.dispatcher.Subscribe(l)
}

// Start runs the ping, gossip and timeout loops until Stop.
func (g *Gossip) Start(ping PingFunc, gossip GossipFunc) {
	g.wg.Add(3)

	go g.loop(g.cfg.ProbeInterval, func() { g.pingRandom(ping) })
	// Gossip less frequently than probing.
	go g.loop(g.cfg.ProbeInterval*2, func() { g.gossip(gossip) })
	go g.loop(500*time.Millisecond, g.checkTimeouts)
}

func (g *Gossip) loop(interval time.Duration, fn func()) {
	defer g.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop stops the protocol loops and event delivery.
func (g *Gossip) Stop() {
	g.cancel()
	g.wg.Wait()
	g.dispatcher.Close()
}

// AddSeeds adds seed peers for initial discovery. A seed stays Pending,
// outside the membership, until a ping, a gossip exchange or an incoming
// contact confirms it.
func (g *Gossip) AddSeeds(seeds []Member) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, seed := range seeds {
		if seed.ID == g.local.ID {
			continue
		}
		if _, exists := g.peers[seed.ID]; !exists {
			g.peers[seed.ID] = &Peer{
				Member:   seed.clone(),
				Status:   Pending,
				LastSeen: time.Now(),
			}
		}
	}
}

// SetLocalAttribute updates an attribute of the local member and bumps its
// incarnation so the change wins when gossiped.
func (g *Gossip) SetLocalAttribute(key, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	self := g.peers[g.local.ID]
	if self.Attributes == nil {
		self.Attributes = make(map[string]string)
	}
	self.Attributes[key] = value
	self.Incarnation++
	g.publishAttributeLocked(self, key, value)
}

// pingRandom pings one random peer to detect failures.
func (g *Gossip) pingRandom(ping PingFunc) {
	g.mu.RLock()
	candidates := make([]*Peer, 0, len(g.peers))
	for _, p := range g.peers {
		if p.ID != g.local.ID && (p.Status == Alive || p.Status == Pending) {
			candidates = append(candidates, p.copy())
		}
	}
	g.mu.RUnlock()

	if len(candidates) == 0 {
		return
	}
	target := candidates[rand.Intn(len(candidates))]

	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.ProbeInterval)
	defer cancel()
	err := ping(ctx, target.Addr)

	g.mu.Lock()
	defer g.mu.Unlock()

	p, exists := g.peers[target.ID]
	if !exists {
		return
	}
	if err == nil {
		p.Status = Alive
		p.LastSeen = time.Now()
	} else if p.Status == Alive {
		p.Incarnation++
		p.Status = Suspect
		p.LastSeen = time.Now()
		g.logger.Warn("marked peer suspect", zap.String("peer", p.ID), zap.Error(err))
	}
	g.publishAliveChangesLocked()
}

// gossip exchanges the peer table with a random alive or pending peer.
// A successful exchange confirms the target.
func (g *Gossip) gossip(gossip GossipFunc) {
	table := g.Table()

	var targets []*Peer
	g.mu.RLock()
	for _, p := range g.peers {
		if p.ID != g.local.ID && (p.Status == Alive || p.Status == Pending) {
			targets = append(targets, p.copy())
		}
	}
	g.mu.RUnlock()
	if len(targets) == 0 {
		return
	}
	target := targets[rand.Intn(len(targets))]

	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.ProbeInterval)
	defer cancel()

	remote, err := gossip(ctx, target.Addr, table)
	if err != nil {
		g.logger.Debug("gossip failed", zap.String("peer", target.ID), zap.Error(err))
		return
	}
	g.Merge(remote)
	g.MarkAlive(target.ID)
}

// checkTimeouts promotes stale Suspect peers to Dead and forgets peers
// that stayed Dead past the dead timeout.
func (g *Gossip) checkTimeouts() {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for id, p := range g.peers {
		if id == g.local.ID {
			continue
		}
		elapsed := now.Sub(p.LastSeen)
		switch {
		case p.Status == Suspect && elapsed > g.cfg.SuspectTimeout:
			p.Incarnation++
			p.Status = Dead
			p.LastSeen = now
			g.logger.Warn("marked peer dead", zap.String("peer", id))
		case p.Status == Dead && elapsed > g.cfg.DeadTimeout:
			delete(g.peers, id)
			g.logger.Info("forgot dead peer", zap.String("peer", id))
		}
	}
	g.publishAliveChangesLocked()
}

// Merge applies a remote peer table: unknown peers are added, higher
// incarnations win, and equal incarnations prefer Alive > Suspect > Dead.
func (g *Gossip) Merge(remote []*Peer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, r := range remote {
		if r.ID == g.local.ID {
			continue
		}

		local, exists := g.peers[r.ID]
		if !exists && r.Status == Pending {
			continue
		}
		if !exists {
			g.peers[r.ID] = &Peer{
				Member:      r.Member.clone(),
				Status:      r.Status,
				Incarnation: r.Incarnation,
				LastSeen:    time.Now(),
			}
			g.logger.Info("discovered peer", zap.String("peer", r.ID), zap.Stringer("status", r.Status))
			continue
		}

		switch {
		case r.Incarnation > local.Incarnation:
			wasAlive := local.Status == Alive
			changed := changedAttributes(local.Attributes, r.Attributes)
			local.Addr = r.Addr
			local.Attributes = r.Member.clone().Attributes
			local.Status = r.Status
			local.Incarnation = r.Incarnation
			local.LastSeen = time.Now()
			if wasAlive && local.Status == Alive {
				for _, key := range changed {
					g.publishAttributeLocked(local, key, local.Attributes[key])
				}
			}
		case r.Incarnation == local.Incarnation && preferStatus(local.Status, r.Status):
			local.Status = r.Status
			local.LastSeen = time.Now()
		}
	}
	g.publishAliveChangesLocked()
}

// MarkAlive records a successful contact from id.
func (g *Gossip) MarkAlive(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, exists := g.peers[id]
	if !exists {
		return
	}
	p.LastSeen = time.Now()
	if p.Status != Alive {
		p.Status = Alive
		g.logger.Info("marked peer alive", zap.String("peer", id))
		g.publishAliveChangesLocked()
	}
}

// Table returns a copy of the peer table, including Suspect and Dead peers
// but not unconfirmed seeds.
func (g *Gossip) Table() []*Peer {
	g.mu.RLock()
	defer g.mu.RUnlock()

	table := make([]*Peer, 0, len(g.peers))
	for _, p := range g.peers {
		if p.Status != Pending {
			table = append(table, p.copy())
		}
	}
	return table
}

// preferStatus reports whether remote should replace local when
// incarnations are equal.
func preferStatus(local, remote Status) bool {
	if remote == Alive && local != Alive {
		return true
	}
	return remote == Suspect && local == Dead
}

func changedAttributes(before, after map[string]string) []string {
	var keys []string
	for k, v := range after {
		if old, ok := before[k]; !ok || old != v {
			keys = append(keys, k)
		}
	}
	return keys
}

// publishAliveChangesLocked diffs the alive set against the peer table and
// publishes removals followed by additions (must be called with lock held).
func (g *Gossip) publishAliveChangesLocked() {
	var removed []string
	for _, v := range g.alive.Values() {
		id := v.(string)
		if p, ok := g.peers[id]; !ok || p.Status != Alive {
			removed = append(removed, id)
		}
	}

	for _, id := range removed {
		g.alive.Remove(id)
		m := Member{ID: id}
		if p, ok := g.peers[id]; ok {
			m = p.Member.clone()
		}
		g.dispatcher.Publish(Event{Type: MemberRemoved, Member: m, Members: g.snapshotLocked()})
	}

	for id, p := range g.peers {
		if p.Status != Alive || g.alive.Contains(id) {
			continue
		}
		g.alive.Add(id)
		g.dispatcher.Publish(Event{Type: MemberAdded, Member: p.Member.clone(), Members: g.snapshotLocked()})
	}
}

func (g *Gossip) publishAttributeLocked(p *Peer, key, value string) {
	g.dispatcher.Publish(Event{
		Type:    MemberAttributeChanged,
		Member:  p.Member.clone(),
		Key:     key,
		Value:   value,
		Members: g.snapshotLocked(),
	})
}

// snapshotLocked returns alive members in the order they became alive.
func (g *Gossip) snapshotLocked() Snapshot {
	members := make([]Member, 0, g.alive.Size())
	for _, v := range g.alive.Values() {
		if p, ok := g.peers[v.(string)]; ok {
			members = append(members, p.Member)
		}
	}
	return NewSnapshot(members...)
}
