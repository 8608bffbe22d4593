package membership

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"gridkv/internal/mailbox"
)

// Dispatcher fans membership events out to subscribers. Publish never
// blocks: each subscriber owns a FIFO queue drained by its own goroutine,
// so a slow listener only delays itself.
type Dispatcher struct {
	mu      sync.Mutex
	local   Member
	members Snapshot
	subs    map[uint64]*mailbox.Mailbox[Event]
	nextID  uint64
	closed  bool
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher observing from local with an initial
// membership.
func NewDispatcher(local Member, initial Snapshot, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		local:   local.clone(),
		members: initial,
		subs:    make(map[uint64]*mailbox.Mailbox[Event]),
		logger:  logger,
	}
}

// LocalMember returns the member this dispatcher observes from.
func (d *Dispatcher) LocalMember() Member {
	return d.local.clone()
}

// Members returns the last published membership.
func (d *Dispatcher) Members() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.members
}

// Subscribe registers l. The returned snapshot and the events that follow
// it are consistent: no event is lost or seen twice between them.
func (d *Dispatcher) Subscribe(l Listener) (Snapshot, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return d.members, func() {}
	}

	id := d.nextID
	d.nextID++
	logger := d.logger
	sub := mailbox.New(func(ev Event) { deliver(logger, l, ev) })
	d.subs[id] = sub
	sub.Start()

	var once sync.Once
	return d.members, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			sub.Stop()
		})
	}
}

// Publish records ev.Members as the current membership and queues ev for
// every subscriber.
func (d *Dispatcher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.members = ev.Members
	for _, sub := range d.subs {
		sub.Push(ev)
	}
}

// Close stops every subscriber. Events still queued are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := d.subs
	d.subs = make(map[uint64]*mailbox.Mailbox[Event])
	d.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
}
