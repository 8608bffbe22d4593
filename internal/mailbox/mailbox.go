// Package mailbox provides an unbounded FIFO drained by one goroutine.
// Push never blocks, and items are handled one at a time in push order.
package mailbox

import (
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// Mailbox queues items for a single handler goroutine.
type Mailbox[T any] struct {
	handle func(T)

	mu      sync.Mutex
	queue   *linkedlistqueue.Queue
	started bool
	stopped bool

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a stopped mailbox. Items pushed before Start are kept.
func New[T any](handle func(T)) *Mailbox[T] {
	return &Mailbox[T]{
		handle: handle,
		queue:  linkedlistqueue.New(),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Push queues v.
func (m *Mailbox[T]) Push(v T) {
	m.mu.Lock()
	m.queue.Enqueue(v)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Size()
}

// Start launches the handler goroutine. Later calls do nothing.
func (m *Mailbox[T]) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	// Items queued before Start still need a wake-up.
	select {
	case m.wake <- struct{}{}:
	default:
	}
	go m.run()
}

func (m *Mailbox[T]) run() {
	defer close(m.done)

	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		}

		for {
			v, ok := m.next()
			if !ok {
				break
			}
			m.handle(v)

			select {
			case <-m.quit:
				return
			default:
			}
		}
	}
}

func (m *Mailbox[T]) next() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.queue.Dequeue()
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Stop ends the handler after the item in progress, if any, and drops the
// rest. It is safe to call more than once and must not be called from the
// handler.
func (m *Mailbox[T]) Stop() {
	m.stopOnce.Do(func() { close(m.quit) })

	m.mu.Lock()
	started := m.started
	m.stopped = true
	m.mu.Unlock()

	if started {
		<-m.done
	}
}
