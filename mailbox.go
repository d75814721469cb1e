package mqterm

import "sync"

// mailbox is an unbounded FIFO drained into a channel by its own goroutine,
// so producers never block on a slow consumer.
type mailbox[T any] struct {
	mu      sync.Mutex
	items   []T
	closed  bool
	stopped bool

	notify chan struct{}
	stop   chan struct{}
	out    chan T
}

func newMailbox[T any]() *mailbox[T] {
	m := &mailbox[T]{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan T),
	}
	go m.pump()
	return m
}

// put enqueues v and reports false once the mailbox is closed.
func (m *mailbox[T]) put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// close discards undelivered items and closes the output channel.
func (m *mailbox[T]) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.closed = true
	m.items = nil
	close(m.stop)
}

// finish stops accepting items and closes the output channel once the
// queued ones have been consumed.
func (m *mailbox[T]) finish() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) pump() {
	defer close(m.out)

	for {
		select {
		case <-m.notify:
		case <-m.stop:
			return
		}

		for {
			m.mu.Lock()
			if len(m.items) == 0 {
				closed := m.closed
				m.mu.Unlock()
				if closed {
					return
				}
				break
			}
			v := m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()

			select {
			case m.out <- v:
			case <-m.stop:
				return
			}
		}
	}
}

func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
