package cio

import "sync"

// mailbox is an unbounded FIFO queue. Push never blocks; the consumer waits on
// Ready and takes everything queued with Drain.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{ready: make(chan struct{}, 1)}
}

// Push queues v. It reports false once the mailbox is closed.
func (b *mailbox[T]) Push(v T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.items = append(b.items, v)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}

	return true
}

func (b *mailbox[T]) Ready() <-chan struct{} {
	return b.ready
}

func (b *mailbox[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.items
	b.items = nil
	return items
}

func (b *mailbox[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *mailbox[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.items = nil
}
