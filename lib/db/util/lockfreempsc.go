package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node is one element of the queue's linked list
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is an unbounded multi-producer single-consumer queue. Producers append to
// a linked list with CAS, a single internal goroutine moves the items to the channel
// returned by Recv.
//
// Push never blocks on the consumer, which lets the off-heap engine publish change events
// while it holds a segment lock. Items of a single producer are delivered in order, items
// of concurrent producers in the order their appends succeeded.
type LockFreeMPSC[T any] struct {
	head    atomic.Pointer[node[T]]
	tail    atomic.Pointer[node[T]]
	pending atomic.Int64
	out     chan *T

	closed atomic.Bool
	abort  chan struct{}
	once   sync.Once

	mu   sync.Mutex
	cond *sync.Cond
}

// NewLockFreeMPSC creates a queue and starts its delivery goroutine
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &node[T]{}
	q := &LockFreeMPSC[T]{
		out:   make(chan *T),
		abort: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.deliver()
	return q
}

// Push appends value. It returns false for nil values and once the queue is closed.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	// counted before the node is published, so Len never goes negative
	q.pending.Add(1)
	var spins uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next != nil {
			// another producer appended but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		} else if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)

			// signal under the mutex, a signal between the consumer's
			// emptiness check and its Wait would be lost otherwise
			q.mu.Lock()
			q.cond.Signal()
			q.mu.Unlock()
			return true
		}

		// exponential backoff under contention
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// deliver moves items from the list to the out channel until the queue is closed and
// drained, or aborted.
func (q *LockFreeMPSC[T]) deliver() {
	defer close(q.out)

	for {
		head := q.head.Load()
		next := head.next.Load()

		if next == nil {
			if q.closed.Load() {
				return
			}
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
			continue
		}

		value := next.value
		next.value = nil
		q.head.Store(next)
		// uncounted before the hand over, a received item is never part of Len
		q.pending.Add(-1)
		select {
		case q.out <- value:
		case <-q.abort:
			return
		}
	}
}

// Recv returns the channel items are delivered on. It is closed after Close once all
// items were received, or right after CloseNow.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close rejects further pushes. Queued items are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// CloseNow rejects further pushes and discards undelivered items. The delivery goroutine
// exits even if nobody receives anymore.
func (q *LockFreeMPSC[T]) CloseNow() {
	q.once.Do(func() { close(q.abort) })
	q.Close()
}

// IsClosed returns true if the queue is closed
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of queued items. The item currently offered on the Recv
// channel is not counted.
func (q *LockFreeMPSC[T]) Len() int {
	return int(q.pending.Load())
}
