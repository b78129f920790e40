// This file implements a Lock-Free MPSC Ring Buffer (Disruptor pattern)
// with cache-line padding to prevent false sharing between producer/
// consumer. internal/sim.RequestQueue is built directly on top of it: its
// Drain matches the "swap the entire queue to a local vector once per
// tick" consumer pattern spec §4.D and §5 require.
//
// Origin: LMAX Disruptor (2011), Vyukov MPSC queue.
package spatial

import (
	"runtime"
	"sync/atomic"
)

// CacheLineSize is the typical CPU cache line size (64 bytes on x86-64).
const CacheLineSize = 64

// Padding prevents adjacent fields from sharing a cache line.
type Padding [CacheLineSize]byte

// LockFreeQueue is a high-performance MPSC ring buffer: any number of
// producers may TryPush concurrently; exactly one consumer may TryPop/Drain.
type LockFreeQueue[T any] struct {
	_pad0 Padding

	head  uint64 // write position (producers), own cache line
	_pad1 Padding

	tail  uint64 // read position (consumer), own cache line
	_pad2 Padding

	mask uint64 // capacity-1, capacity is a power of 2
	data []T
}

// NewLockFreeQueue builds a queue with capacity rounded up to the next
// power of 2.
func NewLockFreeQueue[T any](capacity int) *LockFreeQueue[T] {
	c := 1
	for c < capacity {
		c <<= 1
	}
	return &LockFreeQueue[T]{
		mask: uint64(c - 1),
		data: make([]T, c),
	}
}

// TryPush attempts to enqueue item, returning false if the queue is full.
// Safe for any number of concurrent producers.
func (q *LockFreeQueue[T]) TryPush(item T) bool {
	for {
		head := atomic.LoadUint64(&q.head)
		tail := atomic.LoadUint64(&q.tail)

		if head-tail > q.mask {
			return false
		}

		if atomic.CompareAndSwapUint64(&q.head, head, head+1) {
			q.data[head&q.mask] = item
			return true
		}
		runtime.Gosched()
	}
}

// TryPop removes one item. Must only be called by the single consumer.
func (q *LockFreeQueue[T]) TryPop() (T, bool) {
	var zero T

	tail := atomic.LoadUint64(&q.tail)
	head := atomic.LoadUint64(&q.head)
	if tail >= head {
		return zero, false
	}

	item := q.data[tail&q.mask]
	atomic.StoreUint64(&q.tail, tail+1)
	return item, true
}

// Len returns an approximate item count; may be stale immediately.
func (q *LockFreeQueue[T]) Len() int {
	head := atomic.LoadUint64(&q.head)
	tail := atomic.LoadUint64(&q.tail)
	if head < tail {
		return 0
	}
	return int(head - tail)
}

// Cap returns the queue's fixed capacity.
func (q *LockFreeQueue[T]) Cap() int { return int(q.mask + 1) }

// Drain pops every currently-available item (up to maxItems) into a
// freshly allocated slice, in FIFO order. This is the "swap the entire
// queue to a local vector once per tick" operation: the lock-equivalent
// (the CAS loop in TryPush) is never held by the consumer.
func (q *LockFreeQueue[T]) Drain(maxItems int) []T {
	result := make([]T, 0, maxItems)
	for len(result) < maxItems {
		item, ok := q.TryPop()
		if !ok {
			break
		}
		result = append(result, item)
	}
	return result
}
