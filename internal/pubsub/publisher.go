// Package pubsub implements the lock-free single-writer/single-reader
// triple buffer that hands state across the back-end/front-end boundary.
//
// Grounded on the teacher's SnapshotPool (internal/game/game_snapshot.go):
// three pre-allocated T slots and atomic index bookkeeping to avoid GC
// pressure on the hot path. SnapshotPool tracks only a write index and a
// read index, so a reader can observe a slot the writer is mid-mutating if
// it wraps around before three full writes land; Publisher instead tracks
// the three roles (writing/most-recent/locked) explicitly and promotes
// between them with a single CAS, so the writer can provably never touch
// the slot the reader is locked onto.
package pubsub

import "sync/atomic"

const (
	dirtyBit  = uint32(1 << 2)
	indexMask = uint32(0x3)
)

// Publisher is a lock-free triple buffer for a container type T. At any
// moment there are three roles: writing (owned by the sole writer),
// most-recent (the last value PostNewValue promoted), and locked (owned
// by the sole reader since its last LockNewValue). Safe for exactly one
// writer goroutine and exactly one reader goroutine used concurrently;
// multiple readers or multiple writers must serialize externally.
type Publisher[T any] struct {
	slots [3]T

	// state packs the most-recent slot index (bits 0-1) and a dirty flag
	// (bit 2) marking that PostNewValue has run since the last
	// LockNewValue. This is the single atomic word the writer and reader
	// communicate through; `writing` and `locked` are each touched by
	// exactly one goroutine and need no synchronization.
	state atomic.Uint32

	writing int32
	locked  int32
}

// NewPublisher builds a Publisher with three slots produced by init, so
// callers needing pre-sized capacity (e.g. a unit-state slice) can give
// each slot independent backing storage up front.
func NewPublisher[T any](init func() T) *Publisher[T] {
	p := &Publisher[T]{writing: 0, locked: 1}
	for i := range p.slots {
		p.slots[i] = init()
	}
	p.state.Store(2) // most-recent = slot 2, dirty = false
	return p
}

// StartNewValue returns the writing slot for in-place mutation. Must only
// be called by the writer, and the returned pointer must not be retained
// past the matching PostNewValue.
func (p *Publisher[T]) StartNewValue() *T {
	return &p.slots[p.writing]
}

// PostNewValue atomically promotes the writing slot to most-recent. The
// writer then owns whichever slot was most-recent before the call (it is
// guaranteed distinct from both the new most-recent and the reader's
// locked slot). Must only be called by the writer.
func (p *Publisher[T]) PostNewValue() {
	newState := uint32(p.writing) | dirtyBit
	old := p.state.Swap(newState)
	p.writing = int32(old & indexMask)
}

// LockNewValue promotes the most-recent slot to locked if one has been
// posted since the last call, and returns whether it did. Must only be
// called by the reader.
func (p *Publisher[T]) LockNewValue() bool {
	for {
		old := p.state.Load()
		if old&dirtyBit == 0 {
			return false
		}
		newState := uint32(p.locked) // clears the dirty bit
		if p.state.CompareAndSwap(old, newState) {
			p.locked = int32(old & indexMask)
			return true
		}
	}
}

// GetLockedValue returns the reader's current locked slot. Stable until
// the next LockNewValue call. Must only be called by the reader.
func (p *Publisher[T]) GetLockedValue() *T {
	return &p.slots[p.locked]
}
