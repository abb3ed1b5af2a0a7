package kernel

import (
	"sync/atomic"

	"macs/hal"
)

// Heap wraps the board allocator with the kernel's serialization policy:
// allocation runs under a scheduler pause, and a re-entrancy latch catches
// an allocator that called back into itself, which on this kernel means
// corruption.
type Heap struct {
	k     *Kernel
	alloc hal.Allocator
	busy  atomic.Bool
}

// NewHeap wraps alloc for use by tasks.
func (k *Kernel) NewHeap(alloc hal.Allocator) *Heap {
	return &Heap{k: k, alloc: alloc}
}

// Allocate returns a block of size bytes, or nil. Exhaustion raises
// AlarmOutOfMemory; a handler answering ActionContinue makes the caller see
// nil, any retry policy lives in the handler.
func (h *Heap) Allocate(size int) []byte {
	if !h.busy.CompareAndSwap(false, true) {
		h.k.alarm(AlarmMemLocked)
		return nil
	}
	defer h.busy.Store(false)

	h.k.Pause(true)
	b := h.alloc.Allocate(size)
	h.k.Pause(false)

	if b == nil {
		h.k.alarm(AlarmOutOfMemory)
	}
	return b
}

// Deallocate returns a block to the allocator.
func (h *Heap) Deallocate(b []byte) {
	if b == nil {
		return
	}
	if !h.busy.CompareAndSwap(false, true) {
		h.k.alarm(AlarmMemLocked)
		return
	}
	defer h.busy.Store(false)

	h.k.Pause(true)
	h.alloc.Deallocate(b)
	h.k.Pause(false)
}
