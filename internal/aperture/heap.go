// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package aperture implements the first-fit address allocator that both
// device backends use to place buffers in the GPU-visible aperture.
package aperture

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// AlignUp rounds v up to the next multiple of a. An alignment of zero or
// one leaves v unchanged.
func AlignUp[T constraints.Unsigned](v, a T) T {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}

// span is a half-open free range [start, end).
type span struct {
	start, end uint64
}

// Heap hands out address ranges from a fixed window using first-fit
// placement. Free ranges are kept sorted and coalesced on release.
//
// Heap is not safe for concurrent use.
type Heap struct {
	base, size uint64
	free       []span
	used       uint64
}

// NewHeap creates a heap covering [base, base+size).
func NewHeap(base, size uint64) *Heap {
	h := &Heap{base: base, size: size}
	h.Reset()
	return h
}

// Reset releases every allocation.
func (h *Heap) Reset() {
	h.free = append(h.free[:0], span{h.base, h.base + h.size})
	h.used = 0
}

// Size returns the total window size in bytes.
func (h *Heap) Size() uint64 { return h.size }

// Used returns the number of bytes currently allocated.
func (h *Heap) Used() uint64 { return h.used }

// Avail returns the number of free bytes. Fragmentation may prevent an
// allocation of Avail bytes from succeeding.
func (h *Heap) Avail() uint64 { return h.size - h.used }

// Alloc reserves size bytes aligned to align and returns the start address.
// It reports false when no free range is large enough.
func (h *Heap) Alloc(size, align uint64) (uint64, bool) {
	if size == 0 {
		size = 1
	}
	for i, s := range h.free {
		start := AlignUp(s.start, align)
		if start < s.start || start+size > s.end {
			continue
		}
		end := start + size
		var repl []span
		if start > s.start {
			repl = append(repl, span{s.start, start})
		}
		if end < s.end {
			repl = append(repl, span{end, s.end})
		}
		h.free = append(h.free[:i], append(repl, h.free[i+1:]...)...)
		h.used += size
		return start, true
	}
	return 0, false
}

// Free returns [addr, addr+size) to the heap. Releasing a range that is
// not allocated panics.
func (h *Heap) Free(addr, size uint64) {
	if size == 0 {
		size = 1
	}
	end := addr + size
	if addr < h.base || end > h.base+h.size {
		panic(fmt.Sprintf("aperture: free of [%#x, %#x) outside heap", addr, end))
	}
	i := 0
	for i < len(h.free) && h.free[i].start < addr {
		i++
	}
	if (i > 0 && h.free[i-1].end > addr) || (i < len(h.free) && h.free[i].start < end) {
		panic(fmt.Sprintf("aperture: double free of [%#x, %#x)", addr, end))
	}
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = span{addr, end}
	h.used -= size

	// Merge with neighbours.
	if i+1 < len(h.free) && h.free[i].end == h.free[i+1].start {
		h.free[i].end = h.free[i+1].end
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].end == h.free[i].start {
		h.free[i-1].end = h.free[i].end
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

// Fragments returns the number of disjoint free ranges.
func (h *Heap) Fragments() int { return len(h.free) }
