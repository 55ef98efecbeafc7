// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package execbuf walks the relocation tree of a command buffer the way a
// kernel execbuffer does: collect every referenced buffer, place each one
// in the aperture, then resolve the fix-ups that point at moved buffers.
package execbuf

import (
	"fmt"

	"github.com/gogpu/subcore/bo"
)

// Stats summarizes one relocation pass.
type Stats struct {
	Buffers int
	Patched int
	Skipped int
	Bytes   uint64
}

// Collect returns root and every buffer reachable through relocations,
// each once, targets before the buffers that point at them. Root is last.
func Collect(root *bo.Buffer) []*bo.Buffer {
	var out []*bo.Buffer
	seen := make(map[bo.ID]bool)
	var visit func(b *bo.Buffer)
	visit = func(b *bo.Buffer) {
		if seen[b.ID()] {
			return
		}
		seen[b.ID()] = true
		for _, t := range b.Targets() {
			visit(t)
		}
		out = append(out, b)
	}
	visit(root)
	return out
}

// Footprint sums the aperture footprint of buffers.
func Footprint(buffers []*bo.Buffer) uint64 {
	var n uint64
	for _, b := range buffers {
		n += b.Footprint()
	}
	return n
}

// Run places every buffer reachable from root with bind, then resolves
// relocations in validation order. bind must leave each buffer with a
// valid Offset.
func Run(root *bo.Buffer, bind func([]*bo.Buffer) error) (Stats, error) {
	list := Collect(root)
	st := Stats{Buffers: len(list), Bytes: Footprint(list)}
	if err := bind(list); err != nil {
		return st, err
	}
	for _, b := range list {
		p, s, err := b.ApplyRelocs()
		st.Patched += p
		st.Skipped += s
		if err != nil {
			return st, fmt.Errorf("execbuf: relocate %q: %w", b.Name(), err)
		}
	}
	return st, nil
}
