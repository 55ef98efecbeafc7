package bo

import (
	"encoding/binary"
	"fmt"
)

// Reloc is a deferred address fix-up inside a buffer: at submission the
// dword at Offset becomes Target's device address plus Delta.
//
// Presumed is the target address assumed when the dword was written. A
// device skips the fix-up when the target did not move.
type Reloc struct {
	Offset   uint32
	Target   ID
	Read     Domain
	Write    Domain
	Delta    uint32
	Presumed uint64
}

// Value returns the dword the relocation resolves to for addr. Callers
// check Fits first.
func (r Reloc) Value(addr uint64) uint32 { return uint32(addr + uint64(r.Delta)) }

// Fits reports whether addr plus the delta is below AddressLimit.
func (r Reloc) Fits(addr uint64) bool { return addr+uint64(r.Delta) < AddressLimit }

// EmitReloc records a fix-up at offset pointing at target and returns the
// presumed value to store there. Each distinct target is referenced once
// for as long as the buffer keeps relocations to it.
func (b *Buffer) EmitReloc(offset uint32, target *Buffer, read, write Domain, delta uint32) uint32 {
	if target == nil {
		panic("bo: relocation to nil buffer")
	}
	target.mustLive("relocation")
	if uint64(offset)+4 > b.size {
		panic(fmt.Sprintf("bo: relocation at %d outside %d-byte buffer %q", offset, b.size, b.name))
	}
	if write != 0 && write&(write-1) != 0 {
		panic(fmt.Sprintf("bo: relocation write domain %v has more than one bit", write))
	}
	if b.index == nil {
		b.index = make(map[ID]int)
	}
	if _, ok := b.index[target.id]; !ok {
		b.index[target.id] = len(b.targets)
		b.targets = append(b.targets, target.Reference())
	}
	r := Reloc{
		Offset:   offset,
		Target:   target.id,
		Read:     read,
		Write:    write,
		Delta:    delta,
		Presumed: target.offset,
	}
	b.relocs = append(b.relocs, r)
	return r.Value(r.Presumed)
}

// Relocs returns the recorded fix-ups in write order.
func (b *Buffer) Relocs() []Reloc { return b.relocs }

// NumRelocs returns the number of recorded fix-ups.
func (b *Buffer) NumRelocs() int { return len(b.relocs) }

// Target resolves a relocation target id. It returns nil for ids the
// buffer does not reference.
func (b *Buffer) Target(id ID) *Buffer {
	i, ok := b.index[id]
	if !ok {
		return nil
	}
	return b.targets[i]
}

// Targets returns the distinct relocation targets in first-use order.
func (b *Buffer) Targets() []*Buffer { return b.targets }

// ClearRelocs drops every relocation and the target references they held.
func (b *Buffer) ClearRelocs() {
	for _, t := range b.targets {
		t.Unreference()
	}
	b.relocs = b.relocs[:0]
	b.targets = b.targets[:0]
	clear(b.index)
}

// ApplyRelocs resolves every relocation whose target moved since it was
// written, rewriting the dword in place and updating Presumed. It returns
// the number of rewritten and skipped fix-ups. Relocations are processed in
// write order. A target above the 32-bit address range stops the pass with
// ErrAddressRange.
func (b *Buffer) ApplyRelocs() (patched, skipped int, err error) {
	var data []byte
	for i := range b.relocs {
		r := &b.relocs[i]
		t := b.targets[b.index[r.Target]]
		if t.offset == r.Presumed {
			skipped++
			continue
		}
		if !r.Fits(t.offset) {
			err = fmt.Errorf("%w: %q at %#x+%d", ErrAddressRange, t.name, t.offset, r.Delta)
			break
		}
		if data == nil {
			if data, err = b.Map(true); err != nil {
				return patched, skipped, err
			}
		}
		binary.LittleEndian.PutUint32(data[r.Offset:], r.Value(t.offset))
		r.Presumed = t.offset
		patched++
	}
	if data != nil {
		if uerr := b.Unmap(); err == nil {
			err = uerr
		}
	}
	return patched, skipped, err
}
