package soft

import (
	"fmt"
	"slices"

	"github.com/gogpu/subcore/backend"
	"github.com/gogpu/subcore/bo"
	"github.com/gogpu/subcore/internal/execbuf"
)

// bind places every buffer of one submission. Buffers that do not fit
// first evict resident buffers the submission does not use, least recently
// used first. If that is not enough, everything except static buffers is
// evicted and the whole list placed again, once.
func (d *Device) bind(list []*bo.Buffer) error {
	if need := execbuf.Footprint(list); need > d.heap.Size() {
		return fmt.Errorf("%w: submission needs %d bytes, aperture is %d",
			backend.ErrApertureFull, need, d.heap.Size())
	}

	using := make(map[bo.ID]bool, len(list))
	for _, b := range list {
		using[b.ID()] = true
	}

	if d.cfg.Relocate {
		d.evictAll(nil)
		// A spacer shifts every placement so addresses differ between
		// consecutive submissions. It is dropped when the submission does
		// not fit beside it.
		pad := (d.seq%4 + 1) * 4096
		if addr, ok := d.heap.Alloc(pad, 1); ok {
			placed := d.placeAll(list, using)
			d.heap.Free(addr, pad)
			if placed {
				return nil
			}
			d.evictAll(nil)
		}
	}

	if d.placeAll(list, using) {
		return nil
	}

	d.log.Warn("soft: aperture exhausted, evicting all", "resident", len(d.resident))
	d.evictAll(nil)
	if d.placeAll(list, using) {
		return nil
	}
	return fmt.Errorf("%w: %d buffers could not be placed", backend.ErrApertureFull, len(list))
}

func (d *Device) placeAll(list []*bo.Buffer, using map[bo.ID]bool) bool {
	for _, b := range list {
		m := b.Backing().(*memBacking)
		if m.placed {
			continue
		}
		for !d.place(m) {
			if !d.evictOne(using) {
				return false
			}
		}
	}
	return true
}

// place assigns an aperture range to m.
func (d *Device) place(m *memBacking) bool {
	addr, ok := d.heap.Alloc(m.buf.Footprint(), m.buf.Align())
	if !ok {
		return false
	}
	m.addr = addr
	m.placed = true
	m.buf.SetOffset(addr)
	d.resident = append(d.resident, m)
	return true
}

// unplace releases m's aperture range. The buffer keeps its last known
// offset so later relocations still presume it.
func (d *Device) unplace(m *memBacking) {
	if !m.placed {
		return
	}
	d.heap.Free(m.addr, m.buf.Footprint())
	m.placed = false
	if i := slices.Index(d.resident, m); i >= 0 {
		d.resident = slices.Delete(d.resident, i, i+1)
	}
}

// evictOne unplaces the least recently used resident buffer that is
// neither static nor part of the current submission.
func (d *Device) evictOne(using map[bo.ID]bool) bool {
	var victim *memBacking
	for _, m := range d.resident {
		if m.buf.Static() || using[m.buf.ID()] {
			continue
		}
		if victim == nil || m.lastUse < victim.lastUse {
			victim = m
		}
	}
	if victim == nil {
		return false
	}
	d.unplace(victim)
	d.stats.Evictions++
	return true
}

// evictAll unplaces every non-static buffer not in keep.
func (d *Device) evictAll(keep map[bo.ID]bool) {
	for _, m := range slices.Clone(d.resident) {
		if m.buf.Static() || keep[m.buf.ID()] {
			continue
		}
		d.unplace(m)
		d.stats.Evictions++
	}
}
