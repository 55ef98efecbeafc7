// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/subcore/bo"
	"github.com/gogpu/subcore/internal/aperture"
)

// halBacking is a hal.Buffer with a host shadow. Writes go to the shadow
// and are uploaded through the queue on Unmap or FlushRange.
type halBacking struct {
	dev      *Device
	buf      *bo.Buffer
	hbuf     hal.Buffer
	shadow   []byte
	addr     uint64
	write    bool
	fence    uint64
	released bool
}

func (m *halBacking) Map(write bool) ([]byte, error) {
	if m.released {
		return nil, fmt.Errorf("native: map of released buffer")
	}
	m.write = m.write || write
	return m.shadow, nil
}

func (m *halBacking) Unmap() error {
	if !m.write {
		return nil
	}
	m.write = false
	return m.upload(0, uint64(len(m.shadow)))
}

func (m *halBacking) FlushRange(offset, length uint64) error {
	if offset+length > uint64(len(m.shadow)) {
		return bo.ErrRange
	}
	start := offset &^ 3
	end := min(aperture.AlignUp(offset+length, 4), uint64(len(m.shadow)))
	return m.upload(start, end-start)
}

func (m *halBacking) upload(offset, length uint64) error {
	if m.released {
		return fmt.Errorf("native: upload to released buffer")
	}
	if m.dev.closed {
		return fmt.Errorf("native: upload after device close")
	}
	if length == 0 {
		return nil
	}
	m.dev.queue.WriteBuffer(m.hbuf, offset, m.shadow[offset:offset+length])
	return nil
}

func (m *halBacking) Busy() bool {
	if m.fence <= m.dev.completed || m.dev.closed {
		return false
	}
	if err := m.dev.poll(m.fence, 0); err != nil {
		return true
	}
	return m.fence > m.dev.completed
}

func (m *halBacking) Wait() error {
	if m.fence <= m.dev.completed || m.dev.closed {
		return nil
	}
	return m.dev.poll(m.fence, m.dev.cfg.Timeout)
}

func (m *halBacking) Release() {
	if m.released {
		return
	}
	m.released = true
	if !m.dev.closed {
		if m.fence > m.dev.completed {
			_ = m.dev.poll(m.fence, m.dev.cfg.Timeout)
		}
		m.dev.device.DestroyBuffer(m.hbuf)
	}
	m.dev.heap.Free(m.addr, m.buf.Footprint())
	m.dev.allocated -= uint64(len(m.shadow))
	m.shadow = nil
}
