package soft

import (
	"fmt"

	"github.com/gogpu/subcore/bo"
)

// memBacking is host memory standing in for device memory.
type memBacking struct {
	dev      *Device
	buf      *bo.Buffer
	data     []byte
	addr     uint64
	placed   bool
	fence    uint64
	lastUse  uint64
	released bool
}

func (m *memBacking) Map(bool) ([]byte, error) {
	if m.released {
		return nil, fmt.Errorf("soft: map of released buffer")
	}
	return m.data, nil
}

func (m *memBacking) Unmap() error { return nil }

func (m *memBacking) FlushRange(offset, length uint64) error {
	if offset+length > uint64(len(m.data)) {
		return bo.ErrRange
	}
	return nil
}

func (m *memBacking) Busy() bool { return m.fence > m.dev.retired }

func (m *memBacking) Wait() error {
	m.dev.retire(m.fence)
	return nil
}

func (m *memBacking) Release() {
	if m.released {
		return
	}
	m.released = true
	m.dev.unplace(m)
	m.dev.allocated -= uint64(len(m.data))
	m.data = nil
}
