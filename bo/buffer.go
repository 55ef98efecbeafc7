// Package bo implements reference-counted buffer objects: opaque handles to
// device-addressable memory that command streams and cached hardware
// objects point at through relocations.
//
// A Buffer is created by a device backend, which supplies its Backing.
// Buffers are not safe for concurrent use; every context that shares a
// buffer must serialize mutation externally.
package bo

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/subcore/internal/aperture"
)

// Buffer errors.
var (
	// ErrNotMapped is returned by Unmap and FlushRange on an unmapped buffer.
	ErrNotMapped = errors.New("bo: buffer not mapped")

	// ErrRange is returned when an offset/length pair exceeds the buffer size.
	ErrRange = errors.New("bo: range out of bounds")

	// ErrAddressRange is returned by ApplyRelocs when a target address plus
	// delta does not fit a relocation dword.
	ErrAddressRange = errors.New("bo: address does not fit a relocation")
)

// AddressLimit is the first device address a relocation dword cannot hold.
const AddressLimit = 1 << 32

// ID identifies a buffer for its whole lifetime. IDs are never reused, so
// holders that only compare identity (for example "last selected object")
// keep no reference.
type ID uint64

var lastID atomic.Uint64

func nextID() ID { return ID(lastID.Add(1)) }

// Backing is the device-specific memory behind a Buffer.
type Backing interface {
	// Map returns a CPU view of the whole buffer.
	Map(write bool) ([]byte, error)
	// Unmap ends the CPU view; written bytes become visible to the device.
	Unmap() error
	// FlushRange makes a subrange of a mapped buffer visible to the device.
	FlushRange(offset, length uint64) error
	// Busy reports whether the device still uses the memory.
	Busy() bool
	// Wait blocks until the device no longer uses the memory.
	Wait() error
	// Release frees the memory. Called once, when the last reference drops.
	Release()
}

// Buffer is a reference-counted handle to device memory.
type Buffer struct {
	id      ID
	name    string
	size    uint64
	align   uint64
	offset  uint64
	refs    int32
	static  bool
	backing Backing
	mapped  []byte
	write   bool

	relocs  []Reloc
	targets []*Buffer
	index   map[ID]int
}

// New wraps backing in a buffer holding one reference.
// Device backends call New; everything else receives buffers from a device.
func New(name string, size, align uint64, backing Backing) *Buffer {
	if align == 0 {
		align = 1
	}
	return &Buffer{
		id:      nextID(),
		name:    name,
		size:    size,
		align:   align,
		refs:    1,
		backing: backing,
	}
}

// ID returns the buffer identity.
func (b *Buffer) ID() ID { return b.id }

// Name returns the debug label.
func (b *Buffer) Name() string { return b.name }

// Size returns the requested size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Align returns the placement alignment.
func (b *Buffer) Align() uint64 { return b.align }

// Footprint returns the aperture space the buffer occupies once placed.
func (b *Buffer) Footprint() uint64 { return aperture.AlignUp(b.size, b.align) }

// Offset returns the last known device address. It is the value
// relocations presume when they are written.
func (b *Buffer) Offset() uint64 { return b.offset }

// SetOffset records the device address. Backends call it when placing the
// buffer.
func (b *Buffer) SetOffset(addr uint64) { b.offset = addr }

// Static reports whether the buffer is pinned in the aperture.
func (b *Buffer) Static() bool { return b.static }

// SetStatic pins or unpins the buffer. Pinned buffers are never evicted.
func (b *Buffer) SetStatic(v bool) { b.static = v }

// Backing returns the device memory behind the buffer.
func (b *Buffer) Backing() Backing { return b.backing }

// Refs returns the reference count.
func (b *Buffer) Refs() int32 { return b.refs }

// Released reports whether the last reference was dropped.
func (b *Buffer) Released() bool { return b.refs <= 0 }

// Reference adds a reference and returns b.
func (b *Buffer) Reference() *Buffer {
	if b.refs <= 0 {
		panic(fmt.Sprintf("bo: reference to released buffer %q", b.name))
	}
	b.refs++
	return b
}

// Unreference drops a reference. When the count reaches zero the buffer
// drops its relocation targets and releases its backing.
func (b *Buffer) Unreference() {
	if b.refs <= 0 {
		panic(fmt.Sprintf("bo: unreference of released buffer %q", b.name))
	}
	b.refs--
	if b.refs > 0 {
		return
	}
	if b.mapped != nil {
		if err := b.Unmap(); err != nil {
			logger().Warn("bo: unmap on release failed", "buffer", b.name, "err", err)
		}
	}
	b.ClearRelocs()
	if b.backing != nil {
		b.backing.Release()
	}
}

// Map returns a CPU view of the buffer. Mapping an already mapped buffer
// panics.
func (b *Buffer) Map(write bool) ([]byte, error) {
	b.mustLive("map")
	if b.mapped != nil {
		panic(fmt.Sprintf("bo: buffer %q already mapped", b.name))
	}
	data, err := b.backing.Map(write)
	if err != nil {
		return nil, fmt.Errorf("bo: map %q: %w", b.name, err)
	}
	b.mapped = data
	b.write = write
	return data, nil
}

// Mapped returns the current CPU view, or nil.
func (b *Buffer) Mapped() []byte { return b.mapped }

// Unmap ends the CPU view.
func (b *Buffer) Unmap() error {
	if b.mapped == nil {
		return ErrNotMapped
	}
	b.mapped = nil
	b.write = false
	return b.backing.Unmap()
}

// FlushRange makes [offset, offset+length) of a mapped buffer visible to
// the device without unmapping.
func (b *Buffer) FlushRange(offset, length uint64) error {
	if b.mapped == nil {
		return ErrNotMapped
	}
	if offset+length > b.size || offset+length < offset {
		return fmt.Errorf("%w: flush [%d, %d) of %d-byte buffer", ErrRange, offset, offset+length, b.size)
	}
	return b.backing.FlushRange(offset, length)
}

// Subdata copies data into the buffer at offset through a map/write/unmap
// cycle.
func (b *Buffer) Subdata(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("%w: write [%d, %d) of %d-byte buffer", ErrRange, offset, offset+uint64(len(data)), b.size)
	}
	dst, err := b.Map(true)
	if err != nil {
		return err
	}
	copy(dst[offset:], data)
	return b.Unmap()
}

// Busy reports whether the device still uses the buffer.
func (b *Buffer) Busy() bool {
	b.mustLive("busy")
	return b.backing.Busy()
}

// Wait blocks until the device is done with the buffer.
func (b *Buffer) Wait() error {
	b.mustLive("wait")
	return b.backing.Wait()
}

func (b *Buffer) mustLive(op string) {
	if b.refs <= 0 {
		panic(fmt.Sprintf("bo: %s on released buffer %q", op, b.name))
	}
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("bo(%d %q size=%d offset=%#x refs=%d)", b.id, b.name, b.size, b.offset, b.refs)
}
