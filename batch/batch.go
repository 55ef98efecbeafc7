// Package batch implements the command buffer: an append-only dword
// stream with space reservation, relocation recording, and a
// flush lifecycle that submits the buffer and reopens a fresh one.
//
// Every command write is bracketed by Reserve and Advance:
//
//	if err := b.Reserve(2); err != nil {
//		return err
//	}
//	b.EmitDword(header)
//	b.EmitDword(payload)
//	b.Advance()
//
// A Batch is owned by one driver thread.
package batch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/gogpu/subcore/backend"
	"github.com/gogpu/subcore/bo"
	"github.com/gogpu/subcore/internal/logx"
)

// Sizes in bytes.
const (
	DefaultSize = 16 << 10
	// Reserved is held back at the end of every batch for the trailer.
	Reserved = 16
	// Alignment is the required length multiple of a submitted batch.
	Alignment = 8
	// MaxRelocs is the relocation limit of one batch.
	MaxRelocs = 4096
)

// Trailer commands.
const (
	MINoop           uint32 = 0
	MIFlush          uint32 = 0x04 << 23
	MIBatchBufferEnd uint32 = 0x0a << 23
)

// Errors.
var (
	// ErrOutOfSpace is returned by Reserve when the request does not fit.
	// Callers flush and retry before writing anything.
	ErrOutOfSpace = errors.New("batch: out of space")

	// ErrTooManyRelocs is returned by EmitReloc when the relocation table
	// is full.
	ErrTooManyRelocs = errors.New("batch: relocation table full")
)

// Stats counts command-buffer activity.
type Stats struct {
	Flushes     uint64
	Dwords      uint64
	Relocs      uint64
	CachedHits  uint64
	BytesQueued uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Batch{flushes=%d, dwords=%d, relocs=%d, cached=%d, bytes=%d}",
		s.Flushes, s.Dwords, s.Relocs, s.CachedHits, s.BytesQueued)
}

// Batch is the command buffer.
type Batch struct {
	dev  backend.Device
	opts options
	log  *slog.Logger

	buf  *bo.Buffer
	data []byte
	used int
	last *bo.Buffer

	// Open packet. total is the reserved dword count, zero when closed.
	start       int
	total       int
	relocsStart int

	cached  map[uint32][]byte
	onReset []func()
	guard   func() bool
	check   func(*bo.Buffer) bool
	stats   Stats
}

// New allocates and maps the first buffer.
func New(dev backend.Device, opts ...Option) (*Batch, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	b := &Batch{
		dev:    dev,
		opts:   o,
		log:    logx.OrNop(o.logger),
		cached: make(map[uint32][]byte),
	}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

// open allocates and maps a fresh buffer.
func (b *Batch) open() error {
	buf, err := b.dev.Alloc("batch", uint64(b.opts.size), 4096)
	if err != nil {
		return fmt.Errorf("batch: allocate: %w", err)
	}
	data, err := buf.Map(true)
	if err != nil {
		buf.Unreference()
		return fmt.Errorf("batch: map: %w", err)
	}
	b.buf = buf
	b.data = data
	b.used = 0
	b.total = 0
	clear(b.cached)
	return nil
}

// Capacity returns the buffer size in bytes.
func (b *Batch) Capacity() int { return b.opts.size }

// Used returns the bytes written since the batch was opened.
func (b *Batch) Used() int { return b.used }

// Space returns the bytes still available to commands.
func (b *Batch) Space() int { return b.opts.size - Reserved - b.used }

// Empty reports whether nothing was written since the batch was opened.
func (b *Batch) Empty() bool { return b.used == 0 }

// Buffer returns the buffer currently being written.
func (b *Batch) Buffer() *bo.Buffer { return b.buf }

// Data returns the written bytes. The slice aliases the mapped buffer and
// is only valid until the next flush.
func (b *Batch) Data() []byte { return b.data[:b.used] }

// Stats returns activity counters.
func (b *Batch) Stats() Stats { return b.stats }

// OnReset registers fn to run every time a fresh buffer is opened after a
// flush.
func (b *Batch) OnReset(fn func()) { b.onReset = append(b.onReset, fn) }

// SetEmitGuard installs a debug check consulted on every write. A write
// while guard returns false panics.
func (b *Batch) SetEmitGuard(guard func() bool) { b.guard = guard }

// SetTargetCheck installs a debug check consulted on every relocation. A
// relocation to a buffer for which check returns false panics.
func (b *Batch) SetTargetCheck(check func(*bo.Buffer) bool) { b.check = check }

// Reserve opens a packet of n dwords. It fails with ErrOutOfSpace when
// fewer than n dwords remain; nothing is written in that case. In debug
// mode the previous packet must be complete.
func (b *Batch) Reserve(n int) error {
	if n <= 0 {
		panic(fmt.Sprintf("batch: reserve of %d dwords", n))
	}
	b.closePacket()
	if b.Space() < n*4 {
		return fmt.Errorf("%w: %d dwords requested, %d bytes left", ErrOutOfSpace, n, b.Space())
	}
	b.start = b.used
	b.total = n
	b.relocsStart = b.buf.NumRelocs()
	return nil
}

// RequireSpace flushes when fewer than n bytes remain. A request larger
// than an empty batch fails with ErrOutOfSpace.
func (b *Batch) RequireSpace(n int) error {
	if n > b.opts.size-Reserved {
		return fmt.Errorf("%w: %d bytes exceed batch capacity %d", ErrOutOfSpace, n, b.opts.size-Reserved)
	}
	if b.Space() >= n {
		return nil
	}
	return b.Flush()
}

// EmitDword appends one dword to the open packet.
func (b *Batch) EmitDword(v uint32) {
	if b.opts.debug {
		if b.guard != nil && !b.guard() {
			panic("batch: write outside the emit phase")
		}
		if b.total == 0 {
			panic("batch: write without reservation")
		}
		if (b.used-b.start)/4 >= b.total {
			panic(fmt.Sprintf("batch: packet at %d overruns its %d-dword reservation", b.start, b.total))
		}
	}
	if b.used+4 > b.opts.size-Reserved {
		panic(fmt.Sprintf("batch: write at %d past usable size %d", b.used, b.opts.size-Reserved))
	}
	binary.LittleEndian.PutUint32(b.data[b.used:], v)
	b.used += 4
}

// EmitFloat appends the bits of f.
func (b *Batch) EmitFloat(f float32) { b.EmitDword(math.Float32bits(f)) }

// EmitReloc appends a dword that resolves to target's device address plus
// delta at submission. The written value presumes the target does not
// move.
func (b *Batch) EmitReloc(target *bo.Buffer, read, write bo.Domain, delta uint32) error {
	if b.buf.NumRelocs() >= MaxRelocs {
		return fmt.Errorf("%w: %d relocations", ErrTooManyRelocs, MaxRelocs)
	}
	if b.opts.debug && b.check != nil && !b.check(target) {
		panic(fmt.Sprintf("batch: relocation to unregistered buffer %q", target.Name()))
	}
	v := b.buf.EmitReloc(uint32(b.used), target, read, write, delta)
	b.EmitDword(v)
	b.stats.Relocs++
	return nil
}

// Advance closes the open packet. In debug mode the number of dwords
// written must equal the reservation.
func (b *Batch) Advance() {
	b.closePacket()
}

// AdvanceCached closes the open packet and drops it again if it repeats
// the last packet with the same header in this batch. Packets that carry
// relocations are never dropped.
func (b *Batch) AdvanceCached() {
	start, relocs := b.start, b.relocsStart
	b.closePacket()
	if b.used-start < 4 || b.buf.NumRelocs() != relocs {
		return
	}
	pkt := b.data[start:b.used]
	header := binary.LittleEndian.Uint32(pkt)
	if prev, ok := b.cached[header]; ok && string(prev) == string(pkt) {
		b.used = start
		b.stats.CachedHits++
		return
	}
	b.cached[header] = append(b.cached[header][:0], pkt...)
}

func (b *Batch) closePacket() {
	if b.total == 0 {
		return
	}
	if b.opts.debug {
		if got := (b.used - b.start) / 4; got != b.total {
			panic(fmt.Sprintf("batch: packet at %d reserved %d dwords, wrote %d", b.start, b.total, got))
		}
	}
	b.total = 0
}

// writeRaw appends a trailer dword into the reserved space.
func (b *Batch) writeRaw(v uint32) {
	binary.LittleEndian.PutUint32(b.data[b.used:], v)
	b.used += 4
}

// Flush submits the batch and opens a fresh one. It does nothing if no
// command was written since the last flush.
func (b *Batch) Flush() error { return b.flush(b.opts.sync) }

// FlushWait submits the batch and blocks until the device completed it.
func (b *Batch) FlushWait() error { return b.flush(true) }

// Finish flushes pending commands and waits for the last submitted batch.
func (b *Batch) Finish() error {
	if err := b.Flush(); err != nil {
		return err
	}
	if b.last == nil {
		return nil
	}
	return b.last.Wait()
}

func (b *Batch) flush(wait bool) error {
	if b.used == 0 {
		return nil
	}
	b.closePacket()

	b.writeRaw(MIFlush)
	if (b.used+4)%Alignment != 0 {
		b.writeRaw(MINoop)
	}
	b.writeRaw(MIBatchBufferEnd)
	used := b.used
	relocs := b.buf.NumRelocs()

	if err := b.buf.Unmap(); err != nil {
		return fmt.Errorf("batch: unmap: %w", err)
	}
	b.data = nil
	execErr := b.dev.Exec(&backend.Execbuf{Batch: b.buf, Used: uint32(used)})

	if b.last != nil {
		b.last.Unreference()
	}
	b.last = b.buf
	b.buf = nil

	b.stats.Flushes++
	b.stats.Dwords += uint64(used / 4)
	b.stats.BytesQueued += uint64(used)
	b.log.Debug("batch: flush", "bytes", used, "relocs", relocs, "wait", wait, "err", execErr)

	if err := b.open(); err != nil {
		return errors.Join(execErr, err)
	}
	for _, fn := range b.onReset {
		fn()
	}
	if execErr != nil {
		return fmt.Errorf("batch: submit: %w", execErr)
	}
	if wait {
		if err := b.last.Wait(); err != nil {
			return fmt.Errorf("batch: wait: %w", err)
		}
	}
	return nil
}

// Close releases the buffers. The batch must not be used afterwards;
// pending commands are discarded.
func (b *Batch) Close() {
	if b.buf != nil {
		b.buf.Unreference()
		b.buf = nil
		b.data = nil
	}
	if b.last != nil {
		b.last.Unreference()
		b.last = nil
	}
}
