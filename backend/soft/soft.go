// Package soft provides an in-process device: buffers live in host memory,
// a first-fit heap plays the aperture, and completion is simulated with a
// sequence-number fence. It is the reference backend for tests and for
// hosts without a GPU.
package soft

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/gogpu/subcore/backend"
	"github.com/gogpu/subcore/bo"
	"github.com/gogpu/subcore/internal/aperture"
	"github.com/gogpu/subcore/internal/execbuf"
	"github.com/gogpu/subcore/internal/logx"
)

const apertureBase = backend.ApertureBase

// Config configures a soft device.
type Config struct {
	// ApertureSize is the addressable window in bytes.
	ApertureSize uint64

	// MemoryLimit caps the total bytes of live buffers. Zero means no cap.
	MemoryLimit uint64

	// Relocate moves every non-static buffer on each submission, so every
	// relocation has to be patched. Used to exercise fix-up paths.
	Relocate bool

	// InFlight is the number of submissions that stay busy until a later
	// submission or a wait retires them.
	InFlight int

	// History is the number of recent submissions kept for inspection.
	History int

	// Logger receives debug output. Nil disables logging.
	Logger *slog.Logger
}

// DefaultConfig returns a 64 MiB aperture with two submissions in flight.
func DefaultConfig() Config {
	return Config{
		ApertureSize: 64 << 20,
		InFlight:     2,
		History:      8,
	}
}

// Submission is a copy of one executed batch after relocation.
type Submission struct {
	Seq     uint64
	Data    []byte
	Relocs  []bo.Reloc
	Buffers []bo.ID
}

// Dwords returns the submitted commands as little-endian dwords.
func (s Submission) Dwords() []uint32 {
	out := make([]uint32, len(s.Data)/4)
	for i := range out {
		out[i] = uint32(s.Data[4*i]) | uint32(s.Data[4*i+1])<<8 | uint32(s.Data[4*i+2])<<16 | uint32(s.Data[4*i+3])<<24
	}
	return out
}

// Device is an in-process backend.Device.
type Device struct {
	cfg  Config
	log  *slog.Logger
	heap *aperture.Heap

	allocated uint64
	seq       uint64
	retired   uint64
	useClock  uint64
	resident  []*memBacking
	history   []Submission
	stats     backend.ExecStats
	closed    bool
}

func init() {
	backend.Register(backend.NameSoft, func() (backend.Device, error) {
		return New(DefaultConfig()), nil
	})
}

// New creates a soft device.
func New(cfg Config) *Device {
	def := DefaultConfig()
	if cfg.ApertureSize == 0 {
		cfg.ApertureSize = def.ApertureSize
	}
	cfg.ApertureSize = min(cfg.ApertureSize, backend.MaxApertureSize)
	if cfg.InFlight < 0 {
		cfg.InFlight = 0
	}
	if cfg.History == 0 {
		cfg.History = def.History
	}
	return &Device{
		cfg:  cfg,
		log:  logx.OrNop(cfg.Logger),
		heap: aperture.NewHeap(apertureBase, cfg.ApertureSize),
	}
}

// Name implements backend.Device.
func (d *Device) Name() string { return backend.NameSoft }

// ApertureSize implements backend.Device.
func (d *Device) ApertureSize() uint64 { return d.cfg.ApertureSize }

// Alloc implements backend.Device.
func (d *Device) Alloc(name string, size, align uint64) (*bo.Buffer, error) {
	if d.closed {
		return nil, backend.ErrClosed
	}
	if d.cfg.MemoryLimit > 0 && d.allocated+size > d.cfg.MemoryLimit {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			backend.ErrNoDeviceMemory, size, d.allocated, d.cfg.MemoryLimit)
	}
	m := &memBacking{dev: d, data: make([]byte, size)}
	b := bo.New(name, size, align, m)
	m.buf = b
	d.allocated += size
	return b, nil
}

// AllocStatic allocates a buffer that is placed immediately and never
// evicted.
func (d *Device) AllocStatic(name string, size, align uint64) (*bo.Buffer, error) {
	b, err := d.Alloc(name, size, align)
	if err != nil {
		return nil, err
	}
	b.SetStatic(true)
	if !d.place(b.Backing().(*memBacking)) {
		b.Unreference()
		return nil, fmt.Errorf("%w: static buffer %q (%d bytes)", backend.ErrApertureFull, name, size)
	}
	return b, nil
}

// Exec implements backend.Device.
func (d *Device) Exec(ex *backend.Execbuf) error {
	if d.closed {
		return backend.ErrClosed
	}
	if uint64(ex.Used) > ex.Batch.Size() || ex.Used%4 != 0 {
		return fmt.Errorf("soft: invalid batch length %d for %d-byte buffer", ex.Used, ex.Batch.Size())
	}

	var list []*bo.Buffer
	st, err := execbuf.Run(ex.Batch, func(bufs []*bo.Buffer) error {
		list = bufs
		return d.bind(bufs)
	})
	if err != nil {
		return err
	}

	d.seq++
	d.useClock++
	ids := make([]bo.ID, 0, len(list))
	for _, b := range list {
		m := b.Backing().(*memBacking)
		m.fence = d.seq
		m.lastUse = d.useClock
		ids = append(ids, b.ID())
	}
	if d.seq > uint64(d.cfg.InFlight) {
		d.retire(d.seq - uint64(d.cfg.InFlight))
	}

	batch := ex.Batch.Backing().(*memBacking)
	d.record(Submission{
		Seq:     d.seq,
		Data:    slices.Clone(batch.data[:ex.Used]),
		Relocs:  slices.Clone(ex.Batch.Relocs()),
		Buffers: ids,
	})

	d.stats.Submissions++
	d.stats.RelocsPatched += uint64(st.Patched)
	d.stats.RelocsSkipped += uint64(st.Skipped)
	d.log.Debug("soft: exec",
		"seq", d.seq,
		"bytes", ex.Used,
		"buffers", st.Buffers,
		"footprint", st.Bytes,
		"patched", st.Patched,
		"skipped", st.Skipped)
	return nil
}

// WaitIdle implements backend.Device.
func (d *Device) WaitIdle() error {
	if d.closed {
		return backend.ErrClosed
	}
	d.retire(d.seq)
	return nil
}

// Close implements backend.Device. Live buffers keep their host memory but
// are no longer placed.
func (d *Device) Close() {
	if d.closed {
		return
	}
	d.retire(d.seq)
	for _, m := range d.resident {
		m.placed = false
	}
	d.resident = nil
	d.heap.Reset()
	d.closed = true
}

// ExecStats implements backend.StatsReporter.
func (d *Device) ExecStats() backend.ExecStats { return d.stats }

// Submissions returns recent submissions, oldest first.
func (d *Device) Submissions() []Submission { return d.history }

// LastSubmission returns the most recent submission.
func (d *Device) LastSubmission() (Submission, bool) {
	if len(d.history) == 0 {
		return Submission{}, false
	}
	return d.history[len(d.history)-1], true
}

// Allocated returns the bytes held by live buffers.
func (d *Device) Allocated() uint64 { return d.allocated }

// Resident returns the number of buffers currently placed in the aperture.
func (d *Device) Resident() int { return len(d.resident) }

// Completed returns the sequence number of the last retired submission.
func (d *Device) Completed() uint64 { return d.retired }

func (d *Device) record(s Submission) {
	if len(d.history) == d.cfg.History {
		d.history = append(d.history[:0], d.history[1:]...)
	}
	d.history = append(d.history, s)
}

func (d *Device) retire(seq uint64) {
	if seq > d.retired {
		d.retired = seq
	}
}
