package soft

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/subcore/backend"
	"github.com/gogpu/subcore/bo"
)

// submit writes n dwords plus relocations to targets into a batch buffer and
// executes it.
func submit(t *testing.T, d *Device, targets ...*bo.Buffer) *bo.Buffer {
	t.Helper()
	batch, err := d.Alloc("batch", 4096, 4096)
	if err != nil {
		t.Fatalf("Alloc(batch) error = %v", err)
	}
	data, _ := batch.Map(true)
	off := uint32(0)
	for _, tgt := range targets {
		binary.LittleEndian.PutUint32(data[off:], batch.EmitReloc(off, tgt, bo.DomainVertex, 0, 0))
		off += 4
	}
	binary.LittleEndian.PutUint32(data[off:], 0x0a<<23)
	off += 4
	if off%8 != 0 {
		off += 4
	}
	_ = batch.Unmap()
	if err := d.Exec(&backend.Execbuf{Batch: batch, Used: off}); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	return batch
}

func TestApertureClamped(t *testing.T) {
	d := New(Config{ApertureSize: 8 << 30})
	defer d.Close()
	if d.ApertureSize() != backend.MaxApertureSize {
		t.Errorf("expected aperture clamped to %d, got %d", uint64(backend.MaxApertureSize), d.ApertureSize())
	}
}

func TestAllocMemoryLimit(t *testing.T) {
	d := New(Config{ApertureSize: 1 << 20, MemoryLimit: 1000})
	b, err := d.Alloc("a", 800, 64)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if _, err := d.Alloc("b", 400, 64); !errors.Is(err, backend.ErrNoDeviceMemory) {
		t.Errorf("expected ErrNoDeviceMemory, got %v", err)
	}
	b.Unreference()
	if d.Allocated() != 0 {
		t.Errorf("expected 0 bytes allocated after release, got %d", d.Allocated())
	}
	if _, err := d.Alloc("b", 400, 64); err != nil {
		t.Errorf("expected alloc to succeed after release, got %v", err)
	}
}

func TestExecPlacesAndRelocates(t *testing.T) {
	d := New(DefaultConfig())
	vb, _ := d.Alloc("vertices", 1024, 64)

	batch := submit(t, d, vb)
	if vb.Offset() < apertureBase {
		t.Fatalf("expected vertices placed in aperture, offset=%#x", vb.Offset())
	}
	s, ok := d.LastSubmission()
	if !ok {
		t.Fatal("expected a recorded submission")
	}
	if got := s.Dwords()[0]; got != uint32(vb.Offset()) {
		t.Errorf("expected relocated dword %#x, got %#x", vb.Offset(), got)
	}
	if len(s.Buffers) != 2 || s.Buffers[len(s.Buffers)-1] != batch.ID() {
		t.Errorf("expected batch last in buffer list, got %v", s.Buffers)
	}
	st := d.ExecStats()
	if st.Submissions != 1 || st.RelocsPatched != 1 {
		t.Errorf("expected 1 submission with 1 patch, got %+v", st)
	}

	// Same placement on the next submission: nothing to patch.
	submit(t, d, vb)
	if st := d.ExecStats(); st.RelocsSkipped != 1 {
		t.Errorf("expected skipped fix-up on unchanged target, got %+v", st)
	}
}

func TestRelocateMovesBuffers(t *testing.T) {
	d := New(Config{ApertureSize: 1 << 20, Relocate: true})
	vb, _ := d.Alloc("vertices", 1024, 64)

	submit(t, d, vb)
	first := vb.Offset()
	submit(t, d, vb)
	if vb.Offset() == first {
		t.Errorf("expected relocation mode to move buffer, stayed at %#x", first)
	}
	if st := d.ExecStats(); st.RelocsPatched != 2 {
		t.Errorf("expected every fix-up patched, got %+v", st)
	}
}

func TestRelocateFullAperture(t *testing.T) {
	d := New(Config{ApertureSize: 3 * 4096, Relocate: true})
	defer d.Close()
	target, err := d.Alloc("target", 8192, 4096)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	// Batch and target fill the aperture; the spacer must give way.
	for range 2 {
		submit(t, d, target)
	}
	if target.Offset() < apertureBase || target.Offset()+8192 > apertureBase+3*4096 {
		t.Errorf("expected target inside the aperture, got %#x", target.Offset())
	}
}

func TestEvictionMakesRoom(t *testing.T) {
	d := New(Config{ApertureSize: 16 << 10})
	a, _ := d.Alloc("a", 6<<10, 4096)
	b, _ := d.Alloc("b", 6<<10, 4096)

	submit(t, d, a)
	submit(t, d, b)
	if d.ExecStats().Evictions == 0 {
		t.Error("expected an eviction to fit the second submission")
	}
	if b.Offset() != apertureBase {
		t.Errorf("expected b to reuse the evicted range at %#x, got %#x", apertureBase, b.Offset())
	}
}

func TestExecTooLarge(t *testing.T) {
	d := New(Config{ApertureSize: 8 << 10})
	big, _ := d.Alloc("big", 16<<10, 4096)
	batch, _ := d.Alloc("batch", 4096, 4096)
	data, _ := batch.Map(true)
	binary.LittleEndian.PutUint32(data, batch.EmitReloc(0, big, bo.DomainVertex, 0, 0))
	_ = batch.Unmap()

	err := d.Exec(&backend.Execbuf{Batch: batch, Used: 8})
	if !errors.Is(err, backend.ErrApertureFull) {
		t.Errorf("expected ErrApertureFull, got %v", err)
	}
}

func TestStaticNeverEvicted(t *testing.T) {
	d := New(Config{ApertureSize: 16 << 10})
	s, err := d.AllocStatic("static", 4096, 4096)
	if err != nil {
		t.Fatalf("AllocStatic() error = %v", err)
	}
	addr := s.Offset()
	x, _ := d.Alloc("x", 8<<10, 4096)
	y, _ := d.Alloc("y", 8<<10, 4096)
	submit(t, d, x)
	submit(t, d, y)
	if s.Offset() != addr {
		t.Errorf("static buffer moved from %#x to %#x", addr, s.Offset())
	}
}

func TestBusyAndWait(t *testing.T) {
	d := New(Config{ApertureSize: 1 << 20, InFlight: 1})
	vb, _ := d.Alloc("vertices", 64, 64)
	submit(t, d, vb)
	if !vb.Busy() {
		t.Fatal("expected buffer busy while its submission is in flight")
	}
	if err := vb.Wait(); err != nil {
		t.Fatal(err)
	}
	if vb.Busy() {
		t.Error("expected buffer idle after Wait")
	}

	submit(t, d, vb)
	submit(t, d, nil...)
	if vb.Busy() {
		t.Error("expected older submission retired by later submission")
	}
	if err := d.WaitIdle(); err != nil {
		t.Fatal(err)
	}
	if d.Completed() != 3 {
		t.Errorf("expected completed seq 3, got %d", d.Completed())
	}
}

func TestClosedDevice(t *testing.T) {
	d := New(DefaultConfig())
	d.Close()
	if _, err := d.Alloc("a", 64, 64); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := d.WaitIdle(); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestRegistered(t *testing.T) {
	if !backend.IsRegistered(backend.NameSoft) {
		t.Fatal("expected soft backend registered on import")
	}
	dev, err := backend.Get(backend.NameSoft)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	if dev.Name() != backend.NameSoft {
		t.Errorf("Name() = %q, want %q", dev.Name(), backend.NameSoft)
	}
}
