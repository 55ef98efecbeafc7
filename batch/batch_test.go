package batch

import (
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/gogpu/subcore/backend/soft"
	"github.com/gogpu/subcore/bo"
)

func newTestBatch(t *testing.T, opts ...Option) (*Batch, *soft.Device) {
	t.Helper()
	dev := soft.New(soft.Config{ApertureSize: 4 << 20})
	b, err := New(dev, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		b.Close()
		dev.Close()
	})
	return b, dev
}

func emit(t *testing.T, b *Batch, words ...uint32) {
	t.Helper()
	if err := b.Reserve(len(words)); err != nil {
		t.Fatalf("Reserve(%d) error = %v", len(words), err)
	}
	for _, w := range words {
		b.EmitDword(w)
	}
	b.Advance()
}

func TestNewBatch(t *testing.T) {
	b, _ := newTestBatch(t)
	if b.Capacity() != DefaultSize {
		t.Errorf("expected capacity %d, got %d", DefaultSize, b.Capacity())
	}
	if b.Space() != DefaultSize-Reserved {
		t.Errorf("expected space %d, got %d", DefaultSize-Reserved, b.Space())
	}
	if !b.Empty() {
		t.Error("expected empty batch")
	}
}

func TestReserveOutOfSpace(t *testing.T) {
	b, _ := newTestBatch(t, WithSize(4096))
	n := (4096 - Reserved) / 4
	if err := b.Reserve(n + 1); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
	if b.Used() != 0 {
		t.Errorf("failed reservation wrote %d bytes", b.Used())
	}
	if err := b.Reserve(n); err != nil {
		t.Fatalf("Reserve(%d) error = %v", n, err)
	}
	for i := 0; i < n; i++ {
		b.EmitDword(uint32(i))
	}
	b.Advance()
	if b.Space() != 0 {
		t.Errorf("expected no space left, got %d", b.Space())
	}
}

func TestBufferMonotonicity(t *testing.T) {
	b, _ := newTestBatch(t, WithDebug(true))
	rng := rand.New(rand.NewPCG(1, 2))
	prev := 0
	for i := 0; i < 2000; i++ {
		n := 1 + rng.IntN(16)
		if err := b.Reserve(n); err != nil {
			if !errors.Is(err, ErrOutOfSpace) {
				t.Fatalf("unexpected error %v", err)
			}
			if err := b.Flush(); err != nil {
				t.Fatal(err)
			}
			prev = 0
			continue
		}
		for j := 0; j < n; j++ {
			b.EmitDword(rng.Uint32())
			if b.Used() < prev {
				t.Fatalf("write cursor went backwards: %d < %d", b.Used(), prev)
			}
			if b.Used() > b.Capacity()-Reserved {
				t.Fatalf("write cursor %d past usable size", b.Used())
			}
			prev = b.Used()
		}
		b.Advance()
	}
}

func TestReservationMismatchPanics(t *testing.T) {
	tests := []struct {
		name  string
		write int
		next  func(b *Batch)
	}{
		{"short then reserve", 1, func(b *Batch) { _ = b.Reserve(1) }},
		{"short then advance", 2, func(b *Batch) { b.Advance() }},
		{"short then flush", 1, func(b *Batch) { _ = b.Flush() }},
		{"overrun", 4, func(b *Batch) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBatch(t, WithDebug(true))
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			if err := b.Reserve(3); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < tt.write; i++ {
				b.EmitDword(0)
			}
			tt.next(b)
		})
	}
}

func TestWriteWithoutReservationPanics(t *testing.T) {
	b, _ := newTestBatch(t, WithDebug(true))
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	b.EmitDword(1)
}

func TestEmitGuard(t *testing.T) {
	b, _ := newTestBatch(t, WithDebug(true))
	allowed := false
	b.SetEmitGuard(func() bool { return allowed })
	if err := b.Reserve(1); err != nil {
		t.Fatal(err)
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic outside emit phase")
			}
		}()
		b.EmitDword(1)
	}()
	allowed = true
	b.EmitDword(1)
	b.Advance()
}

func TestFlushEmptyIsNoop(t *testing.T) {
	b, dev := newTestBatch(t)
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	if dev.ExecStats().Submissions != 0 {
		t.Error("expected no submission for an empty batch")
	}
}

func TestFlushTrailer(t *testing.T) {
	tests := []struct {
		name  string
		words int
		want  []uint32
	}{
		// An odd dword count needs a noop to keep 8-byte alignment.
		{"even", 2, []uint32{MIFlush, MIBatchBufferEnd}},
		{"odd", 1, []uint32{MIFlush, MINoop, MIBatchBufferEnd}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, dev := newTestBatch(t)
			words := make([]uint32, tt.words)
			for i := range words {
				words[i] = 0x7a000000 + uint32(i)
			}
			emit(t, b, words...)
			if err := b.Flush(); err != nil {
				t.Fatal(err)
			}
			s, ok := dev.LastSubmission()
			if !ok {
				t.Fatal("expected a submission")
			}
			if len(s.Data)%Alignment != 0 {
				t.Errorf("submitted length %d not aligned to %d", len(s.Data), Alignment)
			}
			got := s.Dwords()[tt.words:]
			if len(got) != len(tt.want) {
				t.Fatalf("expected trailer %#x, got %#x", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("trailer[%d] = %#x, want %#x", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFlushReopens(t *testing.T) {
	b, _ := newTestBatch(t)
	first := b.Buffer()
	resets := 0
	b.OnReset(func() { resets++ })

	emit(t, b, 1, 2)
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	if b.Buffer() == nil || b.Buffer() == first {
		t.Error("expected a fresh buffer after flush")
	}
	if b.Buffer().Size() != first.Size() {
		t.Errorf("expected identical capacity, got %d", b.Buffer().Size())
	}
	if !b.Empty() || b.Space() != b.Capacity()-Reserved {
		t.Error("expected empty batch after flush")
	}
	if resets != 1 {
		t.Errorf("expected 1 reset hook call, got %d", resets)
	}
	if st := b.Stats(); st.Flushes != 1 {
		t.Errorf("expected 1 flush, got %+v", st)
	}
}

func TestEmitRelocSpeculativeValue(t *testing.T) {
	b, dev := newTestBatch(t)
	target, err := dev.Alloc("vertices", 256, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer target.Unreference()
	target.SetOffset(0x20000)

	if err := b.Reserve(2); err != nil {
		t.Fatal(err)
	}
	b.EmitDword(0x78080000)
	if err := b.EmitReloc(target, bo.DomainVertex, 0, 16); err != nil {
		t.Fatal(err)
	}
	b.Advance()

	if got := binary.LittleEndian.Uint32(b.Data()[4:]); got != 0x20010 {
		t.Errorf("expected speculative value 0x20010, got %#x", got)
	}
	relocs := b.Buffer().Relocs()
	if len(relocs) != 1 || relocs[0].Offset != 4 || relocs[0].Target != target.ID() {
		t.Fatalf("unexpected relocation list %+v", relocs)
	}

	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	s, _ := dev.LastSubmission()
	if got := s.Dwords()[1]; got != uint32(target.Offset())+16 {
		t.Errorf("expected resolved value %#x, got %#x", uint32(target.Offset())+16, got)
	}
}

func TestRelocTargetCheck(t *testing.T) {
	b, dev := newTestBatch(t, WithDebug(true))
	target, _ := dev.Alloc("t", 64, 64)
	defer target.Unreference()
	b.SetTargetCheck(func(*bo.Buffer) bool { return false })
	if err := b.Reserve(1); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic for unregistered target")
		}
	}()
	_ = b.EmitReloc(target, bo.DomainVertex, 0, 0)
}

func TestAdvanceCached(t *testing.T) {
	b, _ := newTestBatch(t)
	pkt := func(v uint32) {
		if err := b.Reserve(2); err != nil {
			t.Fatal(err)
		}
		b.EmitDword(0x79010000)
		b.EmitDword(v)
		b.AdvanceCached()
	}
	pkt(1)
	pkt(1)
	if b.Used() != 8 {
		t.Errorf("expected duplicate packet dropped, used=%d", b.Used())
	}
	pkt(2)
	if b.Used() != 16 {
		t.Errorf("expected changed packet kept, used=%d", b.Used())
	}
	pkt(1)
	if b.Used() != 24 {
		t.Errorf("expected packet differing from last kept, used=%d", b.Used())
	}
	if st := b.Stats(); st.CachedHits != 1 {
		t.Errorf("expected 1 cached hit, got %d", st.CachedHits)
	}

	// Cache does not survive a flush.
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	pkt(1)
	if b.Used() != 8 {
		t.Errorf("expected packet kept in fresh batch, used=%d", b.Used())
	}
}

func TestRequireSpace(t *testing.T) {
	b, dev := newTestBatch(t, WithSize(4096))
	emit(t, b, make([]uint32, 1000)...)
	if err := b.RequireSpace(128); err != nil {
		t.Fatal(err)
	}
	if dev.ExecStats().Submissions != 1 || !b.Empty() {
		t.Error("expected flush when space was short")
	}
	if err := b.RequireSpace(8192); !errors.Is(err, ErrOutOfSpace) {
		t.Errorf("expected ErrOutOfSpace for oversized request, got %v", err)
	}
}

func TestSyncAndFinish(t *testing.T) {
	dev := soft.New(soft.Config{ApertureSize: 1 << 20, InFlight: 4})
	b, err := New(dev, WithSync(true))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	emit(t, b, 1, 2)
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	if dev.Completed() != 1 {
		t.Errorf("expected sync flush to wait, completed=%d", dev.Completed())
	}

	b2, _ := New(dev)
	defer b2.Close()
	emit(t, b2, 3, 4)
	if err := b2.Finish(); err != nil {
		t.Fatal(err)
	}
	if dev.Completed() != 2 {
		t.Errorf("expected Finish to wait for last batch, completed=%d", dev.Completed())
	}
}
