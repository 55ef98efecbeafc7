package workset

import (
	"errors"
	"testing"

	"github.com/gogpu/subcore/backend/soft"
	"github.com/gogpu/subcore/bo"
)

func newDevice(t *testing.T) *soft.Device {
	t.Helper()
	d := soft.New(soft.Config{ApertureSize: 1 << 20})
	t.Cleanup(d.Close)
	return d
}

func alloc(t *testing.T, d *soft.Device, name string, size uint64) *bo.Buffer {
	t.Helper()
	b, err := d.Alloc(name, size, 4096)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Unreference)
	return b
}

func TestAddIdempotent(t *testing.T) {
	d := newDevice(t)
	s := New(1<<20, 0, nil)
	b := alloc(t, d, "b", 1000)

	s.Add(b)
	s.Add(b)
	if s.Len() != 1 {
		t.Errorf("expected 1 member, got %d", s.Len())
	}
	if s.Footprint() != 4096 {
		t.Errorf("expected footprint 4096, got %d", s.Footprint())
	}
	if !s.Contains(b) {
		t.Error("expected Contains(b)")
	}
	if b.Refs() != 2 {
		t.Errorf("expected set to hold one reference, refs=%d", b.Refs())
	}
	s.Clear()
	if b.Refs() != 1 {
		t.Errorf("expected reference dropped on Clear, refs=%d", b.Refs())
	}
}

func TestAddFollowsRelocations(t *testing.T) {
	d := newDevice(t)
	s := New(1<<20, 0, nil)
	surf := alloc(t, d, "surface", 64)
	tex := alloc(t, d, "texture", 8192)
	surf.EmitReloc(4, tex, bo.DomainSampler, 0, 0)

	s.Add(surf)
	if !s.Contains(tex) {
		t.Error("expected relocation target added with its owner")
	}
	if s.Footprint() != 4096+8192 {
		t.Errorf("expected footprint %d, got %d", 4096+8192, s.Footprint())
	}
	s.Clear()
}

func TestUncounted(t *testing.T) {
	d := newDevice(t)
	s := New(1<<20, 0, nil)
	cmd := alloc(t, d, "batch", 4096)
	vb := alloc(t, d, "vertices", 8192)
	surf := alloc(t, d, "surface", 64)
	tex := alloc(t, d, "texture", 4096)
	surf.EmitReloc(4, tex, bo.DomainSampler, 0, 0)
	cmd.EmitReloc(0, vb, bo.DomainVertex, 0, 0)
	cmd.EmitReloc(8, surf, bo.DomainInstruction, 0, 0)

	if got := s.Uncounted(cmd); got != 8192+4096+4096 {
		t.Errorf("expected %d uncounted bytes, got %d", 8192+4096+4096, got)
	}
	s.Add(vb)
	if got := s.Uncounted(cmd); got != 4096+4096 {
		t.Errorf("expected %d uncounted bytes after add, got %d", 4096+4096, got)
	}
	s.Add(surf)
	if got := s.Uncounted(cmd); got != 0 {
		t.Errorf("expected 0 uncounted bytes, got %d", got)
	}
	s.Clear()
	cmd.ClearRelocs()
	surf.ClearRelocs()
}

func TestValidate(t *testing.T) {
	d := newDevice(t)
	tests := []struct {
		name     string
		sizes    []uint64
		batch    uint64
		aperture uint64
		wantErr  bool
	}{
		{"empty", nil, 0, 8192, false},
		{"fits", []uint64{4096}, 4096, 8192, false},
		{"batch pushes over", []uint64{4096}, 4097, 8192, true},
		{"buffers over", []uint64{4096, 4096, 4096}, 0, 8192, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.aperture, 0, nil)
			defer s.Clear()
			for _, sz := range tt.sizes {
				s.Add(alloc(t, d, "b", sz))
			}
			err := s.Validate(tt.batch)
			if tt.wantErr && !errors.Is(err, ErrNeedsFlush) {
				t.Errorf("expected ErrNeedsFlush, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected fit, got %v", err)
			}
		})
	}
}

func TestBoundOverflow(t *testing.T) {
	d := newDevice(t)
	s := New(1<<30, 2, nil)
	defer s.Clear()
	for i := 0; i < 3; i++ {
		s.Add(alloc(t, d, "b", 64))
	}
	if s.Len() != 2 {
		t.Errorf("expected set capped at 2, got %d", s.Len())
	}
	if err := s.Validate(0); !errors.Is(err, ErrNeedsFlush) {
		t.Errorf("expected ErrNeedsFlush on overflow, got %v", err)
	}
}

func TestClearResetsFootprint(t *testing.T) {
	d := newDevice(t)
	s := New(8192, 0, nil)
	s.Add(alloc(t, d, "a", 8192))
	if err := s.Validate(64); err == nil {
		t.Fatal("expected overflow before clear")
	}
	s.Clear()
	if s.Len() != 0 || s.Footprint() != 0 {
		t.Errorf("expected empty set, len=%d footprint=%d", s.Len(), s.Footprint())
	}
	if err := s.Validate(64); err != nil {
		t.Errorf("expected fresh set to validate, got %v", err)
	}
}
