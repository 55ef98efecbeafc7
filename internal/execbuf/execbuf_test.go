// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package execbuf

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/subcore/bo"
)

type hostBacking struct{ data []byte }

func (h *hostBacking) Map(bool) ([]byte, error)      { return h.data, nil }
func (h *hostBacking) Unmap() error                  { return nil }
func (h *hostBacking) FlushRange(uint64, uint64) error { return nil }
func (h *hostBacking) Busy() bool                    { return false }
func (h *hostBacking) Wait() error                   { return nil }
func (h *hostBacking) Release()                      {}

func newBuf(name string, size uint64) (*bo.Buffer, *hostBacking) {
	h := &hostBacking{data: make([]byte, size)}
	return bo.New(name, size, 16, h), h
}

func TestCollectOrder(t *testing.T) {
	batch, _ := newBuf("batch", 64)
	state, _ := newBuf("state", 64)
	tex, _ := newBuf("texture", 64)

	state.EmitReloc(0, tex, bo.DomainSampler, 0, 0)
	batch.EmitReloc(0, state, bo.DomainInstruction, 0, 0)
	batch.EmitReloc(4, tex, bo.DomainSampler, 0, 0)

	list := Collect(batch)
	if len(list) != 3 {
		t.Fatalf("expected 3 buffers, got %d", len(list))
	}
	want := []*bo.Buffer{tex, state, batch}
	for i := range want {
		if list[i] != want[i] {
			t.Errorf("list[%d] = %s, want %s", i, list[i].Name(), want[i].Name())
		}
	}
	if got := Footprint(list); got != 192 {
		t.Errorf("expected footprint 192, got %d", got)
	}
}

func TestRunPatchesMovedTargets(t *testing.T) {
	batch, bh := newBuf("batch", 64)
	vb, _ := newBuf("vertices", 64)
	binary.LittleEndian.PutUint32(bh.data, batch.EmitReloc(0, vb, bo.DomainVertex, 0, 12))

	next := uint64(0x4000)
	st, err := Run(batch, func(list []*bo.Buffer) error {
		for _, b := range list {
			b.SetOffset(next)
			next += 0x1000
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st.Buffers != 2 || st.Patched != 1 {
		t.Errorf("expected 2 buffers and 1 patch, got %+v", st)
	}
	if got := binary.LittleEndian.Uint32(bh.data); got != 0x400c {
		t.Errorf("expected 0x400c, got %#x", got)
	}
}

func TestRunBindError(t *testing.T) {
	batch, _ := newBuf("batch", 64)
	boom := errors.New("no room")
	if _, err := Run(batch, func([]*bo.Buffer) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("expected bind error, got %v", err)
	}
}
