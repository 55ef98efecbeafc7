// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package hw

import (
	"encoding/binary"

	"github.com/gogpu/subcore/bo"
	"github.com/gogpu/subcore/cache"
)

// Sizes of the packed state objects in bytes.
const (
	CCSize           = 16
	SamplerSize      = 16
	SamplerBlockSize = MaxTextures * SamplerSize
	SurfaceSize      = 24

	// surfaceAddr is the byte offset of the base address in a surface.
	surfaceAddr = 4
)

func bit(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// PackCC packs the color calculator unit: depth, stencil and blending.
func PackCC(blend BlendState, depth DepthState) []byte {
	var dw [CCSize / 4]uint32
	dw[0] = bit(depth.Test) | uint32(depth.Func&7)<<1 | bit(depth.Write)<<4
	if depth.Stencil {
		dw[1] = 1 | uint32(depth.StencilFunc&7)<<1 | uint32(depth.StencilRef)<<16 | uint32(depth.StencilMask)<<24
	}
	if blend.Enable {
		dw[2] = 1 | uint32(blend.Src&31)<<1 | uint32(blend.Dst&31)<<6 | uint32(blend.Op&7)<<11
	}
	dw[3] = uint32(blend.WriteMask & 0xf)
	return packDwords(dw[:])
}

// lodBias converts a bias to signed 4.6 fixed point.
func lodBias(f float32) uint32 {
	v := int32(f * 64)
	v = min(max(v, -512), 511)
	return uint32(v) & 0x3ff
}

// PackSamplers packs one sampler per texture into a block of MaxTextures
// samplers. Unused slots are zero.
func PackSamplers(textures []Texture) []byte {
	var dw [SamplerBlockSize / 4]uint32
	for i, t := range textures {
		if i == MaxTextures {
			break
		}
		s := t.Sampler
		o := i * SamplerSize / 4
		dw[o] = 1 | uint32(s.Min&3)<<1 | uint32(s.Mag&3)<<3
		dw[o+1] = uint32(s.WrapS&3) | uint32(s.WrapT&3)<<2
		dw[o+2] = lodBias(s.LODBias)
	}
	return packDwords(dw[:])
}

// PackSurface packs a 2D surface state. The base address dword is left
// zero; it is filled through a relocation.
func PackSurface(s Surface) []byte {
	var dw [SurfaceSize / 4]uint32
	dw[0] = 1<<29 | uint32(s.Format)<<18
	if s.Width > 0 && s.Height > 0 {
		dw[2] = (s.Height-1)<<19 | (s.Width-1)<<6
	}
	if s.Pitch > 0 {
		dw[3] = (s.Pitch - 1) << 3
	}
	return packDwords(dw[:])
}

// surfaceRelocs points the base address of a surface at its buffer.
func surfaceRelocs(s Surface, read, write bo.Domain) []cache.Reloc {
	return []cache.Reloc{{Target: s.Buffer, Read: read, Write: write, Offset: surfaceAddr}}
}

// BindingTableKey is the key of a binding table with n entries; the
// entries themselves are its relocations.
func BindingTableKey(n int) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(n))
}

// bindingTableRelocs points entry i of a binding table at surface i.
func bindingTableRelocs(surfaces []*cache.Entry) []cache.Reloc {
	relocs := make([]cache.Reloc, len(surfaces))
	for i, e := range surfaces {
		relocs[i] = cache.Reloc{Target: e.Buffer, Read: bo.DomainInstruction, Offset: uint32(4 * i)}
	}
	return relocs
}

func packDwords(dw []uint32) []byte {
	out := make([]byte, 0, 4*len(dw))
	for _, v := range dw {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	return out
}
