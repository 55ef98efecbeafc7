// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package hw

import "github.com/gogpu/subcore/bo"

// CompareFunc is a depth or stencil test function.
type CompareFunc uint8

// Compare functions.
const (
	CompareAlways CompareFunc = iota
	CompareNever
	CompareLess
	CompareEqual
	CompareLessEqual
	CompareGreater
	CompareNotEqual
	CompareGreaterEqual
)

// BlendFactor is a blend source or destination factor.
type BlendFactor uint8

// Blend factors.
const (
	BlendZero BlendFactor = iota
	BlendOne
	BlendSrcColor
	BlendSrcAlpha
	BlendOneMinusSrcAlpha
	BlendDstColor
	BlendDstAlpha
	BlendOneMinusDstAlpha
)

// BlendOp combines source and destination.
type BlendOp uint8

// Blend operations.
const (
	BlendAdd BlendOp = iota
	BlendSubtract
	BlendReverseSubtract
	BlendMin
	BlendMax
)

// BlendState configures the color calculator's blending.
type BlendState struct {
	Enable    bool
	Src, Dst  BlendFactor
	Op        BlendOp
	WriteMask uint8 // RGBA bits; 0 writes nothing
}

// DepthState configures depth and stencil testing.
type DepthState struct {
	Test        bool
	Write       bool
	Func        CompareFunc
	Stencil     bool
	StencilFunc CompareFunc
	StencilRef  uint8
	StencilMask uint8
}

// Filter is a texture filter.
type Filter uint8

// Filters.
const (
	FilterNearest Filter = iota
	FilterLinear
)

// Wrap is a texture coordinate wrap mode.
type Wrap uint8

// Wrap modes.
const (
	WrapRepeat Wrap = iota
	WrapClamp
	WrapMirror
)

// SamplerState configures texture sampling.
type SamplerState struct {
	Min, Mag     Filter
	WrapS, WrapT Wrap
	LODBias      float32
}

// Format is a surface or vertex element format.
type Format uint8

// Surface formats.
const (
	FormatRGBA8 Format = iota + 1
	FormatBGRA8
	FormatR32Float
	FormatDepth24
)

// Vertex element formats.
const (
	FormatFloat2 Format = iota + 16
	FormatFloat3
	FormatFloat4
	FormatUnorm8x4
)

// Surface is a 2D image in a buffer.
type Surface struct {
	Buffer        *bo.Buffer
	Width, Height uint32
	Pitch         uint32
	Format        Format
}

// Texture is a sampled surface.
type Texture struct {
	Surface
	Sampler SamplerState
}

// VertexBuffer binds a range of a buffer as vertex input.
type VertexBuffer struct {
	Buffer *bo.Buffer
	Offset uint32
	Stride uint32
}

// VertexElement describes one vertex attribute.
type VertexElement struct {
	Buffer int
	Format Format
	Offset uint32
}

// Primitive is a draw topology.
type Primitive uint8

// Topologies.
const (
	PointList Primitive = iota + 1
	LineList
	LineStrip
	TriangleList
	TriangleStrip
)

// State is the pipeline state a Renderer translates into hardware state.
type State struct {
	VS, FS   string // WGSL sources
	Blend    BlendState
	Depth    DepthState
	Textures []Texture
	Color    Surface
	DepthBuf *Surface
	Vertices []VertexBuffer
	Elements []VertexElement
}
