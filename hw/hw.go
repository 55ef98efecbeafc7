// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package hw is a gen4-style hardware layer on top of a subcore.Context:
// producers that turn pipeline state into cached hardware objects, the
// ordered atom list that keeps the hardware state current, and the draw
// packet.
//
// Producers are deterministic: the same state always yields the same key,
// payload and relocations, so identical state always resolves to the same
// cached object.
package hw

import (
	"errors"

	"github.com/gogpu/subcore"
	"github.com/gogpu/subcore/cache"
)

// Upper-namespace dirty bits, raised by the Renderer setters.
const (
	NewProgram uint32 = 1 << iota
	NewBlend
	NewDepth
	NewTextures
	NewBuffers
	NewVertices

	allUpper = NewProgram | NewBlend | NewDepth | NewTextures | NewBuffers | NewVertices
)

// Cache kinds of the hardware objects.
const (
	KindVS cache.Kind = iota
	KindFS
	KindCC
	KindSampler
	KindSurface
	KindBindingTable
)

// Limits.
const (
	MaxTextures       = 4
	MaxVertexBuffers  = 8
	MaxVertexElements = 16
)

// Errors.
var (
	// ErrCompileFailed wraps shader compiler errors.
	ErrCompileFailed = subcore.ErrCompileFailed

	// ErrIncomplete is returned by Draw when required state is missing.
	ErrIncomplete = errors.New("hw: incomplete state")
)

// Command headers: type 3 (3D) in the top bits, sub-opcode below, and the
// packet length minus two in the low byte.
const (
	CmdPipelineSelect       uint32 = 0x6904 << 16
	CmdStateSIP             uint32 = 0x6102 << 16
	CmdStateBaseAddress     uint32 = 0x6101 << 16
	CmdPipelinedPointers    uint32 = 0x7800 << 16
	CmdBindingTablePointers uint32 = 0x7801 << 16
	CmdVertexBuffers        uint32 = 0x7808 << 16
	CmdVertexElements       uint32 = 0x7809 << 16
	CmdDrawingRectangle     uint32 = 0x7900 << 16
	CmdDepthBuffer          uint32 = 0x7905 << 16
	Cmd3DPrimitive          uint32 = 0x7b00 << 16
)

// header returns the first dword of a packet of n dwords.
func header(cmd uint32, n int) uint32 {
	if cmd == CmdPipelineSelect {
		return cmd
	}
	return cmd | uint32(n-2)
}

// Opcode extracts the command from a packet header.
func Opcode(dw uint32) uint32 { return dw &^ 0xffff }

// Packet lengths in dwords.
const (
	lenPipelineSelect       = 1
	lenStateSIP             = 2
	lenStateBaseAddress     = 6
	lenPipelinedPointers    = 8
	lenBindingTablePointers = 2
	lenDrawingRectangle     = 4
	lenDepthBuffer          = 4
	len3DPrimitive          = 6
)
