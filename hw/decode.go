// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package hw

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/subcore/batch"
)

// Packet is one command found in a command stream.
type Packet struct {
	Offset int    `toml:"offset"` // bytes
	Opcode uint32 `toml:"opcode"`
	Name   string `toml:"name"`
	Len    int    `toml:"len"` // dwords
}

// miOpcodeMask selects the opcode of a memory-interface command.
const miOpcodeMask = 0x3f << 23

var commandNames = map[uint32]string{
	CmdPipelineSelect:       "PIPELINE_SELECT",
	CmdStateSIP:             "STATE_SIP",
	CmdStateBaseAddress:     "STATE_BASE_ADDRESS",
	CmdPipelinedPointers:    "3DSTATE_PIPELINED_POINTERS",
	CmdBindingTablePointers: "3DSTATE_BINDING_TABLE_POINTERS",
	CmdVertexBuffers:        "3DSTATE_VERTEX_BUFFERS",
	CmdVertexElements:       "3DSTATE_VERTEX_ELEMENTS",
	CmdDrawingRectangle:     "3DSTATE_DRAWING_RECTANGLE",
	CmdDepthBuffer:          "3DSTATE_DEPTH_BUFFER",
	Cmd3DPrimitive:          "3DPRIMITIVE",
	batch.MINoop:            "MI_NOOP",
	batch.MIFlush:           "MI_FLUSH",
	batch.MIBatchBufferEnd:  "MI_BATCH_BUFFER_END",
}

// CommandName returns the name of an opcode as returned by Opcode, or a
// hex form for unknown commands.
func CommandName(op uint32) string {
	if n, ok := commandNames[op]; ok {
		return n
	}
	return fmt.Sprintf("0x%08x", op)
}

// Decode splits a little-endian command stream into packets. 3D commands
// carry their length in the header; everything else is one dword. Decoding
// stops at MI_BATCH_BUFFER_END or at a packet running past the end.
func Decode(data []byte) []Packet {
	var out []Packet
	for off := 0; off+4 <= len(data); {
		dw := binary.LittleEndian.Uint32(data[off:])
		p := Packet{Offset: off, Len: 1}
		switch {
		case dw>>29 == 3:
			p.Opcode = Opcode(dw)
			if p.Opcode != CmdPipelineSelect {
				p.Len = int(dw&0xff) + 2
			}
		default:
			p.Opcode = dw & miOpcodeMask
		}
		if off+4*p.Len > len(data) {
			break
		}
		p.Name = CommandName(p.Opcode)
		out = append(out, p)
		if p.Opcode == batch.MIBatchBufferEnd {
			break
		}
		off += 4 * p.Len
	}
	return out
}
