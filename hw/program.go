// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package hw

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gogpu/naga"
)

// Stage is a programmable pipeline stage.
type Stage uint8

// Stages.
const (
	StageVertex Stage = iota
	StageFragment
)

func (s Stage) String() string {
	if s == StageVertex {
		return "vertex"
	}
	return "fragment"
}

// spirvMagic is the first word of every SPIR-V module.
const spirvMagic = 0x07230203

// programAuxSize is the size of the auxiliary data of program entries:
// the module length in words and the number of vertex inputs.
const programAuxSize = 8

// Compiler translates WGSL source to a SPIR-V module.
type Compiler func(source string) ([]byte, error)

// NagaCompiler compiles with the pure Go naga compiler.
func NagaCompiler(source string) ([]byte, error) {
	return naga.Compile(source)
}

// ProgramKey returns the cache key of a program: the stage, a digest of
// the source and, for vertex programs, the vertex layout the program is
// compiled against.
func ProgramKey(stage Stage, source string, elements []VertexElement) []byte {
	sum := sha256.Sum256([]byte(source))
	key := make([]byte, 0, 1+len(sum)+len(elements)*8)
	key = append(key, byte(stage))
	key = append(key, sum[:]...)
	if stage == StageVertex {
		for _, e := range elements {
			key = append(key, byte(e.Buffer), byte(e.Format), 0, 0)
			key = binary.LittleEndian.AppendUint32(key, e.Offset)
		}
	}
	return key
}

// ProgramAux describes a compiled program.
type ProgramAux struct {
	Words  uint32
	Inputs uint32
}

// DecodeProgramAux reads the auxiliary data of a program entry.
func DecodeProgramAux(aux []byte) ProgramAux {
	return ProgramAux{
		Words:  binary.LittleEndian.Uint32(aux),
		Inputs: binary.LittleEndian.Uint32(aux[4:]),
	}
}

// CompileProgram produces the payload and auxiliary data of a program.
// Compiler failures are wrapped in ErrCompileFailed.
func CompileProgram(compile Compiler, stage Stage, source string, inputs int) (payload, aux []byte, err error) {
	if source == "" {
		return nil, nil, fmt.Errorf("%w: %s program: empty source", ErrCompileFailed, stage)
	}
	spv, err := compile(source)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s program: %w", ErrCompileFailed, stage, err)
	}
	if len(spv) < 20 || len(spv)%4 != 0 || binary.LittleEndian.Uint32(spv) != spirvMagic {
		return nil, nil, fmt.Errorf("%w: %s program: output is not a SPIR-V module", ErrCompileFailed, stage)
	}
	aux = make([]byte, programAuxSize)
	binary.LittleEndian.PutUint32(aux, uint32(len(spv)/4))
	binary.LittleEndian.PutUint32(aux[4:], uint32(inputs))
	return spv, aux, nil
}
