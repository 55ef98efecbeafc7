// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package hw

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/gogpu/subcore"
	"github.com/gogpu/subcore/backend"
	"github.com/gogpu/subcore/batch"
	"github.com/gogpu/subcore/bo"
	"github.com/gogpu/subcore/cache"
	"github.com/gogpu/subcore/state"
)

// Stats counts producer work.
type Stats struct {
	Draws    uint64
	Compiles uint64
	Uploads  uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Renderer{draws=%d, compiles=%d, uploads=%d}", s.Draws, s.Compiles, s.Uploads)
}

// Renderer translates State into hardware state on a subcore.Context.
// Setters record state and mark it dirty; Draw brings the hardware up to
// date and appends a primitive.
type Renderer struct {
	ctx     *subcore.Context
	compile Compiler
	state   State
	log     *slog.Logger

	// Objects selected by the last successful prepare.
	vs, fs   *cache.Entry
	cc       *cache.Entry
	samplers *cache.Entry
	surfaces []*cache.Entry
	table    *cache.Entry

	stats Stats
}

// NewRenderer creates a context on dev with the hardware atom list. A nil
// compile selects NagaCompiler. Every state starts dirty.
func NewRenderer(dev backend.Device, compile Compiler, opts ...subcore.Option) (*Renderer, error) {
	if compile == nil {
		compile = NagaCompiler
	}
	r := &Renderer{compile: compile}
	ctx, err := subcore.NewContext(dev, r.atoms, opts...)
	if err != nil {
		return nil, err
	}
	r.log = ctx.Logger()
	ctx.Flag(state.Flags{Upper: allUpper})
	return r, nil
}

func registerKinds(c *cache.Cache) {
	c.Register(KindVS, cache.KindInfo{Name: "vs", AuxSize: programAuxSize})
	c.Register(KindFS, cache.KindInfo{Name: "fs", AuxSize: programAuxSize})
	c.Register(KindCC, cache.KindInfo{Name: "cc", KeySize: CCSize})
	c.Register(KindSampler, cache.KindInfo{Name: "sampler", KeySize: SamplerBlockSize})
	c.Register(KindSurface, cache.KindInfo{Name: "surface", KeySize: SurfaceSize})
	c.Register(KindBindingTable, cache.KindInfo{Name: "binding-table", KeySize: 4})
}

// atoms returns the atom list. Producers run in the first seven atoms;
// the pointer atoms after them consume the cache selection bits.
func (r *Renderer) atoms(c *subcore.Context) []state.Atom {
	r.ctx = c
	registerKinds(c.Cache())
	return []state.Atom{
		{
			Name:  "invariant",
			Dirty: state.Flags{Driver: subcore.DirtyNewContext},
			Emit:  r.emitInvariant,
		},
		{
			Name:    "vs",
			Dirty:   state.Flags{Upper: NewProgram | NewVertices},
			Prepare: r.prepareVS,
		},
		{
			Name:    "fs",
			Dirty:   state.Flags{Upper: NewProgram},
			Prepare: r.prepareFS,
		},
		{
			Name:    "cc",
			Dirty:   state.Flags{Upper: NewBlend | NewDepth},
			Prepare: r.prepareCC,
		},
		{
			Name:    "samplers",
			Dirty:   state.Flags{Upper: NewTextures},
			Prepare: r.prepareSamplers,
		},
		{
			Name:    "surfaces",
			Dirty:   state.Flags{Upper: NewTextures | NewBuffers},
			Prepare: r.prepareSurfaces,
		},
		{
			Name:    "binding-table",
			Dirty:   state.Flags{Upper: NewTextures | NewBuffers, Cache: 1 << KindSurface},
			Prepare: r.prepareBindingTable,
		},
		{
			Name:  "state-base-address",
			Dirty: state.Flags{Driver: subcore.DirtyNewContext | subcore.DirtyNewBatch},
			Emit:  r.emitStateBaseAddress,
		},
		{
			Name: "pipelined-pointers",
			Dirty: state.Flags{
				Driver: subcore.DirtyNewContext | subcore.DirtyNewBatch | subcore.DirtyNewStateBaseAddress,
				Cache:  1<<KindVS | 1<<KindFS | 1<<KindCC | 1<<KindSampler,
			},
			Prepare: r.preparePointers,
			Emit:    r.emitPointers,
		},
		{
			Name: "binding-table-pointers",
			Dirty: state.Flags{
				Driver: subcore.DirtyNewContext | subcore.DirtyNewBatch | subcore.DirtyNewStateBaseAddress,
				Cache:  1 << KindBindingTable,
			},
			Prepare: r.prepareBindingTablePointers,
			Emit:    r.emitBindingTablePointers,
		},
		{
			Name:  "drawing-rectangle",
			Dirty: state.Flags{Upper: NewBuffers, Driver: subcore.DirtyNewBatch},
			Emit:  r.emitDrawingRectangle,
		},
		{
			Name:    "depth-buffer",
			Dirty:   state.Flags{Upper: NewBuffers, Driver: subcore.DirtyNewBatch},
			Prepare: r.prepareDepthBuffer,
			Emit:    r.emitDepthBuffer,
		},
		{
			Name:    "vertices",
			Dirty:   state.Flags{Upper: NewVertices, Driver: subcore.DirtyNewBatch},
			Prepare: r.prepareVertices,
			Emit:    r.emitVertices,
		},
	}
}

// lookup returns the cached object for key and relocs, producing and
// uploading it on a miss.
func (r *Renderer) lookup(k cache.Kind, key []byte, relocs []cache.Reloc, produce func() (payload, aux []byte, err error)) (*cache.Entry, error) {
	c := r.ctx.Cache()
	if e, ok := c.Search(k, key, relocs); ok {
		return e, nil
	}
	payload, aux, err := produce()
	if err != nil {
		return nil, err
	}
	e, err := c.Upload(k, key, relocs, payload, aux)
	if err != nil {
		return nil, err
	}
	r.stats.Uploads++
	return e, nil
}

func (r *Renderer) program(k cache.Kind, stage Stage, source string) (*cache.Entry, error) {
	if source == "" {
		return nil, fmt.Errorf("%w: no %s program", ErrIncomplete, stage)
	}
	inputs := 0
	if stage == StageVertex {
		inputs = len(r.state.Elements)
	}
	key := ProgramKey(stage, source, r.state.Elements)
	return r.lookup(k, key, nil, func() ([]byte, []byte, error) {
		r.stats.Compiles++
		r.log.Debug("hw: compile", "stage", stage.String(), "bytes", len(source))
		return CompileProgram(r.compile, stage, source, inputs)
	})
}

func (r *Renderer) prepareVS() error {
	e, err := r.program(KindVS, StageVertex, r.state.VS)
	if err != nil {
		return err
	}
	r.vs = e
	return nil
}

func (r *Renderer) prepareFS() error {
	e, err := r.program(KindFS, StageFragment, r.state.FS)
	if err != nil {
		return err
	}
	r.fs = e
	return nil
}

// packed looks up an object whose payload is its key.
func (r *Renderer) packed(k cache.Kind, key []byte, relocs []cache.Reloc) (*cache.Entry, error) {
	return r.lookup(k, key, relocs, func() ([]byte, []byte, error) {
		return key, nil, nil
	})
}

func (r *Renderer) prepareCC() error {
	e, err := r.packed(KindCC, PackCC(r.state.Blend, r.state.Depth), nil)
	if err != nil {
		return err
	}
	r.cc = e
	return nil
}

func (r *Renderer) prepareSamplers() error {
	if n := len(r.state.Textures); n > MaxTextures {
		return fmt.Errorf("%w: %d textures, at most %d", ErrIncomplete, n, MaxTextures)
	}
	e, err := r.packed(KindSampler, PackSamplers(r.state.Textures), nil)
	if err != nil {
		return err
	}
	r.samplers = e
	return nil
}

func (r *Renderer) prepareSurfaces() error {
	color := r.state.Color
	if color.Buffer == nil {
		return fmt.Errorf("%w: no color target", ErrIncomplete)
	}
	surfaces := make([]*cache.Entry, 0, 1+len(r.state.Textures))
	e, err := r.packed(KindSurface, PackSurface(color), surfaceRelocs(color, bo.DomainRender, bo.DomainRender))
	if err != nil {
		return err
	}
	surfaces = append(surfaces, e)
	for i, t := range r.state.Textures {
		if t.Buffer == nil {
			return fmt.Errorf("%w: texture %d has no buffer", ErrIncomplete, i)
		}
		e, err := r.packed(KindSurface, PackSurface(t.Surface), surfaceRelocs(t.Surface, bo.DomainSampler, 0))
		if err != nil {
			return err
		}
		surfaces = append(surfaces, e)
	}
	r.surfaces = surfaces
	return nil
}

func (r *Renderer) prepareBindingTable() error {
	n := len(r.surfaces)
	e, err := r.lookup(KindBindingTable, BindingTableKey(n), bindingTableRelocs(r.surfaces), func() ([]byte, []byte, error) {
		return make([]byte, 4*n), nil, nil
	})
	if err != nil {
		return err
	}
	r.table = e
	return nil
}

func (r *Renderer) preparePointers() error {
	if r.vs == nil || r.fs == nil || r.cc == nil || r.samplers == nil {
		return fmt.Errorf("%w: unit state missing", ErrIncomplete)
	}
	ws := r.ctx.WorkingSet()
	ws.Add(r.vs.Buffer)
	ws.Add(r.fs.Buffer)
	ws.Add(r.cc.Buffer)
	ws.Add(r.samplers.Buffer)
	return nil
}

func (r *Renderer) prepareBindingTablePointers() error {
	if r.table == nil {
		return fmt.Errorf("%w: no binding table", ErrIncomplete)
	}
	r.ctx.WorkingSet().Add(r.table.Buffer)
	return nil
}

func (r *Renderer) prepareDepthBuffer() error {
	if d := r.state.DepthBuf; d != nil && d.Buffer != nil {
		r.ctx.WorkingSet().Add(d.Buffer)
	}
	return nil
}

func (r *Renderer) prepareVertices() error {
	if n := len(r.state.Vertices); n > MaxVertexBuffers {
		return fmt.Errorf("%w: %d vertex buffers, at most %d", ErrIncomplete, n, MaxVertexBuffers)
	}
	if n := len(r.state.Elements); n > MaxVertexElements {
		return fmt.Errorf("%w: %d vertex elements, at most %d", ErrIncomplete, n, MaxVertexElements)
	}
	for i, v := range r.state.Vertices {
		if v.Buffer == nil {
			return fmt.Errorf("%w: vertex buffer %d missing", ErrIncomplete, i)
		}
		if uint64(v.Offset) >= v.Buffer.Size() {
			return fmt.Errorf("%w: vertex buffer %d offset %d beyond %d bytes", ErrIncomplete, i, v.Offset, v.Buffer.Size())
		}
		r.ctx.WorkingSet().Add(v.Buffer)
	}
	for i, e := range r.state.Elements {
		if e.Buffer < 0 || e.Buffer >= len(r.state.Vertices) {
			return fmt.Errorf("%w: vertex element %d uses unbound buffer %d", ErrIncomplete, i, e.Buffer)
		}
	}
	return nil
}

func (r *Renderer) emitInvariant() error {
	b := r.ctx.Batch()
	if err := b.Reserve(lenPipelineSelect); err != nil {
		return err
	}
	b.EmitDword(header(CmdPipelineSelect, lenPipelineSelect))
	b.Advance()

	if err := b.Reserve(lenStateSIP); err != nil {
		return err
	}
	b.EmitDword(header(CmdStateSIP, lenStateSIP))
	b.EmitDword(0)
	b.Advance()
	return nil
}

// emitStateBaseAddress sets every base to zero so state pointers are
// absolute addresses.
func (r *Renderer) emitStateBaseAddress() error {
	b := r.ctx.Batch()
	if err := b.Reserve(lenStateBaseAddress); err != nil {
		return err
	}
	b.EmitDword(header(CmdStateBaseAddress, lenStateBaseAddress))
	for range lenStateBaseAddress - 1 {
		b.EmitDword(1) // modify enable
	}
	b.Advance()
	r.ctx.Flag(state.Flags{Driver: subcore.DirtyNewStateBaseAddress})
	return nil
}

func (r *Renderer) relocState(e *cache.Entry) error {
	return r.ctx.Batch().EmitReloc(e.Buffer, bo.DomainInstruction, 0, 0)
}

func (r *Renderer) emitPointers() error {
	b := r.ctx.Batch()
	if err := b.Reserve(lenPipelinedPointers); err != nil {
		return err
	}
	b.EmitDword(header(CmdPipelinedPointers, lenPipelinedPointers))
	if err := r.relocState(r.vs); err != nil {
		return err
	}
	b.EmitDword(0) // gs disabled
	b.EmitDword(0) // clip disabled
	b.EmitDword(0) // sf
	for _, e := range []*cache.Entry{r.fs, r.cc, r.samplers} {
		if err := r.relocState(e); err != nil {
			return err
		}
	}
	b.Advance()
	r.ctx.Flag(state.Flags{Driver: subcore.DirtyNewPipelinedPointers})
	return nil
}

func (r *Renderer) emitBindingTablePointers() error {
	b := r.ctx.Batch()
	if err := b.Reserve(lenBindingTablePointers); err != nil {
		return err
	}
	b.EmitDword(header(CmdBindingTablePointers, lenBindingTablePointers))
	if err := r.relocState(r.table); err != nil {
		return err
	}
	b.Advance()
	r.ctx.Flag(state.Flags{Driver: subcore.DirtyNewBindingTable})
	return nil
}

func (r *Renderer) emitDrawingRectangle() error {
	b := r.ctx.Batch()
	if err := b.Reserve(lenDrawingRectangle); err != nil {
		return err
	}
	w, h := max(r.state.Color.Width, 1), max(r.state.Color.Height, 1)
	b.EmitDword(header(CmdDrawingRectangle, lenDrawingRectangle))
	b.EmitDword(0)
	b.EmitDword((h-1)<<16 | (w - 1))
	b.EmitDword(0)
	b.AdvanceCached()
	return nil
}

func (r *Renderer) emitDepthBuffer() error {
	b := r.ctx.Batch()
	if err := b.Reserve(lenDepthBuffer); err != nil {
		return err
	}
	b.EmitDword(header(CmdDepthBuffer, lenDepthBuffer))
	d := r.state.DepthBuf
	if d == nil || d.Buffer == nil {
		b.EmitDword(7 << 29) // null surface
		b.EmitDword(0)
		b.EmitDword(0)
		b.Advance()
		return nil
	}
	b.EmitDword(1<<29 | uint32(d.Format)<<18 | (max(d.Pitch, 1) - 1))
	if err := b.EmitReloc(d.Buffer, bo.DomainRender, bo.DomainRender, 0); err != nil {
		return err
	}
	b.EmitDword((max(d.Height, 1)-1)<<19 | (max(d.Width, 1)-1)<<6)
	b.Advance()
	return nil
}

func (r *Renderer) emitVertices() error {
	vbs, elems := r.state.Vertices, r.state.Elements
	if len(vbs) == 0 {
		return nil
	}
	b := r.ctx.Batch()
	n := 1 + 4*len(vbs)
	if err := b.Reserve(n); err != nil {
		return err
	}
	b.EmitDword(header(CmdVertexBuffers, n))
	for i, v := range vbs {
		b.EmitDword(uint32(i)<<27 | v.Stride)
		if err := b.EmitReloc(v.Buffer, bo.DomainVertex, 0, v.Offset); err != nil {
			return err
		}
		if err := b.EmitReloc(v.Buffer, bo.DomainVertex, 0, uint32(v.Buffer.Size()-1)); err != nil {
			return err
		}
		b.EmitDword(0)
	}
	b.Advance()

	if len(elems) == 0 {
		return nil
	}
	n = 1 + 2*len(elems)
	if err := b.Reserve(n); err != nil {
		return err
	}
	b.EmitDword(header(CmdVertexElements, n))
	for i, e := range elems {
		b.EmitDword(uint32(e.Buffer)<<27 | 1<<26 | uint32(e.Format)<<16 | e.Offset&0x7ff)
		b.EmitDword(uint32(i))
	}
	b.Advance()
	return nil
}

// Draw validates and emits the current state, then appends a primitive of
// count vertices starting at first.
func (r *Renderer) Draw(prim Primitive, first, count uint32) error {
	if prim < PointList || prim > TriangleStrip {
		return fmt.Errorf("hw: invalid primitive %d", prim)
	}
	err := r.ctx.Draw(state.Flags{}, func(b *batch.Batch) error {
		if err := b.Reserve(len3DPrimitive); err != nil {
			return err
		}
		b.EmitDword(header(Cmd3DPrimitive, len3DPrimitive) | uint32(prim)<<10)
		b.EmitDword(count)
		b.EmitDword(first)
		b.EmitDword(1) // instances
		b.EmitDword(0) // start instance
		b.EmitDword(0) // base vertex
		b.Advance()
		return nil
	})
	if err != nil {
		return err
	}
	r.stats.Draws++
	return nil
}

// SetProgram sets the vertex and fragment program sources.
func (r *Renderer) SetProgram(vs, fs string) {
	r.state.VS, r.state.FS = vs, fs
	r.ctx.Flag(state.Flags{Upper: NewProgram})
}

// SetBlend sets blending.
func (r *Renderer) SetBlend(s BlendState) {
	r.state.Blend = s
	r.ctx.Flag(state.Flags{Upper: NewBlend})
}

// SetDepth sets depth and stencil testing.
func (r *Renderer) SetDepth(s DepthState) {
	r.state.Depth = s
	r.ctx.Flag(state.Flags{Upper: NewDepth})
}

// SetTextures binds up to MaxTextures textures.
func (r *Renderer) SetTextures(textures ...Texture) {
	r.state.Textures = slices.Clone(textures)
	r.ctx.Flag(state.Flags{Upper: NewTextures})
}

// SetRenderTargets binds the color target and an optional depth buffer.
func (r *Renderer) SetRenderTargets(color Surface, depth *Surface) {
	r.state.Color = color
	r.state.DepthBuf = nil
	if depth != nil {
		d := *depth
		r.state.DepthBuf = &d
	}
	r.ctx.Flag(state.Flags{Upper: NewBuffers})
}

// SetVertices binds vertex buffers and the attribute layout.
func (r *Renderer) SetVertices(buffers []VertexBuffer, elements []VertexElement) {
	r.state.Vertices = slices.Clone(buffers)
	r.state.Elements = slices.Clone(elements)
	r.ctx.Flag(state.Flags{Upper: NewVertices})
}

// State returns the current pipeline state.
func (r *Renderer) State() State { return r.state }

// Context returns the driver context.
func (r *Renderer) Context() *subcore.Context { return r.ctx }

// Stats returns producer counters.
func (r *Renderer) Stats() Stats { return r.stats }

// Flush submits pending commands.
func (r *Renderer) Flush() error { return r.ctx.Flush() }

// Finish submits pending commands and waits for the device.
func (r *Renderer) Finish() error { return r.ctx.Finish() }

// Close releases the context. The device stays open.
func (r *Renderer) Close() { r.ctx.Close() }
