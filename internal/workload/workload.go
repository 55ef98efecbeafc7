// Package workload drives a hw.Renderer through a synthetic frame loop:
// a set of textures and programs cycled across draws so that every atom,
// cache kind and flush path is exercised.
package workload

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/gogpu/subcore"
	"github.com/gogpu/subcore/backend"
	"github.com/gogpu/subcore/bo"
	"github.com/gogpu/subcore/hw"
	"github.com/gogpu/subcore/internal/logx"
)

// Config describes a workload.
type Config struct {
	Frames        int    `mapstructure:"frames" toml:"frames"`
	DrawsPerFrame int    `mapstructure:"draws_per_frame" toml:"draws_per_frame"`
	Textures      int    `mapstructure:"textures" toml:"textures"`
	Programs      int    `mapstructure:"programs" toml:"programs"`
	Width         int    `mapstructure:"width" toml:"width"`
	Height        int    `mapstructure:"height" toml:"height"`
	Depth         bool   `mapstructure:"depth" toml:"depth"`
	Seed          uint64 `mapstructure:"seed" toml:"seed"`

	// Options are applied to the driver context.
	Options []subcore.Option `mapstructure:"-" toml:"-"`

	// Compile overrides the shader compiler.
	Compile hw.Compiler `mapstructure:"-" toml:"-"`
}

// DefaultConfig returns a small workload: 4 frames of 64 draws.
func DefaultConfig() Config {
	return Config{
		Frames:        4,
		DrawsPerFrame: 64,
		Textures:      4,
		Programs:      2,
		Width:         256,
		Height:        256,
		Depth:         true,
		Seed:          1,
	}
}

// Validate checks the workload bounds.
func (c Config) Validate() error {
	switch {
	case c.Frames < 1:
		return errors.New("workload: frames must be at least 1")
	case c.DrawsPerFrame < 1:
		return errors.New("workload: draws_per_frame must be at least 1")
	case c.Textures < 1:
		return errors.New("workload: textures must be at least 1")
	case c.Programs < 1:
		return errors.New("workload: programs must be at least 1")
	case c.Width < 1 || c.Height < 1 || c.Width > 8192 || c.Height > 8192:
		return fmt.Errorf("workload: surface %dx%d out of range", c.Width, c.Height)
	}
	return nil
}

// Report is the outcome of a run.
type Report struct {
	Backend  string        `toml:"backend"`
	Frames   int           `toml:"frames"`
	Draws    uint64        `toml:"draws"`
	Flushes  uint64        `toml:"flushes"`
	Retries  uint64        `toml:"retries"`
	Compiles uint64        `toml:"compiles"`
	Uploads  uint64        `toml:"uploads"`
	Entries  int           `toml:"cache_entries"`
	Hits     uint64        `toml:"cache_hits"`
	Misses   uint64        `toml:"cache_misses"`
	Emitted  uint64        `toml:"atoms_emitted"`
	Patched  uint64        `toml:"relocs_patched"`
	Skipped  uint64        `toml:"relocs_skipped"`
	Elapsed  time.Duration `toml:"elapsed"`
	Packets  []hw.Packet   `toml:"packets,omitempty"`
}

// resources are the buffers a run draws with.
type resources struct {
	color    hw.Surface
	depth    *hw.Surface
	textures []hw.Texture
	vertices *bo.Buffer
	buffers  []*bo.Buffer
}

func (r *resources) release() {
	for _, b := range r.buffers {
		b.Unreference()
	}
}

// Runner executes workloads on one device.
type Runner struct {
	dev backend.Device
	cfg Config
	log *slog.Logger

	keepLast bool
	last     []byte
}

// New creates a runner. keepLast retains a copy of the final command
// stream of each run for Report.Packets.
func New(dev backend.Device, cfg Config, log *slog.Logger, keepLast bool) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{dev: dev, cfg: cfg, log: logx.OrNop(log), keepLast: keepLast}, nil
}

// Run executes the workload once. It stops between draws when ctx is
// cancelled.
func (w *Runner) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	cfg := w.cfg
	rep := Report{Backend: w.dev.Name()}

	r, err := hw.NewRenderer(w.dev, cfg.Compile, cfg.Options...)
	if err != nil {
		return rep, err
	}
	defer r.Close()

	res, err := w.allocate()
	if err != nil {
		return rep, err
	}
	defer res.release()

	rng := rand.New(rand.NewPCG(cfg.Seed, 0))
	programs := make([][2]string, cfg.Programs)
	for i := range programs {
		programs[i] = [2]string{vertexSource, fragmentSource(i)}
	}

	r.SetRenderTargets(res.color, res.depth)
	r.SetDepth(hw.DepthState{Test: res.depth != nil, Write: res.depth != nil, Func: hw.CompareLess})
	r.SetVertices(
		[]hw.VertexBuffer{{Buffer: res.vertices, Stride: vertexStride}},
		[]hw.VertexElement{{Format: hw.FormatFloat2}, {Format: hw.FormatFloat2, Offset: 8}},
	)

	for frame := range cfg.Frames {
		for i := range cfg.DrawsPerFrame {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			p := programs[rng.IntN(len(programs))]
			r.SetProgram(p[0], p[1])
			r.SetTextures(res.textures[(frame+i)%len(res.textures)])
			r.SetBlend(blendFor(i))
			if err := r.Draw(hw.TriangleList, 0, 6); err != nil {
				return rep, fmt.Errorf("workload: frame %d draw %d: %w", frame, i, err)
			}
		}
		if frame == cfg.Frames-1 && w.keepLast {
			w.last = append(w.last[:0], r.Context().Batch().Data()...)
		}
		if err := r.Flush(); err != nil {
			return rep, fmt.Errorf("workload: frame %d flush: %w", frame, err)
		}
		rep.Frames++
		w.log.Debug("workload: frame done", "frame", frame, "stats", r.Stats().String())
	}
	if err := r.Finish(); err != nil {
		return rep, err
	}

	st := r.Context().Stats()
	hs := r.Stats()
	rep.Draws = st.Draws
	rep.Flushes = st.Batch.Flushes
	rep.Retries = st.Retries
	rep.Compiles = hs.Compiles
	rep.Uploads = hs.Uploads
	rep.Entries = st.Cache.Entries
	rep.Hits = st.Cache.Hits
	rep.Misses = st.Cache.Misses
	rep.Emitted = st.Pipeline.Emits
	if sr, ok := w.dev.(backend.StatsReporter); ok {
		es := sr.ExecStats()
		rep.Patched = es.RelocsPatched
		rep.Skipped = es.RelocsSkipped
	}
	if w.keepLast {
		rep.Packets = hw.Decode(w.last)
	}
	rep.Elapsed = time.Since(start)
	w.log.Info("workload: done",
		"backend", rep.Backend,
		"frames", rep.Frames,
		"draws", rep.Draws,
		"flushes", rep.Flushes,
		"elapsed", rep.Elapsed)
	return rep, nil
}

func (w *Runner) allocate() (*resources, error) {
	cfg := w.cfg
	res := &resources{}
	alloc := func(name string, size uint64) (*bo.Buffer, error) {
		b, err := w.dev.Alloc(name, size, 4096)
		if err != nil {
			return nil, err
		}
		res.buffers = append(res.buffers, b)
		return b, nil
	}
	fail := func(err error) (*resources, error) {
		res.release()
		return nil, fmt.Errorf("workload: allocate: %w", err)
	}

	pitch := uint32(cfg.Width * 4)
	color, err := alloc("color", uint64(pitch)*uint64(cfg.Height))
	if err != nil {
		return fail(err)
	}
	res.color = hw.Surface{Buffer: color, Width: uint32(cfg.Width), Height: uint32(cfg.Height), Pitch: pitch, Format: hw.FormatRGBA8}
	if cfg.Depth {
		depth, err := alloc("depth", uint64(pitch)*uint64(cfg.Height))
		if err != nil {
			return fail(err)
		}
		res.depth = &hw.Surface{Buffer: depth, Width: uint32(cfg.Width), Height: uint32(cfg.Height), Pitch: pitch, Format: hw.FormatDepth24}
	}
	for i := range cfg.Textures {
		const size = 64
		tex, err := alloc(fmt.Sprintf("texture%d", i), size*size*4)
		if err != nil {
			return fail(err)
		}
		res.textures = append(res.textures, hw.Texture{
			Surface: hw.Surface{Buffer: tex, Width: size, Height: size, Pitch: size * 4, Format: hw.FormatRGBA8},
			Sampler: hw.SamplerState{Min: hw.FilterLinear, Mag: hw.FilterLinear, WrapS: hw.WrapRepeat, WrapT: hw.WrapRepeat},
		})
	}
	vb, err := alloc("vertices", uint64(len(quad))*4)
	if err != nil {
		return fail(err)
	}
	if err := vb.Subdata(0, floats(quad)); err != nil {
		return fail(err)
	}
	res.vertices = vb
	return res, nil
}

// Position and texture coordinate of two triangles covering the target.
var quad = []float32{
	-1, -1, 0, 0,
	1, -1, 1, 0,
	1, 1, 1, 1,
	-1, -1, 0, 0,
	1, 1, 1, 1,
	-1, 1, 0, 1,
}

const vertexStride = 16

func floats(v []float32) []byte {
	out := make([]byte, 0, 4*len(v))
	for _, f := range v {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
	}
	return out
}

func blendFor(i int) hw.BlendState {
	if i%2 == 0 {
		return hw.BlendState{WriteMask: 0xf}
	}
	return hw.BlendState{Enable: true, Src: hw.BlendSrcAlpha, Dst: hw.BlendOneMinusSrcAlpha, WriteMask: 0xf}
}

const vertexSource = `struct VertexOutput {
    @builtin(position) position: vec4<f32>,
    @location(0) uv: vec2<f32>,
}

@vertex
fn vs_main(@location(0) pos: vec2<f32>, @location(1) uv: vec2<f32>) -> VertexOutput {
    var out: VertexOutput;
    out.position = vec4<f32>(pos, 0.0, 1.0);
    out.uv = uv;
    return out;
}
`

// fragmentSource returns a distinct fragment program per index.
func fragmentSource(i int) string {
	g := float32(i%8) / 8
	return fmt.Sprintf(`@fragment
fn fs_main(@location(0) uv: vec2<f32>) -> @location(0) vec4<f32> {
    return vec4<f32>(uv.x, %.3f, uv.y, 1.0);
}
`, g)
}
