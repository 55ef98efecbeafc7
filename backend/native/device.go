// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package native provides a device on top of a gogpu/wgpu HAL device.
//
// Buffers are backed by hal.Buffer objects with a host shadow copy;
// unmapping or flushing a range uploads it through the queue. Device
// addresses are assigned from a virtual aperture when a buffer is
// created and stay fixed for its lifetime, so relocations are only
// patched the first time a batch points at a buffer.
//
// Each submission copies the command stream into a device ring buffer
// and is tracked by its own fence.
package native

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/subcore/backend"
	"github.com/gogpu/subcore/bo"
	"github.com/gogpu/subcore/internal/aperture"
	"github.com/gogpu/subcore/internal/execbuf"
	"github.com/gogpu/subcore/internal/logx"

	// Vulkan HAL backend for Open.
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

const apertureBase = backend.ApertureBase

// bufferUsage is the usage of every buffer: written from the host and
// copied into the ring.
const bufferUsage = gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc

// Config configures a native device.
type Config struct {
	// Backend selects the HAL backend used by Open.
	Backend gputypes.Backend

	// ApertureSize is the addressable window in bytes.
	ApertureSize uint64

	// RingSize is the size of the ring buffer commands are copied into;
	// it bounds the length of one batch.
	RingSize uint64

	// Timeout bounds every fence wait.
	Timeout time.Duration

	// Label prefixes HAL object labels.
	Label string

	// Logger receives debug output. Nil disables logging.
	Logger *slog.Logger
}

// DefaultConfig returns a Vulkan device with a 256 MiB aperture.
func DefaultConfig() Config {
	return Config{
		Backend:      gputypes.BackendVulkan,
		ApertureSize: 256 << 20,
		RingSize:     64 << 10,
		Timeout:      5 * time.Second,
		Label:        "subcore",
	}
}

func (c *Config) defaults() {
	def := DefaultConfig()
	if c.ApertureSize == 0 {
		c.ApertureSize = def.ApertureSize
	}
	c.ApertureSize = min(c.ApertureSize, backend.MaxApertureSize)
	if c.RingSize == 0 {
		c.RingSize = def.RingSize
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.Label == "" {
		c.Label = def.Label
	}
}

// inflight is a submission that has not been seen complete.
type inflight struct {
	seq   uint64
	fence hal.Fence
	cmd   hal.CommandBuffer
}

// Device is a backend.Device on a HAL device.
type Device struct {
	cfg      Config
	log      *slog.Logger
	instance hal.Instance // nil for borrowed devices
	device   hal.Device
	queue    hal.Queue
	external bool

	heap      *aperture.Heap
	ring      hal.Buffer
	allocated uint64
	seq       uint64
	completed uint64
	pending   []inflight
	stats     backend.ExecStats
	closed    bool
}

func init() {
	backend.Register(backend.NameNative, func() (backend.Device, error) {
		return Open(DefaultConfig())
	})
}

// Open creates a HAL instance for cfg.Backend and opens the first
// discrete or integrated GPU, or the first adapter if there is none.
func Open(cfg Config) (*Device, error) {
	if cfg.Backend == 0 {
		cfg.Backend = gputypes.BackendVulkan
	}
	api, ok := hal.GetBackend(cfg.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: hal backend %v", backend.ErrBackendNotAvailable, cfg.Backend)
	}
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open device: %w", err)
	}
	d, err := newDevice(cfg, openDev.Device, openDev.Queue, false)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.instance = instance
	d.log.Info("native: device opened", "adapter", selected.Info.Name, "aperture", d.cfg.ApertureSize)
	return d, nil
}

// NewFromHAL wraps a device and queue owned by the caller. Close does not
// destroy them.
func NewFromHAL(cfg Config, device hal.Device, queue hal.Queue) (*Device, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("native: nil hal device or queue")
	}
	return newDevice(cfg, device, queue, true)
}

// NewFromProvider shares the device of a host application. The provider
// must implement HalDevice() any and HalQueue() any returning hal.Device
// and hal.Queue.
func NewFromProvider(cfg Config, provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrProvider)
	}
	return NewFromHAL(cfg, device, queue)
}

func newDevice(cfg Config, device hal.Device, queue hal.Queue, external bool) (*Device, error) {
	cfg.defaults()
	d := &Device{
		cfg:      cfg,
		log:      logx.OrNop(cfg.Logger),
		device:   device,
		queue:    queue,
		external: external,
		heap:     aperture.NewHeap(apertureBase, cfg.ApertureSize),
	}
	ring, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: cfg.Label + "_ring",
		Size:  cfg.RingSize,
		Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create ring buffer: %w", err)
	}
	d.ring = ring
	return d, nil
}

// Name implements backend.Device.
func (d *Device) Name() string { return backend.NameNative }

// ApertureSize implements backend.Device.
func (d *Device) ApertureSize() uint64 { return d.cfg.ApertureSize }

// Alloc implements backend.Device. The buffer is given its device address
// immediately.
func (d *Device) Alloc(name string, size, align uint64) (*bo.Buffer, error) {
	if d.closed {
		return nil, backend.ErrClosed
	}
	hsize := aperture.AlignUp(max(size, 4), 4)
	hbuf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: d.cfg.Label + "_" + name,
		Size:  hsize,
		Usage: bufferUsage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%d bytes): %w", backend.ErrNoDeviceMemory, name, size, err)
	}
	m := &halBacking{dev: d, hbuf: hbuf, shadow: make([]byte, hsize)}
	b := bo.New(name, size, align, m)
	m.buf = b
	addr, ok := d.heap.Alloc(b.Footprint(), max(align, 1))
	if !ok {
		d.device.DestroyBuffer(hbuf)
		return nil, fmt.Errorf("%w: no address range for %s (%d bytes)", backend.ErrNoDeviceMemory, name, size)
	}
	m.addr = addr
	b.SetOffset(addr)
	d.allocated += hsize
	return b, nil
}

// Exec implements backend.Device.
func (d *Device) Exec(ex *backend.Execbuf) error {
	if d.closed {
		return backend.ErrClosed
	}
	if uint64(ex.Used) > ex.Batch.Size() || ex.Used%4 != 0 {
		return fmt.Errorf("native: invalid batch length %d for %d-byte buffer", ex.Used, ex.Batch.Size())
	}
	if uint64(ex.Used) > d.cfg.RingSize {
		return fmt.Errorf("native: batch of %d bytes exceeds %d-byte ring", ex.Used, d.cfg.RingSize)
	}

	var list []*bo.Buffer
	st, err := execbuf.Run(ex.Batch, func(bufs []*bo.Buffer) error {
		list = bufs
		for _, b := range bufs {
			if m, ok := b.Backing().(*halBacking); !ok || m.dev != d {
				return fmt.Errorf("%w: %s", ErrForeignBuffer, b)
			}
		}
		if st := execbuf.Footprint(bufs); st > d.cfg.ApertureSize {
			return fmt.Errorf("%w: submission needs %d bytes, aperture is %d",
				backend.ErrApertureFull, st, d.cfg.ApertureSize)
		}
		return nil
	})
	if err != nil {
		return err
	}

	batch := ex.Batch.Backing().(*halBacking)
	if err := batch.upload(0, aperture.AlignUp(uint64(ex.Used), 4)); err != nil {
		return err
	}
	cmd, err := d.encode(batch.hbuf, uint64(ex.Used))
	if err != nil {
		return err
	}
	fence, err := d.device.CreateFence()
	if err != nil {
		d.device.FreeCommandBuffer(cmd)
		return fmt.Errorf("native: create fence: %w", err)
	}
	if err := d.queue.Submit([]hal.CommandBuffer{cmd}, fence, 1); err != nil {
		d.device.DestroyFence(fence)
		d.device.FreeCommandBuffer(cmd)
		return fmt.Errorf("native: submit: %w", err)
	}

	d.seq++
	d.pending = append(d.pending, inflight{seq: d.seq, fence: fence, cmd: cmd})
	for _, b := range list {
		b.Backing().(*halBacking).fence = d.seq
	}
	d.stats.Submissions++
	d.stats.RelocsPatched += uint64(st.Patched)
	d.stats.RelocsSkipped += uint64(st.Skipped)
	d.log.Debug("native: exec",
		"seq", d.seq,
		"bytes", ex.Used,
		"buffers", st.Buffers,
		"patched", st.Patched,
		"skipped", st.Skipped)
	return nil
}

// encode records the copy of the command stream into the ring.
func (d *Device) encode(src hal.Buffer, n uint64) (hal.CommandBuffer, error) {
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: d.cfg.Label + "_encoder"})
	if err != nil {
		return nil, fmt.Errorf("native: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(d.cfg.Label + "_batch"); err != nil {
		encoder.DiscardEncoding()
		return nil, fmt.Errorf("native: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(src, d.ring, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: n},
	})
	cmd, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		return nil, fmt.Errorf("native: end encoding: %w", err)
	}
	return cmd, nil
}

// poll retires submissions whose fence signaled, oldest first, waiting at
// most timeout for each submission up to seq.
func (d *Device) poll(seq uint64, timeout time.Duration) error {
	for len(d.pending) > 0 && d.pending[0].seq <= seq {
		p := d.pending[0]
		ok, err := d.device.Wait(p.fence, 1, timeout)
		if err != nil {
			return fmt.Errorf("native: wait seq %d: %w", p.seq, err)
		}
		if !ok {
			if timeout == 0 {
				return nil
			}
			return fmt.Errorf("%w: seq %d after %v", ErrTimeout, p.seq, timeout)
		}
		d.device.DestroyFence(p.fence)
		d.device.FreeCommandBuffer(p.cmd)
		d.pending = d.pending[1:]
		d.completed = p.seq
	}
	return nil
}

// WaitIdle implements backend.Device.
func (d *Device) WaitIdle() error {
	if d.closed {
		return backend.ErrClosed
	}
	return d.poll(d.seq, d.cfg.Timeout)
}

// Close implements backend.Device. Buffers still alive lose their device
// memory.
func (d *Device) Close() {
	if d.closed {
		return
	}
	if err := d.poll(d.seq, d.cfg.Timeout); err != nil {
		d.log.Warn("native: close with pending work", "err", err)
	}
	d.device.DestroyBuffer(d.ring)
	d.closed = true
	if !d.external {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.log.Info("native: device closed", "submissions", d.stats.Submissions)
}

// ExecStats implements backend.StatsReporter.
func (d *Device) ExecStats() backend.ExecStats { return d.stats }

// Allocated returns the bytes of device memory held by live buffers.
func (d *Device) Allocated() uint64 { return d.allocated }

// Completed returns the sequence number of the last retired submission.
func (d *Device) Completed() uint64 { return d.completed }

// Submitted returns the sequence number of the last submission.
func (d *Device) Submitted() uint64 { return d.seq }
