package subcore

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/gogpu/subcore/backend"
	"github.com/gogpu/subcore/batch"
	"github.com/gogpu/subcore/cache"
	"github.com/gogpu/subcore/state"
	"github.com/gogpu/subcore/workset"
)

// AtomFunc builds the atom list of a context. It is called once by
// NewContext, after the command buffer, cache and working set exist, so
// atoms can close over them and register their cache kinds.
type AtomFunc func(c *Context) []state.Atom

// Stats aggregates the counters of a context and its components.
type Stats struct {
	Draws       uint64
	Retries     uint64
	CacheClears uint64
	Batch       batch.Stats
	Cache       cache.Stats
	Pipeline    state.Stats
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Context{draws=%d, retries=%d, cache clears=%d} %s %s %s",
		s.Draws, s.Retries, s.CacheClears, s.Batch, s.Cache, s.Pipeline)
}

// Context is the driver context: one command buffer, one object cache,
// one working set and one atom pipeline bound to a device.
//
// A Context is driven by a single thread. The device is owned by the
// caller and outlives the context.
type Context struct {
	id   uuid.UUID
	dev  backend.Device
	opts options
	log  *slog.Logger

	batch *batch.Batch
	cache *cache.Cache
	ws    *workset.Set
	pipe  *state.Pipeline

	stats  Stats
	closed bool
}

// NewContext creates a context on dev. atoms may be nil for a context
// that only emits raw commands.
func NewContext(dev backend.Device, atoms AtomFunc, opts ...Option) (*Context, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &Context{
		id:   uuid.New(),
		dev:  dev,
		opts: o,
	}
	l := o.logger
	if l == nil {
		l = Logger()
	}
	c.log = l.With("context", c.id.String())

	b, err := batch.New(dev,
		batch.WithSize(o.batchSize),
		batch.WithDebug(o.debug),
		batch.WithSync(o.sync),
		batch.WithLogger(c.log),
	)
	if err != nil {
		return nil, fmt.Errorf("subcore: new context: %w", err)
	}
	c.batch = b
	c.ws = workset.New(dev.ApertureSize(), o.maxBuffers, c.log)
	c.cache = cache.New(dev,
		cache.WithBuckets(o.buckets),
		cache.WithMaxEntries(o.maxEntries),
		cache.WithSignal(c.cacheSelected),
		cache.WithLogger(c.log),
	)

	var list []state.Atom
	if atoms != nil {
		list = atoms(c)
	}
	c.pipe = state.New(list,
		state.WithDebug(o.debug),
		state.WithValidator(c.validate),
		state.WithLogger(c.log),
	)

	b.OnReset(c.newBatch)
	if o.debug {
		b.SetEmitGuard(c.emitAllowed)
		b.SetTargetCheck(c.ws.Contains)
	}
	c.pipe.Flag(state.Flags{Driver: DirtyNewContext | DirtyNewBatch})

	c.log.Info("subcore: context created",
		"backend", dev.Name(),
		"aperture", dev.ApertureSize(),
		"batch", b.Capacity(),
		"atoms", len(list),
		"debug", o.debug)
	return c, nil
}

// cacheSelected maps a cache selection change to the Cache dirty bit of
// the kind.
func (c *Context) cacheSelected(k cache.Kind) {
	if c.pipe == nil {
		return
	}
	c.pipe.Flag(state.Flags{Cache: 1 << k})
}

// newBatch runs after every flush. Objects referenced by the previous
// batch no longer need to be resident, and state held by the hardware is
// gone.
func (c *Context) newBatch() {
	c.ws.Clear()
	c.pipe.Flag(state.Flags{Driver: DirtyNewBatch})
}

// validate counts the working set together with the command buffer and
// every object the command buffer already points at.
func (c *Context) validate() error {
	cmd := uint64(c.batch.Capacity()) + c.ws.Uncounted(c.batch.Buffer())
	return c.ws.Validate(cmd)
}

func (c *Context) emitAllowed() bool {
	switch c.pipe.Phase() {
	case state.Preparing, state.Validating:
		return false
	}
	return true
}

// Draw brings the hardware state up to date and then calls draw, if not
// nil, to write the draw packet. flags are merged into the dirty set
// first.
//
// When the working set does not fit the aperture, the batch is flushed
// and state is validated again against the fresh batch. If it still does
// not fit, Draw fails with ErrApertureTooSmall and nothing is written.
func (c *Context) Draw(flags state.Flags, draw func(*batch.Batch) error) error {
	if c.closed {
		return ErrClosed
	}
	if c.cache.CheckSize() {
		c.stats.CacheClears++
		c.pipe.Flag(state.All)
	}
	if err := c.batch.RequireSpace(c.opts.drawReserve); err != nil {
		return err
	}
	c.pipe.Flag(flags)

	for retried := false; ; retried = true {
		c.ws.Clear()
		err := c.pipe.Run(state.Flags{})
		if err == nil {
			break
		}
		if !errors.Is(err, workset.ErrNeedsFlush) {
			return err
		}
		if retried || c.batch.Empty() {
			c.ws.Clear()
			return fmt.Errorf("%w: %w", ErrApertureTooSmall, err)
		}
		c.stats.Retries++
		c.log.Warn("subcore: working set exceeds aperture, flushing",
			"buffers", c.ws.Len(), "footprint", c.ws.Footprint(), "batch", c.batch.Used())
		if err := c.batch.Flush(); err != nil {
			return err
		}
	}

	if draw != nil {
		if err := draw(c.batch); err != nil {
			return err
		}
	}
	c.stats.Draws++
	return nil
}

// Flag marks state dirty without drawing.
func (c *Context) Flag(f state.Flags) { c.pipe.Flag(f) }

// Flush submits pending commands.
func (c *Context) Flush() error {
	if c.closed {
		return ErrClosed
	}
	return c.batch.Flush()
}

// Finish submits pending commands and waits until the device completed
// them.
func (c *Context) Finish() error {
	if c.closed {
		return ErrClosed
	}
	return c.batch.Finish()
}

// Close releases the command buffer, the cache and the working set.
// Pending commands are discarded; call Flush first to keep them.
func (c *Context) Close() {
	if c.closed {
		return
	}
	c.ws.Clear()
	c.cache.Close()
	c.batch.Close()
	c.closed = true
	c.log.Info("subcore: context closed", "draws", c.stats.Draws, "flushes", c.batch.Stats().Flushes)
}

// ID returns the context identifier used in log records.
func (c *Context) ID() uuid.UUID { return c.id }

// Device returns the device the context submits to.
func (c *Context) Device() backend.Device { return c.dev }

// Batch returns the command buffer.
func (c *Context) Batch() *batch.Batch { return c.batch }

// Cache returns the object cache.
func (c *Context) Cache() *cache.Cache { return c.cache }

// WorkingSet returns the working set of the draw in progress.
func (c *Context) WorkingSet() *workset.Set { return c.ws }

// Pipeline returns the atom pipeline.
func (c *Context) Pipeline() *state.Pipeline { return c.pipe }

// Debug reports whether diagnostic checks are enabled.
func (c *Context) Debug() bool { return c.opts.debug }

// Logger returns the context logger.
func (c *Context) Logger() *slog.Logger { return c.log }

// Stats returns the context counters.
func (c *Context) Stats() Stats {
	s := c.stats
	s.Batch = c.batch.Stats()
	s.Cache = c.cache.Stats()
	s.Pipeline = c.pipe.Stats()
	return s
}
