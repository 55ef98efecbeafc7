package subcore

import (
	"log/slog"

	"github.com/gogpu/subcore/batch"
	"github.com/gogpu/subcore/cache"
	"github.com/gogpu/subcore/workset"
)

// DefaultDrawReserve is the batch space guaranteed before a draw starts
// emitting state.
const DefaultDrawReserve = 2048

// Option configures a Context.
type Option func(*options)

type options struct {
	batchSize   int
	debug       bool
	sync        bool
	buckets     int
	maxEntries  int
	maxBuffers  int
	drawReserve int
	logger      *slog.Logger
}

func defaultOptions() options {
	return options{
		batchSize:   batch.DefaultSize,
		buckets:     cache.DefaultBuckets,
		maxBuffers:  workset.DefaultMaxBuffers,
		drawReserve: DefaultDrawReserve,
	}
}

// WithBatchSize sets the command buffer capacity in bytes.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithDebug enables the diagnostic checks: packet reservation accounting,
// writes outside the emit phase, relocations to buffers missing from the
// working set, and the atom ordering check.
func WithDebug(v bool) Option {
	return func(o *options) { o.debug = v }
}

// WithSync makes every flush wait for the device.
func WithSync(v bool) Option {
	return func(o *options) { o.sync = v }
}

// WithCacheBuckets sets the object cache bucket count, rounded up to a
// power of two.
func WithCacheBuckets(n int) Option {
	return func(o *options) { o.buckets = n }
}

// WithCacheMaxEntries bounds the object cache; exceeding the bound clears
// it at the start of the next draw. Zero means unbounded.
func WithCacheMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithMaxBuffers bounds the number of distinct buffers one draw may
// reference before a flush is forced.
func WithMaxBuffers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBuffers = n
		}
	}
}

// WithDrawReserve sets the batch space guaranteed before a draw.
func WithDrawReserve(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.drawReserve = n
		}
	}
}

// WithLogger sets the context logger. The package logger is used when
// nil.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
