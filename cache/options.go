package cache

import "log/slog"

// Option configures a Cache.
type Option func(*options)

type options struct {
	buckets    int
	maxEntries int
	signal     func(Kind)
	logger     *slog.Logger
}

func defaultOptions() options {
	return options{buckets: DefaultBuckets}
}

// WithBuckets sets the bucket count, rounded up to a power of two.
func WithBuckets(n int) Option {
	return func(o *options) {
		if n <= 0 {
			return
		}
		p := 1
		for p < n {
			p <<= 1
		}
		o.buckets = p
	}
}

// WithMaxEntries bounds the cache. CheckSize clears the whole cache once
// the bound is exceeded. Zero, the default, leaves the cache unbounded.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithSignal sets the function called when the selected object of a kind
// changes.
func WithSignal(fn func(Kind)) Option {
	return func(o *options) { o.signal = fn }
}

// WithLogger sets the logger. Nil disables logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
