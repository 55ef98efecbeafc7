package batch

import "log/slog"

// Option configures a Batch.
type Option func(*options)

type options struct {
	size   int
	debug  bool
	sync   bool
	logger *slog.Logger
}

func defaultOptions() options {
	return options{size: DefaultSize}
}

// WithSize sets the capacity in bytes, trailer included. The value is
// rounded up to a multiple of 4096.
func WithSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.size = (n + 4095) &^ 4095
		}
	}
}

// WithDebug enables reservation accounting, the emit guard and the
// relocation target check. Violations panic.
func WithDebug(v bool) Option {
	return func(o *options) { o.debug = v }
}

// WithSync makes every flush wait for the device to finish the batch.
func WithSync(v bool) Option {
	return func(o *options) { o.sync = v }
}

// WithLogger sets the logger. Nil disables logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
