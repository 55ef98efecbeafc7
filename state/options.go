package state

import "log/slog"

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	debug     bool
	validator func() error
	logger    *slog.Logger
}

// WithDebug enables the atom ordering check. Violations panic with an
// *OrderError.
func WithDebug(v bool) Option {
	return func(o *options) { o.debug = v }
}

// WithValidator sets a check that runs after every Prepare and before the
// first Emit. An error aborts the run without emission.
func WithValidator(fn func() error) Option {
	return func(o *options) { o.validator = fn }
}

// WithLogger sets the logger. Nil disables logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
