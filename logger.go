package subcore

import (
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/subcore/bo"
	"github.com/gogpu/subcore/internal/logx"
)

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(logx.Nop())
}

// SetLogger configures the logger used by contexts created afterwards
// and by the sub-packages they build. By default subcore produces no log
// output. Pass nil to restore the silent default.
//
// Log levels used by subcore:
//   - [slog.LevelDebug]: per-flush, per-upload and per-submission detail
//   - [slog.LevelInfo]: context and device lifecycle
//   - [slog.LevelWarn]: flush-and-retry, cache clears, evictions
//
// Example:
//
//	subcore.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = logx.Nop()
	}
	loggerPtr.Store(l)
	bo.SetLogger(l)
}

// Logger returns the current package logger.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
