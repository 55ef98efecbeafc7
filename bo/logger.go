package bo

import (
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/subcore/internal/logx"
)

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(logx.Nop())
}

// SetLogger sets the logger for buffer life-cycle failures that have no
// caller to return an error to. nil restores the silent default.
func SetLogger(l *slog.Logger) {
	loggerPtr.Store(logx.OrNop(l))
}

func logger() *slog.Logger { return loggerPtr.Load() }
