package subcore

import (
	"errors"

	"github.com/gogpu/subcore/batch"
	"github.com/gogpu/subcore/cache"
	"github.com/gogpu/subcore/workset"
)

// Errors returned by a Context. The component errors are re-exported so
// callers can match them with errors.Is without importing each package.
var (
	// ErrOutOfSpace reports a command that cannot fit an empty batch.
	ErrOutOfSpace = batch.ErrOutOfSpace

	// ErrNeedsFlush reports a working set that exceeds the aperture.
	ErrNeedsFlush = workset.ErrNeedsFlush

	// ErrCacheAllocationFailed reports a cache upload the device could
	// not back.
	ErrCacheAllocationFailed = cache.ErrAllocationFailed

	// ErrCompileFailed is wrapped by program producers when a shader does
	// not compile.
	ErrCompileFailed = errors.New("subcore: program compile failed")

	// ErrApertureTooSmall is returned by Draw when the objects of a single
	// draw do not fit the aperture even in an empty batch.
	ErrApertureTooSmall = errors.New("subcore: draw does not fit the aperture")

	// ErrClosed is returned by operations on a closed context.
	ErrClosed = errors.New("subcore: context closed")
)
