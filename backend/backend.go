package backend

import (
	"errors"

	"github.com/gogpu/subcore/bo"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNoDeviceMemory is returned when the device cannot back a new buffer.
	ErrNoDeviceMemory = errors.New("backend: out of device memory")

	// ErrApertureFull is returned by Exec when the buffers referenced by a
	// submission cannot be placed in the aperture even after eviction.
	ErrApertureFull = errors.New("backend: aperture full")

	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("backend: device closed")
)

// ApertureBase is the first device address handed out; address zero stays
// unused so an unplaced buffer is recognizable.
const ApertureBase = 0x10000

// MaxApertureSize is the largest aperture whose addresses fit a relocation.
const MaxApertureSize = bo.AddressLimit - ApertureBase

// Device is the submission interface of a GPU: it backs buffers with
// device memory, executes command buffers and reports completion.
//
// Devices are driven from a single driver thread.
type Device interface {
	// Name returns the backend identifier (e.g., "soft", "native").
	Name() string

	// Alloc creates a buffer of size bytes placed at a multiple of align.
	// The returned buffer holds one reference owned by the caller.
	Alloc(name string, size, align uint64) (*bo.Buffer, error)

	// Exec places every buffer reachable from the batch, resolves
	// relocations, and starts execution. Submission is atomic: on error
	// nothing from the batch executes.
	Exec(ex *Execbuf) error

	// WaitIdle blocks until every submitted batch has completed.
	WaitIdle() error

	// ApertureSize returns the bytes one submission may reference.
	ApertureSize() uint64

	// Close releases device resources.
	Close()
}

// Execbuf describes one command-buffer submission.
type Execbuf struct {
	// Batch holds the commands and the relocation list.
	Batch *bo.Buffer

	// Used is the number of command bytes, terminator included.
	Used uint32
}

// ExecStats is reported by devices that count relocation work.
type ExecStats struct {
	Submissions   uint64
	RelocsPatched uint64
	RelocsSkipped uint64
	Evictions     uint64
}

// StatsReporter is implemented by devices that expose ExecStats.
type StatsReporter interface {
	ExecStats() ExecStats
}
