// Package subcore is the command-submission core of a GPU driver.
//
// # Overview
//
// A Context owns one command buffer, one object cache, one working set and
// one state-atom pipeline bound to a backend.Device. Each draw brings the
// hardware state up to date by running the atoms whose dirty masks
// intersect the accumulated dirty flags, then writes the draw packet.
//
// # Quick Start
//
//	dev := soft.New(soft.DefaultConfig())
//	defer dev.Close()
//
//	r, err := hw.NewRenderer(dev, nil)
//	if err != nil {
//		return err
//	}
//	defer r.Close()
//
//	r.SetProgram(vsSource, fsSource)
//	r.SetRenderTargets(color, nil)
//	r.SetVertices(buffers, elements)
//	if err := r.Draw(hw.TriangleList, 0, 3); err != nil {
//		return err
//	}
//	r.Flush()
//
// # Architecture
//
// The module is organized into:
//   - bo: reference-counted buffers and relocation records
//   - batch: the command buffer with reserved trailer space and packet dedup
//   - cache: content-addressed hardware objects with per-kind selection
//   - workset: the per-draw set of buffers that must fit the aperture
//   - state: dirty flags, atoms and the prepare/validate/emit pipeline
//   - backend: devices (soft for tests and hosts without a GPU, native on a HAL device)
//   - hw: a gen4-style atom list with program, packed-state and pointer atoms
//
// # Flush and retry
//
// When the objects a draw needs do not fit the aperture together with the
// commands already queued, the draw flushes once and validates again
// against the empty batch. A draw that does not fit an empty batch fails
// with ErrApertureTooSmall.
//
// # Threading
//
// A Context is driven by one goroutine. The package logger may be changed
// from any goroutine.
package subcore

// Version information
const (
	// Version is the current version of the module
	Version = "0.1.0-alpha.1"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0

	// VersionPrerelease is the prerelease identifier
	VersionPrerelease = "alpha.1"
)
