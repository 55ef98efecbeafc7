// Package backend defines the device interface the submission core talks
// to and a registry of device implementations.
//
// # Backend Registration
//
// Backends are registered via init() functions and selected at runtime:
//
//	import _ "github.com/gogpu/subcore/backend/soft"
//
// # Backend Selection
//
// Use Default() to open the best available device, or Get() to request
// a specific backend by name:
//
//	dev, err := backend.Default()
//
//	// Or request a specific backend
//	dev, err := backend.Get(backend.NameSoft)
//
// # Available Backends
//
//   - "native": buffers and submission through gogpu/wgpu/hal
//   - "soft": in-process aperture and fence simulation (always available)
package backend
