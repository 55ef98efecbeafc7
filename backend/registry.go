package backend

import (
	"sort"
	"sync"
)

// Backend names.
const (
	// NameNative is the device on top of gogpu/wgpu/hal.
	NameNative = "native"
	// NameSoft is the in-process device.
	NameSoft = "soft"
)

// Factory creates a new device instance.
type Factory func() (Device, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first available wins).
	// Native > Soft (soft is the fallback that always works).
	backendPriority = []string{NameNative, NameSoft}
)

// Register registers a device factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the sorted names of registered backends.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Get opens a device by backend name.
func Get(name string) (Device, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()

	if !ok {
		return nil, ErrBackendNotAvailable
	}
	return factory()
}

// Default opens the best available device based on priority.
// Backends whose factory fails are skipped.
func Default() (Device, error) {
	registryMu.RLock()
	var factories []Factory
	for _, name := range backendPriority {
		if f, ok := backends[name]; ok {
			factories = append(factories, f)
		}
	}
	// Fallback: remaining registrations in name order.
	var rest []string
	for name := range backends {
		if !isPriority(name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		factories = append(factories, backends[name])
	}
	registryMu.RUnlock()

	var lastErr error = ErrBackendNotAvailable
	for _, f := range factories {
		d, err := f()
		if err == nil && d != nil {
			return d, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	return nil, lastErr
}

// MustDefault returns the default device or panics.
func MustDefault() Device {
	d, err := Default()
	if err != nil {
		panic("backend: no backend available: " + err.Error())
	}
	return d
}

func isPriority(name string) bool {
	for _, p := range backendPriority {
		if p == name {
			return true
		}
	}
	return false
}
