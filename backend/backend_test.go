package backend

import (
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/subcore/bo"
)

type stubDevice struct{ name string }

func (d *stubDevice) Name() string                                  { return d.name }
func (d *stubDevice) Alloc(string, uint64, uint64) (*bo.Buffer, error) { return nil, ErrNoDeviceMemory }
func (d *stubDevice) Exec(*Execbuf) error                           { return nil }
func (d *stubDevice) WaitIdle() error                               { return nil }
func (d *stubDevice) ApertureSize() uint64                          { return 0 }
func (d *stubDevice) Close()                                        {}

func withRegistry(t *testing.T) {
	t.Helper()
	registryMu.Lock()
	saved := backends
	backends = make(map[string]Factory)
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		backends = saved
		registryMu.Unlock()
	})
}

func TestRegisterGet(t *testing.T) {
	withRegistry(t)
	Register("stub", func() (Device, error) { return &stubDevice{name: "stub"}, nil })

	if !IsRegistered("stub") {
		t.Fatal("expected stub to be registered")
	}
	d, err := Get("stub")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if d.Name() != "stub" {
		t.Errorf("Name() = %q, want %q", d.Name(), "stub")
	}

	if _, err := Get("missing"); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("expected ErrBackendNotAvailable, got %v", err)
	}

	Unregister("stub")
	if IsRegistered("stub") {
		t.Error("expected stub to be unregistered")
	}
}

func TestDefaultPriority(t *testing.T) {
	withRegistry(t)
	Register(NameSoft, func() (Device, error) { return &stubDevice{name: NameSoft}, nil })
	Register(NameNative, func() (Device, error) { return &stubDevice{name: NameNative}, nil })

	d, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if d.Name() != NameNative {
		t.Errorf("expected %q first, got %q", NameNative, d.Name())
	}
}

func TestDefaultSkipsFailingFactory(t *testing.T) {
	withRegistry(t)
	Register(NameNative, func() (Device, error) { return nil, errors.New("no adapter") })
	Register(NameSoft, func() (Device, error) { return &stubDevice{name: NameSoft}, nil })

	d, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if d.Name() != NameSoft {
		t.Errorf("expected fallback to %q, got %q", NameSoft, d.Name())
	}
}

func TestDefaultEmpty(t *testing.T) {
	withRegistry(t)
	if _, err := Default(); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("expected ErrBackendNotAvailable, got %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected MustDefault to panic")
		}
	}()
	MustDefault()
}

func TestAvailableSorted(t *testing.T) {
	withRegistry(t)
	for _, n := range []string{"zeta", "alpha", NameSoft} {
		Register(n, func() (Device, error) { return &stubDevice{name: n}, nil })
	}
	got := Available()
	want := []string{"alpha", NameSoft, "zeta"}
	if !slices.Equal(got, want) {
		t.Errorf("Available() = %v, want %v", got, want)
	}
}
