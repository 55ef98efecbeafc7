package state

import "fmt"

// Flags is the dirty state in three independent namespaces: Upper for
// notifications from the pipeline-state API, Driver for internal
// invalidation (for example a new command buffer), and Cache for changed
// object selections (bit k for cache kind k).
type Flags struct {
	Upper  uint32
	Driver uint32
	Cache  uint32
}

// All has every bit set in every namespace.
var All = Flags{Upper: ^uint32(0), Driver: ^uint32(0), Cache: ^uint32(0)}

// Any reports whether a bit is set.
func (f Flags) Any() bool { return f.Upper|f.Driver|f.Cache != 0 }

// Intersects reports whether f and g share a bit in some namespace.
func (f Flags) Intersects(g Flags) bool {
	return f.Upper&g.Upper != 0 || f.Driver&g.Driver != 0 || f.Cache&g.Cache != 0
}

// Or returns the union.
func (f Flags) Or(g Flags) Flags {
	return Flags{f.Upper | g.Upper, f.Driver | g.Driver, f.Cache | g.Cache}
}

// And returns the intersection.
func (f Flags) And(g Flags) Flags {
	return Flags{f.Upper & g.Upper, f.Driver & g.Driver, f.Cache & g.Cache}
}

// Xor returns the bits that differ.
func (f Flags) Xor(g Flags) Flags {
	return Flags{f.Upper ^ g.Upper, f.Driver ^ g.Driver, f.Cache ^ g.Cache}
}

// String implements fmt.Stringer.
func (f Flags) String() string {
	return fmt.Sprintf("{upper=%#x driver=%#x cache=%#x}", f.Upper, f.Driver, f.Cache)
}
