package subcore

// Driver-namespace dirty bits. DirtyNewContext and DirtyNewBatch are raised
// by the context itself; the others are raised by atoms for atoms later in
// the list.
const (
	// DirtyNewContext is raised once when a context is created.
	DirtyNewContext uint32 = 1 << iota
	// DirtyNewBatch is raised after every flush: the fresh command buffer
	// carries no state.
	DirtyNewBatch
	// DirtyNewStateBaseAddress is raised when base addresses are re-emitted,
	// invalidating every pointer relative to them.
	DirtyNewStateBaseAddress
	// DirtyNewPipelinedPointers is raised when the unit state pointers change.
	DirtyNewPipelinedPointers
	// DirtyNewBindingTable is raised when the binding table pointer changes.
	DirtyNewBindingTable
)
