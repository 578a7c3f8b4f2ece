package immix

import "unsafe"

// AllocateBlockCallback is called after the allocator obtains a new block from its source
type AllocateBlockCallback func(
	allocator *Allocator,
	address uintptr,
	size int,
	userData any,
)

// FreeBlockCallback is called after the allocator returns a block to its source
type FreeBlockCallback func(
	allocator *Allocator,
	address uintptr,
	size int,
	userData any,
)

// MemoryCallbackOptions lets the consumer observe every block that enters or leaves the allocator.
// Callbacks run while the allocator is busy and must not call back into it.
type MemoryCallbackOptions struct {
	Allocate AllocateBlockCallback
	Free     FreeBlockCallback
	UserData any
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(ptr unsafe.Pointer, size int) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, uintptr(ptr), size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(ptr unsafe.Pointer, size int) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, uintptr(ptr), size, c.Callbacks.UserData)
	}
}
