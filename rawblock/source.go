// Package rawblock acquires and releases the raw memory regions that back blocks. Every region
// is aligned to its own size, so the region containing any address can be found by masking.
package rawblock

import "unsafe"

//go:generate mockgen -source=source.go -destination=mocks/source.go -package=mocks

// Source is the operating allocator that blocks are carved from.
type Source interface {
	// Allocate reserves size bytes whose address is a multiple of size. Callers guarantee that
	// size is a power of two; it is not checked again here. When the region cannot be produced,
	// the returned error satisfies errors.Is(err, memutils.OutOfMemoryError).
	Allocate(size int) (unsafe.Pointer, error)
	// Release returns a region obtained from Allocate. size must be exactly the value that was
	// passed to Allocate for ptr.
	Release(ptr unsafe.Pointer, size int) error
}
