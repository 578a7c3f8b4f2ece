package immix

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/immix/memutils"
	"github.com/vkngwrapper/immix/rawblock"
)

// Block owns one region of memory whose address is a multiple of its size. The size is kept for
// the whole life of the block so that the region is always released with the size it was
// allocated with.
type Block struct {
	ptr    unsafe.Pointer
	size   int
	source rawblock.Source
}

// NewBlock obtains a region of size bytes from source. size must be a power of two no smaller than
// memutils.MinBlockSize; otherwise an error marked ErrInvalidRequest is returned and source is
// never called. Failures from source are returned marked ErrOutOfMemory.
func NewBlock(source rawblock.Source, size int) (*Block, error) {
	err := memutils.CheckPow2(size, "block size")
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidRequest)
	}
	if size < memutils.MinBlockSize {
		return nil, errors.Wrapf(ErrInvalidRequest, "block size %d is below the minimum of %d bytes", size, memutils.MinBlockSize)
	}

	ptr, err := source.Allocate(size)
	if err != nil {
		if !errors.Is(err, ErrOutOfMemory) {
			err = errors.Mark(err, ErrOutOfMemory)
		}
		return nil, err
	}

	if uintptr(ptr)&uintptr(size-1) != 0 {
		releaseErr := source.Release(ptr, size)
		return nil, errors.CombineErrors(
			errors.AssertionFailedf("block source returned region %#x which is not aligned to its size %d", uintptr(ptr), size),
			releaseErr,
		)
	}

	return &Block{
		ptr:    ptr,
		size:   size,
		source: source,
	}, nil
}

// BlockStart returns the start of the size-aligned block that contains addr. size must be a
// power of two.
func BlockStart(addr uintptr, size int) uintptr {
	memutils.DebugCheckPow2(size, "block size")
	return addr &^ uintptr(size-1)
}

// StartAddress returns the address of the first byte of the block
func (b *Block) StartAddress() uintptr { return uintptr(b.ptr) }

// Pointer returns the first byte of the block
func (b *Block) Pointer() unsafe.Pointer { return b.ptr }

// Size returns the size of the block in bytes
func (b *Block) Size() int { return b.size }

// Bytes returns the block's memory as a slice
func (b *Block) Bytes() []byte {
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

// Contains reports whether addr lies within the block
func (b *Block) Contains(addr uintptr) bool {
	return b.ptr != nil && BlockStart(addr, b.size) == uintptr(b.ptr)
}

// IsDestroyed returns true once Destroy has succeeded
func (b *Block) IsDestroyed() bool { return b.ptr == nil }

// Destroy returns the block's region to its source. Destroying a block twice is a programming
// error and panics. If the source fails to release the region, the block remains live and the
// error is returned.
func (b *Block) Destroy() error {
	if b.ptr == nil {
		panic("attempting to destroy a block that has already been released")
	}

	err := b.source.Release(b.ptr, b.size)
	if err != nil {
		return err
	}

	b.ptr = nil
	return nil
}
