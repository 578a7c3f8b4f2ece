package immix

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/immix/memutils"
)

// Allocation is a handle to a range of bytes granted by an Allocator. It stays valid until the
// block it lives in is recycled past it or released. Once the block has been released, every
// accessor that reaches the block's memory panics.
type Allocation struct {
	block  *BumpBlock
	region *Block
	offset int
	size   int
}

func (a Allocation) liveRegion() *Block {
	if a.region == nil || a.region.IsDestroyed() {
		panic("attempting to use an allocation whose block has been released")
	}
	return a.region
}

// Block returns the bump block the range was granted from, or nil once that block has been
// released
func (a Allocation) Block() *BumpBlock {
	if a.block == nil || a.block.Block() != a.region || a.region.IsDestroyed() {
		return nil
	}
	return a.block
}

// IsReleased returns true once the block the range was granted from has been returned to its source
func (a Allocation) IsReleased() bool { return a.Block() == nil }

// Offset returns the offset of the first byte of the range within its block
func (a Allocation) Offset() int { return a.offset }

// Size returns the number of bytes that were requested
func (a Allocation) Size() int { return a.size }

// Address returns the address of the first byte of the range
func (a Allocation) Address() uintptr {
	return a.liveRegion().StartAddress() + uintptr(a.offset)
}

// Pointer returns the first byte of the range
func (a Allocation) Pointer() unsafe.Pointer {
	return unsafe.Add(a.liveRegion().Pointer(), a.offset)
}

// Bytes returns the range as a slice whose capacity ends with the range
func (a Allocation) Bytes() []byte {
	return a.liveRegion().Bytes()[a.offset : a.offset+a.size : a.offset+a.size]
}

// Mark marks every line of the owning block that the range touches
func (a Allocation) Mark() {
	block := a.Block()
	if block == nil {
		panic("attempting to mark an allocation whose block has been released")
	}
	block.Meta().MarkRange(a.offset, a.size)
}

// CheckCorruption verifies the debug margin written after the range. It always succeeds unless
// memutils is built with the debug_mem_utils tag.
func (a Allocation) CheckCorruption() error {
	if !memutils.ValidateMagicValue(a.liveRegion().Bytes(), a.offset+a.size) {
		return errors.Newf("memory corruption detected after the %d byte allocation at %#x", a.size, a.Address())
	}
	return nil
}
