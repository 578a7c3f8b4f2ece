package immix

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/immix/memutils"
	"github.com/vkngwrapper/immix/memutils/metadata"
	"github.com/vkngwrapper/immix/rawblock"
)

// BumpBlock grants byte ranges from a single metadata.BlockSize block by advancing a cursor toward
// a limit. It owns the block and the block's line marks exclusively.
//
// Granted ranges are always [previous cursor, new cursor). The cursor only moves forward, except
// when SetBounds, Recycle, or AdvanceHole move the bump window after a collection has filled in
// the line marks. BumpBlock is not safe for concurrent use.
type BumpBlock struct {
	cursor int
	limit  int
	block  *Block
	meta   metadata.BlockMeta

	allocationCount   int
	allocationBytes   int
	allocationSizeMin int
	allocationSizeMax int
}

// NewBumpBlock obtains a fresh metadata.BlockSize block from source and opens the bump window over
// all of it
func NewBumpBlock(source rawblock.Source) (*BumpBlock, error) {
	block, err := NewBlock(source, metadata.BlockSize)
	if err != nil {
		return nil, err
	}

	b := &BumpBlock{}
	b.Init(block)
	return b, nil
}

// Init takes ownership of block, clears the line marks, and opens the bump window over the whole
// block. It panics if this BumpBlock already owns a block or if block is not metadata.BlockSize bytes.
func (b *BumpBlock) Init(block *Block) {
	if b.block != nil {
		panic("attempting to initialize a bump block that is already in use")
	}
	if block.Size() != metadata.BlockSize {
		panic(fmt.Sprintf("bump blocks must be %d bytes, but the provided block is %d bytes", metadata.BlockSize, block.Size()))
	}

	b.block = block
	b.meta.ClearAll()
	b.cursor = 0
	b.limit = metadata.BlockSize
	b.resetCounters()
}

func (b *BumpBlock) resetCounters() {
	b.allocationCount = 0
	b.allocationBytes = 0
	b.allocationSizeMin = math.MaxInt
	b.allocationSizeMax = 0
}

// Allocate grants size bytes and returns the offset of the first one within the block. When fewer
// than size bytes remain before the limit, it returns false and changes nothing; the caller should
// move to the next hole or the next block. size must already include any padding the caller needs
// for alignment.
func (b *BumpBlock) Allocate(size int) (int, bool) {
	if size < 0 {
		panic(fmt.Sprintf("attempting to bump allocate a negative size %d", size))
	}

	if size > b.limit-b.cursor {
		return 0, false
	}

	offset := b.cursor
	b.cursor += size

	b.allocationCount++
	b.allocationBytes += size
	if size < b.allocationSizeMin {
		b.allocationSizeMin = size
	}
	if size > b.allocationSizeMax {
		b.allocationSizeMax = size
	}

	return offset, true
}

func (b *BumpBlock) Cursor() int               { return b.cursor }
func (b *BumpBlock) Limit() int                { return b.limit }
func (b *BumpBlock) Remaining() int            { return b.limit - b.cursor }
func (b *BumpBlock) Block() *Block             { return b.block }
func (b *BumpBlock) Meta() *metadata.BlockMeta { return &b.meta }
func (b *BumpBlock) AllocationCount() int      { return b.allocationCount }
func (b *BumpBlock) AllocationBytes() int      { return b.allocationBytes }

// SetBounds moves the bump window to [cursor, limit). It is meant for a collector that has found
// reusable space after a sweep. It panics unless 0 <= cursor <= limit <= metadata.BlockSize.
func (b *BumpBlock) SetBounds(cursor, limit int) {
	if cursor < 0 || cursor > limit || limit > metadata.BlockSize {
		panic(fmt.Sprintf("invalid bump window [%d, %d) for a block of %d bytes", cursor, limit, metadata.BlockSize))
	}

	b.cursor = cursor
	b.limit = limit
	memutils.DebugValidate(b)
}

// Recycle places the bump window over the first hole in the line marks and resets the allocation
// counters. It returns false, leaving the window empty, when every line is marked.
func (b *BumpBlock) Recycle() bool {
	b.resetCounters()

	start, end, ok := b.meta.NextHole(0)
	if !ok {
		b.SetBounds(metadata.BlockSize, metadata.BlockSize)
		return false
	}

	b.SetBounds(metadata.LineOffset(start), metadata.LineOffset(end))
	return true
}

// AdvanceHole moves the bump window to the next hole past the current limit. It returns false,
// leaving the window empty, when there are no more holes.
func (b *BumpBlock) AdvanceHole() bool {
	start, end, ok := b.meta.NextHole(metadata.LineIndex(b.limit + metadata.LineSize - 1))
	if !ok {
		b.SetBounds(b.limit, b.limit)
		return false
	}

	b.SetBounds(metadata.LineOffset(start), metadata.LineOffset(end))
	return true
}

// Reset empties the line marks and reopens the bump window over the whole block, as if the block
// had just been created
func (b *BumpBlock) Reset() {
	b.meta.ClearAll()
	b.resetCounters()
	b.SetBounds(0, metadata.BlockSize)
}

// Validate checks the bump window and the line marks for consistency
func (b *BumpBlock) Validate() error {
	if b.block == nil || b.block.IsDestroyed() {
		return errors.New("bump block has no live backing block")
	}
	if b.block.Size() != metadata.BlockSize {
		return errors.Errorf("bump block's backing block is %d bytes, expected %d", b.block.Size(), metadata.BlockSize)
	}
	if b.cursor < 0 || b.cursor > b.limit || b.limit > metadata.BlockSize {
		return errors.Errorf("invalid bump window [%d, %d)", b.cursor, b.limit)
	}
	if b.allocationBytes < 0 || b.allocationCount < 0 {
		return errors.Errorf("negative allocation counters: %d allocations totalling %d bytes", b.allocationCount, b.allocationBytes)
	}

	return b.meta.Validate()
}

// AddStatistics sums this block and the ranges granted from it into stats
func (b *BumpBlock) AddStatistics(stats *memutils.Statistics) {
	stats.AddBlock(b.block.Size())
	stats.AllocationCount += b.allocationCount
	stats.AllocationBytes += b.allocationBytes
}

// AddDetailedStatistics sums this block into stats. Unused ranges are the rest of the current bump
// window and every hole past it.
func (b *BumpBlock) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddBlock(b.block.Size())
	stats.AddAllocationSizes(b.allocationCount, b.allocationBytes, b.allocationSizeMin, b.allocationSizeMax)
	stats.MarkedLineCount += b.meta.MarkedCount()

	if b.Remaining() > 0 {
		stats.AddUnusedRange(b.Remaining())
	}

	start, end, ok := b.meta.NextHole(metadata.LineIndex(b.limit + metadata.LineSize - 1))
	for ok {
		stats.AddUnusedRange(metadata.LineOffset(end - start))
		start, end, ok = b.meta.NextHole(end)
	}
}

// BlockJsonData populates a json object with the bump window, the allocation counters, and the
// line marks of this block
func (b *BumpBlock) BlockJsonData(json jwriter.ObjectState) {
	json.Name("StartAddress").String(fmt.Sprintf("%#x", b.block.StartAddress()))
	json.Name("Size").Int(b.block.Size())
	json.Name("Cursor").Int(b.cursor)
	json.Name("Limit").Int(b.limit)
	json.Name("Allocations").Int(b.allocationCount)
	json.Name("AllocatedBytes").Int(b.allocationBytes)

	lines := json.Name("Lines").Object()
	defer lines.End()
	b.meta.BlockJsonData(lines)
}

// Destroy releases the backing block and leaves this BumpBlock ready for Init. It panics if there is
// no backing block.
func (b *BumpBlock) Destroy() error {
	if b.block == nil {
		panic("attempting to destroy a bump block, but it did not have a backing block")
	}

	err := b.block.Destroy()
	if err != nil {
		return err
	}

	b.block = nil
	b.meta.ClearAll()
	b.cursor = 0
	b.limit = 0
	b.resetCounters()
	return nil
}
