package immix

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/immix/immix/internal/utils"
	"github.com/vkngwrapper/immix/memutils"
	"github.com/vkngwrapper/immix/memutils/metadata"
	"github.com/vkngwrapper/immix/rawblock"
	"golang.org/x/exp/slog"
)

var bumpBlockPool = sync.Pool{
	New: func() any {
		return &BumpBlock{}
	},
}

// Allocator grants object storage out of bump blocks. When the current block cannot satisfy a
// request, it moves on to the block's next hole, then to blocks recycled by the last sweep, then
// to empty blocks kept by the last sweep, and finally to a fresh block from its source. Every
// granted range lies in exactly one block, never overlaps another range granted from the same
// block until that block is swept, and is aligned as requested.
type Allocator struct {
	logger        *slog.Logger
	mutex         utils.OptionalRWMutex
	createFlags   CreateFlags
	source        *rawblock.TrackedSource
	minFreeBlocks int

	current  *BumpBlock
	recycled []*BumpBlock
	free     []*BumpBlock
	full     []*BumpBlock

	// every live block, keyed by start address
	blocks *swiss.Map[uintptr, *BumpBlock]
}

// SweepStats reports what a sweep did with the blocks it examined
type SweepStats struct {
	// BlocksReleased is the number of empty blocks returned to the source
	BlocksReleased int
	// BlocksFree is the number of empty blocks kept for reuse
	BlocksFree int
	// BlocksRecycled is the number of partially marked blocks whose holes will be allocated into
	BlocksRecycled int
	// BlocksFull is the number of blocks with every line marked
	BlocksFull int
	// BytesReleased is the number of bytes returned to the source
	BytesReleased int
}

func (a *Allocator) checkRequest(size int, alignment uint) error {
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return errors.Mark(err, ErrInvalidRequest)
	}
	if alignment > metadata.BlockSize {
		return errors.Wrapf(ErrInvalidRequest, "alignment %d is larger than a block", alignment)
	}
	if size < 0 {
		return errors.Wrapf(ErrInvalidRequest, "allocation size %d is negative", size)
	}
	if size+memutils.DebugMargin > metadata.BlockSize {
		return errors.Wrapf(ErrInvalidRequest, "allocation size %d does not fit in a %d byte block", size, metadata.BlockSize)
	}

	return nil
}

// Alloc grants size bytes aligned to alignment. alignment must be a power of two no larger than
// metadata.BlockSize, and size must fit within one block; anything else fails with
// ErrInvalidRequest. A zero size is granted one byte so that the range lies inside its block.
// If a new block is needed and the source cannot provide one, Alloc fails with ErrOutOfMemory.
func (a *Allocator) Alloc(size int, alignment uint) (Allocation, error) {
	if size == 0 {
		size = 1
	}

	err := a.checkRequest(size, alignment)
	if err != nil {
		return Allocation{}, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for {
		if a.current != nil {
			alloc, ok := a.tryAlloc(a.current, size, alignment)
			if ok {
				return alloc, nil
			}

			if a.current.AdvanceHole() {
				continue
			}

			a.full = append(a.full, a.current)
			a.current = nil
		}

		a.current, err = a.nextBlock()
		if err != nil {
			return Allocation{}, err
		}
	}
}

func (a *Allocator) tryAlloc(block *BumpBlock, size int, alignment uint) (Allocation, bool) {
	padding := memutils.AlignPadding(block.Cursor(), alignment)
	offset, ok := block.Allocate(padding + size + memutils.DebugMargin)
	if !ok {
		return Allocation{}, false
	}

	alloc := Allocation{
		block:  block,
		region: block.Block(),
		offset: offset + padding,
		size:   size,
	}

	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(block.Block().Bytes(), alloc.offset+size)
	}

	return alloc, true
}

func pop(blocks *[]*BumpBlock) *BumpBlock {
	last := len(*blocks) - 1
	block := (*blocks)[last]
	(*blocks)[last] = nil
	*blocks = (*blocks)[:last]
	return block
}

func (a *Allocator) nextBlock() (*BumpBlock, error) {
	if len(a.recycled) > 0 {
		return pop(&a.recycled), nil
	}

	if len(a.free) > 0 {
		return pop(&a.free), nil
	}

	return a.createBlock()
}

func (a *Allocator) createBlock() (*BumpBlock, error) {
	block, err := NewBlock(a.source, metadata.BlockSize)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "failed to obtain a block",
			slog.Int("size", metadata.BlockSize),
			slog.Any("error", err),
		)
		return nil, err
	}

	bumpBlock := bumpBlockPool.Get().(*BumpBlock)
	bumpBlock.Init(block)
	a.blocks.Put(block.StartAddress(), bumpBlock)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "created block",
		slog.Uint64("address", uint64(block.StartAddress())),
		slog.Int("size", block.Size()),
	)

	return bumpBlock, nil
}

func (a *Allocator) releaseBlock(block *BumpBlock) error {
	address := block.Block().StartAddress()
	size := block.Block().Size()

	err := block.Destroy()
	if err != nil {
		return err
	}

	a.blocks.Delete(address)
	bumpBlockPool.Put(block)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "released block",
		slog.Uint64("address", uint64(address)),
		slog.Int("size", size),
	)
	return nil
}

// BlockForAddress returns the live block containing addr, if any
func (a *Allocator) BlockForAddress(addr uintptr) (*BumpBlock, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.blocks.Get(BlockStart(addr, metadata.BlockSize))
}

// MarkObject marks the lines touched by the size bytes at addr in the block that contains addr. It
// returns false if addr does not belong to this allocator. The range must not cross the end of
// the block.
func (a *Allocator) MarkObject(addr uintptr, size int) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	block, ok := a.blocks.Get(BlockStart(addr, metadata.BlockSize))
	if !ok {
		return false
	}

	block.Meta().MarkRange(int(addr-block.Block().StartAddress()), size)
	return true
}

// VisitBlocks calls visit for every live block in address order. Iteration stops at the first
// error, which is returned.
func (a *Allocator) VisitBlocks(visit func(block *BumpBlock) error) error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, block := range a.sortedBlocks() {
		err := visit(block)
		if err != nil {
			return err
		}
	}

	return nil
}

func (a *Allocator) sortedBlocks() []*BumpBlock {
	blocks := make([]*BumpBlock, 0, a.blocks.Count())
	a.blocks.Iter(func(_ uintptr, block *BumpBlock) bool {
		blocks = append(blocks, block)
		return false
	})

	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Block().StartAddress() < blocks[j].Block().StartAddress()
	})
	return blocks
}

// BlockCount returns the number of live blocks
func (a *Allocator) BlockCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.blocks.Count()
}

// ClearMarks unmarks every line of every block. A collector calls it before marking live objects.
func (a *Allocator) ClearMarks() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.blocks.Iter(func(_ uintptr, block *BumpBlock) bool {
		block.Meta().ClearAll()
		return false
	})
}

// Sweep sorts every block by its line marks once a collector has marked the live objects. Blocks
// with no marked lines are kept empty for reuse, up to CreateOptions.MinFreeBlocks, and otherwise
// returned to the source. Blocks with holes are recycled with their bump window on the first hole.
// Blocks with every line marked wait for a later sweep. The block being allocated into is swept
// too, so the next Alloc starts from the sweep's results.
func (a *Allocator) Sweep() (SweepStats, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats SweepStats

	candidates := make([]*BumpBlock, 0, a.blocks.Count())
	candidates = append(candidates, a.full...)
	candidates = append(candidates, a.recycled...)
	if a.current != nil {
		candidates = append(candidates, a.current)
	}

	a.current = nil
	a.full = a.full[:0]
	a.recycled = a.recycled[:0]

	var err error
	for _, block := range candidates {
		switch {
		case block.Meta().IsEmpty():
			if len(a.free) < a.minFreeBlocks {
				block.Reset()
				a.free = append(a.free, block)
				stats.BlocksFree++
				continue
			}

			size := block.Block().Size()
			releaseErr := a.releaseBlock(block)
			if releaseErr != nil {
				err = errors.CombineErrors(err, releaseErr)
				block.Reset()
				a.free = append(a.free, block)
				stats.BlocksFree++
				continue
			}

			stats.BlocksReleased++
			stats.BytesReleased += size
		case block.Recycle():
			a.recycled = append(a.recycled, block)
			stats.BlocksRecycled++
		default:
			a.full = append(a.full, block)
			stats.BlocksFull++
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "swept blocks",
		slog.Int("released", stats.BlocksReleased),
		slog.Int("free", stats.BlocksFree),
		slog.Int("recycled", stats.BlocksRecycled),
		slog.Int("full", stats.BlocksFull),
	)

	return stats, err
}

// AddStatistics sums every live block into stats
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.blocks.Iter(func(_ uintptr, block *BumpBlock) bool {
		block.AddStatistics(stats)
		return false
	})
}

// CalculateStatistics returns detailed statistics across every live block
func (a *Allocator) CalculateStatistics() memutils.DetailedStatistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.blocks.Iter(func(_ uintptr, block *BumpBlock) bool {
		block.AddDetailedStatistics(&stats)
		return false
	})
	return stats
}

// BuildStatsString produces a json document describing the allocator's totals, its source usage,
// and, when detailed is true, every block's bump window and line marks
func (a *Allocator) BuildStatsString(detailed bool) string {
	stats := a.CalculateStatistics()

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	writer := jwriter.NewWriter()
	root := writer.Object()

	total := root.Name("Total").Object()
	stats.WriteJson(total)
	total.End()

	source := root.Name("Source").Object()
	source.Name("BlockCount").Int(a.source.BlockCount())
	source.Name("BlockBytes").Int(a.source.BlockBytes())
	source.Name("MaxBytes").Int(a.source.MaxBytes())
	source.End()

	lists := root.Name("Lists").Object()
	lists.Name("Recycled").Int(len(a.recycled))
	lists.Name("Free").Int(len(a.free))
	lists.Name("Full").Int(len(a.full))
	lists.End()

	if detailed {
		blocks := root.Name("Blocks").Array()
		for _, block := range a.sortedBlocks() {
			blockObj := blocks.Object()
			block.BlockJsonData(blockObj)
			blockObj.End()
		}
		blocks.End()
	}

	root.End()
	return string(writer.Bytes())
}

// Destroy returns every block to the source. The allocator must not be used afterward.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var err error
	for _, block := range a.sortedBlocks() {
		if block.AllocationCount() > 0 {
			a.logger.LogAttrs(context.Background(), slog.LevelWarn, "[UNRELEASED MEMORY] destroying a block with granted ranges",
				slog.Uint64("address", uint64(block.Block().StartAddress())),
				slog.Int("allocations", block.AllocationCount()),
				slog.Int("bytes", block.AllocationBytes()),
			)
		}

		releaseErr := a.releaseBlock(block)
		if releaseErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(releaseErr, "failed to release block at %#x", block.Block().StartAddress()))
		}
	}

	a.current = nil
	a.recycled = nil
	a.free = nil
	a.full = nil
	return err
}

// NewObject allocates storage for a T from allocator and sets it to the zero value. The storage is
// not scanned by the Go collector, so T must not hold Go pointers that are the only reference to
// their targets.
func NewObject[T any](allocator *Allocator) (*T, error) {
	var zero T
	alloc, err := allocator.Alloc(int(unsafe.Sizeof(zero)), uint(unsafe.Alignof(zero)))
	if err != nil {
		return nil, err
	}

	ptr := (*T)(alloc.Pointer())
	*ptr = zero
	return ptr, nil
}

// MakeSlice allocates storage for count elements of T from allocator and returns them zeroed as a
// slice with len and cap equal to count. The same restriction on Go pointers as NewObject applies.
func MakeSlice[T any](allocator *Allocator, count int) ([]T, error) {
	var zero T
	if count < 0 {
		return nil, errors.Wrapf(ErrInvalidRequest, "slice length %d is negative", count)
	}
	if unsafe.Sizeof(zero) > 0 && count > metadata.BlockSize/int(unsafe.Sizeof(zero)) {
		return nil, errors.Wrapf(ErrInvalidRequest, "%d elements of %d bytes do not fit in a block", count, unsafe.Sizeof(zero))
	}

	alloc, err := allocator.Alloc(count*int(unsafe.Sizeof(zero)), uint(unsafe.Alignof(zero)))
	if err != nil {
		return nil, err
	}

	slice := unsafe.Slice((*T)(alloc.Pointer()), count)
	clear(slice)
	return slice, nil
}

func (a *Allocator) String() string {
	return fmt.Sprintf("Allocator{flags: %s, blocks: %d}", a.createFlags, a.BlockCount())
}
