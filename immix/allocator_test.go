package immix_test

import (
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/immix/immix"
	"github.com/vkngwrapper/immix/memutils/metadata"
	"github.com/vkngwrapper/immix/rawblock"
	"github.com/vkngwrapper/immix/rawblock/mocks"
	"go.uber.org/mock/gomock"
)

func newAllocator(t *testing.T, options immix.CreateOptions) *immix.Allocator {
	t.Helper()

	if options.Source == nil {
		options.Source = rawblock.NewHeapSource()
	}

	allocator, err := immix.New(nil, options)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, allocator.Destroy())
	})

	return allocator
}

func requireDisjoint(t *testing.T, allocs []immix.Allocation) {
	t.Helper()

	sort.Slice(allocs, func(i, j int) bool {
		return allocs[i].Address() < allocs[j].Address()
	})

	for i := 1; i < len(allocs); i++ {
		prev := allocs[i-1]
		require.LessOrEqual(t, uint64(prev.Address())+uint64(prev.Size()), uint64(allocs[i].Address()),
			"allocation at %#x overlaps allocation at %#x", prev.Address(), allocs[i].Address())
	}
}

func TestAllocatorAlignmentAndContainment(t *testing.T) {
	allocator := newAllocator(t, immix.CreateOptions{})

	sizes := []int{1, 3, 8, 17, 100, 129, 1000, 4093}
	alignments := []uint{1, 2, 8, 16, 64, 256, 4096}

	var allocs []immix.Allocation
	for round := 0; round < 20; round++ {
		for _, size := range sizes {
			for _, alignment := range alignments {
				alloc, err := allocator.Alloc(size, alignment)
				require.NoError(t, err)
				require.Zero(t, alloc.Address()%uintptr(alignment), "size %d alignment %d", size, alignment)
				require.Equal(t, size, alloc.Size())
				require.Len(t, alloc.Bytes(), size)

				require.LessOrEqual(t, alloc.Offset()+alloc.Size(), metadata.BlockSize)
				owner, ok := allocator.BlockForAddress(alloc.Address())
				require.True(t, ok)
				require.Same(t, alloc.Block(), owner)
				last, ok := allocator.BlockForAddress(alloc.Address() + uintptr(size-1))
				require.True(t, ok)
				require.Same(t, owner, last)

				allocs = append(allocs, alloc)
			}
		}
	}

	require.Greater(t, allocator.BlockCount(), 1)
	requireDisjoint(t, allocs)
}

func TestAllocatorMemoryIsWritable(t *testing.T) {
	allocator := newAllocator(t, immix.CreateOptions{})

	var allocs []immix.Allocation
	for i := 0; i < 1000; i++ {
		alloc, err := allocator.Alloc(48, 8)
		require.NoError(t, err)

		data := alloc.Bytes()
		for j := range data {
			data[j] = byte(i)
		}
		allocs = append(allocs, alloc)
	}

	for i, alloc := range allocs {
		for _, b := range alloc.Bytes() {
			require.Equal(t, byte(i), b)
		}
		require.NoError(t, alloc.CheckCorruption())
	}
}

func TestAllocatorZeroSize(t *testing.T) {
	allocator := newAllocator(t, immix.CreateOptions{})

	first, err := allocator.Alloc(0, 1)
	require.NoError(t, err)
	second, err := allocator.Alloc(0, 1)
	require.NoError(t, err)

	require.Equal(t, 1, first.Size())
	require.NotEqual(t, first.Address(), second.Address())
}

func TestAllocatorMovesToNewBlockWhenExhausted(t *testing.T) {
	allocator := newAllocator(t, immix.CreateOptions{})

	var first *immix.BumpBlock
	for i := 0; i < 327; i++ {
		alloc, err := allocator.Alloc(100, 1)
		require.NoError(t, err)
		if first == nil {
			first = alloc.Block()
		}
		require.Same(t, first, alloc.Block())
		require.Equal(t, i*100, alloc.Offset())
	}
	require.Equal(t, 1, allocator.BlockCount())

	alloc, err := allocator.Alloc(100, 1)
	require.NoError(t, err)
	require.NotSame(t, first, alloc.Block())
	require.Equal(t, 0, alloc.Offset())
	require.Equal(t, 2, allocator.BlockCount())

	// the retired block is not revisited, even for a request that would fit its tail
	small, err := allocator.Alloc(8, 1)
	require.NoError(t, err)
	require.Same(t, alloc.Block(), small.Block())
}

func TestAllocatorInvalidRequests(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	allocator, err := immix.New(nil, immix.CreateOptions{Source: source})
	require.NoError(t, err)

	testCases := []struct {
		name      string
		size      int
		alignment uint
	}{
		{name: "larger than a block", size: metadata.BlockSize + 1, alignment: 8},
		{name: "negative size", size: -8, alignment: 8},
		{name: "zero alignment", size: 8, alignment: 0},
		{name: "alignment not a power of two", size: 8, alignment: 12},
		{name: "alignment larger than a block", size: 8, alignment: metadata.BlockSize * 2},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := allocator.Alloc(testCase.size, testCase.alignment)
			require.True(t, errors.Is(err, immix.ErrInvalidRequest), "%+v", err)
		})
	}

	_, err = immix.MakeSlice[uint64](allocator, -1)
	require.True(t, errors.Is(err, immix.ErrInvalidRequest))
	_, err = immix.MakeSlice[uint64](allocator, metadata.BlockSize)
	require.True(t, errors.Is(err, immix.ErrInvalidRequest))

	require.Equal(t, 0, allocator.BlockCount())
	require.NoError(t, allocator.Destroy())
}

func TestAllocatorInvalidOptions(t *testing.T) {
	_, err := immix.New(nil, immix.CreateOptions{MaxBytes: -1})
	require.True(t, errors.Is(err, immix.ErrInvalidRequest))

	_, err = immix.New(nil, immix.CreateOptions{MinFreeBlocks: -1})
	require.True(t, errors.Is(err, immix.ErrInvalidRequest))
}

func TestAllocatorOutOfMemory(t *testing.T) {
	allocator := newAllocator(t, immix.CreateOptions{MaxBytes: metadata.BlockSize})

	alloc, err := allocator.Alloc(metadata.BlockSize, 1)
	require.NoError(t, err)
	address := alloc.Address()

	_, err = allocator.Alloc(1, 1)
	require.True(t, errors.Is(err, immix.ErrOutOfMemory), "%+v", err)
	require.Equal(t, 1, allocator.BlockCount())

	// failing again does not disturb anything
	_, err = allocator.Alloc(1, 1)
	require.True(t, errors.Is(err, immix.ErrOutOfMemory))

	// once the block is found to be dead, it can be released and replaced
	allocator.ClearMarks()
	stats, err := allocator.Sweep()
	require.NoError(t, err)
	require.Equal(t, 1, stats.BlocksReleased)
	require.Equal(t, metadata.BlockSize, stats.BytesReleased)
	require.Equal(t, 0, allocator.BlockCount())

	_, ok := allocator.BlockForAddress(address)
	require.False(t, ok)
	require.True(t, alloc.IsReleased())

	_, err = allocator.Alloc(1, 1)
	require.NoError(t, err)
}

func TestAllocationAfterBlockRelease(t *testing.T) {
	allocator := newAllocator(t, immix.CreateOptions{})

	stale, err := allocator.Alloc(64, 8)
	require.NoError(t, err)
	require.False(t, stale.IsReleased())

	allocator.ClearMarks()
	_, err = allocator.Sweep()
	require.NoError(t, err)
	require.Equal(t, 0, allocator.BlockCount())

	require.True(t, stale.IsReleased())
	require.Nil(t, stale.Block())
	require.Equal(t, 64, stale.Size())
	require.Panics(t, func() { stale.Address() })
	require.Panics(t, func() { stale.Pointer() })
	require.Panics(t, func() { stale.Bytes() })
	require.Panics(t, func() { stale.Mark() })

	// the released bump block may be handed to a new block; the stale handle must not follow it
	for i := 0; i < 4; i++ {
		fresh, err := allocator.Alloc(64, 8)
		require.NoError(t, err)
		require.False(t, fresh.IsReleased())
	}
	require.True(t, stale.IsReleased())
	require.Nil(t, stale.Block())
	require.Panics(t, func() { stale.Address() })
}

func TestAllocatorSourceFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	source.EXPECT().Allocate(metadata.BlockSize).Return(unsafe.Pointer(nil), errors.New("address space exhausted"))

	allocator, err := immix.New(nil, immix.CreateOptions{Source: source})
	require.NoError(t, err)

	_, err = allocator.Alloc(16, 8)
	require.True(t, errors.Is(err, immix.ErrOutOfMemory))
	require.ErrorContains(t, err, "address space exhausted")
	require.Equal(t, 0, allocator.BlockCount())
}

func TestAllocatorSweep(t *testing.T) {
	allocator := newAllocator(t, immix.CreateOptions{MinFreeBlocks: 1})

	const objectSize = 1024
	const objectsPerBlock = metadata.BlockSize / objectSize

	var blocks []*immix.BumpBlock
	perBlock := map[*immix.BumpBlock][]immix.Allocation{}
	for i := 0; i < objectsPerBlock*4; i++ {
		alloc, err := allocator.Alloc(objectSize, 8)
		require.NoError(t, err)

		if _, seen := perBlock[alloc.Block()]; !seen {
			blocks = append(blocks, alloc.Block())
		}
		perBlock[alloc.Block()] = append(perBlock[alloc.Block()], alloc)
	}
	require.Len(t, blocks, 4)

	full, recycled := blocks[0], blocks[1]

	allocator.ClearMarks()
	for _, alloc := range perBlock[full] {
		require.True(t, allocator.MarkObject(alloc.Address(), alloc.Size()))
	}
	perBlock[recycled][0].Mark()
	perBlock[recycled][5].Mark()

	require.False(t, allocator.MarkObject(0, 8))

	stats, err := allocator.Sweep()
	require.NoError(t, err)
	require.Equal(t, immix.SweepStats{
		BlocksReleased: 1,
		BlocksFree:     1,
		BlocksRecycled: 1,
		BlocksFull:     1,
		BytesReleased:  metadata.BlockSize,
	}, stats)
	require.Equal(t, 3, allocator.BlockCount())

	for _, block := range []*immix.BumpBlock{full, recycled} {
		owner, ok := allocator.BlockForAddress(block.Block().StartAddress())
		require.True(t, ok)
		require.Same(t, block, owner)
	}

	// new objects fill the recycled block's holes before anything else
	for _, expected := range []int{1024, 2048, 3072, 4096, 6144} {
		alloc, err := allocator.Alloc(objectSize, 8)
		require.NoError(t, err)
		require.Same(t, recycled, alloc.Block())
		require.Equal(t, expected, alloc.Offset())
	}

	// the survivors were not overwritten into
	require.True(t, recycled.Meta().IsMarked(metadata.LineIndex(0)))
	require.True(t, recycled.Meta().IsMarked(metadata.LineIndex(5*objectSize)))
	require.True(t, full.Meta().IsFull())
}

func TestAllocatorVisitBlocks(t *testing.T) {
	allocator := newAllocator(t, immix.CreateOptions{})

	for i := 0; i < 3; i++ {
		_, err := allocator.Alloc(metadata.BlockSize, 8)
		require.NoError(t, err)
	}

	var previous uintptr
	visited := 0
	err := allocator.VisitBlocks(func(block *immix.BumpBlock) error {
		require.Greater(t, uint64(block.Block().StartAddress()), uint64(previous))
		previous = block.Block().StartAddress()
		visited++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, visited)

	stop := errors.New("stop")
	visited = 0
	err = allocator.VisitBlocks(func(block *immix.BumpBlock) error {
		visited++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, visited)
}

func TestAllocatorMemoryCallbacks(t *testing.T) {
	type blockLog struct {
		allocated map[uintptr]int
		freed     map[uintptr]int
	}
	data := &blockLog{
		allocated: map[uintptr]int{},
		freed:     map[uintptr]int{},
	}

	allocator, err := immix.New(nil, immix.CreateOptions{
		Source: rawblock.NewHeapSource(),
		MemoryCallbackOptions: &immix.MemoryCallbackOptions{
			Allocate: func(_ *immix.Allocator, address uintptr, size int, userData any) {
				userData.(*blockLog).allocated[address] = size
			},
			Free: func(_ *immix.Allocator, address uintptr, size int, userData any) {
				userData.(*blockLog).freed[address] = size
			},
			UserData: data,
		},
	})
	require.NoError(t, err)

	var addresses []uintptr
	for i := 0; i < 2; i++ {
		alloc, err := allocator.Alloc(metadata.BlockSize, 8)
		require.NoError(t, err)
		addresses = append(addresses, alloc.Block().Block().StartAddress())
	}

	require.Len(t, data.allocated, 2)
	require.Empty(t, data.freed)
	for _, address := range addresses {
		require.Equal(t, metadata.BlockSize, data.allocated[address])
	}

	require.NoError(t, allocator.Destroy())
	require.Equal(t, data.allocated, data.freed)
}

func TestAllocatorSynchronized(t *testing.T) {
	allocator := newAllocator(t, immix.CreateOptions{Flags: immix.CreateSynchronized})

	const workers = 8
	const perWorker = 500

	results := make([][]immix.Allocation, workers)
	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			for i := 0; i < perWorker; i++ {
				alloc, err := allocator.Alloc(24+worker, 8)
				if err != nil {
					t.Error(err)
					return
				}
				results[worker] = append(results[worker], alloc)
			}
		}(worker)
	}
	wg.Wait()

	var allocs []immix.Allocation
	for _, result := range results {
		require.Len(t, result, perWorker)
		allocs = append(allocs, result...)
	}
	requireDisjoint(t, allocs)
}

func TestAllocatorSynchronizedMarking(t *testing.T) {
	allocator := newAllocator(t, immix.CreateOptions{Flags: immix.CreateSynchronized})

	allocs := make([]immix.Allocation, 256)
	for i := range allocs {
		alloc, err := allocator.Alloc(metadata.LineSize, metadata.LineSize)
		require.NoError(t, err)
		allocs[i] = alloc
	}
	block := allocs[0].Block()
	for _, alloc := range allocs {
		require.Same(t, block, alloc.Block())
	}

	allocator.ClearMarks()

	const workers = 4
	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			for i := worker; i < len(allocs); i += workers {
				if !allocator.MarkObject(allocs[i].Address(), allocs[i].Size()) {
					t.Errorf("allocation %d was not found", i)
				}
			}
		}(worker)
	}
	wg.Wait()

	require.True(t, block.Meta().IsFull())

	stats, err := allocator.Sweep()
	require.NoError(t, err)
	require.Equal(t, 1, stats.BlocksFull)
}

type vertex struct {
	X, Y, Z float64
	Color   uint32
}

func TestNewObjectAndMakeSlice(t *testing.T) {
	allocator := newAllocator(t, immix.CreateOptions{})

	_, err := allocator.Alloc(3, 1)
	require.NoError(t, err)

	v, err := immix.NewObject[vertex](allocator)
	require.NoError(t, err)
	require.Zero(t, uintptr(unsafe.Pointer(v))%unsafe.Alignof(*v))
	require.Equal(t, vertex{}, *v)

	v.X = 1.5
	v.Color = 0xff00ff
	require.Equal(t, vertex{X: 1.5, Color: 0xff00ff}, *v)

	values, err := immix.MakeSlice[uint64](allocator, 100)
	require.NoError(t, err)
	require.Len(t, values, 100)
	require.Equal(t, 100, cap(values))
	require.Zero(t, uintptr(unsafe.Pointer(&values[0]))%8)
	for i := range values {
		require.Zero(t, values[i])
		values[i] = uint64(i)
	}

	empty, err := immix.MakeSlice[uint64](allocator, 0)
	require.NoError(t, err)
	require.Len(t, empty, 0)

	owner, ok := allocator.BlockForAddress(uintptr(unsafe.Pointer(v)))
	require.True(t, ok)
	require.True(t, owner.Block().Contains(uintptr(unsafe.Pointer(&values[99]))))
}

func TestAllocatorBuildStatsString(t *testing.T) {
	allocator := newAllocator(t, immix.CreateOptions{})

	_, err := allocator.Alloc(100, 8)
	require.NoError(t, err)

	require.JSONEq(t, `{
		"Total": {
			"BlockCount": 1,
			"BlockBytes": 32768,
			"AllocationCount": 1,
			"AllocationBytes": 100,
			"UnusedRangeCount": 1,
			"MarkedLineCount": 0,
			"AllocationSizeMin": 100,
			"AllocationSizeMax": 100,
			"UnusedRangeSizeMin": 32668,
			"UnusedRangeSizeMax": 32668
		},
		"Source": {
			"BlockCount": 1,
			"BlockBytes": 32768,
			"MaxBytes": 0
		},
		"Lists": {
			"Recycled": 0,
			"Free": 0,
			"Full": 0
		}
	}`, allocator.BuildStatsString(false))

	require.Contains(t, allocator.BuildStatsString(true), `"Blocks":[{"StartAddress":`)
}

func TestAllocatorDefaultSource(t *testing.T) {
	allocator, err := immix.New(nil, immix.CreateOptions{})
	require.NoError(t, err)

	alloc, err := allocator.Alloc(64, 64)
	require.NoError(t, err)
	require.Zero(t, alloc.Block().Block().StartAddress()%metadata.BlockSize)
	alloc.Bytes()[63] = 1

	require.Equal(t, "Allocator{flags: None, blocks: 1}", allocator.String())
	require.NoError(t, allocator.Destroy())
}
