package rawblock

import (
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/immix/memutils"
)

// MemoryCallbacks is notified whenever a TrackedSource hands out or takes back a region
type MemoryCallbacks interface {
	Allocate(ptr unsafe.Pointer, size int)
	Free(ptr unsafe.Pointer, size int)
}

// TrackedSource wraps another Source, counting the regions that are live and optionally refusing
// to exceed a byte budget. A refused request never reaches the wrapped source.
type TrackedSource struct {
	// Number of regions currently held
	blockCount atomic.Int64
	// Bytes currently held, including bytes reserved by requests that are still in flight
	blockBytes atomic.Int64

	inner           Source
	maxBytes        int64
	memoryCallbacks MemoryCallbacks
}

var _ Source = &TrackedSource{}

// NewTrackedSource wraps inner. maxBytes is the most bytes that may be live at once, or 0 for no
// limit. memoryCallbacks may be nil.
func NewTrackedSource(inner Source, maxBytes int, memoryCallbacks MemoryCallbacks) *TrackedSource {
	return &TrackedSource{
		inner:           inner,
		maxBytes:        int64(maxBytes),
		memoryCallbacks: memoryCallbacks,
	}
}

func (s *TrackedSource) reserve(size int) error {
	for {
		current := s.blockBytes.Load()
		if s.maxBytes > 0 && current+int64(size) > s.maxBytes {
			return cerrors.Wrapf(memutils.OutOfMemoryError,
				"reserving %d bytes would exceed the limit of %d bytes (%d in use)", size, s.maxBytes, current)
		}

		if s.blockBytes.CompareAndSwap(current, current+int64(size)) {
			return nil
		}
	}
}

// Allocate reserves size bytes against the budget and then obtains the region from the wrapped source
func (s *TrackedSource) Allocate(size int) (unsafe.Pointer, error) {
	err := s.reserve(size)
	if err != nil {
		return nil, err
	}

	ptr, err := s.inner.Allocate(size)
	if err != nil {
		s.blockBytes.Add(-int64(size))
		return nil, err
	}

	s.blockCount.Add(1)
	if s.memoryCallbacks != nil {
		s.memoryCallbacks.Allocate(ptr, size)
	}

	return ptr, nil
}

// Release returns the region to the wrapped source. The region stays counted if that fails.
func (s *TrackedSource) Release(ptr unsafe.Pointer, size int) error {
	err := s.inner.Release(ptr, size)
	if err != nil {
		return err
	}

	s.blockCount.Add(-1)
	s.blockBytes.Add(-int64(size))
	if s.memoryCallbacks != nil {
		s.memoryCallbacks.Free(ptr, size)
	}

	return nil
}

// BlockCount returns the number of regions currently live
func (s *TrackedSource) BlockCount() int { return int(s.blockCount.Load()) }

// BlockBytes returns the number of bytes currently live
func (s *TrackedSource) BlockBytes() int { return int(s.blockBytes.Load()) }

// MaxBytes returns the byte budget, or 0 if there is none
func (s *TrackedSource) MaxBytes() int { return int(s.maxBytes) }

// AddStatistics sums the live region totals into stats
func (s *TrackedSource) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount += s.BlockCount()
	stats.BlockBytes += s.BlockBytes()
}
