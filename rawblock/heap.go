package rawblock

import (
	"math"
	"sync"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/immix/memutils"
)

type heapRegion struct {
	backing []byte
	size    int
}

// HeapSource carves size-aligned regions out of the Go heap. Each region over-allocates
// 2*size-1 bytes so that an aligned window of size bytes always exists inside it.
//
// Regions are byte slices, so the Go collector does not scan them: pointers to Go-managed
// memory stored inside a region do not keep their targets alive.
type HeapSource struct {
	mutex sync.Mutex
	live  *swiss.Map[uintptr, heapRegion]
}

var _ Source = &HeapSource{}

// NewHeapSource creates a HeapSource with no live regions
func NewHeapSource() *HeapSource {
	return &HeapSource{
		live: swiss.NewMap[uintptr, heapRegion](8),
	}
}

// Allocate reserves size bytes aligned to size from the Go heap. The bytes are not zeroed.
func (s *HeapSource) Allocate(size int) (ptr unsafe.Pointer, err error) {
	if size <= 0 || size > math.MaxInt/2 {
		return nil, cerrors.Wrapf(memutils.OutOfMemoryError, "cannot reserve an aligned heap region of %d bytes", size)
	}

	defer func() {
		if r := recover(); r != nil {
			ptr = nil
			err = cerrors.Wrapf(memutils.OutOfMemoryError, "heap allocation of %d bytes failed: %v", size, r)
		}
	}()

	backing := dirtmake.Bytes(2*size-1, 2*size-1)
	base := unsafe.Pointer(unsafe.SliceData(backing))
	padding := memutils.AlignPadding(int(uintptr(base)&uintptr(size-1)), uint(size))
	ptr = unsafe.Add(base, padding)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.live.Put(uintptr(ptr), heapRegion{backing: backing, size: size})
	return ptr, nil
}

// Release drops the heap source's reference to the region so the Go collector can reclaim it
func (s *HeapSource) Release(ptr unsafe.Pointer, size int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	region, ok := s.live.Get(uintptr(ptr))
	if !ok {
		return cerrors.Newf("region at %#x was not allocated by this source or was already released", uintptr(ptr))
	}
	if region.size != size {
		return cerrors.Newf("region at %#x was allocated with size %d but released with size %d", uintptr(ptr), region.size, size)
	}

	s.live.Delete(uintptr(ptr))
	return nil
}

// LiveRegions returns the number of regions allocated and not yet released
func (s *HeapSource) LiveRegions() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.live.Count()
}
