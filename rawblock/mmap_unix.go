//go:build linux || darwin || freebsd || netbsd || openbsd

package rawblock

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/immix/memutils"
	"golang.org/x/sys/unix"
)

// MmapSource reserves regions as anonymous private mappings. Regions smaller than a page are
// given a whole page, which is already aligned to any smaller power of two. Larger regions map
// twice their size and unmap the misaligned head and the unused tail.
type MmapSource struct {
	pageSize int
}

var _ Source = &MmapSource{}

// NewMmapSource creates an MmapSource for the running system's page size
func NewMmapSource() *MmapSource {
	return &MmapSource{pageSize: unix.Getpagesize()}
}

// DefaultSource returns the source blocks use when none is configured: anonymous mappings on
// systems that support them
func DefaultSource() Source {
	return NewMmapSource()
}

func (s *MmapSource) mappedLength(size int) uintptr {
	if size < s.pageSize {
		return uintptr(s.pageSize)
	}
	return uintptr(size)
}

func (s *MmapSource) mmap(length uintptr) (unsafe.Pointer, error) {
	ptr, err := unix.MmapPtr(-1, 0, nil, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, cerrors.Mark(cerrors.Wrapf(err, "mmap of %d bytes failed", length), memutils.OutOfMemoryError)
	}
	return ptr, nil
}

// Allocate maps size bytes aligned to size
func (s *MmapSource) Allocate(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(memutils.OutOfMemoryError, "cannot map a region of %d bytes", size)
	}

	length := s.mappedLength(size)
	if length == uintptr(s.pageSize) {
		return s.mmap(length)
	}

	reserved := 2 * length
	ptr, err := s.mmap(reserved)
	if err != nil {
		return nil, err
	}

	head := memutils.AlignPadding(int(uintptr(ptr)&(length-1)), uint(length))
	tail := int(reserved) - head - int(length)

	if head > 0 {
		if err := unix.MunmapPtr(ptr, uintptr(head)); err != nil {
			_ = unix.MunmapPtr(ptr, reserved)
			return nil, cerrors.Wrap(err, "failed to trim the head of an aligned mapping")
		}
	}

	aligned := unsafe.Add(ptr, head)
	if tail > 0 {
		if err := unix.MunmapPtr(unsafe.Add(aligned, length), uintptr(tail)); err != nil {
			_ = unix.MunmapPtr(aligned, length+uintptr(tail))
			return nil, cerrors.Wrap(err, "failed to trim the tail of an aligned mapping")
		}
	}

	return aligned, nil
}

// Release unmaps a region produced by Allocate
func (s *MmapSource) Release(ptr unsafe.Pointer, size int) error {
	if err := unix.MunmapPtr(ptr, s.mappedLength(size)); err != nil {
		return cerrors.Wrapf(err, "munmap of region at %#x with size %d failed", uintptr(ptr), size)
	}
	return nil
}
