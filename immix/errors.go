package immix

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/immix/memutils"
)

// ErrInvalidRequest marks requests that can never succeed as asked: block sizes that are not a power
// of two or are smaller than memutils.MinBlockSize, objects larger than a block, and alignments that
// are not a power of two. These are caller errors and are never retried.
var ErrInvalidRequest = errors.New("invalid request")

// ErrOutOfMemory marks failures of the block source to produce a region. The caller decides whether
// to collect and retry or give up; nothing in this package retries on its own.
var ErrOutOfMemory = memutils.OutOfMemoryError
