package immix

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/immix/immix/internal/utils"
	"github.com/vkngwrapper/immix/rawblock"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateSynchronized guards every allocator method with a mutex so the allocator can be shared
	// between goroutines. Without it the allocator must be used by one goroutine at a time, which is
	// the expected arrangement: one allocator per mutator. Allocation handles are not guarded, so
	// goroutines marking objects concurrently should use Allocator.MarkObject.
	CreateSynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateSynchronized: "CreateSynchronized",
}

func (f CreateFlags) String() string {
	var names []string
	for flag, name := range createFlagsMapping {
		if f&flag != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

// CreateOptions contains optional settings when creating an allocator. The zero value is valid.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// Source is where blocks come from. rawblock.DefaultSource() is used when it is nil.
	Source rawblock.Source

	// MaxBytes is the most block memory the allocator may hold at once. Requests for a new block
	// beyond it fail with ErrOutOfMemory. 0 means no limit.
	MaxBytes int

	// MinFreeBlocks is the number of completely empty blocks a sweep keeps for reuse instead of
	// returning them to the source
	MinFreeBlocks int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed whenever a block is
	// obtained from or returned to the source
	MemoryCallbackOptions *MemoryCallbackOptions
}

// New creates a new Allocator
//
// logger - Receives block lifecycle and sweep messages. A nil logger discards them.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if options.MaxBytes < 0 {
		return nil, errors.Wrapf(ErrInvalidRequest, "CreateOptions.MaxBytes must not be negative, but was %d", options.MaxBytes)
	}
	if options.MinFreeBlocks < 0 {
		return nil, errors.Wrapf(ErrInvalidRequest, "CreateOptions.MinFreeBlocks must not be negative, but was %d", options.MinFreeBlocks)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	source := options.Source
	if source == nil {
		source = rawblock.DefaultSource()
	}

	allocator := &Allocator{
		logger:        logger,
		mutex:         utils.NewOptionalRWMutex(options.Flags&CreateSynchronized != 0),
		createFlags:   options.Flags,
		minFreeBlocks: options.MinFreeBlocks,
		blocks:        swiss.NewMap[uintptr, *BumpBlock](16),
	}

	allocator.source = rawblock.NewTrackedSource(source, options.MaxBytes, &memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Allocator: allocator,
	})

	return allocator, nil
}
