package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfMemoryError is the error returned when a block source cannot produce a region of the requested
// size and alignment, either because the operating allocator refused or because a configured budget
// would be exceeded
var OutOfMemoryError error = errors.New("out of memory")
