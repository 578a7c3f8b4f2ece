package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

// MinBlockSize is the smallest block size, in bytes, that a block source will be asked for. Anything
// smaller cannot hold a single machine word.
const MinBlockSize int = 8

type Number interface {
	~int | ~uint | ~uintptr
}

// IsPow2 returns true if number is a positive power of two
func IsPow2[T Number](number T) bool {
	return number > 0 && number&(number-1) == 0
}

func CheckPow2[T Number](number T, name string) error {
	if !IsPow2(number) {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignPadding returns the number of bytes that must be skipped from value to reach the next
// multiple of alignment
func AlignPadding(value int, alignment uint) int {
	return AlignUp(value, alignment) - value
}
