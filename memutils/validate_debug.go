//go:build debug_mem_utils

package memutils

import "encoding/binary"

const (
	// DebugMargin is the number of bytes of marker data placed after every object granted by
	// an allocator built on memutils. It is zero unless the debug_mem_utils build tag is present.
	DebugMargin int = 16
	// corruptionDetectionMagicValue is repeated across the debug margin that trails each object
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue writes the corruption marker across DebugMargin bytes of data starting at offset.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data []byte, offset int) {
	margin := data[offset : offset+DebugMargin]
	for len(margin) >= 4 {
		binary.LittleEndian.PutUint32(margin, corruptionDetectionMagicValue)
		margin = margin[4:]
	}
}

// ValidateMagicValue reports whether the marker written by WriteMagicValue at offset is intact.
// This method always returns true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data []byte, offset int) bool {
	if offset+DebugMargin > len(data) {
		return false
	}

	margin := data[offset : offset+DebugMargin]
	for len(margin) >= 4 {
		if binary.LittleEndian.Uint32(margin) != corruptionDetectionMagicValue {
			return false
		}
		margin = margin[4:]
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
