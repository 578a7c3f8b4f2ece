//go:build !debug_mem_utils

package memutils

const (
	// DebugMargin is the number of bytes of marker data placed after every object granted by
	// an allocator built on memutils. It is zero unless the debug_mem_utils build tag is present.
	DebugMargin int = 0
)

// WriteMagicValue writes the corruption marker across DebugMargin bytes of data starting at offset.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data []byte, offset int) {
}

// ValidateMagicValue reports whether the marker written by WriteMagicValue at offset is intact.
// This method always returns true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data []byte, offset int) bool {
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
