//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package rawblock

// DefaultSource returns the source blocks use when none is configured: the Go heap on systems
// without anonymous mappings
func DefaultSource() Source {
	return NewHeapSource()
}
