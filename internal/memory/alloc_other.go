//go:build !unix

package memory

// alloc falls back to a plain heap allocation on platforms without mmap
// support. Callers on these platforms should pass a reduced size rather
// than memory.DefaultSize.
func alloc(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}
