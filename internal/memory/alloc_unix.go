//go:build unix

package memory

import "golang.org/x/sys/unix"

// alloc reserves size bytes of anonymous, zero-filled memory via mmap.
// The mapping is lazily committed by the kernel, so a 4 GiB reservation is
// cheap right up until the VM actually touches a given page.
func alloc(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}
