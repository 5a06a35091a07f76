// Package memory implements the virtual machine's flat physical backing
// store: one contiguous byte array, addressed by the Bus.
package memory

import "fmt"

// DefaultSize is the full 32-bit address space (4 GiB). The Bus indexes it
// directly with a uint32 address, so this is the only size that guarantees
// every legal address is backed without a bounds check on the hot path.
const DefaultSize = 0x1_0000_0000

// Memory owns one contiguous block of bytes. It performs no locking and no
// bounds checking of its own: the Bus is its sole owner and is responsible
// for serializing access and for keeping addresses in range. An out-of-range
// Read8/Write8 is a caller bug, not a recoverable condition.
type Memory struct {
	data []byte
}

// New allocates size bytes of backing storage. On unix-like platforms this
// is a lazily-committed anonymous mmap (see alloc_unix.go), so requesting
// the full 4 GiB address space costs no physical memory until touched.
func New(size uint64) (*Memory, error) {
	data, err := alloc(size)
	if err != nil {
		return nil, fmt.Errorf("memory: allocate %d bytes: %w", size, err)
	}
	return &Memory{data: data}, nil
}

// Len returns the number of backing bytes.
func (m *Memory) Len() int {
	return len(m.data)
}

// Read8 returns the byte at addr.
func (m *Memory) Read8(addr uint32) byte {
	return m.data[addr]
}

// Write8 stores v at addr.
func (m *Memory) Write8(addr uint32, v byte) {
	m.data[addr] = v
}

// Reset zeroes the entire backing store.
func (m *Memory) Reset() {
	for i := range m.data {
		m.data[i] = 0
	}
}
