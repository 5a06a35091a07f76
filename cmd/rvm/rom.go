package main

import (
	"fmt"
	"os"

	"github.com/lordaftereight/rvm/internal/vm"
)

// loadROM reads a raw binary image from path and writes it byte-by-byte
// starting at address 0 via the Bus, so a ROM's leading bytes double as the
// reset-vector table described in spec.md §3.
func loadROM(m *vm.Machine, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load rom: %w", err)
	}
	if len(data) > 0x4000_0000 {
		return fmt.Errorf("load rom: %d bytes exceeds the code/data RAM region", len(data))
	}

	b := m.Bus()
	for i, byteVal := range data {
		b.Write8(uint32(i), byteVal)
	}
	return nil
}
