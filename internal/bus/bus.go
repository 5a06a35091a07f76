// Package bus routes byte-addressed load/store traffic between backing RAM
// and dynamically registered MMIO devices, reached by the same opcodes the
// cores use for ordinary memory access.
package bus

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/lordaftereight/rvm/internal/memory"
)

// Device is the contract every MMIO device implements. offset is already
// relative to the device's registered base address. Implementations must be
// safe for concurrent use from multiple core goroutines — typically via
// their own internal mutex or atomic fields, not the Bus's lock.
type Device interface {
	Read8(offset uint32) byte
	Write8(offset uint32, value byte)
	Write32(offset uint32, value uint32)
}

// Region describes one registered MMIO window. Regions are append-only for
// the lifetime of a Bus: once wired at startup, none are ever removed.
type Region struct {
	Name   string
	Base   uint32
	Size   uint32
	Device Device
}

func (r Region) contains(addr uint32) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

func (r Region) overlaps(o Region) bool {
	return r.Base < o.Base+o.Size && o.Base < r.Base+r.Size
}

// Bus owns the backing Memory and the list of registered Regions. Multiple
// cores may read concurrently; a write excludes readers and other writers
// for its duration.
type Bus struct {
	mu      sync.RWMutex
	mem     *memory.Memory
	regions []Region
}

// New wraps mem in a Bus with no devices registered.
func New(mem *memory.Memory) *Bus {
	return &Bus{mem: mem}
}

// Register adds a new MMIO region. Overlap with an already-registered
// region is a configuration error, reported here rather than discovered as
// a runtime fault during dispatch.
func (b *Bus) Register(name string, base, size uint32, dev Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := Region{Name: name, Base: base, Size: size, Device: dev}
	for _, existing := range b.regions {
		if r.overlaps(existing) {
			return fmt.Errorf("bus: region %q [0x%08X, 0x%08X) overlaps %q [0x%08X, 0x%08X)",
				name, base, base+size, existing.Name, existing.Base, existing.Base+existing.Size)
		}
	}
	b.regions = append(b.regions, r)
	return nil
}

// find returns the region covering addr, searched in registration order, or
// ok=false if addr falls through to backing RAM.
func (b *Bus) find(addr uint32) (region Region, offset uint32, ok bool) {
	for _, r := range b.regions {
		if r.contains(addr) {
			return r, addr - r.Base, true
		}
	}
	return Region{}, 0, false
}

// Read8 returns the byte at addr, delegating to a registered device if one
// covers it, otherwise reading backing RAM.
func (b *Bus) Read8(addr uint32) byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if r, off, ok := b.find(addr); ok {
		return r.Device.Read8(off)
	}
	return b.mem.Read8(addr)
}

// Write8 stores v at addr. If a device region covers addr, the write is
// forwarded to the device and backing RAM is left untouched.
func (b *Bus) Write8(addr uint32, v byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, off, ok := b.find(addr); ok {
		r.Device.Write8(off, v)
		return
	}
	b.mem.Write8(addr, v)
}

// Write32 is a convenience path: it forwards to a covering device's 32-bit write, or writes four
// little-endian bytes to backing RAM starting at addr.
func (b *Bus) Write32(addr uint32, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, off, ok := b.find(addr); ok {
		r.Device.Write32(off, v)
		return
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	for i, bb := range buf {
		b.mem.Write8(addr+uint32(i), bb)
	}
}

// Regions returns a snapshot of the registered MMIO windows, for
// diagnostics and tests.
func (b *Bus) Regions() []Region {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Region, len(b.regions))
	copy(out, b.regions)
	return out
}
