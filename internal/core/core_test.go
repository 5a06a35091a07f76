package core

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/lordaftereight/rvm/internal/bus"
	"github.com/lordaftereight/rvm/internal/fault"
	"github.com/lordaftereight/rvm/internal/isa"
	"github.com/lordaftereight/rvm/internal/memory"
)

// The stack region starts at 0x4000_0000, so the fixtures need the full
// address space; on unix the mapping is lazily committed.
const testMemSize = memory.DefaultSize

func newTestCore(t *testing.T) (*Core, *bus.Bus) {
	t.Helper()
	mem, err := memory.New(testMemSize)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	b := bus.New(mem)
	logger := log.New(io.Discard, "", 0)

	outboxes := [4]chan<- Interrupt{}
	inbox := make(chan Interrupt, 4)
	for i := range outboxes {
		ch := make(chan Interrupt, 4)
		outboxes[i] = ch
	}
	c := New(0, b, outboxes, inbox, time.Microsecond, logger)
	return c, b
}

func encode(op isa.Opcode, rde, a, b uint32) uint32 {
	return uint32(op)<<25 | (rde&0x1F)<<20 | (a&0x1F)<<15 | (b&0x1F)<<10
}

func encodeImm20(op isa.Opcode, rde uint32, imm uint32) uint32 {
	return uint32(op)<<25 | (rde&0x1F)<<20 | (imm & 0xFFFFF)
}

func writeWord(b *bus.Bus, addr uint32, word uint32) {
	b.Write8(addr, byte(word))
	b.Write8(addr+1, byte(word>>8))
	b.Write8(addr+2, byte(word>>16))
	b.Write8(addr+3, byte(word>>24))
}

// Boot: PC is loaded indirectly from the reset-vector slot at core index*4.
func TestBootLoadsPCFromResetVector(t *testing.T) {
	mem, err := memory.New(testMemSize)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	b := bus.New(mem)
	writeWord(b, 0, 0x1000)

	logger := log.New(io.Discard, "", 0)
	outboxes := [4]chan<- Interrupt{}
	for i := range outboxes {
		outboxes[i] = make(chan Interrupt, 4)
	}
	c := New(0, b, outboxes, make(chan Interrupt, 4), time.Microsecond, logger)

	if c.PC != 0x1000 {
		t.Fatalf("PC = 0x%X, want 0x1000", c.PC)
	}
}

// LDUP_IMM loads bits into the upper 20 of a register; ORI composes the
// low 12 bits onto it via OR, the standard two-instruction 32-bit load idiom.
func TestLdupImmThenOriComposesFullValue(t *testing.T) {
	c, b := newTestCore(t)
	c.PC = 0x1000

	writeWord(b, 0x1000, encodeImm20(isa.LDUP_IMM, 3, 0xABCDE))
	writeWord(b, 0x1004, encodeImm20(isa.ORI, 3, 0x123))

	if f := c.Tick(); f != nil {
		t.Fatalf("unexpected fault: %v", f)
	}
	if f := c.Tick(); f != nil {
		t.Fatalf("unexpected fault: %v", f)
	}

	want := uint32(0xABCDE)<<12 | 0x123
	if c.Registers[3] != want {
		t.Fatalf("R3 = 0x%08X, want 0x%08X", c.Registers[3], want)
	}
}

// BRAN_IMM pushes the return PC and jumps; RTRN pops it back without
// zeroing the stack bytes.
func TestBranImmThenRtrnRoundTrips(t *testing.T) {
	c, b := newTestCore(t)
	c.PC = 0x2000

	branWord := uint32(isa.BRAN_IMM)<<25 | 0x3000
	writeWord(b, 0x2000, branWord)
	writeWord(b, 0x3000, uint32(isa.RTRN)<<25)

	if f := c.Tick(); f != nil {
		t.Fatalf("unexpected fault: %v", f)
	}
	if c.PC != 0x3000 {
		t.Fatalf("PC after BRAN_IMM = 0x%X, want 0x3000", c.PC)
	}

	if f := c.Tick(); f != nil {
		t.Fatalf("unexpected fault: %v", f)
	}
	if c.PC != 0x2004 {
		t.Fatalf("PC after RTRN = 0x%X, want 0x2004", c.PC)
	}
}

// ADD that overflows 32 bits reports AddWithOverflow and still commits a
// (halved) result, matching the original's "fault but don't lose state"
// convention.
func TestAddOverflowFaults(t *testing.T) {
	c, b := newTestCore(t)
	c.PC = 0x1000
	c.Registers[1] = 0xFFFFFFFF
	c.Registers[2] = 0xFFFFFFFF

	writeWord(b, 0x1000, encode(isa.ADD, 3, 1, 2))

	f := c.Tick()
	if f == nil {
		t.Fatal("expected AddWithOverflow fault, got nil")
	}
	if f.Kind != fault.AddWithOverflow {
		t.Fatalf("fault kind = %v, want AddWithOverflow", f.Kind)
	}
}

// STOR_BYTE followed by LOAD_BYTE round-trips a value through the Bus using
// register-held addresses, not the register index itself.
func TestStorByteLoadByteRoundTrip(t *testing.T) {
	c, b := newTestCore(t)
	c.PC = 0x1000
	c.Registers[1] = 0x500  // address register
	c.Registers[2] = 0x42   // value to store

	writeWord(b, 0x1000, encode(isa.STOR_BYTE, 1, 2, 0))
	writeWord(b, 0x1004, encode(isa.LOAD_BYTE, 5, 1, 0))

	if f := c.Tick(); f != nil {
		t.Fatalf("unexpected fault on STOR_BYTE: %v", f)
	}
	if f := c.Tick(); f != nil {
		t.Fatalf("unexpected fault on LOAD_BYTE: %v", f)
	}
	if c.Registers[5] != 0x42 {
		t.Fatalf("R5 = 0x%X, want 0x42", c.Registers[5])
	}
}

// An unmapped opcode value dispatches to UnimplementedOpCode.
func TestUnknownOpcodeFaults(t *testing.T) {
	c, b := newTestCore(t)
	c.PC = 0x1000
	writeWord(b, 0x1000, uint32(0x7F)<<25) // top of the 7-bit opcode space, unmapped

	f := c.Tick()
	if f == nil {
		t.Fatal("expected fault, got nil")
	}
	if f.Kind != fault.UnimplementedOpCode {
		t.Fatalf("fault kind = %v, want UnimplementedOpCode", f.Kind)
	}
}

// ApplyInterrupt(Halt) sets halted=true and marks the core busy, the
// corrected polarity (see spec's Open Question on Halt/Resume).
func TestApplyInterruptHaltSetsHaltedTrue(t *testing.T) {
	c, _ := newTestCore(t)
	c.busy = false
	c.ApplyInterrupt(Interrupt{SenderID: 1, Kind: Halt})

	if !c.halted {
		t.Fatal("halted = false, want true after Halt interrupt")
	}
	if !c.busy {
		t.Fatal("busy = false, want true: receiving any interrupt wakes the core")
	}

	c.ApplyInterrupt(Interrupt{SenderID: 1, Kind: Resume})
	if c.halted {
		t.Fatal("halted = true, want false after Resume interrupt")
	}
}

// HALT itself reports the Halt fault kind, severe by the fault package's
// taxonomy.
func TestHaltInstructionFaults(t *testing.T) {
	c, b := newTestCore(t)
	c.PC = 0x1000
	writeWord(b, 0x1000, uint32(isa.HALT)<<25)

	f := c.Tick()
	if f == nil || f.Kind != fault.Halt {
		t.Fatalf("expected Halt fault, got %v", f)
	}
	if !f.Kind.Severe() {
		t.Fatal("Halt should be a severe fault")
	}
}
