package cpu

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/lordaftereight/rvm/internal/bus"
	"github.com/lordaftereight/rvm/internal/isa"
	"github.com/lordaftereight/rvm/internal/memory"
)

const testMemSize = 1 << 20

func writeWord(b *bus.Bus, addr uint32, word uint32) {
	b.Write8(addr, byte(word))
	b.Write8(addr+1, byte(word>>8))
	b.Write8(addr+2, byte(word>>16))
	b.Write8(addr+3, byte(word>>24))
}

func encode(op isa.Opcode, rde, a, b uint32) uint32 {
	return uint32(op)<<25 | (rde&0x1F)<<20 | (a&0x1F)<<15 | (b&0x1F)<<10
}

// Core 0 sends IRPT_SEND(target=1, kind=Resume) to wake core 1, which was
// parked idle on its inbox since boot, and then spins in place. Core 1
// executes one instruction of its own and then HALTs, stopping the machine.
func TestCrossCoreInterruptWakesPeer(t *testing.T) {
	mem, err := memory.New(testMemSize)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	b := bus.New(mem)

	// Reset vectors: core 0 -> 0x1000, core 1 -> 0x2000.
	writeWord(b, 0, 0x1000)
	writeWord(b, 4, 0x2000)

	// Core 0 program: send Resume(kind=1) to core 1, then jump to itself
	// forever, so only core 1's HALT can stop the machine.
	writeWord(b, 0x1000, encode(isa.IRPT_SEND, 1, 1, 0))
	writeWord(b, 0x1004, uint32(isa.JUMP_IMM)<<25|0x1004)

	// Core 1 program: LOAD_IMM R2 = 7, then HALT.
	writeWord(b, 0x2000, uint32(isa.LOAD_IMM)<<25|2<<20|7)
	writeWord(b, 0x2004, uint32(isa.HALT)<<25)

	logger := log.New(io.Discard, "", 0)
	c := New(b, Safe, 0, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	report := c.Run(ctx)
	if !report.Stopped {
		t.Fatal("expected machine to stop on HALT")
	}
	if report.Cause == nil {
		t.Fatal("expected a fault cause")
	}

	core1 := c.Cores()[1]
	if core1.Registers[2] != 7 {
		t.Fatalf("core 1 R2 = %d, want 7 (never woke up)", core1.Registers[2])
	}
}

// Under Stable mode a minor fault is logged and ignored unconditionally, so
// a core that underflows over and over must keep running rather than have
// the machine shut itself down.
func TestFailureModeStableIgnoresRepeatedMinorFault(t *testing.T) {
	mem, err := memory.New(testMemSize)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	b := bus.New(mem)
	writeWord(b, 0, 0x1000)
	for i := uint32(0); i < 4; i++ {
		writeWord(b, 4+i*4, 0x1000)
	}

	// SUB R1 = R2 - R3 where R3 > R2 underflows; the JUMP_IMM after it
	// sends PC back to 0x1000, so this loops indefinitely.
	writeWord(b, 0x1000, encode(isa.SUB, 1, 2, 3))
	writeWord(b, 0x1004, uint32(isa.JUMP_IMM)<<25|0x1000)

	logger := log.New(io.Discard, "", 0)
	c := New(b, Stable, 0, logger)
	c.cores[0].Registers[3] = 1 // R2(0) - R3(1) underflows

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	report := c.Run(ctx)
	if !report.Stopped {
		t.Fatal("expected Run to return once ctx is cancelled")
	}
	if report.Cause != nil {
		t.Fatalf("report.Cause = %v, want nil: a repeated minor fault must not stop a Stable machine", report.Cause)
	}
}
