// Package core implements one execution context of the virtual machine:
// register file, program counter, stack pointer, fetch-decode-execute, and
// the interrupt inbox that lets peer cores address it. Core state is
// thread-local to whichever goroutine owns a *Core; no other goroutine may
// observe or mutate it except by sending an Interrupt.
package core

import (
	"log"
	"math"
	"time"

	"github.com/lordaftereight/rvm/internal/bus"
	"github.com/lordaftereight/rvm/internal/fault"
	"github.com/lordaftereight/rvm/internal/isa"
)

const (
	codeRegionEnd  = 0x4000_0000
	stackRegionEnd = 0x8000_0000
	stackBase      = 0x4000_0000
	stackTop       = 0x7FFF_FFFF
)

// InterruptKind is the effect a delivered Interrupt asks the receiving core
// to apply. The numeric values match the IRPT_SEND instruction's irpt field.
type InterruptKind int

const (
	Resume    InterruptKind = 1
	Halt      InterruptKind = 2
	SoftReset InterruptKind = 3
	HardReset InterruptKind = 4
)

func (k InterruptKind) String() string {
	switch k {
	case Resume:
		return "Resume"
	case Halt:
		return "Halt"
	case SoftReset:
		return "SoftReset"
	case HardReset:
		return "HardReset"
	default:
		return "InterruptKind(unknown)"
	}
}

// Interrupt is the message one core sends to another (or to itself) over an
// outbox/inbox pair.
type Interrupt struct {
	SenderID uint32
	Kind     InterruptKind
}

// Core is one of the VM's four symmetric execution contexts.
type Core struct {
	Index     uint32
	PC        uint32
	SP        uint32
	Registers [32]uint32
	// EqFlag is reserved for a future compare/conditional-branch opcode;
	// nothing in this instruction set reads or writes it yet.
	EqFlag bool

	busy   bool
	halted bool

	bus       *bus.Bus
	inbox     <-chan Interrupt
	outboxes  [4]chan<- Interrupt
	tickSleep time.Duration
	logger    *log.Logger
}

// New constructs a Core and performs its initial soft reset: PC is loaded
// indirectly from the reset-vector word at offset index*4.
func New(index uint32, b *bus.Bus, outboxes [4]chan<- Interrupt, inbox <-chan Interrupt, tickSleep time.Duration, logger *log.Logger) *Core {
	c := &Core{
		Index:     index,
		PC:        index * 4,
		SP:        stackBase,
		bus:       b,
		inbox:     inbox,
		outboxes:  outboxes,
		tickSleep: tickSleep,
		logger:    logger,
	}
	c.resetSoft()
	logger.Printf("core %d: created, PC=0x%08X", index, c.PC)
	return c
}

// SetBusy forces the busy flag. Used once at CPU construction time to mark
// exactly one core runnable before any worker goroutine starts; never
// called again afterward — busy transitions at runtime happen only via
// ApplyInterrupt, from the core's own goroutine.
func (c *Core) SetBusy(v bool) { c.busy = v }

// Busy reports whether the core's worker should be ticking.
func (c *Core) Busy() bool { return c.busy }

// Halted reports whether the core has been asked to pause.
func (c *Core) Halted() bool { return c.halted }

// TickSleep is the pacing delay the CPU worker sleeps between ticks.
func (c *Core) TickSleep() time.Duration { return c.tickSleep }

// Inbox exposes the receive end of the core's interrupt channel, for the
// CPU worker's blocking read while idle.
func (c *Core) Inbox() <-chan Interrupt { return c.inbox }

// PollOnce performs one non-blocking poll of the inbox, applying the
// message's effect if present. It returns true if a message was handled.
func (c *Core) PollOnce() bool {
	select {
	case msg := <-c.inbox:
		c.ApplyInterrupt(msg)
		return true
	default:
		return false
	}
}

// ApplyInterrupt applies the effect of a received interrupt. Receiving any
// interrupt marks the core busy — this is how an idle core wakes up;
// Halt/Resume additionally gate whether a busy core's worker actually ticks.
func (c *Core) ApplyInterrupt(msg Interrupt) {
	c.logger.Printf("core %d: received %s from core %d", c.Index, msg.Kind, msg.SenderID)
	c.busy = true
	switch msg.Kind {
	case Resume:
		c.halted = false
	case Halt:
		c.halted = true
	case SoftReset:
		c.resetSoft()
	case HardReset:
		c.resetHard()
	}
}

// resetSoft sets PC to the word stored at the core's reset-vector slot and
// resets SP to the base of the stack region. Registers are untouched.
func (c *Core) resetSoft() {
	c.PC = c.Index * 4
	target := c.fetchWord()
	c.PC = target
	c.SP = stackBase
}

// resetHard performs a soft reset and then zeroes every register.
func (c *Core) resetHard() {
	c.resetSoft()
	for i := range c.Registers {
		c.Registers[i] = 0
	}
}

func advancePC(pc uint32) uint32 {
	if pc < codeRegionEnd {
		return pc + 1
	}
	return 0
}

func advanceSP(sp uint32) uint32 {
	if sp < stackRegionEnd {
		return sp + 1
	}
	return stackBase
}

func decreaseSP(sp uint32) uint32 {
	if sp > stackBase {
		return sp - 1
	}
	return stackTop
}

// fetchWord reads 4 bytes little-endian from the Bus starting at PC,
// advancing PC (with wraparound) after each byte.
func (c *Core) fetchWord() uint32 {
	var b [4]byte
	for i := 0; i < 4; i++ {
		b[i] = c.bus.Read8(c.PC)
		c.PC = advancePC(c.PC)
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// push writes word as four little-endian bytes at the current SP, in
// ascending address order, advancing SP after each byte. The stack grows
// upward from 0x4000_0000.
func (c *Core) push(word uint32) {
	bs := [4]byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}
	for _, b := range bs {
		c.bus.Write8(c.SP, b)
		c.SP = advanceSP(c.SP)
	}
}

// popKeep reverses SP by one and reads one byte, four times, leaving the
// underlying bytes in place; the result is assembled big-endian. Used by
// RTRN. The little-endian push / big-endian pop asymmetry is intentional —
// see spec.md §9.
func (c *Core) popKeep() uint32 {
	var b [4]byte
	for i := 0; i < 4; i++ {
		c.SP = decreaseSP(c.SP)
		b[i] = c.bus.Read8(c.SP)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// popZero is popKeep but additionally zeroes each byte as it is read. Used
// by RTRN_POP.
func (c *Core) popZero() uint32 {
	var b [4]byte
	for i := 0; i < 4; i++ {
		c.SP = decreaseSP(c.SP)
		b[i] = c.bus.Read8(c.SP)
		c.bus.Write8(c.SP, 0)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func interruptKindFromField(irpt uint32) (InterruptKind, bool) {
	switch irpt {
	case 1:
		return Resume, true
	case 2:
		return Halt, true
	case 3:
		return SoftReset, true
	case 4:
		return HardReset, true
	default:
		return 0, false
	}
}

func (c *Core) newFault(kind fault.Kind, detail string) *fault.Fault {
	return &fault.Fault{
		CoreIndex:      c.Index,
		ProgramCounter: c.PC,
		StackPointer:   c.SP,
		Registers:      c.Registers,
		Kind:           kind,
		Detail:         detail,
	}
}

// Tick performs one fetch-decode-execute cycle: first a non-blocking poll
// of the inbox (if a message is present, its effect is applied and PC does
// not advance this tick), otherwise a single instruction is fetched,
// decoded and executed.
func (c *Core) Tick() *fault.Fault {
	if c.PollOnce() {
		return nil
	}
	word := c.fetchWord()
	return c.execute(word)
}

func (c *Core) execute(word uint32) *fault.Fault {
	op := isa.Decode(word)
	switch op {
	case isa.NOOP:

	case isa.LOAD_IMM:
		rde := isa.Rde(word)
		c.Registers[rde] = isa.Imm20(word)

	case isa.LDUP_IMM:
		rde := isa.Rde(word)
		c.Registers[rde] = isa.Imm20(word) << 12

	case isa.STOR_IMM:
		rs1 := isa.Rde(word)
		imm := isa.Imm20(word)
		c.bus.Write8(imm, byte(c.Registers[rs1]))

	case isa.LOAD_BYTE:
		rde := isa.Rde(word)
		rs1 := isa.FieldA(word)
		addr := c.Registers[rs1]
		c.Registers[rde] = uint32(c.bus.Read8(addr))

	case isa.STOR_BYTE:
		rs1 := isa.Rde(word)
		rs2 := isa.FieldA(word)
		addr := c.Registers[rs1]
		c.bus.Write8(addr, byte(c.Registers[rs2]))

	case isa.JUMP_IMM:
		c.PC = isa.Imm25(word)

	case isa.JUMP_REG:
		rs1 := isa.RegLow(word)
		c.PC = c.Registers[rs1]

	case isa.BRAN_IMM:
		c.push(c.PC)
		c.PC = isa.Imm25(word)

	case isa.BRAN_REG:
		rs1 := isa.RegLow(word)
		target := c.Registers[rs1]
		c.push(c.PC)
		c.PC = target

	case isa.ADD:
		rde, rs1, rs2 := isa.Rde(word), isa.FieldA(word), isa.FieldB(word)
		sum := uint64(c.Registers[rs1]) + uint64(c.Registers[rs2])
		if sum > math.MaxUint32 {
			c.Registers[rde] = uint32(sum >> 1)
			return c.newFault(fault.AddWithOverflow, "")
		}
		c.Registers[rde] = uint32(sum)

	case isa.SUB:
		rde, rs1, rs2 := isa.Rde(word), isa.FieldA(word), isa.FieldB(word)
		if c.Registers[rs1] < c.Registers[rs2] {
			return c.newFault(fault.SubWithOverflow, "")
		}
		c.Registers[rde] = c.Registers[rs1] - c.Registers[rs2]

	case isa.AND:
		rde, rs1, rs2 := isa.Rde(word), isa.FieldA(word), isa.FieldB(word)
		c.Registers[rde] = c.Registers[rs1] & c.Registers[rs2]

	case isa.ORR:
		rde, rs1, rs2 := isa.Rde(word), isa.FieldA(word), isa.FieldB(word)
		c.Registers[rde] = c.Registers[rs1] | c.Registers[rs2]

	case isa.ORI:
		rde := isa.Rde(word)
		c.Registers[rde] |= isa.Imm20(word)

	case isa.XOR:
		rde, rs1, rs2 := isa.Rde(word), isa.FieldA(word), isa.FieldB(word)
		c.Registers[rde] = c.Registers[rs1] ^ c.Registers[rs2]

	case isa.RTRN_POP:
		c.PC = c.popZero()

	case isa.RTRN:
		c.PC = c.popKeep()

	case isa.RSET_SOFT:
		c.resetSoft()

	case isa.RSET_HARD:
		c.resetHard()

	case isa.HALT:
		return c.newFault(fault.Halt, "")

	case isa.IRPT_SEND:
		tgt := isa.Rde(word)
		kind, ok := interruptKindFromField(isa.FieldA(word))
		if !ok {
			return c.newFault(fault.InvalidInstruction, "unmapped interrupt kind in IRPT_SEND")
		}
		if int(tgt) < len(c.outboxes) {
			msg := Interrupt{SenderID: c.Index, Kind: kind}
			select {
			case c.outboxes[tgt] <- msg:
			default:
				// Best-effort, non-blocking: a full inbox drops the send.
			}
		}

	default:
		return c.newFault(fault.UnimplementedOpCode, op.String())
	}
	return nil
}
