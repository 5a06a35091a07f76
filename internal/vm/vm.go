// Package vm wires Memory, Bus, CPU and external devices into one runnable
// machine and owns the top-level run loop and running flag.
package vm

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/lordaftereight/rvm/internal/bus"
	"github.com/lordaftereight/rvm/internal/cpu"
	"github.com/lordaftereight/rvm/internal/fault"
	"github.com/lordaftereight/rvm/internal/framebuffer"
	"github.com/lordaftereight/rvm/internal/memory"
)

// Config holds everything needed to construct a Machine. It is the struct a
// CLI front end populates from flags; the flags themselves are out of this
// package's scope.
type Config struct {
	MemorySize      uint64
	FailureMode     cpu.FailureMode
	TickSleep       time.Duration
	FramebufferBase uint32
}

// DefaultConfig returns the reference configuration: full 4 GiB address
// space, Safe failure mode, 500ms tick pacing, framebuffer at 0x1000_0000.
func DefaultConfig() Config {
	return Config{
		MemorySize:      memory.DefaultSize,
		FailureMode:     cpu.Safe,
		TickSleep:       500 * time.Millisecond,
		FramebufferBase: 0x1000_0000,
	}
}

// Machine is one constructed VM instance: Memory behind a Bus, a CPU owning
// four cores, and the registered framebuffer device.
type Machine struct {
	cfg         Config
	mem         *memory.Memory
	bus         *bus.Bus
	cpu         *cpu.CPU
	framebuffer *framebuffer.Framebuffer
	logger      *log.Logger
	running     atomic.Bool
}

// New allocates Memory, wraps it in a Bus, registers the framebuffer device,
// and constructs the CPU. It returns an error if MMIO region registration
// fails (e.g. an overlapping region), matching the "configuration error, not
// runtime fault" rule for overlap detection.
func New(cfg Config, logger *log.Logger) (*Machine, error) {
	mem, err := memory.New(cfg.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("vm: %w", err)
	}

	b := bus.New(mem)
	fb := framebuffer.New()
	if err := b.Register("framebuffer", cfg.FramebufferBase, framebuffer.RegisterSpan, fb); err != nil {
		return nil, fmt.Errorf("vm: %w", err)
	}

	c := cpu.New(b, cfg.FailureMode, cfg.TickSleep, logger)

	m := &Machine{
		cfg:         cfg,
		mem:         mem,
		bus:         b,
		cpu:         c,
		framebuffer: fb,
		logger:      logger,
	}
	return m, nil
}

// Bus exposes the Machine's Bus, for a CLI front end that needs to load a
// ROM before Run is called.
func (m *Machine) Bus() *bus.Bus { return m.bus }

// Framebuffer exposes the registered framebuffer device, for a presenting
// consumer.
func (m *Machine) Framebuffer() *framebuffer.Framebuffer { return m.framebuffer }

// Running reports whether the machine's run loop is currently active.
func (m *Machine) Running() bool { return m.running.Load() }

// Stop clears the running flag; a cooperating front end (or the
// framebuffer's presenting consumer) can call this to request shutdown,
// observed at the next core inbox-poll boundary.
func (m *Machine) Stop() { m.running.Store(false) }

// Run starts the CPU's four core workers and blocks until the configured
// failure policy stops the machine, ctx is cancelled, or Stop is called.
func (m *Machine) Run(ctx context.Context) cpu.Report {
	m.running.Store(true)
	defer m.running.Store(false)

	// Turn a cleared running flag (Stop) into cancellation of ctx, which
	// every core worker checks at its inbox-poll boundary.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for ctx.Err() == nil && m.running.Load() {
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	m.logger.Printf("vm: starting, mem=%d bytes, mode=%v", m.mem.Len(), m.cfg.FailureMode)
	report := m.cpu.Run(ctx)
	if report.Cause != nil {
		m.logger.Printf("vm: stopped: %v", report.Cause)
	} else {
		m.logger.Printf("vm: stopped")
	}
	return report
}

// ReportCause extracts the fault kind that stopped the run, if any, useful
// for a CLI front end deciding the process exit code.
func ReportCause(r cpu.Report) (fault.Kind, bool) {
	if r.Cause == nil {
		return 0, false
	}
	return r.Cause.Kind, true
}
