// Package cpu supervises the four Core goroutines that make up a running
// machine: it starts them, fans their faults into one channel, and applies
// the configured failure-mode policy when a fault arrives.
package cpu

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/lordaftereight/rvm/internal/bus"
	"github.com/lordaftereight/rvm/internal/core"
	"github.com/lordaftereight/rvm/internal/fault"
)

const coreCount = 4

// FailureMode selects what the CPU does when a core reports a fault.
type FailureMode int

const (
	// Safe stops the whole machine on any severe fault; minor faults are
	// logged and the faulting core keeps running.
	Safe FailureMode = iota
	// Stable behaves like Safe: a severe fault shuts the machine down; a
	// minor fault is logged and ignored, unconditionally.
	Stable
	// Unstable logs every fault and never stops the machine.
	Unstable
	// Debug logs every fault and pauses for an operator keypress before the
	// faulting core resumes, via a raw terminal read.
	Debug
)

func (m FailureMode) String() string {
	switch m {
	case Safe:
		return "Safe"
	case Stable:
		return "Stable"
	case Unstable:
		return "Unstable"
	case Debug:
		return "Debug"
	default:
		return "FailureMode(unknown)"
	}
}

// Report is the terminal outcome of a Run call.
type Report struct {
	Stopped bool
	Cause   *fault.Fault
}

// CPU owns the four Core instances and their interrupt wiring.
type CPU struct {
	cores   [coreCount]*core.Core
	faultCh chan *fault.Fault
	mode    FailureMode
	logger  *log.Logger
}

// New builds a CPU with coreCount cores wired to b, each core's outbox array
// pointing at every other core's inbox (and its own, so a core can send
// itself an interrupt). Core 0 starts busy; the remaining three start idle,
// waiting on their inbox for a first interrupt, matching a single designated
// boot core.
func New(b *bus.Bus, mode FailureMode, tickSleep time.Duration, logger *log.Logger) *CPU {
	inboxes := [coreCount]chan core.Interrupt{}
	for i := range inboxes {
		inboxes[i] = make(chan core.Interrupt, 16)
	}

	c := &CPU{
		faultCh: make(chan *fault.Fault, coreCount),
		mode:    mode,
		logger:  logger,
	}
	for i := 0; i < coreCount; i++ {
		var outboxes [coreCount]chan<- core.Interrupt
		for j := 0; j < coreCount; j++ {
			outboxes[j] = inboxes[j]
		}
		c.cores[i] = core.New(uint32(i), b, outboxes, inboxes[i], tickSleep, logger)
	}
	c.cores[0].SetBusy(true)
	return c
}

// Cores exposes the underlying Core slice, for inspection in tests and in
// the framebuffer-consuming front end.
func (c *CPU) Cores() [coreCount]*core.Core { return c.cores }

// Run starts one goroutine per core and blocks until ctx is cancelled or the
// failure-mode policy decides the machine should stop.
func (c *CPU) Run(ctx context.Context) Report {
	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan *fault.Fault, 1)

	for i := 0; i < coreCount; i++ {
		idx := i
		g.Go(func() error {
			return c.runCore(gctx, idx, stop)
		})
	}

	var report Report
	select {
	case f := <-stop:
		report = Report{Stopped: true, Cause: f}
	case <-gctx.Done():
		report = Report{Stopped: true}
	}
	_ = g.Wait()
	return report
}

func (c *CPU) runCore(ctx context.Context, idx int, stop chan<- *fault.Fault) error {
	cr := c.cores[idx]
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !cr.Busy() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-cr.Inbox():
				cr.ApplyInterrupt(msg)
			}
			continue
		}

		if cr.Halted() {
			// Busy but halted: stay parked on the inbox until a Resume
			// (or any other interrupt) arrives.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-cr.Inbox():
				cr.ApplyInterrupt(msg)
			}
			continue
		}

		if f := cr.Tick(); f != nil {
			halt := c.handleFault(idx, f)
			if halt {
				select {
				case stop <- f:
				default:
				}
				return f
			}
		}

		if cr.TickSleep() > 0 {
			time.Sleep(cr.TickSleep())
		}
	}
}

// handleFault applies the configured FailureMode to f and reports whether
// the whole machine should stop.
func (c *CPU) handleFault(idx int, f *fault.Fault) bool {
	c.logger.Printf("core %d: fault: %v", idx, f)

	switch c.mode {
	case Safe:
		return f.Kind.Severe()

	case Stable:
		return f.Kind.Severe()

	case Unstable:
		return false

	case Debug:
		c.waitForOperator(f)
		return false

	default:
		return f.Kind.Severe()
	}
}

// waitForOperator prints the fault and blocks for one raw keypress before
// returning, giving an operator a chance to inspect state between faults.
func (c *CPU) waitForOperator(f *fault.Fault) {
	fmt.Fprintf(os.Stderr, "\n[debug] %v\npress any key to continue...\n", f)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return
	}
	defer term.Restore(fd, oldState)

	buf := make([]byte, 1)
	_, _ = os.Stdin.Read(buf)
}
