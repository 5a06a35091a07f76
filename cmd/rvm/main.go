// Command rvm runs the virtual machine headlessly: it loads a ROM image
// into the reset-vector region, starts the CPU, and exits with a status
// reflecting how the run stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lordaftereight/rvm/internal/cpu"
	"github.com/lordaftereight/rvm/internal/fault"
	"github.com/lordaftereight/rvm/internal/vm"
)

func main() {
	var (
		romPath   = flag.String("rom", "", "path to a raw binary ROM image, loaded at address 0")
		mode      = flag.String("mode", "safe", "failure mode: safe, stable, unstable, debug")
		memSize   = flag.Uint64("mem-size", vm.DefaultConfig().MemorySize, "backing memory size in bytes")
		tickSleep = flag.Duration("tick-sleep", 500*time.Millisecond, "pacing delay between successful ticks")
		logFile   = flag.String("log-file", "", "write logs here instead of stderr")
	)
	flag.Parse()

	logger, closeLog, err := newLogger(*logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rvm: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	failureMode, err := parseFailureMode(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rvm: %v\n", err)
		os.Exit(1)
	}

	cfg := vm.DefaultConfig()
	cfg.MemorySize = *memSize
	cfg.FailureMode = failureMode
	cfg.TickSleep = *tickSleep

	machine, err := vm.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rvm: %v\n", err)
		os.Exit(1)
	}

	if *romPath != "" {
		if err := loadROM(machine, *romPath); err != nil {
			fmt.Fprintf(os.Stderr, "rvm: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report := machine.Run(ctx)
	if kind, ok := vm.ReportCause(report); ok && kind.Severe() {
		os.Exit(exitCodeFor(kind))
	}
}

func newLogger(path string) (*log.Logger, func(), error) {
	if path == "" {
		return log.New(os.Stderr, "", log.LstdFlags), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return log.New(f, "", log.LstdFlags), func() { f.Close() }, nil
}

func parseFailureMode(s string) (cpu.FailureMode, error) {
	switch s {
	case "safe":
		return cpu.Safe, nil
	case "stable":
		return cpu.Stable, nil
	case "unstable":
		return cpu.Unstable, nil
	case "debug":
		return cpu.Debug, nil
	default:
		return 0, fmt.Errorf("unknown -mode %q (want safe, stable, unstable, debug)", s)
	}
}

func exitCodeFor(k fault.Kind) int {
	if k == fault.Halt {
		return 0
	}
	return 1
}
