// Command present is an external consumer of the framebuffer device: it
// opens a window, reads the device's pixel buffer under its lock every
// frame, scales it to the window size, and presents it. It never touches
// core VM state directly — only the Machine's exported Framebuffer and
// Stop/Running surface, matching spec.md's "consumer view".
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"os"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"golang.org/x/image/draw"

	"github.com/lordaftereight/rvm/internal/cpu"
	"github.com/lordaftereight/rvm/internal/framebuffer"
	"github.com/lordaftereight/rvm/internal/vm"
)

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

type presenter struct {
	machine *vm.Machine
	src     *image.RGBA
	window  *ebiten.Image
	scaled  *image.RGBA
}

func newPresenter(m *vm.Machine) *presenter {
	return &presenter{
		machine: m,
		src:     image.NewRGBA(image.Rect(0, 0, framebuffer.Width, framebuffer.Height)),
		window:  ebiten.NewImage(framebuffer.Width, framebuffer.Height),
	}
}

func (p *presenter) Update() error {
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		p.machine.Stop()
	}
	if !p.machine.Running() {
		return ebiten.Termination
	}

	// Drive the device's external update tick: this is what commits a
	// core's pending register writes to the pixel buffer (or repaints the
	// test pattern when update-enable is clear).
	p.machine.Framebuffer().Update()

	pixels := p.machine.Framebuffer().Snapshot()
	for i, argb := range pixels {
		p.src.Pix[i*4+0] = byte(argb >> 16) // R
		p.src.Pix[i*4+1] = byte(argb >> 8)  // G
		p.src.Pix[i*4+2] = byte(argb)       // B
		p.src.Pix[i*4+3] = byte(argb >> 24) // A
	}
	return nil
}

func (p *presenter) Draw(screen *ebiten.Image) {
	w, h := screen.Bounds().Dx(), screen.Bounds().Dy()
	if p.scaled == nil || p.scaled.Bounds().Dx() != w || p.scaled.Bounds().Dy() != h {
		p.scaled = image.NewRGBA(image.Rect(0, 0, w, h))
		p.window = ebiten.NewImage(w, h)
	}
	draw.BiLinear.Scale(p.scaled, p.scaled.Bounds(), p.src, p.src.Bounds(), draw.Over, nil)
	p.window.WritePixels(p.scaled.Pix)
	screen.DrawImage(p.window, nil)
	ebitenutil.DebugPrint(screen, fmt.Sprintf("ticks=%d", p.machine.Framebuffer().Ticks()))
}

func (p *presenter) Layout(outsideWidth, outsideHeight int) (int, int) {
	return outsideWidth, outsideHeight
}

func main() {
	romPath := flag.String("rom", "", "path to a raw binary ROM image, loaded at address 0")
	mode := flag.String("mode", "safe", "failure mode: safe, stable, unstable, debug")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	failureMode, err := parseFailureMode(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "present: %v\n", err)
		os.Exit(1)
	}

	cfg := vm.DefaultConfig()
	cfg.FailureMode = failureMode
	machine, err := vm.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "present: %v\n", err)
		os.Exit(1)
	}

	if *romPath != "" {
		data, err := os.ReadFile(*romPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "present: %v\n", err)
			os.Exit(1)
		}
		b := machine.Bus()
		for i, by := range data {
			b.Write8(uint32(i), by)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		machine.Run(ctx)
		cancel()
	}()

	// Give the Run goroutine a moment to set the running flag before the
	// presenter's first Update checks Running.
	time.Sleep(10 * time.Millisecond)

	p := newPresenter(machine)
	ebiten.SetWindowSize(1280, 720)
	ebiten.SetWindowTitle("rvm framebuffer")
	ebiten.SetWindowResizable(true)
	if err := ebiten.RunGame(p); err != nil {
		fmt.Fprintf(os.Stderr, "present: %v\n", err)
	}
}
