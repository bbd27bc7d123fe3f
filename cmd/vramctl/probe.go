package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/subcommands"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pscnv/gpumem/device"
	"github.com/pscnv/gpumem/internal/sim"
	"golang.org/x/exp/slog"
)

// probeCommand brings up a simulated device and reports the VRAM layout the memory controller
// registers describe.
type probeCommand struct {
	generation string
	vramMiB    uint64
	tiling     bool
	detailed   bool
}

// Name implements subcommands.Command.Name.
func (*probeCommand) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*probeCommand) Synopsis() string {
	return "probe the VRAM layout of a simulated device"
}

// Usage implements subcommands.Command.Usage.
func (*probeCommand) Usage() string {
	return `probe [flags] - bring up a simulated device and print its VRAM layout as JSON.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *probeCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.generation, "generation", string(device.GenerationTwoLevel), "page table generation: nv50 or nvc0")
	f.Uint64Var(&p.vramMiB, "vram", 256, "amount of simulated VRAM in MiB")
	f.BoolVar(&p.tiling, "tiling", false, "report three-way row interleaving (flat generation only)")
	f.BoolVar(&p.detailed, "detailed", false, "print the full region and address space map")
}

// Execute implements subcommands.Command.Execute.
func (p *probeCommand) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	logger := args[0].(*slog.Logger)

	generation := device.Generation(p.generation)
	hw, err := newSimDevice(generation, p.vramMiB<<20)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	hw.SetRowInterleave(p.tiling)

	d, err := device.New(logger, device.Config{Generation: generation}, hw.Registers, hw.VRAM)
	if err != nil {
		logger.Error("probe failed", slog.Any("error", err))
		return subcommands.ExitFailure
	}
	defer d.Close()

	w := jwriter.NewWriter()
	if p.detailed {
		d.PrintDetailedMap(&w)
	} else {
		printLayout(&w, d)
	}
	if err := w.Error(); err != nil {
		logger.Error("could not encode layout", slog.Any("error", err))
		return subcommands.ExitFailure
	}
	fmt.Println(string(w.Bytes()))
	return subcommands.ExitSuccess
}

func printLayout(w *jwriter.Writer, d *device.Device) {
	objState := w.Object()
	defer objState.End()

	objState.Name("Generation").String(string(d.Generation()))
	objState.Name("VRAMSize").Int(int(d.VRAMSize()))
	objState.Name("RBlockSize").Int(int(d.RBlockSize()))
	objState.Name("AllocatorBase").Int(int(d.Allocator().Base()))
	objState.Name("AllocatorSize").Int(int(d.Allocator().Size()))
	objState.Name("PageTables").Int(d.PageTables())
}

// newSimDevice builds simulated hardware whose memory controller reports size bytes of VRAM the
// way the given generation does
func newSimDevice(generation device.Generation, size uint64) (*sim.Device, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, errors.Newf("simulated VRAM size %#x must be a nonzero power of two", size)
	}

	hw := sim.NewDevice(size)
	switch generation {
	case device.GenerationFlat:
		hw.PresetFlat()
	case device.GenerationTwoLevel:
		hw.PresetTwoLevel()
	default:
		return nil, errors.Newf("unknown generation %q", generation)
	}
	return hw, nil
}
