package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/subcommands"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pscnv/gpumem/device"
	"golang.org/x/exp/slog"
)

// simulateCommand replays a TOML workload against a simulated device and prints the final memory
// map.
type simulateCommand struct {
	keepOpen bool
}

// Name implements subcommands.Command.Name.
func (*simulateCommand) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*simulateCommand) Synopsis() string {
	return "replay an allocation and mapping workload against a simulated device"
}

// Usage implements subcommands.Command.Usage.
func (*simulateCommand) Usage() string {
	return `simulate [flags] <workload.toml> - run the workload's steps in order and print the
resulting VRAM and address space map as JSON.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *simulateCommand) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.keepOpen, "keep-open", false, "leave the device open after printing the map instead of closing it")
}

// Execute implements subcommands.Command.Execute.
func (s *simulateCommand) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	logger := args[0].(*slog.Logger)

	w, err := loadWorkload(f.Arg(0))
	if err != nil {
		logger.Error("simulate failed", slog.Any("error", err))
		return subcommands.ExitUsageError
	}

	out, err := simulate(logger, w, !s.keepOpen)
	if err != nil {
		logger.Error("simulate failed", slog.Any("error", err))
		return subcommands.ExitFailure
	}
	fmt.Println(string(out))
	return subcommands.ExitSuccess
}

// simulate runs w on fresh simulated hardware and returns the device's detailed map after the last
// step. When closeDevice is set the device is closed afterwards, freeing
// whatever the workload leaked.
func simulate(logger *slog.Logger, w workload, closeDevice bool) ([]byte, error) {
	generation := w.Device.Generation
	if generation == "" {
		generation = device.GenerationTwoLevel
		w.Device.Generation = generation
	}
	hw, err := newSimDevice(generation, w.SimVRAMSize)
	if err != nil {
		return nil, err
	}

	d, err := device.New(logger, w.Device, hw.Registers, hw.VRAM)
	if err != nil {
		return nil, err
	}

	runErr := newRunner(logger, d).run(w.Steps)

	writer := jwriter.NewWriter()
	d.PrintDetailedMap(&writer)
	out := writer.Bytes()
	if err := writer.Error(); err != nil {
		runErr = errors.CombineErrors(runErr, err)
	}

	if closeDevice {
		runErr = errors.CombineErrors(runErr, d.Close())
	}
	return out, runErr
}
