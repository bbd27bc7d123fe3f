// vramctl drives the GPU memory subsystem over a simulated device. It probes VRAM layouts and
// replays allocation and mapping workloads, printing the resulting region and address space maps
// as JSON.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/exp/slog"
)

var (
	debug = flag.Bool("debug", false, "log every allocator and address space operation")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&probeCommand{}, "")
	subcommands.Register(&simulateCommand{}, "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	exitCode := subcommands.Execute(context.Background(), logger)
	os.Exit(int(exitCode))
}
