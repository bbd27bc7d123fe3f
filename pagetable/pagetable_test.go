package pagetable

import (
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/internal/sim"
	"github.com/pscnv/gpumem/memutils"
	"github.com/pscnv/gpumem/vram"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

const testVRAMSize = 64 << 20

type testRig struct {
	logger    *slog.Logger
	device    *sim.Device
	allocator *vram.Allocator
}

func readyRig(t *testing.T) *testRig {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	device := sim.NewDevice(testVRAMSize)

	allocator, err := vram.New(logger, vram.CreateOptions{
		Base:       0x40000,
		Size:       testVRAMSize - 0x40000 - 0x2000,
		RBlockSize: 0x1000,
		Tiles:      vram.GenerationBTiles,
	})
	require.NoError(t, err)

	return &testRig{logger: logger, device: device, allocator: allocator}
}

func (r *testRig) options() CreateOptions {
	return CreateOptions{
		Registers:   r.device.Registers,
		Aperture:    r.device.VRAM,
		Allocator:   r.allocator,
		PollTimeout: 20 * time.Millisecond,
		EagerBlocks: 1,
	}
}

func (r *testRig) alloc(t *testing.T, size uint64, flags vram.ObjectFlags) *vram.Object {
	obj, err := r.allocator.Alloc(size, flags, 0, 0x1234)
	require.NoError(t, err)
	return obj
}

func (r *testRig) liveObjects() int {
	return len(r.allocator.LiveObjects())
}

func TestNewManagersRequireCollaborators(t *testing.T) {
	rig := readyRig(t)

	_, err := NewTwoLevelManager(rig.logger, CreateOptions{Allocator: rig.allocator})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = NewFlatManager(rig.logger, CreateOptions{Registers: rig.device.Registers})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
}

func TestPraminWindowMovesOnlyWhenNeeded(t *testing.T) {
	device := sim.NewDevice(0x100000)
	window := NewPraminWindow(device.Registers, true)

	window.Write32(0x10000, 1)
	window.Write32(0x1fffc, 2)
	window.Write32(0x20000, 3)
	require.Equal(t, 2, device.Registers.Writes(praminWindowSelect))

	require.Equal(t, uint32(1), device.VRAM.Read32(0x10000))
	require.Equal(t, uint32(2), device.VRAM.Read32(0x1fffc))
	require.Equal(t, uint32(3), window.Read32(0x20000))
	require.Equal(t, uint32(2), window.Read32(0x1fffc))
	require.Equal(t, 3, device.Registers.Writes(praminWindowSelect))
}

func TestPollTimeout(t *testing.T) {
	rig := readyRig(t)
	rig.device.Registers.SetHung(true)

	p := poller{logger: rig.logger, registers: rig.device.Registers, timeout: 10 * time.Millisecond}
	start := time.Now()
	err := p.writeAndWait("test", regRaminFlush, 1, ^uint32(0), 0)
	require.True(t, errors.Is(err, memutils.ErrHardwareTimeout))
	require.Less(t, time.Since(start), time.Second)

	rig.device.Registers.SetHung(false)
	require.NoError(t, p.writeAndWait("test", regRaminFlush, 1, ^uint32(0), 0))
}

func TestSpaceKindString(t *testing.T) {
	require.Equal(t, "Client", SpaceClient.String())
	require.Equal(t, "BAR3", SpaceBAR3.String())
	require.False(t, SpaceClient.IsBar())
	require.True(t, SpaceBAR1.IsBar())
}
