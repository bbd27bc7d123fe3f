package pagetable

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/memutils"
	"github.com/pscnv/gpumem/vram"
	"github.com/stretchr/testify/require"
)

func readyFlat(t *testing.T, rig *testRig, options CreateOptions, kind SpaceKind) (*FlatManager, *flatTables) {
	manager, err := NewFlatManager(rig.logger, options)
	require.NoError(t, err)

	tables, err := manager.NewTables(kind)
	require.NoError(t, err)

	return manager, tables.(*flatTables)
}

func TestFlatEagerTables(t *testing.T) {
	rig := readyRig(t)
	_, tables := readyFlat(t, rig, rig.options(), SpaceClient)

	require.NotNil(t, tables.tables[0])
	require.True(t, tables.tables[0].pinned)
	require.Nil(t, tables.tables[1])
	require.Equal(t, 2, rig.liveObjects())

	pdeLo := rig.device.VRAM.Read32(tables.Root())
	require.Equal(t, uint32(tables.tables[0].start)|flatPDEPresent, pdeLo)
}

func TestFlatMapAndTranslate(t *testing.T) {
	rig := readyRig(t)
	_, tables := readyFlat(t, rig, rig.options(), SpaceClient)

	obj, err := rig.allocator.Alloc(0x3000, vram.ObjectNoUser, 0, 1)
	require.NoError(t, err)
	require.NoError(t, tables.Materialize(obj, 0x10000))

	for page := uint64(0); page < 3; page++ {
		phys, shift, ok := tables.Translate(0x10000 + page*0x1000 + 0x24)
		require.True(t, ok)
		require.Equal(t, uint(flatPageShift), shift)
		require.Equal(t, obj.Start()+page*0x1000+0x24, phys)
	}
	_, _, ok := tables.Translate(0x13000)
	require.False(t, ok)

	entry := rig.device.VRAM.Read32(tables.tables[0].start + 0x10*8)
	require.Equal(t, uint32(obj.Start())|flatPTEPresent|flatPTESupervisor, entry)
	require.Equal(t, uint64(3), tables.tables[0].live)

	// Pinned tables survive being emptied
	require.NoError(t, tables.Clear(0x10000, 0x3000))
	require.NotNil(t, tables.tables[0])
	require.Zero(t, tables.tables[0].live)
	_, _, ok = tables.Translate(0x10000)
	require.False(t, ok)
}

func TestFlatLazyTables(t *testing.T) {
	rig := readyRig(t)
	_, tables := readyFlat(t, rig, rig.options(), SpaceClient)

	obj := rig.alloc(t, 0x2000, 0)
	baseline := rig.liveObjects()

	offset := 4*flatBlockSize - 0x1000
	require.NoError(t, tables.Materialize(obj, offset))
	require.NotNil(t, tables.tables[3])
	require.NotNil(t, tables.tables[4])
	require.Equal(t, baseline+2, rig.liveObjects())

	phys, _, ok := tables.Translate(offset + 0x1000)
	require.True(t, ok)
	require.Equal(t, obj.Start()+0x1000, phys)

	require.NoError(t, tables.Clear(offset, 0x2000))
	require.Nil(t, tables.tables[3])
	require.Nil(t, tables.tables[4])
	require.Equal(t, baseline, rig.liveObjects())
	require.Zero(t, rig.device.VRAM.Read32(tables.Root()+3*8))
}

func TestFlatSpecialSpaces(t *testing.T) {
	rig := readyRig(t)
	options := rig.options()
	options.BAR1Size = 1 << 30
	options.BAR3Size = 16 << 20

	_, bar1 := readyFlat(t, rig, options, SpaceBAR1)
	require.NotNil(t, bar1.tables[0])
	require.NotNil(t, bar1.tables[1])
	require.Nil(t, bar1.tables[2])

	manager, bar3 := readyFlat(t, rig, options, SpaceBAR3)
	require.NotNil(t, bar3.tables[0])
	require.Nil(t, bar3.tables[1])

	obj, err := rig.allocator.Alloc(0x1000, vram.ObjectNoUser, 0, 1)
	require.NoError(t, err)
	require.NoError(t, bar3.Materialize(obj, 0))
	entry := rig.device.VRAM.Read32(bar3.tables[0].start)
	require.Zero(t, entry&flatPTESupervisor)

	registers := rig.device.Registers
	require.NoError(t, bar3.FlushTLB())
	require.Equal(t, uint32(FlatUnitBAR<<16), registers.Read32(regFlatFlush))

	require.NoError(t, manager.FlushUnit(FlatUnitFIFO))
	require.Equal(t, uint32(FlatUnitFIFO<<16), registers.Read32(regFlatFlush))
	require.Equal(t, 2, registers.Writes(regFlatFlush))
}

func TestFlatClientFlushIsEngineDriven(t *testing.T) {
	rig := readyRig(t)
	manager, tables := readyFlat(t, rig, rig.options(), SpaceClient)

	require.NoError(t, tables.FlushTLB())
	require.Zero(t, rig.device.Registers.Writes(regFlatFlush))

	rig.device.Registers.SetHung(true)
	err := manager.FlushUnit(FlatUnitFIFO)
	require.True(t, errors.Is(err, memutils.ErrHardwareTimeout))

	obj := rig.alloc(t, 0x1000, 0)
	err = tables.Materialize(obj, 0)
	require.True(t, errors.Is(err, memutils.ErrHardwareTimeout))
}

func TestFlatTileFlags(t *testing.T) {
	rig := readyRig(t)
	logger := rig.logger

	allocator, err := vram.New(logger, vram.CreateOptions{
		Base:       0x40000,
		Size:       testVRAMSize - 0x40000 - 0x2000,
		RBlockSize: 0x4000,
		Tiles:      vram.GenerationATiles,
	})
	require.NoError(t, err)
	options := rig.options()
	options.Allocator = allocator

	_, tables := readyFlat(t, rig, options, SpaceClient)
	obj, err := allocator.Alloc(0x1000, 0, 0x7a, 1)
	require.NoError(t, err)
	require.NoError(t, tables.Materialize(obj, 0))

	hi := rig.device.VRAM.Read32(tables.tables[0].start + 4)
	require.Equal(t, uint32(0x7a<<8)|uint32(obj.Start()>>32), hi)

	phys, _, ok := tables.Translate(0)
	require.True(t, ok)
	require.Equal(t, obj.Start(), phys)
}

func TestFlatRelease(t *testing.T) {
	rig := readyRig(t)
	_, tables := readyFlat(t, rig, rig.options(), SpaceClient)

	obj := rig.alloc(t, 0x1000, 0)
	require.NoError(t, tables.Materialize(obj, 7*flatBlockSize))
	require.NoError(t, tables.Release())
	require.Equal(t, 1, rig.liveObjects())
}
