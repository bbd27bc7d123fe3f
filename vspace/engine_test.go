package vspace_test

import (
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/internal/sim"
	"github.com/pscnv/gpumem/pagetable"
	"github.com/pscnv/gpumem/vram"
	"github.com/pscnv/gpumem/vspace"
	"github.com/pscnv/gpumem/vspace/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func newSpace(t *testing.T, registry *vspace.EngineRegistry) (*vspace.Space, *vram.Allocator) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	device := sim.NewDevice(16 << 20)

	allocator, err := vram.New(logger, vram.CreateOptions{
		Base:       0x40000,
		Size:       (16 << 20) - 0x42000,
		RBlockSize: 0x1000,
	})
	require.NoError(t, err)

	manager, err := pagetable.NewFlatManager(logger, pagetable.CreateOptions{
		Registers:   device.Registers,
		Aperture:    device.VRAM,
		Allocator:   allocator,
		PollTimeout: 20 * time.Millisecond,
		EagerBlocks: 1,
	})
	require.NoError(t, err)

	space, err := vspace.New(logger, manager, vspace.CreateOptions{
		ID:      9,
		Kind:    pagetable.SpaceClient,
		Engines: registry,
	})
	require.NoError(t, err)
	return space, allocator
}

func TestEngineFlushDispatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fifo := mocks.NewMockEngine(ctrl)
	graph := mocks.NewMockEngine(ctrl)

	registry := vspace.NewEngineRegistry(true)
	require.NoError(t, registry.Register(0, graph))
	require.NoError(t, registry.Register(5, fifo))
	require.Equal(t, []vspace.EngineID{0, 5}, registry.IDs())

	space, allocator := newSpace(t, registry)
	require.NoError(t, space.RefEngine(5))

	obj, err := allocator.Alloc(0x2000, 0, 0, 1)
	require.NoError(t, err)

	fifo.EXPECT().FlushTLB(space).Return(nil).Times(2)

	mapping, err := space.Map(obj, 0, pagetable.SpaceLimit, false)
	require.NoError(t, err)
	require.NoError(t, mapping.Unmap())
}

func TestEngineFlushStopsAtFirstError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	first := mocks.NewMockEngine(ctrl)
	second := mocks.NewMockEngine(ctrl)

	registry := vspace.NewEngineRegistry(true)
	require.NoError(t, registry.Register(1, first))
	require.NoError(t, registry.Register(2, second))

	space, allocator := newSpace(t, registry)
	require.NoError(t, space.RefEngine(1))
	require.NoError(t, space.RefEngine(2))

	obj, err := allocator.Alloc(0x1000, 0, 0, 1)
	require.NoError(t, err)

	errFlush := errors.New("engine is wedged")
	first.EXPECT().FlushTLB(space).Return(errFlush)

	_, err = space.Map(obj, 0, pagetable.SpaceLimit, false)
	require.True(t, errors.Is(err, errFlush))
	require.Empty(t, obj.Mappings())
	require.Empty(t, space.Mappings())
	require.NoError(t, space.Validate())

	gomock.InOrder(
		first.EXPECT().FlushTLB(space).Return(nil),
		second.EXPECT().FlushTLB(space).Return(nil),
	)
	require.NoError(t, space.FlushTLB())
}
