package vram

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pscnv/gpumem/memutils"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

func readyAllocator(t *testing.T, options CreateOptions) *Allocator {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := New(logger, options)
	require.NoError(t, err)
	require.NoError(t, allocator.Validate())

	return allocator
}

type regionShape struct {
	Kind  RegionKind
	Start uint64
	Size  uint64
}

func shape(t *testing.T, a *Allocator) []regionShape {
	var out []regionShape
	err := a.VisitRegions(func(kind RegionKind, start, size uint64, owner *Object) error {
		out = append(out, regionShape{Kind: kind, Start: start, Size: size})
		return nil
	})
	require.NoError(t, err)
	return out
}

func freeBytes(a *Allocator) uint64 {
	var stats memutils.Statistics
	a.AddStatistics(&stats)
	return stats.FreeBytes()
}

func TestNewUntypesWholeRange(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x100000, RBlockSize: 0x1000})

	require.Equal(t, []regionShape{
		{Kind: RegionFreeUntyped, Start: 0, Size: 0x100000},
	}, shape(t, allocator))
}

func TestNewUnalignedRange(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Base: 0x40000, Size: 0x100000, RBlockSize: 0x3000})

	// 0x40000 rounds up to 0x42000 and the untyped middle stops at the last whole row block
	require.Equal(t, []regionShape{
		{Kind: RegionFreeSane, Start: 0x40000, Size: 0x2000},
		{Kind: RegionFreeUntyped, Start: 0x42000, Size: 0xfc000},
		{Kind: RegionFreeSane, Start: 0x13e000, Size: 0x2000},
	}, shape(t, allocator))

	// Typed leftovers at the front are consumed before untyped memory
	obj, err := allocator.Alloc(0x1000, ObjectContiguous, 0, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0x40000), obj.Start())
	require.NoError(t, allocator.Validate())
}

func TestNewRejectsBadOptions(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := New(logger, CreateOptions{Size: 0, RBlockSize: 0x1000})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = New(logger, CreateOptions{Size: 0x1000})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = New(logger, CreateOptions{Base: 0x800, Size: 0x10000, RBlockSize: 0x1000})
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
}

func TestReuseFreedMiddle(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x100000, RBlockSize: 0x1000})

	first, err := allocator.Alloc(4096, ObjectContiguous, 0, 1)
	require.NoError(t, err)
	middle, err := allocator.Alloc(8192, ObjectContiguous, 0, 2)
	require.NoError(t, err)
	last, err := allocator.Alloc(4096, ObjectContiguous, 0, 3)
	require.NoError(t, err)

	require.Equal(t, uint64(0), first.Start())
	require.Equal(t, uint64(0x1000), middle.Start())
	require.Equal(t, uint64(0x3000), last.Start())

	require.NoError(t, allocator.Free(middle))
	require.NoError(t, allocator.Validate())

	replacement, err := allocator.Alloc(6144, ObjectContiguous, 0, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(8192), replacement.Size())
	require.Equal(t, uint64(0x1000), replacement.Start())
	require.Len(t, replacement.Segments(), 1)

	require.Equal(t, uint64(0), first.Start())
	require.Equal(t, uint64(0x3000), last.Start())
	require.NoError(t, allocator.Validate())
}

func TestLSRPlacementFromBack(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{
		Size:       0x100000,
		RBlockSize: 0x1000,
		Tiles:      GenerationATiles,
	})

	sane, err := allocator.Alloc(0x1000, ObjectContiguous, 0x70, 1)
	require.NoError(t, err)
	require.Equal(t, PlacementSane, sane.Placement())
	require.Equal(t, uint64(0), sane.Start())

	lsr, err := allocator.Alloc(0x2000, ObjectContiguous, 0x18, 2)
	require.NoError(t, err)
	require.Equal(t, PlacementLSR, lsr.Placement())
	require.Equal(t, uint64(0xfe000), lsr.Start())

	require.Equal(t, []regionShape{
		{Kind: RegionUsedSane, Start: 0, Size: 0x1000},
		{Kind: RegionFreeUntyped, Start: 0x1000, Size: 0xfd000},
		{Kind: RegionUsedLSR, Start: 0xfe000, Size: 0x2000},
	}, shape(t, allocator))

	require.NoError(t, allocator.Free(lsr))
	require.NoError(t, allocator.Free(sane))
	require.Equal(t, []regionShape{
		{Kind: RegionFreeUntyped, Start: 0, Size: 0x100000},
	}, shape(t, allocator))
}

func TestLSRLeavesTypedRemainder(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{
		Size:       0x30000,
		RBlockSize: 0x3000,
		Tiles:      GenerationATiles,
	})

	obj, err := allocator.Alloc(0x1000, 0, 0x2a, 1)
	require.NoError(t, err)

	// One row block is committed to LSR and the object takes its top page
	require.Equal(t, []regionShape{
		{Kind: RegionFreeUntyped, Start: 0, Size: 0x2d000},
		{Kind: RegionFreeLSR, Start: 0x2d000, Size: 0x2000},
		{Kind: RegionUsedLSR, Start: 0x2f000, Size: 0x1000},
	}, shape(t, allocator))

	// A sane allocation cannot use the LSR remainder
	sane, err := allocator.Alloc(0x2000, ObjectContiguous, 0, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(0), sane.Start())

	// A second LSR allocation reuses it
	lsr, err := allocator.Alloc(0x2000, ObjectContiguous, 0x2a, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2d000), lsr.Start())

	require.NoError(t, allocator.Free(obj))
	require.NoError(t, allocator.Free(lsr))
	require.NoError(t, allocator.Free(sane))
	require.NoError(t, allocator.Validate())
	require.Equal(t, []regionShape{
		{Kind: RegionFreeUntyped, Start: 0, Size: 0x30000},
	}, shape(t, allocator))
}

func TestScatteredAllocation(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x10000, RBlockSize: 0x1000})

	a, err := allocator.Alloc(0x4000, ObjectContiguous, 0, 1)
	require.NoError(t, err)
	b, err := allocator.Alloc(0x4000, ObjectContiguous, 0, 2)
	require.NoError(t, err)
	c, err := allocator.Alloc(0x4000, ObjectContiguous, 0, 3)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(a))
	require.NoError(t, allocator.Free(c))

	scattered, err := allocator.Alloc(0x6000, 0, 0, 4)
	require.NoError(t, err)
	require.Equal(t, []Segment{
		{Start: 0, Size: 0x4000},
		{Start: 0x8000, Size: 0x2000},
	}, scattered.Segments())
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Free(scattered))
	require.NoError(t, allocator.Free(b))
	require.Equal(t, uint64(0x10000), freeBytes(allocator))
}

func TestContiguousOutOfMemory(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x10000, RBlockSize: 0x1000})

	a, err := allocator.Alloc(0x4000, ObjectContiguous, 0, 1)
	require.NoError(t, err)
	_, err = allocator.Alloc(0x4000, ObjectContiguous, 0, 2)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(a))

	before := shape(t, allocator)

	// 0xc000 bytes are free, but the largest free region holds 0x8000
	_, err = allocator.Alloc(0x9000, ObjectContiguous, 0, 3)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, before, shape(t, allocator))

	// Without the contiguity requirement it fits
	obj, err := allocator.Alloc(0x9000, 0, 0, 4)
	require.NoError(t, err)
	require.Len(t, obj.Segments(), 2)
}

func TestPartialAllocationUnwinds(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x10000, RBlockSize: 0x1000})

	a, err := allocator.Alloc(0x4000, ObjectContiguous, 0, 1)
	require.NoError(t, err)
	_, err = allocator.Alloc(0x4000, ObjectContiguous, 0, 2)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(a))

	before := shape(t, allocator)

	_, err = allocator.Alloc(0xd000, 0, 0, 3)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.NoError(t, allocator.Validate())
	require.Equal(t, before, shape(t, allocator))
	require.Len(t, allocator.LiveObjects(), 1)
}

func TestUnsupportedTileFlags(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x100000, RBlockSize: 0x1000})
	before := shape(t, allocator)

	_, err := allocator.Alloc(0x1000, 0, 0x70, 1)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
	require.Equal(t, before, shape(t, allocator))
	require.Empty(t, allocator.LiveObjects())

	// The rejected request does not consume a serial
	obj, err := allocator.Alloc(0x1000, 0, 0xdb, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(0), obj.Serial())
}

func TestTileTables(t *testing.T) {
	testCases := []struct {
		name      string
		table     TileTable
		flags     TileFlags
		placement Placement
		valid     bool
	}{
		{name: "A linear", table: GenerationATiles, flags: 0x00, placement: PlacementSane, valid: true},
		{name: "A sane tiled", table: GenerationATiles, flags: 0x7d, placement: PlacementSane, valid: true},
		{name: "A lsr tiled", table: GenerationATiles, flags: 0x1b, placement: PlacementLSR, valid: true},
		{name: "A lsr tiled high", table: GenerationATiles, flags: 0x7b, placement: PlacementLSR, valid: true},
		{name: "A unknown", table: GenerationATiles, flags: 0x30, valid: false},
		{name: "B linear", table: GenerationBTiles, flags: 0x00, placement: PlacementSane, valid: true},
		{name: "B tiled", table: GenerationBTiles, flags: 0xfe, placement: PlacementSane, valid: true},
		{name: "B generation A flags", table: GenerationBTiles, flags: 0x18, valid: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			placement, err := testCase.table.Lookup(testCase.flags)
			if !testCase.valid {
				require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
				return
			}

			require.NoError(t, err)
			require.Equal(t, testCase.placement, placement)
		})
	}
}

func TestRejectedSizes(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x100000, RBlockSize: 0x1000})

	_, err := allocator.Alloc(0, 0, 0, 1)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = allocator.Alloc(MaxObjectSize, 0, 0, 1)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	obj, err := allocator.Alloc(1, 0, 0, 1)
	require.NoError(t, err)
	require.Equal(t, PageSize, obj.Size())
}

func TestDoubleFree(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x100000, RBlockSize: 0x1000})

	obj, err := allocator.Alloc(0x1000, 0, 0, 1)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(obj))

	err = allocator.Free(obj)
	require.True(t, errors.Is(err, memutils.ErrNotFound))

	other := readyAllocator(t, CreateOptions{Size: 0x100000, RBlockSize: 0x1000})
	obj, err = other.Alloc(0x1000, 0, 0, 1)
	require.NoError(t, err)
	require.True(t, errors.Is(allocator.Free(obj), memutils.ErrNotFound))
}

type fakeMapping struct {
	obj      *Object
	offset   uint64
	unmapped int
}

func (m *fakeMapping) Offset() uint64 { return m.offset }

func (m *fakeMapping) Unmap() error {
	m.unmapped++
	if !m.obj.RemoveMapping(m) {
		return memutils.ErrNotFound
	}
	return nil
}

func TestFreeTearsDownMappings(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x100000, RBlockSize: 0x1000})

	obj, err := allocator.Alloc(0x3000, 0, 0, 1)
	require.NoError(t, err)

	first := &fakeMapping{obj: obj, offset: 0x1000}
	second := &fakeMapping{obj: obj, offset: 0x20000}
	obj.AddMapping(first)
	obj.AddMapping(second)
	require.Len(t, obj.Mappings(), 2)

	require.NoError(t, allocator.Free(obj))
	require.Equal(t, 1, first.unmapped)
	require.Equal(t, 1, second.unmapped)
	require.Empty(t, obj.Mappings())
}

func TestStatistics(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x100000, RBlockSize: 0x1000})

	_, err := allocator.Alloc(0x3000, ObjectContiguous, 0, 1)
	require.NoError(t, err)
	_, err = allocator.Alloc(0x1000, ObjectContiguous, 0, 2)
	require.NoError(t, err)

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		RegionCount: 3,
		ObjectCount: 2,
		TotalBytes:  0x100000,
		UsedBytes:   0x4000,
	}, stats)

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	allocator.AddDetailedStatistics(&detailed)
	require.Equal(t, 1, detailed.FreeRegionCount)
	require.Equal(t, 2, detailed.UsedRegionCount)
	require.Equal(t, uint64(0x1000), detailed.UsedRegionSizeMin)
	require.Equal(t, uint64(0x3000), detailed.UsedRegionSizeMax)
	require.Equal(t, uint64(0xfc000), detailed.FreeRegionSizeMax)
}

func TestPrintDetailedMap(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x100000, RBlockSize: 0x1000})

	_, err := allocator.Alloc(0x3000, ObjectContiguous|ObjectNoUser, 0, 0xbeef)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	allocator.PrintDetailedMap(&writer)
	require.NoError(t, writer.Error())

	var out struct {
		Size    int
		Objects int
		Regions []struct {
			Offset int
			Type   string
			Size   int
			Tag    int
			Flags  string
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &out))
	require.Equal(t, 0x100000, out.Size)
	require.Equal(t, 1, out.Objects)
	require.Len(t, out.Regions, 2)
	require.Equal(t, "UsedSane", out.Regions[0].Type)
	require.Equal(t, 0xbeef, out.Regions[0].Tag)
	require.Equal(t, "ObjectContiguous|ObjectNoUser", out.Regions[0].Flags)
	require.Equal(t, "FreeUntyped", out.Regions[1].Type)
}

func TestConcurrentAllocFree(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{
		Size:       0x400000,
		RBlockSize: 0x3000,
		Tiles:      GenerationATiles,
	})

	var group errgroup.Group
	for worker := 0; worker < 8; worker++ {
		worker := worker
		group.Go(func() error {
			tile := TileFlags(0)
			if worker%2 == 1 {
				tile = 0x18
			}

			for i := 0; i < 50; i++ {
				flags := ObjectFlags(0)
				if i%3 == 0 {
					flags = ObjectContiguous
				}

				obj, err := allocator.Alloc(uint64(0x1000*(1+(worker+i)%5)), flags, tile, uint32(worker))
				if err != nil {
					return err
				}
				err = allocator.Free(obj)
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	require.NoError(t, group.Wait())
	require.NoError(t, allocator.Validate())
	require.Empty(t, allocator.LiveObjects())
	require.Equal(t, uint64(0x400000), freeBytes(allocator))
}
