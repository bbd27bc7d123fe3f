package vram

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/memutils"
	"github.com/stretchr/testify/require"
)

func TestFreeRegionOfFreeKind(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x100000, RBlockSize: 0x1000})

	region := allocator.free.first()
	err := allocator.freeRegion(region)
	require.True(t, errors.Is(err, memutils.ErrInvariantViolation))
	require.True(t, errors.HasAssertionFailure(err))
}

func TestMergeNonAdjacent(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x100000, RBlockSize: 0x1000})

	left := &Region{kind: RegionFreeSane, start: 0, size: 0x1000}
	right := &Region{kind: RegionFreeSane, start: 0x3000, size: 0x1000}

	merged, err := allocator.tryMerge(left, right)
	require.True(t, errors.Is(err, memutils.ErrInvariantViolation))
	require.Same(t, left, merged)
	require.Equal(t, uint64(0x1000), left.size)
}

func TestMergeMismatchedKinds(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x100000, RBlockSize: 0x1000})

	left := &Region{kind: RegionFreeSane, start: 0, size: 0x1000}
	right := &Region{kind: RegionFreeLSR, start: 0x1000, size: 0x1000}

	merged, err := allocator.tryMerge(right, left)
	require.NoError(t, err)
	require.Same(t, right, merged)
	require.Equal(t, uint64(0x1000), right.size)
}

func TestValidateDetectsGap(t *testing.T) {
	allocator := readyAllocator(t, CreateOptions{Size: 0x100000, RBlockSize: 0x1000})

	region := allocator.global.first()
	region.size -= 0x1000
	require.Error(t, allocator.Validate())
}
