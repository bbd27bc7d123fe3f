package vram

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/memutils"
)

// TileFlags is the hardware tiling/compression attribute of an object. Its value selects the
// storage layout the memory controller applies to the object's pages.
type TileFlags uint32

func (f TileFlags) String() string {
	return fmt.Sprintf("%#x", uint32(f))
}

// Placement is the end of free memory an allocation is taken from
type Placement int

const (
	// PlacementSane allocations are taken from the low end of free memory
	PlacementSane Placement = iota
	// PlacementLSR allocations are sensitive to row/bank addressing and are taken from the high end
	PlacementLSR
)

func (p Placement) String() string {
	if p == PlacementLSR {
		return "LSR"
	}
	return "Sane"
}

func (p Placement) freeKind() RegionKind {
	if p == PlacementLSR {
		return RegionFreeLSR
	}
	return RegionFreeSane
}

// TileTable is the whitelist of tile attributes a device generation supports, and the placement
// each one requires
type TileTable map[TileFlags]Placement

// Lookup returns the placement for a tile attribute, or an error wrapping memutils.ErrInvalidArgument
// if the attribute is unsupported
func (t TileTable) Lookup(flags TileFlags) (Placement, error) {
	placement, ok := t[flags]
	if !ok {
		return PlacementSane, errors.Wrapf(memutils.ErrInvalidArgument, "unsupported tile flags %s", flags)
	}
	return placement, nil
}

func tileRange(table TileTable, placement Placement, flags ...TileFlags) {
	for _, f := range flags {
		table[f] = placement
	}
}

// GenerationATiles is the tile attribute table of flat-page-table devices
var GenerationATiles = func() TileTable {
	table := TileTable{}
	tileRange(table, PlacementSane,
		0x00,
		0x10, 0x11, 0x12, 0x13,
		0x20, 0x21, 0x22, 0x23, 0x24, 0x25, 0x26,
		0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46,
		0x54, 0x55, 0x56,
		0x60, 0x61, 0x62, 0x63, 0x64, 0x65, 0x66,
		0x68, 0x69, 0x6a, 0x6b,
		0x70, 0x74, 0x78, 0x79, 0x7c, 0x7d,
	)
	tileRange(table, PlacementLSR,
		0x18, 0x19, 0x1a, 0x1b,
		0x28, 0x29, 0x2a, 0x2b, 0x2c, 0x2d, 0x2e,
		0x47, 0x48, 0x49, 0x4a, 0x4b, 0x4c, 0x4d,
		0x6c, 0x6d, 0x6e, 0x6f,
		0x72, 0x76, 0x7a, 0x7b,
	)
	return table
}()

// GenerationBTiles is the tile attribute table of two-level-page-table devices. None of its
// attributes need LSR placement.
var GenerationBTiles = TileTable{
	0x00: PlacementSane,
	0xdb: PlacementSane,
	0xfe: PlacementSane,
}
