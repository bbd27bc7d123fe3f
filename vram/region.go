package vram

import (
	"github.com/google/btree"
)

// RegionKind is the type tag of a region of physical VRAM. The free kinds order before the used
// kinds, so a region is free iff its kind is at most RegionFreeLSR.
type RegionKind uint8

const (
	// RegionFreeUntyped is free memory spanning whole row blocks that has not been committed to either
	// placement class
	RegionFreeUntyped RegionKind = iota
	// RegionFreeSane is free memory committed to low-end placement
	RegionFreeSane
	// RegionFreeLSR is free memory committed to high-end placement
	RegionFreeLSR
	// RegionUsedSane is memory held by an object allocated with low-end placement
	RegionUsedSane
	// RegionUsedLSR is memory held by an object allocated with high-end placement
	RegionUsedLSR
)

var regionKindMapping = map[RegionKind]string{
	RegionFreeUntyped: "FreeUntyped",
	RegionFreeSane:    "FreeSane",
	RegionFreeLSR:     "FreeLSR",
	RegionUsedSane:    "UsedSane",
	RegionUsedLSR:     "UsedLSR",
}

func (k RegionKind) String() string {
	str, ok := regionKindMapping[k]
	if !ok {
		return "Unknown"
	}
	return str
}

func (k RegionKind) IsFree() bool {
	return k <= RegionFreeLSR
}

func (k RegionKind) used() RegionKind {
	switch k {
	case RegionFreeSane:
		return RegionUsedSane
	case RegionFreeLSR:
		return RegionUsedLSR
	}
	return k
}

// Region is a contiguous span of physical VRAM. Every region belongs to the allocator's global
// chain; free regions additionally belong to the free set and used regions to exactly one Object.
type Region struct {
	kind  RegionKind
	start uint64
	size  uint64
	owner *Object
}

func (r *Region) Kind() RegionKind { return r.kind }
func (r *Region) Start() uint64    { return r.start }
func (r *Region) Size() uint64     { return r.size }
func (r *Region) End() uint64      { return r.start + r.size }

// Owner is the object holding this region, or nil for free regions
func (r *Region) Owner() *Object { return r.owner }

func regionLess(a, b *Region) bool {
	return a.start < b.start
}

func probe(start uint64) *Region {
	return &Region{start: start}
}

// regionSet is an address-ordered set of regions. Regions are keyed by start, so a region's start
// may only change while it is out of every set.
type regionSet struct {
	tree *btree.BTreeG[*Region]
}

func newRegionSet() regionSet {
	return regionSet{tree: btree.NewG[*Region](16, regionLess)}
}

func (s regionSet) insert(r *Region) {
	s.tree.ReplaceOrInsert(r)
}

func (s regionSet) remove(r *Region) bool {
	_, found := s.tree.Delete(r)
	return found
}

func (s regionSet) contains(r *Region) bool {
	item, found := s.tree.Get(r)
	return found && item == r
}

func (s regionSet) len() int {
	return s.tree.Len()
}

func (s regionSet) first() *Region {
	r, _ := s.tree.Min()
	return r
}

func (s regionSet) last() *Region {
	r, _ := s.tree.Max()
	return r
}

// after returns the first region starting at or after addr
func (s regionSet) after(addr uint64) *Region {
	var found *Region
	s.tree.AscendGreaterOrEqual(probe(addr), func(item *Region) bool {
		found = item
		return false
	})
	return found
}

// before returns the last region starting strictly before addr
func (s regionSet) before(addr uint64) *Region {
	if addr == 0 {
		return nil
	}

	var found *Region
	s.tree.DescendLessOrEqual(probe(addr-1), func(item *Region) bool {
		found = item
		return false
	})
	return found
}

func (s regionSet) ascend(iter func(r *Region) bool) {
	s.tree.Ascend(iter)
}
