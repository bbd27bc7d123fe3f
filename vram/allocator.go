package vram

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pscnv/gpumem/internal/utils"
	"github.com/pscnv/gpumem/memutils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// PageSize is the allocation granularity of VRAM objects
const PageSize uint64 = 0x1000

// MaxObjectSize is the exclusive upper bound on object sizes
const MaxObjectSize uint64 = 1 << 40

// CreateOptions configure a new Allocator
type CreateOptions struct {
	// Base is the first physical address handed out by the allocator
	Base uint64
	// Size is the length in bytes of the managed range starting at Base
	Size uint64
	// RBlockSize is the row block granularity at which free memory is committed to a placement
	// class. It need not be a power of two.
	RBlockSize uint64
	// Tiles is the tile attribute whitelist of the device. Defaults to GenerationBTiles.
	Tiles TileTable
	// ExternallySynchronized disables all internal locking
	ExternallySynchronized bool
}

// Allocator hands out regions of physical VRAM to Objects. It keeps every region in an
// address-ordered global chain that partitions the managed range, and keeps the free regions in
// a second address-ordered set.
type Allocator struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	useMutex bool
	base     uint64
	size     uint64
	rblock   uint64
	tiles    TileTable

	global  regionSet
	free    regionSet
	objects *swiss.Map[uint64, *Object]

	nextSerial uint64
}

// New creates an allocator over [Base, Base+Size). The whole range starts out as a single free
// region, which is immediately untyped.
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if options.Size == 0 {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "cannot create an allocator over an empty range")
	}
	if options.RBlockSize == 0 {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "row block size must be nonzero")
	}
	if memutils.AlignDown(options.Base, PageSize) != options.Base || memutils.AlignDown(options.Size, PageSize) != options.Size {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "range %#x+%#x is not page aligned", options.Base, options.Size)
	}
	if options.Base+options.Size < options.Base {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "range %#x+%#x overflows", options.Base, options.Size)
	}
	if options.Tiles == nil {
		options.Tiles = GenerationBTiles
	}

	a := &Allocator{
		logger:   logger,
		mutex:    utils.NewOptionalMutex(!options.ExternallySynchronized),
		useMutex: !options.ExternallySynchronized,
		base:     options.Base,
		size:     options.Size,
		rblock:   options.RBlockSize,
		tiles:    options.Tiles,
		global:   newRegionSet(),
		free:     newRegionSet(),
		objects:  swiss.NewMap[uint64, *Object](64),
	}

	all := &Region{kind: RegionFreeSane, start: options.Base, size: options.Size}
	a.global.insert(all)
	a.free.insert(all)
	err := a.tryUntype(all)
	if err != nil {
		return nil, err
	}

	logger.Info("Allocator::New",
		slog.Uint64("Base", options.Base),
		slog.Uint64("Size", options.Size),
		slog.Uint64("RBlockSize", options.RBlockSize),
	)
	return a, nil
}

// Base is the first managed physical address
func (a *Allocator) Base() uint64 { return a.base }

// Size is the length of the managed range
func (a *Allocator) Size() uint64 { return a.size }

// RBlockSize is the row block granularity
func (a *Allocator) RBlockSize() uint64 { return a.rblock }

// Alloc creates an object of at least size bytes. The size is rounded up to PageSize. Contiguous
// objects are backed by a single region. The tile attribute must appear in the allocator's tile
// table, which also decides whether the object is placed at the low or high end of free memory.
//
// Errors wrap memutils.ErrInvalidArgument for bad requests, which leave the allocator untouched,
// and memutils.ErrOutOfMemory when free memory is exhausted.
func (a *Allocator) Alloc(size uint64, flags ObjectFlags, tile TileFlags, tag uint32) (*Object, error) {
	placement, err := a.tiles.Lookup(tile)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "cannot allocate an empty object")
	}
	if size >= MaxObjectSize {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "object size %#x is too large", size)
	}
	size = memutils.AlignUp(size, PageSize)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	obj := &Object{
		allocator: a,
		serial:    a.nextSerial,
		size:      size,
		flags:     flags,
		tile:      tile,
		tag:       tag,
		placement: placement,
		mapMutex:  utils.NewOptionalMutex(a.useMutex),
	}
	a.nextSerial++

	a.logger.Debug("Allocator::Alloc",
		slog.Uint64("Serial", obj.serial),
		slog.Uint64("Size", size),
		slog.String("Flags", flags.String()),
		slog.String("Placement", placement.String()),
		slog.Uint64("Tag", uint64(tag)),
	)

	err = a.claim(obj, placement, size)
	if err != nil {
		return nil, err
	}

	a.objects.Put(obj.serial, obj)
	memutils.DebugValidate(heldAllocator{a})
	return obj, nil
}

// claim walks the free set from the end selected by placement, committing untyped regions and
// consuming typed ones until size bytes are held by obj
func (a *Allocator) claim(obj *Object, placement Placement, size uint64) error {
	contiguous := obj.flags&ObjectContiguous != 0
	wantKind := placement.freeKind()
	remaining := size

	var cur *Region
	if placement == PlacementLSR {
		cur = a.free.last()
	} else {
		cur = a.free.first()
	}

	for cur != nil && remaining > 0 {
		// New pieces split off cur are never revisited, so the successor is taken from cur's
		// original extent
		var next *Region
		if placement == PlacementLSR {
			next = a.free.before(cur.start)
		} else {
			next = a.free.after(cur.End())
		}

		if contiguous && cur.size < remaining {
			cur = next
			continue
		}

		if cur.kind == RegionFreeUntyped {
			committed := memutils.RoundUp(remaining, a.rblock)
			if committed > cur.size {
				committed = cur.size
			}

			if committed != cur.size {
				if placement == PlacementLSR {
					_, cur = a.split(cur, cur.size-committed)
				} else {
					cur, _ = a.split(cur, committed)
				}
			}
			cur.kind = wantKind
		}

		if cur.kind == wantKind {
			if cur.size > remaining {
				if placement == PlacementLSR {
					_, cur = a.split(cur, cur.size-remaining)
				} else {
					cur, _ = a.split(cur, remaining)
				}
			}

			a.free.remove(cur)
			cur.kind = cur.kind.used()
			cur.owner = obj
			if placement == PlacementLSR {
				obj.regions = append([]*Region{cur}, obj.regions...)
			} else {
				obj.regions = append(obj.regions, cur)
			}
			remaining -= cur.size

			a.logger.Debug("Allocator::claim",
				slog.Uint64("Serial", obj.serial),
				slog.Uint64("Start", cur.start),
				slog.Uint64("End", cur.End()),
			)
		}

		cur = next
	}

	if remaining == 0 {
		return nil
	}

	// Unwind whatever was claimed
	claimed := obj.regions
	obj.regions = nil
	for _, r := range claimed {
		err := a.freeRegion(r)
		if err != nil {
			return err
		}
	}

	return errors.Wrapf(memutils.ErrOutOfMemory, "no free memory for %#x-byte object", size)
}

// Free releases an object. Any mappings of the object are torn down first, then every region
// is returned to the free set and coalesced with its free neighbors.
func (a *Allocator) Free(obj *Object) error {
	if obj == nil || obj.allocator != a {
		return errors.Wrap(memutils.ErrNotFound, "object does not belong to this allocator")
	}

	// Mappings take their space's lock, which orders before ours
	for _, m := range obj.Mappings() {
		err := m.Unmap()
		if err != nil && !errors.Is(err, memutils.ErrNotFound) {
			return errors.Wrapf(err, "failed to unmap object %d at %#x", obj.serial, m.Offset())
		}
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	_, live := a.objects.Get(obj.serial)
	if !live {
		return errors.Wrapf(memutils.ErrNotFound, "object %d was already freed", obj.serial)
	}
	a.objects.Delete(obj.serial)

	a.logger.Debug("Allocator::Free",
		slog.Uint64("Serial", obj.serial),
		slog.Uint64("Size", obj.size),
		slog.Uint64("Tag", uint64(obj.tag)),
	)

	var err error
	regions := obj.regions
	obj.regions = nil
	for _, r := range regions {
		err = errors.CombineErrors(err, a.freeRegion(r))
	}

	if err == nil {
		memutils.DebugValidate(heldAllocator{a})
	}
	return err
}

// LiveObjects returns every object that has been allocated and not yet freed, in serial order
func (a *Allocator) LiveObjects() []*Object {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	out := make([]*Object, 0, a.objects.Count())
	a.objects.Iter(func(_ uint64, obj *Object) bool {
		out = append(out, obj)
		return false
	})
	slices.SortFunc(out, func(l, r *Object) bool {
		return l.serial < r.serial
	})
	return out
}

func (a *Allocator) freeRegion(r *Region) error {
	switch r.kind {
	case RegionUsedSane:
		r.kind = RegionFreeSane
	case RegionUsedLSR:
		r.kind = RegionFreeLSR
	default:
		err := memutils.InvariantViolationf("freeing region %#x-%#x of kind %s", r.start, r.End(), r.kind)
		a.logger.Error("Allocator::freeRegion", slog.Any("error", err))
		return err
	}

	r.owner = nil
	a.free.insert(r)

	merged, err := a.tryMergeAdjacent(r)
	if err != nil {
		return err
	}

	return a.tryUntype(merged)
}

// split cuts r offset bytes from its start and returns both pieces. r keeps the leading piece, so
// its key in the sets is unchanged, and the trailing piece joins every set r is in.
func (a *Allocator) split(r *Region, offset uint64) (*Region, *Region) {
	if offset == 0 || offset >= r.size {
		panic("attempted to split a region outside its bounds")
	}

	right := &Region{kind: r.kind, start: r.start + offset, size: r.size - offset, owner: r.owner}
	r.size = offset

	a.global.insert(right)
	if a.free.contains(r) {
		a.free.insert(right)
	}

	a.logger.Debug("Allocator::split",
		slog.String("Kind", r.kind.String()),
		slog.Uint64("Start", r.start),
		slog.Uint64("Split", right.start),
		slog.Uint64("End", right.End()),
	)
	return r, right
}

// tryMerge joins two free regions of the same kind. Regions of different kinds are left alone and
// the first argument is returned. Regions that are not adjacent mean the chain is corrupt.
func (a *Allocator) tryMerge(r, other *Region) (*Region, error) {
	low, high := r, other
	if high.start < low.start {
		low, high = high, low
	}

	if low.End() != high.start {
		err := memutils.InvariantViolationf("tried to merge non-adjacent regions at %#x-%#x and %#x-%#x",
			r.start, r.End(), other.start, other.End())
		a.logger.Error("Allocator::tryMerge", slog.Any("error", err))
		return r, err
	}

	if r.kind != other.kind {
		return r, nil
	}

	a.logger.Debug("Allocator::tryMerge",
		slog.String("Kind", r.kind.String()),
		slog.Uint64("Start", low.start),
		slog.Uint64("Split", high.start),
		slog.Uint64("End", high.End()),
	)

	a.global.remove(high)
	a.free.remove(high)
	low.size += high.size
	return low, nil
}

func (a *Allocator) tryMergeAdjacent(r *Region) (*Region, error) {
	var err error

	next := a.global.after(r.End())
	if next != nil {
		r, err = a.tryMerge(r, next)
		if err != nil {
			return r, err
		}
	}

	prev := a.global.before(r.start)
	if prev != nil {
		r, err = a.tryMerge(r, prev)
		if err != nil {
			return r, err
		}
	}

	return r, nil
}

// tryUntype converts the row-block-aligned middle of a typed free region back to untyped memory.
// Regions that cannot hold one full row block are left as they are.
func (a *Allocator) tryUntype(r *Region) error {
	split := memutils.RoundUp(r.start, a.rblock)
	if split+a.rblock > r.End() {
		return nil
	}

	if split != r.start {
		_, r = a.split(r, split-r.start)
	}

	finalSize := memutils.RoundDown(r.size, a.rblock)
	if finalSize != r.size {
		r, _ = a.split(r, finalSize)
	}

	r.kind = RegionFreeUntyped
	_, err := a.tryMergeAdjacent(r)
	return err
}
