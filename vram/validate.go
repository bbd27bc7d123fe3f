package vram

import (
	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/memutils"
)

var _ memutils.Validatable = &Allocator{}

// Validate checks that the global chain partitions the managed range, that the free set holds
// exactly the free regions, and that every used region belongs to a live object that accounts
// for it
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.validate()
}

func (a *Allocator) validate() error {
	if a.global.len() == 0 {
		return errors.New("global chain is empty")
	}

	var err error
	expected := a.base
	freeCount := 0
	a.global.ascend(func(r *Region) bool {
		if r.start != expected {
			err = errors.Newf("region at %#x leaves a gap or overlap: expected start %#x", r.start, expected)
			return false
		}
		if r.size == 0 {
			err = errors.Newf("region at %#x is empty", r.start)
			return false
		}
		expected = r.End()

		if r.kind.IsFree() {
			freeCount++
			if !a.free.contains(r) {
				err = errors.Newf("free region %#x-%#x is missing from the free set", r.start, r.End())
				return false
			}
			if r.owner != nil {
				err = errors.Newf("free region %#x-%#x has an owner", r.start, r.End())
				return false
			}
			if r.kind == RegionFreeUntyped && (r.start%a.rblock != 0 || r.size%a.rblock != 0) {
				err = errors.Newf("untyped region %#x-%#x is not row-block aligned", r.start, r.End())
				return false
			}
			return true
		}

		if a.free.contains(r) {
			err = errors.Newf("used region %#x-%#x is in the free set", r.start, r.End())
			return false
		}
		if r.owner == nil {
			err = errors.Newf("used region %#x-%#x has no owner", r.start, r.End())
			return false
		}
		if _, live := a.objects.Get(r.owner.serial); !live {
			err = errors.Newf("used region %#x-%#x belongs to freed object %d", r.start, r.End(), r.owner.serial)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	if expected != a.base+a.size {
		return errors.Newf("global chain ends at %#x, expected %#x", expected, a.base+a.size)
	}
	if freeCount != a.free.len() {
		return errors.Newf("free set holds %d regions but the chain has %d free regions", a.free.len(), freeCount)
	}

	a.objects.Iter(func(_ uint64, obj *Object) bool {
		err = a.validateObject(obj)
		return err != nil
	})
	return err
}

func (a *Allocator) validateObject(obj *Object) error {
	if len(obj.regions) == 0 {
		return errors.Newf("object %d has no regions", obj.serial)
	}
	if obj.flags&ObjectContiguous != 0 && len(obj.regions) != 1 {
		return errors.Newf("contiguous object %d has %d regions", obj.serial, len(obj.regions))
	}

	var total uint64
	for i, r := range obj.regions {
		if r.owner != obj {
			return errors.Newf("object %d holds region %#x-%#x owned by another object", obj.serial, r.start, r.End())
		}
		if !a.global.contains(r) {
			return errors.Newf("object %d holds region %#x-%#x outside the chain", obj.serial, r.start, r.End())
		}
		if i > 0 && obj.regions[i-1].start >= r.start {
			return errors.Newf("object %d regions are out of address order", obj.serial)
		}
		total += r.size
	}

	if total != obj.size {
		return errors.Newf("object %d has size %#x but holds %#x bytes", obj.serial, obj.size, total)
	}
	return nil
}

// heldAllocator validates an allocator whose mutex the caller already holds
type heldAllocator struct {
	allocator *Allocator
}

func (h heldAllocator) Validate() error {
	return h.allocator.validate()
}
