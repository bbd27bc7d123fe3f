package vram

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pscnv/gpumem/memutils"
)

// AddStatistics adds the allocator's region and object counts to stats
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.RegionCount += a.global.len()
	stats.ObjectCount += a.objects.Count()
	stats.TotalBytes += a.size
	a.objects.Iter(func(_ uint64, obj *Object) bool {
		stats.UsedBytes += obj.size
		return false
	})
}

// AddDetailedStatistics adds per-region counts and size extremes to stats
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.ObjectCount += a.objects.Count()
	a.global.ascend(func(r *Region) bool {
		if r.kind.IsFree() {
			stats.AddFreeRegion(r.size)
		} else {
			stats.AddUsedRegion(r.size)
		}
		return true
	})
}

// VisitRegions calls visit for every region in address order, stopping at the first error
func (a *Allocator) VisitRegions(visit func(kind RegionKind, start, size uint64, owner *Object) error) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var err error
	a.global.ascend(func(r *Region) bool {
		err = visit(r.kind, r.start, r.size, r.owner)
		return err == nil
	})
	return err
}

// PrintDetailedMap writes the allocator's region chain as a JSON object
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("Base").Int(int(a.base))
	objState.Name("Size").Int(int(a.size))
	objState.Name("RBlockSize").Int(int(a.rblock))
	objState.Name("Objects").Int(stats.ObjectCount)
	objState.Name("UsedBytes").Int(int(stats.UsedBytes))
	objState.Name("FreeRegions").Int(stats.FreeRegionCount)
	objState.Name("UsedRegions").Int(stats.UsedRegionCount)

	arrayState := objState.Name("Regions").Array()
	defer arrayState.End()

	a.global.ascend(func(r *Region) bool {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(r.start))
		obj.Name("Type").String(r.kind.String())
		obj.Name("Size").Int(int(r.size))
		if r.owner != nil {
			r.owner.printParameters(&obj)
		}
		return true
	})
}
