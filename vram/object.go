package vram

import (
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pscnv/gpumem/internal/utils"
)

// ObjectFlags are placement and access options for an Object
type ObjectFlags uint32

const (
	// ObjectContiguous requires the object to be backed by a single region
	ObjectContiguous ObjectFlags = 1 << iota
	// ObjectNoUser marks the object's pages as supervisor-only when mapped into client spaces
	ObjectNoUser
)

var objectFlagsMapping = []struct {
	flag ObjectFlags
	name string
}{
	{ObjectContiguous, "ObjectContiguous"},
	{ObjectNoUser, "ObjectNoUser"},
}

func (f ObjectFlags) String() string {
	var names []string
	for _, m := range objectFlagsMapping {
		if f&m.flag != 0 {
			names = append(names, m.name)
		}
	}
	return strings.Join(names, "|")
}

// Mapping is a live placement of an Object in a virtual address space. Objects hold mappings
// weakly: the address space owns them, and the object only uses them to tear them down when
// it is freed.
type Mapping interface {
	// Offset is the virtual address the object is mapped at
	Offset() uint64
	// Unmap removes the mapping from its address space
	Unmap() error
}

// Segment is one physically contiguous piece of an Object
type Segment struct {
	Start uint64
	Size  uint64
}

// Object is a logical buffer backed by one or more regions of physical VRAM. Objects are created
// by Allocator.Alloc and live until Allocator.Free.
type Object struct {
	allocator *Allocator
	serial    uint64
	size      uint64
	flags     ObjectFlags
	tile      TileFlags
	tag       uint32
	placement Placement

	// Guarded by the allocator mutex
	regions []*Region

	mapMutex utils.OptionalMutex
	mappings []Mapping
}

// Serial is a device-unique, monotonically increasing id used in logs
func (o *Object) Serial() uint64 { return o.serial }

// Size is the page-aligned size of the object in bytes
func (o *Object) Size() uint64 { return o.size }

func (o *Object) Flags() ObjectFlags   { return o.flags }
func (o *Object) TileFlags() TileFlags { return o.tile }
func (o *Object) Tag() uint32          { return o.tag }
func (o *Object) Placement() Placement { return o.placement }

// Start is the physical base address of the object. It is only meaningful for contiguous objects,
// for other objects it is the base of the lowest region.
func (o *Object) Start() uint64 {
	o.allocator.mutex.Lock()
	defer o.allocator.mutex.Unlock()

	if len(o.regions) == 0 {
		return 0
	}
	return o.regions[0].start
}

// Segments returns the physical pieces of the object in ascending address order. The object's
// virtual layout follows this order.
func (o *Object) Segments() []Segment {
	o.allocator.mutex.Lock()
	defer o.allocator.mutex.Unlock()

	segments := make([]Segment, 0, len(o.regions))
	for _, r := range o.regions {
		segments = append(segments, Segment{Start: r.start, Size: r.size})
	}
	return segments
}

// AddMapping records that the object is mapped somewhere
func (o *Object) AddMapping(m Mapping) {
	o.mapMutex.Lock()
	defer o.mapMutex.Unlock()

	o.mappings = append(o.mappings, m)
}

// RemoveMapping drops a mapping recorded with AddMapping. It returns false if the mapping was
// not recorded.
func (o *Object) RemoveMapping(m Mapping) bool {
	o.mapMutex.Lock()
	defer o.mapMutex.Unlock()

	for i, existing := range o.mappings {
		if existing == m {
			o.mappings = append(o.mappings[:i], o.mappings[i+1:]...)
			return true
		}
	}
	return false
}

// Mappings returns a snapshot of the object's live mappings
func (o *Object) Mappings() []Mapping {
	o.mapMutex.Lock()
	defer o.mapMutex.Unlock()

	out := make([]Mapping, len(o.mappings))
	copy(out, o.mappings)
	return out
}

func (o *Object) printParameters(json *jwriter.ObjectState) {
	json.Name("Serial").Int(int(o.serial))
	json.Name("ObjectSize").Int(int(o.size))
	json.Name("Tag").Int(int(o.tag))
	json.Name("TileFlags").String(o.tile.String())
	if o.flags != 0 {
		json.Name("Flags").String(o.flags.String())
	}
}
