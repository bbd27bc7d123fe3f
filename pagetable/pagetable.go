package pagetable

import (
	"time"

	"github.com/pscnv/gpumem/vram"
)

// SpaceKind distinguishes general client address spaces from the special spaces that back the
// device's aperture windows
type SpaceKind int

const (
	// SpaceClient is a per-client address space
	SpaceClient SpaceKind = iota
	// SpaceBAR1 backs the framebuffer aperture
	SpaceBAR1
	// SpaceBAR3 backs the instance memory aperture. Its tables never use large pages.
	SpaceBAR3
)

var spaceKindMapping = map[SpaceKind]string{
	SpaceClient: "Client",
	SpaceBAR1:   "BAR1",
	SpaceBAR3:   "BAR3",
}

func (k SpaceKind) String() string {
	str, ok := spaceKindMapping[k]
	if !ok {
		return "Unknown"
	}
	return str
}

// IsBar reports whether the space backs an aperture window
func (k SpaceKind) IsBar() bool {
	return k != SpaceClient
}

// SpaceLimit is the size of every virtual address space
const SpaceLimit uint64 = 1 << 40

// Registers is the device's MMIO register file
type Registers interface {
	Read32(reg uint32) uint32
	Write32(reg uint32, value uint32)
}

// Aperture reads and writes VRAM by physical address
type Aperture interface {
	Read32(addr uint64) uint32
	Write32(addr uint64, value uint32)
}

// Manager builds the hardware page tables of one device generation
type Manager interface {
	// NewTables bootstraps the page tables of a new address space
	NewTables(kind SpaceKind) (Tables, error)
	// PageShift is the smallest page shift the generation maps with
	PageShift() uint
}

// Tables are the page tables of one address space. Callers serialize all calls on one Tables.
type Tables interface {
	// Materialize writes entries mapping obj at offset, following obj's segments in order
	Materialize(obj *vram.Object, offset uint64) error
	// Clear removes every entry in [offset, offset+size). Tables created on demand are released
	// once they hold no entries.
	Clear(offset, size uint64) error
	// FlushTLB invalidates the translations the generation caches per address space. Engines with
	// their own TLBs are flushed separately.
	FlushTLB() error
	// Translate walks the tables and returns the physical address and page shift that va maps to
	Translate(va uint64) (phys uint64, shift uint, ok bool)
	// Root is the physical address of the top-level table
	Root() uint64
	// Release frees every table. The Tables cannot be used afterward.
	Release() error
}

// CreateOptions are shared by both generations' managers
type CreateOptions struct {
	Registers Registers
	// Aperture defaults to a PraminWindow over Registers
	Aperture  Aperture
	Allocator *vram.Allocator

	// PollTimeout bounds every hardware poll. Defaults to DefaultPollTimeout.
	PollTimeout time.Duration

	// EagerBlocks is the number of leading page-directory slots whose tables the flat generation
	// creates with each client space
	EagerBlocks int
	// BAR1Size and BAR3Size are the aperture sizes the flat generation covers eagerly in its
	// special spaces
	BAR1Size uint64
	BAR3Size uint64

	Callbacks *TableCallbackOptions

	ExternallySynchronized bool
}

// DefaultPollTimeout is the bound on hardware polls if none is configured
const DefaultPollTimeout = 2 * time.Second

func (o *CreateOptions) applyDefaults() {
	if o.PollTimeout == 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.Aperture == nil && o.Registers != nil {
		o.Aperture = NewPraminWindow(o.Registers, !o.ExternallySynchronized)
	}
}

// Page directory and page table objects are tagged so they can be told apart in region maps
const (
	TagPageDirectory  uint32 = 0xdeadcafe
	TagFlatPageTable  uint32 = 0x5a
	TagSmallPageTable uint32 = 0x59
	TagLargePageTable uint32 = 0x79
)

func zeroObject(aperture Aperture, obj *vram.Object) {
	for _, seg := range obj.Segments() {
		for addr := seg.Start; addr < seg.Start+seg.Size; addr += 4 {
			aperture.Write32(addr, 0)
		}
	}
}

// writeEntry stores an 8-byte entry with its high word first, so the present bit in the low
// word lands last
func writeEntry(aperture Aperture, addr uint64, lo, hi uint32) {
	aperture.Write32(addr+4, hi)
	aperture.Write32(addr, lo)
}

// clearEntry zeroes an 8-byte entry and reports whether it was present
func clearEntry(aperture Aperture, addr uint64) bool {
	present := aperture.Read32(addr)&1 != 0
	aperture.Write32(addr, 0)
	aperture.Write32(addr+4, 0)
	return present
}
