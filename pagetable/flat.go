package pagetable

import (
	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/internal/utils"
	"github.com/pscnv/gpumem/memutils"
	"github.com/pscnv/gpumem/vram"
	"golang.org/x/exp/slog"
)

const (
	flatPDECount          = int(SpaceLimit >> flatBlockShift)
	flatBlockShift        = 29
	flatBlockSize  uint64 = 1 << flatBlockShift
	flatBlockMask         = flatBlockSize - 1
	flatPageShift         = 12
	flatPageSize   uint64 = 1 << flatPageShift
	flatPTECount          = flatBlockSize >> flatPageShift

	flatPDEPresent    uint32 = 0x3
	flatPTEPresent    uint32 = 0x1
	flatPTESupervisor uint32 = 0x40

	regFlatFlush uint32 = 0x100c80
	regBarFlush  uint32 = 0x330c
)

// Flush units of the flat generation's shared TLB
const (
	FlatUnitFIFO = 5
	FlatUnitBAR  = 6
)

// FlatManager builds single-level page tables: one page table object per 512MiB page directory
// slot, each holding 8-byte entries for 4KiB pages. The page directory itself is kept in a small
// object so the tables can be walked and copied into channel descriptors.
type FlatManager struct {
	logger     *slog.Logger
	options    CreateOptions
	poller     poller
	callbacks  tableCallbacks
	flushMutex utils.OptionalMutex
}

var _ Manager = &FlatManager{}

func NewFlatManager(logger *slog.Logger, options CreateOptions) (*FlatManager, error) {
	if options.Registers == nil || options.Allocator == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "flat page tables need registers and an allocator")
	}
	options.applyDefaults()

	m := &FlatManager{
		logger:     logger,
		options:    options,
		poller:     poller{logger: logger, registers: options.Registers, timeout: options.PollTimeout},
		flushMutex: utils.NewOptionalMutex(!options.ExternallySynchronized),
	}
	m.callbacks = tableCallbacks{Callbacks: options.Callbacks, Manager: m}
	return m, nil
}

func (m *FlatManager) PageShift() uint { return flatPageShift }

// FlushUnit invalidates the shared TLB for one engine unit
func (m *FlatManager) FlushUnit(unit int) error {
	m.flushMutex.Lock()
	defer m.flushMutex.Unlock()

	return m.poller.writeAndWait("FlatManager::FlushUnit", regFlatFlush, uint32(unit)<<16|1, 1, 0)
}

// barFlush makes page table writes through the aperture visible to the hardware
func (m *FlatManager) barFlush() error {
	m.flushMutex.Lock()
	defer m.flushMutex.Unlock()

	return m.poller.writeAndWait("FlatManager::barFlush", regBarFlush, 1, 2, 0)
}

func (m *FlatManager) eagerBlocks(kind SpaceKind) int {
	var covered uint64
	switch kind {
	case SpaceBAR1:
		covered = m.options.BAR1Size
	case SpaceBAR3:
		covered = m.options.BAR3Size
	default:
		return m.options.EagerBlocks
	}
	return int(memutils.RoundUp(covered, flatBlockSize) >> flatBlockShift)
}

func (m *FlatManager) NewTables(kind SpaceKind) (Tables, error) {
	pd, err := m.options.Allocator.Alloc(uint64(flatPDECount)*8, vram.ObjectContiguous, 0, TagPageDirectory)
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate page directory")
	}
	zeroObject(m.options.Aperture, pd)
	m.callbacks.Allocated(kind, pd)

	t := &flatTables{
		manager: m,
		kind:    kind,
		pd:      pd,
		pdStart: pd.Start(),
	}

	eager := m.eagerBlocks(kind)
	if eager > flatPDECount {
		eager = flatPDECount
	}
	for pde := 0; pde < eager; pde++ {
		table, err := t.create(pde)
		if err != nil {
			return nil, errors.CombineErrors(err, t.Release())
		}
		table.pinned = true
	}

	err = m.barFlush()
	if err != nil {
		return nil, errors.CombineErrors(err, t.Release())
	}

	m.logger.Debug("FlatManager::NewTables",
		slog.String("Kind", kind.String()),
		slog.Uint64("PageDirectory", t.pdStart),
		slog.Int("EagerBlocks", eager),
	)
	return t, nil
}

type flatTable struct {
	obj    *vram.Object
	start  uint64
	live   uint64
	pinned bool
}

type flatTables struct {
	manager *FlatManager
	kind    SpaceKind
	pd      *vram.Object
	pdStart uint64
	tables  [flatPDECount]*flatTable
}

var _ Tables = &flatTables{}

func (t *flatTables) Root() uint64 { return t.pdStart }

func (t *flatTables) create(pde int) (*flatTable, error) {
	m := t.manager
	obj, err := m.options.Allocator.Alloc(flatPTECount*8, vram.ObjectContiguous, 0, TagFlatPageTable)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate page table %d", pde)
	}
	zeroObject(m.options.Aperture, obj)
	m.callbacks.Allocated(t.kind, obj)

	table := &flatTable{obj: obj, start: obj.Start()}
	t.tables[pde] = table
	writeEntry(m.options.Aperture, t.pdStart+uint64(pde)*8, uint32(table.start)|flatPDEPresent, uint32(table.start>>32))

	m.logger.Debug("FlatManager::create",
		slog.String("Kind", t.kind.String()),
		slog.Int("PDE", pde),
		slog.Uint64("Table", table.start),
	)
	return table, nil
}

func (t *flatTables) destroy(pde int) error {
	m := t.manager
	table := t.tables[pde]
	t.tables[pde] = nil

	clearEntry(m.options.Aperture, t.pdStart+uint64(pde)*8)
	m.callbacks.Freed(t.kind, table.obj)

	m.logger.Debug("FlatManager::destroy",
		slog.String("Kind", t.kind.String()),
		slog.Int("PDE", pde),
		slog.Uint64("Table", table.start),
	)
	return m.options.Allocator.Free(table.obj)
}

func (t *flatTables) Materialize(obj *vram.Object, offset uint64) error {
	if offset&(flatPageSize-1) != 0 || offset+obj.Size() > SpaceLimit {
		return errors.Wrapf(memutils.ErrInvalidArgument, "cannot map %#x bytes at %#x", obj.Size(), offset)
	}

	m := t.manager
	lo := flatPTEPresent
	if obj.Flags()&vram.ObjectNoUser != 0 && !t.kind.IsBar() {
		lo |= flatPTESupervisor
	}
	hi := uint32(obj.TileFlags()) << 8

	for _, seg := range obj.Segments() {
		phys, size := seg.Start, seg.Size

		for size > 0 {
			pde := int(offset >> flatBlockShift)
			space := flatBlockSize - offset&flatBlockMask
			if space > size {
				space = size
			}

			table := t.tables[pde]
			if table == nil {
				var err error
				table, err = t.create(pde)
				if err != nil {
					return err
				}
			}

			pte := (offset & flatBlockMask) >> flatPageShift
			count := space >> flatPageShift
			for i := uint64(0); i < count; i++ {
				page := phys + i<<flatPageShift
				writeEntry(m.options.Aperture, table.start+(pte+i)*8, uint32(page)|lo, uint32(page>>32)&0xff|hi)
			}
			table.live += count

			offset += space
			phys += space
			size -= space
		}
	}

	return m.barFlush()
}

func (t *flatTables) Clear(offset, size uint64) error {
	m := t.manager
	var err error

	for size > 0 {
		pde := int(offset >> flatBlockShift)
		space := flatBlockSize - offset&flatBlockMask
		if space > size {
			space = size
		}

		table := t.tables[pde]
		if table != nil {
			pte := (offset & flatBlockMask) >> flatPageShift
			for i := uint64(0); i < space>>flatPageShift; i++ {
				if clearEntry(m.options.Aperture, table.start+(pte+i)*8) {
					table.live--
				}
			}

			if table.live == 0 && !table.pinned {
				err = errors.CombineErrors(err, t.destroy(pde))
			}
		}

		offset += space
		size -= space
	}

	return errors.CombineErrors(err, m.barFlush())
}

func (t *flatTables) FlushTLB() error {
	if t.kind.IsBar() {
		return t.manager.FlushUnit(FlatUnitBAR)
	}
	return nil
}

func (t *flatTables) Translate(va uint64) (uint64, uint, bool) {
	if va >= SpaceLimit {
		return 0, 0, false
	}

	aperture := t.manager.options.Aperture
	pdeAddr := t.pdStart + (va>>flatBlockShift)*8
	pdeLo := aperture.Read32(pdeAddr)
	if pdeLo&1 == 0 {
		return 0, 0, false
	}
	tableStart := uint64(aperture.Read32(pdeAddr+4))<<32 | uint64(pdeLo&^0xfff)

	pteAddr := tableStart + ((va&flatBlockMask)>>flatPageShift)*8
	pteLo := aperture.Read32(pteAddr)
	if pteLo&flatPTEPresent == 0 {
		return 0, 0, false
	}
	pteHi := aperture.Read32(pteAddr + 4)

	phys := uint64(pteHi&0xff)<<32 | uint64(pteLo&^0xfff)
	return phys + va&(flatPageSize-1), flatPageShift, true
}

func (t *flatTables) Release() error {
	var err error
	for pde := range t.tables {
		if t.tables[pde] != nil {
			err = errors.CombineErrors(err, t.destroy(pde))
		}
	}

	if t.pd != nil {
		t.manager.callbacks.Freed(t.kind, t.pd)
		err = errors.CombineErrors(err, t.manager.options.Allocator.Free(t.pd))
		t.pd = nil
	}
	return err
}
