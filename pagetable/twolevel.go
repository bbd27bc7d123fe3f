package pagetable

import (
	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/internal/utils"
	"github.com/pscnv/gpumem/memutils"
	"github.com/pscnv/gpumem/vram"
	"golang.org/x/exp/slog"
)

const (
	tlPDECount         = int(SpaceLimit >> tlBlockShift)
	tlBlockShift       = 27
	tlBlockSize uint64 = 1 << tlBlockShift
	tlBlockMask        = tlBlockSize - 1

	// SmallPageShift and LargePageShift are the page shifts of the two-level generation
	SmallPageShift = 12
	LargePageShift = 17

	tlLargePageMask uint64 = 1<<LargePageShift - 1
	tlSPTECount            = tlBlockSize >> SmallPageShift
	tlLPTECount            = tlBlockSize >> LargePageShift
	tlHashSize             = 32

	tlPresent    uint32 = 0x1
	tlSupervisor uint32 = 0x2

	regRaminFlush      uint32 = 0x70000
	regTLBFlushStatus  uint32 = 0x100c80
	regTLBFlushPD      uint32 = 0x100cb8
	regTLBFlushTrigger uint32 = 0x100cbc

	tlbFlushTrigger uint32 = 0x80000000
	tlbFlushBAR3    uint32 = 0x5
	tlbFlushOther   uint32 = 0x1
)

// TwoLevelManager builds two-level page tables. A 64KiB page directory holds one entry per
// 128MiB block, and each touched block gets a small-page table (4KiB pages) and a large-page
// table (128KiB pages), found through a hash of the directory index.
type TwoLevelManager struct {
	logger     *slog.Logger
	options    CreateOptions
	poller     poller
	callbacks  tableCallbacks
	flushMutex utils.OptionalMutex
}

var _ Manager = &TwoLevelManager{}

func NewTwoLevelManager(logger *slog.Logger, options CreateOptions) (*TwoLevelManager, error) {
	if options.Registers == nil || options.Allocator == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "two-level page tables need registers and an allocator")
	}
	options.applyDefaults()

	m := &TwoLevelManager{
		logger:     logger,
		options:    options,
		poller:     poller{logger: logger, registers: options.Registers, timeout: options.PollTimeout},
		flushMutex: utils.NewOptionalMutex(!options.ExternallySynchronized),
	}
	m.callbacks = tableCallbacks{Callbacks: options.Callbacks, Manager: m}
	return m, nil
}

func (m *TwoLevelManager) PageShift() uint { return SmallPageShift }

// raminFlush waits for writes to instance memory to drain to VRAM
func (m *TwoLevelManager) raminFlush() error {
	m.flushMutex.Lock()
	defer m.flushMutex.Unlock()

	return m.poller.writeAndWait("TwoLevelManager::raminFlush", regRaminFlush, 1, ^uint32(0), 0)
}

func (m *TwoLevelManager) NewTables(kind SpaceKind) (Tables, error) {
	pd, err := m.options.Allocator.Alloc(uint64(tlPDECount)*8, vram.ObjectContiguous, 0, TagPageDirectory)
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate page directory")
	}
	zeroObject(m.options.Aperture, pd)
	m.callbacks.Allocated(kind, pd)

	t := &twoLevelTables{
		manager: m,
		kind:    kind,
		pd:      pd,
		pdStart: pd.Start(),
	}

	// The instance memory aperture must be able to reach its own first table
	if kind == SpaceBAR3 {
		table, err := t.create(0)
		if err != nil {
			return nil, errors.CombineErrors(err, t.Release())
		}
		table.pinned = true
	}

	m.logger.Debug("TwoLevelManager::NewTables",
		slog.String("Kind", kind.String()),
		slog.Uint64("PageDirectory", t.pdStart),
	)
	return t, nil
}

type twoLevelTable struct {
	pde   int
	small *vram.Object
	large *vram.Object

	smallStart uint64
	largeStart uint64

	live   uint64
	pinned bool
}

type twoLevelTables struct {
	manager *TwoLevelManager
	kind    SpaceKind
	pd      *vram.Object
	pdStart uint64
	buckets [tlHashSize][]*twoLevelTable
}

var _ Tables = &twoLevelTables{}

func (t *twoLevelTables) Root() uint64 { return t.pdStart }

func (t *twoLevelTables) lookup(pde int) *twoLevelTable {
	for _, table := range t.buckets[pde%tlHashSize] {
		if table.pde == pde {
			return table
		}
	}
	return nil
}

func (t *twoLevelTables) create(pde int) (*twoLevelTable, error) {
	m := t.manager
	allocator := m.options.Allocator

	small, err := allocator.Alloc(tlSPTECount*8, vram.ObjectContiguous, 0, TagSmallPageTable)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate small page table %d", pde)
	}
	zeroObject(m.options.Aperture, small)
	table := &twoLevelTable{pde: pde, small: small, smallStart: small.Start()}

	if t.kind != SpaceBAR3 {
		large, err := allocator.Alloc(tlLPTECount*8, vram.ObjectContiguous, 0, TagLargePageTable)
		if err != nil {
			return nil, errors.CombineErrors(
				errors.Wrapf(err, "failed to allocate large page table %d", pde),
				allocator.Free(small),
			)
		}
		zeroObject(m.options.Aperture, large)
		table.large = large
		table.largeStart = large.Start()
	}

	m.callbacks.Allocated(t.kind, table.small)
	if table.large != nil {
		m.callbacks.Allocated(t.kind, table.large)
	}

	err = m.raminFlush()
	if err != nil {
		return nil, errors.CombineErrors(err, t.freeTable(table))
	}

	// Limit 0 selects full-size tables
	var pde0 uint32
	if table.large != nil {
		pde0 |= uint32(table.largeStart>>8) | tlPresent
	}
	pde1 := uint32(table.smallStart>>8) | tlPresent

	aperture := m.options.Aperture
	aperture.Write32(t.pdStart+uint64(pde)*8, pde0)
	aperture.Write32(t.pdStart+uint64(pde)*8+4, pde1)

	bucket := pde % tlHashSize
	t.buckets[bucket] = append(t.buckets[bucket], table)

	m.logger.Debug("TwoLevelManager::create",
		slog.String("Kind", t.kind.String()),
		slog.Int("PDE", pde),
		slog.Uint64("Small", table.smallStart),
		slog.Uint64("Large", table.largeStart),
	)
	return table, m.raminFlush()
}

func (t *twoLevelTables) freeTable(table *twoLevelTable) error {
	m := t.manager

	m.callbacks.Freed(t.kind, table.small)
	err := m.options.Allocator.Free(table.small)
	if table.large != nil {
		m.callbacks.Freed(t.kind, table.large)
		err = errors.CombineErrors(err, m.options.Allocator.Free(table.large))
	}
	return err
}

func (t *twoLevelTables) destroy(table *twoLevelTable) error {
	m := t.manager

	bucket := t.buckets[table.pde%tlHashSize]
	for i, existing := range bucket {
		if existing == table {
			t.buckets[table.pde%tlHashSize] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}

	aperture := m.options.Aperture
	aperture.Write32(t.pdStart+uint64(table.pde)*8, 0)
	aperture.Write32(t.pdStart+uint64(table.pde)*8+4, 0)

	m.logger.Debug("TwoLevelManager::destroy",
		slog.String("Kind", t.kind.String()),
		slog.Int("PDE", table.pde),
	)
	return t.freeTable(table)
}

func (t *twoLevelTables) Materialize(obj *vram.Object, offset uint64) error {
	if offset&(1<<SmallPageShift-1) != 0 || offset+obj.Size() > SpaceLimit {
		return errors.Wrapf(memutils.ErrInvalidArgument, "cannot map %#x bytes at %#x", obj.Size(), offset)
	}

	m := t.manager
	aperture := m.options.Aperture

	pfl0 := tlPresent
	if !t.kind.IsBar() && obj.Flags()&vram.ObjectNoUser != 0 {
		pfl0 |= tlSupervisor
	}
	pfl1 := uint32(obj.TileFlags()) << 4

	for _, seg := range obj.Segments() {
		phys, size := seg.Start, seg.Size

		large := (size|offset|phys)&tlLargePageMask == 0 && t.kind != SpaceBAR3
		shift := uint64(SmallPageShift)
		if large {
			shift = LargePageShift
		}
		step := uint32(1) << shift >> 8

		m.logger.Debug("TwoLevelManager::Materialize",
			slog.String("Kind", t.kind.String()),
			slog.Uint64("Offset", offset),
			slog.Uint64("Phys", phys),
			slog.Uint64("Size", size),
			slog.Uint64("Shift", shift),
		)

		for size > 0 {
			space := tlBlockSize - offset&tlBlockMask
			if space > size {
				space = size
			}

			pde := int(offset >> tlBlockShift)
			table := t.lookup(pde)
			if table == nil {
				var err error
				table, err = t.create(pde)
				if err != nil {
					return err
				}
			}

			base := table.smallStart
			if large {
				base = table.largeStart
			}

			pte := (offset & tlBlockMask) >> shift
			count := space >> shift
			entry := uint32(phys>>8) | pfl0
			for i := uint64(0); i < count; i++ {
				writeEntry(aperture, base+(pte+i)*8, entry, pfl1)
				entry += step
			}
			table.live += count

			offset += space
			phys += space
			size -= space
		}
	}

	return m.raminFlush()
}

func (t *twoLevelTables) Clear(offset, size uint64) error {
	m := t.manager
	aperture := m.options.Aperture
	var err error

	for size > 0 {
		space := tlBlockSize - offset&tlBlockMask
		if space > size {
			space = size
		}

		table := t.lookup(int(offset >> tlBlockShift))
		if table != nil {
			pte := (offset & tlBlockMask) >> SmallPageShift
			for i := uint64(0); i < space>>SmallPageShift; i++ {
				if clearEntry(aperture, table.smallStart+(pte+i)*8) {
					table.live--
				}
			}

			if table.large != nil {
				pte = (offset & tlBlockMask) >> LargePageShift
				for i := uint64(0); i < space>>LargePageShift; i++ {
					if clearEntry(aperture, table.largeStart+(pte+i)*8) {
						table.live--
					}
				}
			}

			if table.live == 0 && !table.pinned {
				err = errors.CombineErrors(err, t.destroy(table))
			}
		}

		offset += space
		size -= space
	}

	return errors.CombineErrors(err, m.raminFlush())
}

func (t *twoLevelTables) FlushTLB() error {
	m := t.manager
	m.flushMutex.Lock()
	defer m.flushMutex.Unlock()

	flushType := tlbFlushOther
	if t.kind == SpaceBAR3 {
		flushType = tlbFlushBAR3
	}

	registers := m.options.Registers
	status := registers.Read32(regTLBFlushStatus)
	registers.Write32(regTLBFlushPD, uint32(t.pdStart>>8))
	registers.Write32(regTLBFlushTrigger, tlbFlushTrigger|flushType)

	return m.poller.wait("TwoLevelManager::FlushTLB", regTLBFlushStatus, ^uint32(0), status)
}

func (t *twoLevelTables) Translate(va uint64) (uint64, uint, bool) {
	if va >= SpaceLimit {
		return 0, 0, false
	}

	aperture := t.manager.options.Aperture
	pdeAddr := t.pdStart + (va>>tlBlockShift)*8
	pde0 := aperture.Read32(pdeAddr)
	pde1 := aperture.Read32(pdeAddr + 4)

	if pde1&tlPresent != 0 {
		small := uint64(pde1&^0xf) << 8
		pte := aperture.Read32(small + ((va&tlBlockMask)>>SmallPageShift)*8)
		if pte&tlPresent != 0 {
			return uint64(pte&^0xf)<<8 + va&(1<<SmallPageShift-1), SmallPageShift, true
		}
	}

	if pde0&tlPresent != 0 {
		large := uint64(pde0&^0xf) << 8
		pte := aperture.Read32(large + ((va&tlBlockMask)>>LargePageShift)*8)
		if pte&tlPresent != 0 {
			return uint64(pte&^0xf)<<8 + va&tlLargePageMask, LargePageShift, true
		}
	}

	return 0, 0, false
}

func (t *twoLevelTables) Release() error {
	var err error
	for bucket := range t.buckets {
		for len(t.buckets[bucket]) > 0 {
			err = errors.CombineErrors(err, t.destroy(t.buckets[bucket][0]))
		}
	}

	if t.pd != nil {
		t.manager.callbacks.Freed(t.kind, t.pd)
		err = errors.CombineErrors(err, t.manager.options.Allocator.Free(t.pd))
		t.pd = nil
	}
	return err
}
