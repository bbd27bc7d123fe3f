package device

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pscnv/gpumem/internal/utils"
	"github.com/pscnv/gpumem/memutils"
	"github.com/pscnv/gpumem/pagetable"
	"github.com/pscnv/gpumem/vram"
	"github.com/pscnv/gpumem/vspace"
	"golang.org/x/exp/slog"
)

// Ids of the aperture spaces. Client spaces use ids below MaxSpaces.
const (
	BAR1SpaceID = -1
	BAR3SpaceID = -3
)

// Device owns the memory state of one GPU: its VRAM allocator, its page table manager, the
// aperture spaces and every client address space.
type Device struct {
	logger *slog.Logger
	config Config
	layout vramLayout

	registers pagetable.Registers
	allocator *vram.Allocator
	manager   pagetable.Manager
	engines   *vspace.EngineRegistry

	bar1, bar3  *vspace.Space
	userMutex   utils.OptionalMutex
	kernelMutex utils.OptionalMutex

	// bar3Bootstrap holds the small page tables created with the instance memory aperture, which
	// are mapped into it once it exists
	bar3Bootstrap []*vram.Object

	spacesMutex utils.OptionalMutex
	spaces      *swiss.Map[int, registeredSpace]
	closed      bool

	pageTables atomic.Int64
}

// New brings up the memory subsystem of a device. When config.VRAMSize is zero the VRAM layout is
// probed from registers. aperture may be nil, in which case VRAM is reached through the PRAMIN
// window.
func New(logger *slog.Logger, config Config, registers pagetable.Registers, aperture pagetable.Aperture) (*Device, error) {
	if registers == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "a device needs registers")
	}
	config.applyDefaults()
	err := config.validate()
	if err != nil {
		return nil, err
	}

	layout := vramLayout{Size: config.VRAMSize, RBlockSize: config.RBlockSize}
	if layout.Size == 0 {
		layout, err = probe(logger, config.Generation, registers)
		if err != nil {
			return nil, err
		}
		if config.RBlockSize != 0 {
			layout.RBlockSize = config.RBlockSize
		}
	} else if layout.RBlockSize == 0 {
		layout.RBlockSize = twoLevelRBlockSize
	}
	if layout.Size <= config.ReservedLow+config.ReservedHigh {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "VRAM size %#x leaves nothing after reserved ranges", layout.Size)
	}

	logger.Info("Device::New",
		slog.String("Generation", string(config.Generation)),
		slog.Uint64("VRAMSize", layout.Size),
		slog.Uint64("LSRPeriod", layout.RBlockSize),
	)

	tiles := vram.GenerationBTiles
	if config.Generation == GenerationFlat {
		tiles = vram.GenerationATiles
	}
	allocator, err := vram.New(logger, vram.CreateOptions{
		Base:                   config.ReservedLow,
		Size:                   layout.Size - config.ReservedLow - config.ReservedHigh,
		RBlockSize:             layout.RBlockSize,
		Tiles:                  tiles,
		ExternallySynchronized: config.ExternallySynchronized,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create VRAM allocator")
	}

	useMutex := !config.ExternallySynchronized
	d := &Device{
		logger:      logger,
		config:      config,
		layout:      layout,
		registers:   registers,
		allocator:   allocator,
		engines:     vspace.NewEngineRegistry(useMutex),
		userMutex:   utils.NewOptionalMutex(useMutex),
		kernelMutex: utils.NewOptionalMutex(useMutex),
		spacesMutex: utils.NewOptionalMutex(useMutex),
		spaces:      swiss.NewMap[int, registeredSpace](MaxSpaces),
	}

	options := pagetable.CreateOptions{
		Registers:   registers,
		Aperture:    aperture,
		Allocator:   allocator,
		PollTimeout: time.Duration(config.PollTimeout),
		EagerBlocks: *config.FlatEagerBlocks,
		BAR1Size:    config.BAR1Size,
		BAR3Size:    config.BAR3Size,
		Callbacks: &pagetable.TableCallbackOptions{
			Allocated: tableAllocated,
			Freed:     tableFreed,
			UserData:  d,
		},
		ExternallySynchronized: config.ExternallySynchronized,
	}

	switch config.Generation {
	case GenerationFlat:
		manager, err := pagetable.NewFlatManager(logger, options)
		if err != nil {
			return nil, err
		}
		d.manager = manager
		err = d.engines.Register(EngineFIFO, flatFIFO{manager: manager})
		if err != nil {
			return nil, err
		}
	case GenerationTwoLevel:
		manager, err := pagetable.NewTwoLevelManager(logger, options)
		if err != nil {
			return nil, err
		}
		d.manager = manager
	}

	d.bar3, err = d.newSpace(BAR3SpaceID, pagetable.SpaceBAR3)
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up the instance memory aperture")
	}
	for _, table := range d.bar3Bootstrap {
		_, err = d.bar3.Map(table, 0, config.BAR3Size, false)
		if err != nil {
			return nil, errors.CombineErrors(
				errors.Wrap(err, "failed to map the instance memory aperture's page table into itself"),
				d.bar3.Free(),
			)
		}
	}
	d.bar3Bootstrap = nil

	d.bar1, err = d.newSpace(BAR1SpaceID, pagetable.SpaceBAR1)
	if err != nil {
		return nil, errors.CombineErrors(
			errors.Wrap(err, "failed to set up the framebuffer aperture"),
			d.bar3.Free(),
		)
	}

	logger.Info("Device::New complete", slog.Uint64("FreeBytes", d.freeBytes()))
	return d, nil
}

func (d *Device) newSpace(id int, kind pagetable.SpaceKind) (*vspace.Space, error) {
	return vspace.New(d.logger, d.manager, vspace.CreateOptions{
		ID:                     id,
		Kind:                   kind,
		Engines:                d.engines,
		ExternallySynchronized: d.config.ExternallySynchronized,
	})
}

// tableAllocated makes every page table outside the instance memory aperture reachable through it
func tableAllocated(_ pagetable.Manager, kind pagetable.SpaceKind, table *vram.Object, userData interface{}) {
	d := userData.(*Device)
	d.pageTables.Add(1)

	if kind == pagetable.SpaceBAR3 {
		if d.bar3 == nil && table.Tag() == pagetable.TagSmallPageTable {
			d.bar3Bootstrap = append(d.bar3Bootstrap, table)
		}
		return
	}
	if d.bar3 == nil {
		return
	}
	_, err := d.bar3.Map(table, 0, d.config.BAR3Size, false)
	if err != nil {
		d.logger.Warn("Device::tableAllocated could not map page table into BAR3",
			slog.Uint64("Serial", table.Serial()),
			slog.String("Kind", kind.String()),
			slog.Any("error", err),
		)
	}
}

func tableFreed(_ pagetable.Manager, _ pagetable.SpaceKind, _ *vram.Object, userData interface{}) {
	d := userData.(*Device)
	d.pageTables.Add(-1)
}

func (d *Device) Generation() Generation          { return d.config.Generation }
func (d *Device) Config() Config                  { return d.config }
func (d *Device) VRAMSize() uint64                { return d.layout.Size }
func (d *Device) RBlockSize() uint64              { return d.layout.RBlockSize }
func (d *Device) Allocator() *vram.Allocator      { return d.allocator }
func (d *Device) Manager() pagetable.Manager      { return d.manager }
func (d *Device) Engines() *vspace.EngineRegistry { return d.engines }
func (d *Device) BAR1() *vspace.Space             { return d.bar1 }
func (d *Device) BAR3() *vspace.Space             { return d.bar3 }
func (d *Device) Registers() pagetable.Registers  { return d.registers }
func (d *Device) PageTables() int                 { return int(d.pageTables.Load()) }

// Alloc allocates a VRAM object
func (d *Device) Alloc(size uint64, flags vram.ObjectFlags, tile vram.TileFlags, tag uint32) (*vram.Object, error) {
	return d.allocator.Alloc(size, flags, tile, tag)
}

// Free frees a VRAM object, unmapping it from every space first
func (d *Device) Free(obj *vram.Object) error {
	return d.allocator.Free(obj)
}

// RegisterEngine adds an engine whose TLB spaces flush while it holds a reference to them
func (d *Device) RegisterEngine(id vspace.EngineID, engine vspace.Engine) error {
	return d.engines.Register(id, engine)
}

func mappingIn(obj *vram.Object, space *vspace.Space) *vspace.Mapping {
	for _, m := range obj.Mappings() {
		mapping, ok := m.(*vspace.Mapping)
		if ok && mapping.Space() == space {
			return mapping
		}
	}
	return nil
}

// MapUser maps obj into the framebuffer aperture so the host can reach it, and returns its offset
// in the aperture. Objects are mapped there at most once.
func (d *Device) MapUser(obj *vram.Object) (uint64, error) {
	d.userMutex.Lock()
	defer d.userMutex.Unlock()

	return d.mapOnce(obj, d.bar1, d.config.BAR1Size)
}

// MapKernel maps obj into the instance memory aperture and returns its offset there. Objects are
// mapped there at most once.
func (d *Device) MapKernel(obj *vram.Object) (uint64, error) {
	d.kernelMutex.Lock()
	defer d.kernelMutex.Unlock()

	return d.mapOnce(obj, d.bar3, d.config.BAR3Size)
}

func (d *Device) mapOnce(obj *vram.Object, space *vspace.Space, size uint64) (uint64, error) {
	if existing := mappingIn(obj, space); existing != nil {
		return existing.Offset(), nil
	}

	mapping, err := space.Map(obj, 0, size, false)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to map object %d into %s", obj.Serial(), space.Kind())
	}
	return mapping.Offset(), nil
}

func (d *Device) freeBytes() uint64 {
	var stats memutils.Statistics
	stats.Clear()
	d.allocator.AddStatistics(&stats)
	return stats.FreeBytes()
}

// AddStatistics adds the device's VRAM statistics to stats
func (d *Device) AddStatistics(stats *memutils.Statistics) {
	d.allocator.AddStatistics(stats)
}

// PrintDetailedMap writes the VRAM region chain and every address space as one JSON object
func (d *Device) PrintDetailedMap(writer *jwriter.Writer) {
	spaces := d.clientSpaces()

	objState := writer.Object()
	defer objState.End()

	objState.Name("Generation").String(string(d.config.Generation))
	objState.Name("VRAMSize").Int(int(d.layout.Size))
	objState.Name("PageTables").Int(d.PageTables())

	d.allocator.PrintDetailedMap(objState.Name("VRAM"))

	spacesObj := objState.Name("Spaces").Object()
	defer spacesObj.End()

	d.bar1.PrintDetailedMap(spacesObj.Name("BAR1"))
	d.bar3.PrintDetailedMap(spacesObj.Name("BAR3"))
	for _, s := range spaces {
		s.PrintDetailedMap(spacesObj.Name(strconv.Itoa(s.ID())))
	}
}

// Close frees every client space and both apertures, then frees whatever VRAM objects are still
// live, logging each as leaked
func (d *Device) Close() error {
	d.spacesMutex.Lock()
	if d.closed {
		d.spacesMutex.Unlock()
		return errors.Wrap(memutils.ErrNotFound, "device is already closed")
	}
	d.closed = true
	var remaining []*vspace.Space
	d.spaces.Iter(func(_ int, entry registeredSpace) bool {
		remaining = append(remaining, entry.space)
		return false
	})
	d.spaces.Clear()
	d.spacesMutex.Unlock()

	var err error
	for _, s := range remaining {
		err = errors.CombineErrors(err, s.Free())
	}
	err = errors.CombineErrors(err, d.bar1.Free())
	err = errors.CombineErrors(err, d.bar3.Free())

	for _, obj := range d.allocator.LiveObjects() {
		d.logger.Error("Device::Close freeing leaked object",
			slog.Uint64("Serial", obj.Serial()),
			slog.Uint64("Size", obj.Size()),
			slog.Uint64("Tag", uint64(obj.Tag())),
		)
		err = errors.CombineErrors(err, d.allocator.Free(obj))
	}

	d.logger.Info("Device::Close", slog.Uint64("FreeBytes", d.freeBytes()))
	return err
}
