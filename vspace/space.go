package vspace

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pscnv/gpumem/internal/utils"
	"github.com/pscnv/gpumem/memutils"
	"github.com/pscnv/gpumem/pagetable"
	"github.com/pscnv/gpumem/vram"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// PageSize is the granularity of virtual address ranges
const PageSize uint64 = 0x1000

// CreateOptions configure a new Space
type CreateOptions struct {
	// ID names the space in logs and JSON dumps
	ID   int
	Kind pagetable.SpaceKind
	// Engines is consulted on every flush. A nil registry means only the page tables' own
	// caches are flushed.
	Engines *EngineRegistry

	ExternallySynchronized bool
}

// Space is a 40-bit GPU virtual address space. Its intervals are kept in an augmented red-black
// tree that always partitions the whole range, and every mapped interval is backed by entries in
// the space's page tables.
type Space struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	id      int
	kind    pagetable.SpaceKind
	tables  pagetable.Tables
	engines *EngineRegistry

	tree       *mapTree
	engineRefs *swiss.Map[EngineID, int]
	freed      bool
}

// New creates a space with a single free interval and bootstraps its page tables through manager
func New(logger *slog.Logger, manager pagetable.Manager, options CreateOptions) (*Space, error) {
	if manager == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "a page table manager is required")
	}

	tables, err := manager.NewTables(options.Kind)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bootstrap page tables for space %d", options.ID)
	}

	s := &Space{
		logger:     logger,
		mutex:      utils.NewOptionalMutex(!options.ExternallySynchronized),
		id:         options.ID,
		kind:       options.Kind,
		tables:     tables,
		engines:    options.Engines,
		tree:       newMapTree(),
		engineRefs: swiss.NewMap[EngineID, int](8),
	}
	s.tree.insert(&mapNode{start: 0, size: pagetable.SpaceLimit})

	logger.Debug("Space::New",
		slog.Int("ID", s.id),
		slog.String("Kind", s.kind.String()),
		slog.Uint64("Root", tables.Root()),
	)
	return s, nil
}

func (s *Space) ID() int                   { return s.id }
func (s *Space) Kind() pagetable.SpaceKind { return s.kind }

// Root is the physical address of the space's page directory
func (s *Space) Root() uint64 { return s.tables.Root() }

// Map places obj in a free interval inside [lo, hi) and writes its page table entries. lo is
// rounded up and hi rounded down to the page size. The search prefers low addresses unless
// fromBack is set. The returned mapping's Offset is the chosen start address.
func (s *Space) Map(obj *vram.Object, lo, hi uint64, fromBack bool) (*Mapping, error) {
	if obj == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "cannot map a nil object")
	}
	if lo >= pagetable.SpaceLimit {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "range start %#x is beyond the address space", lo)
	}
	lo = memutils.RoundUp(lo, PageSize)
	hi = memutils.RoundDown(hi, PageSize)
	if hi > pagetable.SpaceLimit {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "range end %#x is beyond the address space", hi)
	}
	if lo >= hi {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "empty range %#x-%#x", lo, hi)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.freed {
		return nil, errors.Wrapf(memutils.ErrNotFound, "space %d has been freed", s.id)
	}

	size := obj.Size()
	found, start, ok := s.tree.search(s.tree.root, size, lo, hi, fromBack)
	if !ok {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "no %#x-byte gap in %#x-%#x of space %d", size, lo, hi, s.id)
	}

	node := s.tree.carve(found, start, size)
	mapping := &Mapping{space: s, obj: obj, offset: start, node: node}
	node.mapping = mapping
	s.tree.augmentToRoot(node)

	s.logger.Debug("Space::Map",
		slog.Int("ID", s.id),
		slog.Uint64("Serial", obj.Serial()),
		slog.Uint64("Start", start),
		slog.Uint64("End", start+size),
	)

	err := s.tables.Materialize(obj, start)
	if err == nil {
		err = s.flush()
	}
	if err != nil {
		s.logger.Error("Space::Map failed, rolling back",
			slog.Int("ID", s.id),
			slog.Uint64("Serial", obj.Serial()),
			slog.Any("error", err),
		)
		err = errors.CombineErrors(err, s.tables.Clear(start, size))
		s.release(node)
		return nil, err
	}

	obj.AddMapping(mapping)
	memutils.DebugValidate(heldSpace{s})
	return mapping, nil
}

// Unmap removes the mapping that begins at start
func (s *Space) Unmap(start uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	node := s.tree.findMapped(start)
	if node == nil {
		return errors.Wrapf(memutils.ErrNotFound, "nothing is mapped at %#x in space %d", start, s.id)
	}
	return s.unmapNode(node, true)
}

func (s *Space) unmapNode(node *mapNode, flush bool) error {
	mapping := node.mapping

	s.logger.Debug("Space::Unmap",
		slog.Int("ID", s.id),
		slog.Uint64("Serial", mapping.obj.Serial()),
		slog.Uint64("Start", node.start),
		slog.Uint64("End", node.end()),
	)

	start, size := node.start, node.size
	mapping.obj.RemoveMapping(mapping)
	s.release(node)

	err := s.tables.Clear(start, size)
	if err != nil {
		return errors.Wrapf(err, "failed to clear %#x-%#x in space %d", start, start+size, s.id)
	}
	if flush {
		err = s.flush()
		if err != nil {
			return err
		}
	}

	memutils.DebugValidate(heldSpace{s})
	return nil
}

// release returns a node to the free state and coalesces it with its neighbors
func (s *Space) release(node *mapNode) {
	if node.mapping != nil {
		node.mapping.node = nil
		node.mapping = nil
	}
	s.tree.augmentToRoot(node)
	s.tree.coalesce(node)
}

// flush invalidates the page tables' cached translations and then every engine holding a
// reference to the space, stopping at the first failure
func (s *Space) flush() error {
	err := s.tables.FlushTLB()
	if err != nil {
		return errors.Wrapf(err, "failed to flush TLB of space %d", s.id)
	}
	if s.engines == nil {
		return nil
	}

	for _, id := range s.referencedEngines() {
		engine, ok := s.engines.Engine(id)
		if !ok {
			s.logger.Warn("Space::flush skipping unregistered engine", slog.Int("ID", s.id), slog.Int("Engine", int(id)))
			continue
		}

		err = engine.FlushTLB(s)
		if err != nil {
			return errors.Wrapf(err, "engine %d failed to flush TLB of space %d", id, s.id)
		}
	}
	return nil
}

func (s *Space) referencedEngines() []EngineID {
	ids := make([]EngineID, 0, s.engineRefs.Count())
	s.engineRefs.Iter(func(id EngineID, refs int) bool {
		if refs > 0 {
			ids = append(ids, id)
		}
		return false
	})
	slices.Sort(ids)
	return ids
}

// RefEngine records that engine id has a context using the space
func (s *Space) RefEngine(id EngineID) error {
	if s.engines == nil {
		return errors.Wrapf(memutils.ErrNotFound, "space %d has no engine registry", s.id)
	}
	if _, ok := s.engines.Engine(id); !ok {
		return errors.Wrapf(memutils.ErrNotFound, "engine %d is not registered", id)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	refs, _ := s.engineRefs.Get(id)
	s.engineRefs.Put(id, refs+1)
	return nil
}

// UnrefEngine drops a reference taken with RefEngine
func (s *Space) UnrefEngine(id EngineID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	refs, _ := s.engineRefs.Get(id)
	if refs == 0 {
		return errors.Wrapf(memutils.ErrNotFound, "engine %d holds no reference to space %d", id, s.id)
	}
	if refs == 1 {
		s.engineRefs.Delete(id)
		return nil
	}
	s.engineRefs.Put(id, refs-1)
	return nil
}

// EngineRefs returns how many references engine id holds to the space
func (s *Space) EngineRefs(id EngineID) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	refs, _ := s.engineRefs.Get(id)
	return refs
}

// FlushTLB flushes the space's own caches and those of every referencing engine
func (s *Space) FlushTLB() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.flush()
}

// Lookup returns the mapping whose interval holds va
func (s *Space) Lookup(va uint64) (*Mapping, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	node := s.tree.containing(va)
	if node == nil || node.free() {
		return nil, false
	}
	return node.mapping, true
}

// Translate walks the space's page tables for va
func (s *Space) Translate(va uint64) (phys uint64, shift uint, ok bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.tables.Translate(va)
}

// Mappings returns every live mapping in address order
func (s *Space) Mappings() []*Mapping {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var out []*Mapping
	s.tree.ascend(func(n *mapNode) bool {
		if !n.free() {
			out = append(out, n.mapping)
		}
		return true
	})
	return out
}

// Free unmaps everything and releases the page tables. The space cannot be used afterward.
func (s *Space) Free() error {
	s.mutex.Lock()
	if s.freed {
		s.mutex.Unlock()
		return errors.Wrapf(memutils.ErrNotFound, "space %d was already freed", s.id)
	}
	s.freed = true

	var err error
	for {
		var node *mapNode
		s.tree.ascend(func(n *mapNode) bool {
			if !n.free() {
				node = n
				return false
			}
			return true
		})
		if node == nil {
			break
		}
		err = errors.CombineErrors(err, s.unmapNode(node, false))
	}
	s.mutex.Unlock()

	s.logger.Debug("Space::Free", slog.Int("ID", s.id), slog.String("Kind", s.kind.String()))

	// Releasing tables frees VRAM objects, which may be mapped into other spaces
	return errors.CombineErrors(err, s.tables.Release())
}

// Validate checks the partition and maxgap invariants of the interval tree
func (s *Space) Validate() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.validate()
}

func (s *Space) validate() error {
	err := s.tree.validate(pagetable.SpaceLimit)
	if err != nil {
		return err
	}

	s.tree.ascend(func(n *mapNode) bool {
		if n.free() {
			return true
		}
		if n.mapping.node != n {
			err = memutils.InvariantViolationf("mapping at %#x does not point back at its node", n.start)
			return false
		}
		if n.mapping.offset != n.start || n.size != n.mapping.obj.Size() {
			err = memutils.InvariantViolationf("node %#x+%#x does not match object %d", n.start, n.size, n.mapping.obj.Serial())
			return false
		}
		return true
	})
	return err
}

type heldSpace struct {
	s *Space
}

func (h heldSpace) Validate() error {
	return h.s.validate()
}

// PrintDetailedMap writes the space's intervals as a JSON object
func (s *Space) PrintDetailedMap(writer *jwriter.Writer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("ID").Int(s.id)
	objState.Name("Kind").String(s.kind.String())
	objState.Name("Root").Int(int(s.tables.Root()))
	objState.Name("Nodes").Int(s.tree.count)
	objState.Name("MaxGap").Int(int(s.tree.root.maxgap))

	arrayState := objState.Name("Intervals").Array()
	defer arrayState.End()

	s.tree.ascend(func(n *mapNode) bool {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(n.start))
		obj.Name("Size").Int(int(n.size))
		if n.free() {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("MAPPED")
			obj.Name("Serial").Int(int(n.mapping.obj.Serial()))
			obj.Name("Tag").Int(int(n.mapping.obj.Tag()))
		}
		return true
	})
}
