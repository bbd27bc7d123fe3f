package device

import (
	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/memutils"
	"github.com/pscnv/gpumem/pagetable"
	"github.com/pscnv/gpumem/vspace"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// MaxSpaces is the number of client address spaces a device can hold at once
const MaxSpaces = 128

// Owner is an opaque token identifying the client a space belongs to, such as an open file.
// Owners must be comparable.
type Owner interface{}

type registeredSpace struct {
	space *vspace.Space
	owner Owner
}

// NewSpace creates a client address space owned by owner under the lowest free id
func (d *Device) NewSpace(owner Owner) (*vspace.Space, error) {
	d.spacesMutex.Lock()
	defer d.spacesMutex.Unlock()

	if d.closed {
		return nil, errors.Wrap(memutils.ErrNotFound, "device is closed")
	}

	id := -1
	for i := 0; i < MaxSpaces; i++ {
		if !d.spaces.Has(i) {
			id = i
			break
		}
	}
	if id < 0 {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "all %d address spaces are in use", MaxSpaces)
	}

	space, err := d.newSpace(id, pagetable.SpaceClient)
	if err != nil {
		return nil, err
	}
	d.spaces.Put(id, registeredSpace{space: space, owner: owner})

	d.logger.Info("Device::NewSpace", slog.Int("ID", id))
	return space, nil
}

// Space returns the client space id if owner owns it
func (d *Device) Space(id int, owner Owner) (*vspace.Space, error) {
	d.spacesMutex.Lock()
	defer d.spacesMutex.Unlock()

	entry, ok := d.spaces.Get(id)
	if !ok || entry.owner != owner {
		return nil, errors.Wrapf(memutils.ErrNotFound, "no address space %d for this owner", id)
	}
	return entry.space, nil
}

// FreeSpace unregisters the client space id and frees it
func (d *Device) FreeSpace(id int, owner Owner) error {
	d.spacesMutex.Lock()
	entry, ok := d.spaces.Get(id)
	if !ok || entry.owner != owner {
		d.spacesMutex.Unlock()
		return errors.Wrapf(memutils.ErrNotFound, "no address space %d for this owner", id)
	}
	d.spaces.Delete(id)
	d.spacesMutex.Unlock()

	d.logger.Info("Device::FreeSpace", slog.Int("ID", id))
	return entry.space.Free()
}

// Cleanup frees every client space owned by owner
func (d *Device) Cleanup(owner Owner) error {
	d.spacesMutex.Lock()
	var owned []registeredSpace
	d.spaces.Iter(func(id int, entry registeredSpace) bool {
		if entry.owner == owner {
			owned = append(owned, entry)
		}
		return false
	})
	for _, entry := range owned {
		d.spaces.Delete(entry.space.ID())
	}
	d.spacesMutex.Unlock()

	slices.SortFunc(owned, func(a, b registeredSpace) bool {
		return a.space.ID() < b.space.ID()
	})

	var err error
	for _, entry := range owned {
		d.logger.Info("Device::Cleanup freeing space", slog.Int("ID", entry.space.ID()))
		err = errors.CombineErrors(err, entry.space.Free())
	}
	return err
}

// clientSpaces returns every registered client space in id order
func (d *Device) clientSpaces() []*vspace.Space {
	d.spacesMutex.Lock()
	defer d.spacesMutex.Unlock()

	out := make([]*vspace.Space, 0, d.spaces.Count())
	d.spaces.Iter(func(_ int, entry registeredSpace) bool {
		out = append(out, entry.space)
		return false
	})
	slices.SortFunc(out, func(a, b *vspace.Space) bool {
		return a.ID() < b.ID()
	})
	return out
}

// SpaceIDs returns the ids of every registered client space in ascending order
func (d *Device) SpaceIDs() []int {
	spaces := d.clientSpaces()
	ids := make([]int, 0, len(spaces))
	for _, s := range spaces {
		ids = append(ids, s.ID())
	}
	return ids
}
