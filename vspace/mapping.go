package vspace

import (
	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/memutils"
	"github.com/pscnv/gpumem/vram"
)

// Mapping is a live placement of a VRAM object in a Space. It is recorded on the object so
// that freeing the object tears the mapping down.
type Mapping struct {
	space  *Space
	obj    *vram.Object
	offset uint64

	// Guarded by the space mutex. Nil once unmapped.
	node *mapNode
}

var _ vram.Mapping = &Mapping{}

func (m *Mapping) Space() *Space        { return m.space }
func (m *Mapping) Object() *vram.Object { return m.obj }

// Offset is the virtual address the object is mapped at
func (m *Mapping) Offset() uint64 { return m.offset }

// Size is the length of the mapped interval
func (m *Mapping) Size() uint64 { return m.obj.Size() }

// Unmap removes the mapping from its space. Unmapping twice fails with memutils.ErrNotFound.
func (m *Mapping) Unmap() error {
	m.space.mutex.Lock()
	defer m.space.mutex.Unlock()

	if m.node == nil {
		return errors.Wrapf(memutils.ErrNotFound, "object %d is no longer mapped at %#x", m.obj.Serial(), m.offset)
	}
	return m.space.unmapNode(m.node, true)
}

// Live reports whether the mapping has not been unmapped yet
func (m *Mapping) Live() bool {
	m.space.mutex.Lock()
	defer m.space.mutex.Unlock()

	return m.node != nil
}
