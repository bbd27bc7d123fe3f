package pagetable

import "github.com/pscnv/gpumem/vram"

// TableAllocatedCallback is called after a manager allocates and zeroes a page directory or page
// table object
type TableAllocatedCallback func(
	manager Manager,
	kind SpaceKind,
	table *vram.Object,
	userData interface{},
)

// TableFreedCallback is called before a manager frees a page directory or page table object
type TableFreedCallback func(
	manager Manager,
	kind SpaceKind,
	table *vram.Object,
	userData interface{},
)

// TableCallbackOptions lets the owner of a manager observe page table storage, e.g. to map new
// tables into the instance memory aperture
type TableCallbackOptions struct {
	Allocated TableAllocatedCallback
	Freed     TableFreedCallback
	UserData  interface{}
}

type tableCallbacks struct {
	Callbacks *TableCallbackOptions
	Manager   Manager
}

func (c *tableCallbacks) Allocated(kind SpaceKind, table *vram.Object) {
	if c.Callbacks != nil && c.Callbacks.Allocated != nil {
		c.Callbacks.Allocated(c.Manager, kind, table, c.Callbacks.UserData)
	}
}

func (c *tableCallbacks) Freed(kind SpaceKind, table *vram.Object) {
	if c.Callbacks != nil && c.Callbacks.Freed != nil {
		c.Callbacks.Freed(c.Manager, kind, table, c.Callbacks.UserData)
	}
}
