package device

import (
	"github.com/pscnv/gpumem/pagetable"
	"github.com/pscnv/gpumem/vspace"
)

// Engine ids of the engines a device registers itself
const (
	EngineFIFO vspace.EngineID = iota
	EngineGraph
)

// flatFIFO flushes the FIFO unit of the flat generation's shared TLB. The flush is not specific to
// one address space.
type flatFIFO struct {
	manager *pagetable.FlatManager
}

var _ vspace.Engine = flatFIFO{}

func (e flatFIFO) FlushTLB(space *vspace.Space) error {
	return e.manager.FlushUnit(pagetable.FlatUnitFIFO)
}
