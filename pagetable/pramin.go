package pagetable

import (
	"github.com/pscnv/gpumem/internal/utils"
)

const (
	praminWindowBase   uint32 = 0x700000
	praminWindowSelect uint32 = 0x1700
	praminWindowShift         = 16
	praminWindowMask   uint64 = 1<<praminWindowShift - 1
)

// PraminWindow reaches VRAM through the 64KiB register window at 0x700000. The window is
// moved by writing the target address shifted right by 16 to register 0x1700, and only moved
// when an access falls outside it.
type PraminWindow struct {
	registers Registers
	mutex     utils.OptionalMutex

	base  uint32
	valid bool
}

var _ Aperture = &PraminWindow{}

// NewPraminWindow creates a window over registers. The window position is shared state, so
// concurrent users need useMutex.
func NewPraminWindow(registers Registers, useMutex bool) *PraminWindow {
	return &PraminWindow{
		registers: registers,
		mutex:     utils.NewOptionalMutex(useMutex),
	}
}

func (w *PraminWindow) point(addr uint64) uint32 {
	base := uint32(addr >> praminWindowShift)
	if !w.valid || w.base != base {
		w.registers.Write32(praminWindowSelect, base)
		w.base = base
		w.valid = true
	}
	return praminWindowBase + uint32(addr&praminWindowMask)
}

func (w *PraminWindow) Read32(addr uint64) uint32 {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.registers.Read32(w.point(addr))
}

func (w *PraminWindow) Write32(addr uint64, value uint32) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.registers.Write32(w.point(addr), value)
}
