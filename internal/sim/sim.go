// Package sim emulates the register file and VRAM of a device closely enough to drive the
// allocator and page table managers without hardware. Flush and poll registers complete
// immediately unless the device is made to hang.
package sim

import (
	"fmt"
	"math/bits"

	"github.com/dolthub/swiss"
	"github.com/pscnv/gpumem/internal/utils"
)

const (
	regPraminSelect uint32 = 0x1700
	regPraminWindow uint32 = 0x700000
	praminWindowLen uint32 = 0x10000

	regFlatFlush       uint32 = 0x100c80
	regBarFlush        uint32 = 0x330c
	regRaminFlush      uint32 = 0x70000
	regTLBFlushTrigger uint32 = 0x100cbc

	regMemConfig0   uint32 = 0x100200
	regMemConfig1   uint32 = 0x100204
	regMemSize      uint32 = 0x10020c
	regMemTiling    uint32 = 0x100250
	regMemPartition uint32 = 0x1540

	regCtrlrCount  uint32 = 0x121c74
	regCtrlrAmount uint32 = 0x10f20c
)

// VRAM is sparse simulated video memory. Unwritten words read as zero.
type VRAM struct {
	mutex utils.OptionalMutex
	size  uint64
	words *swiss.Map[uint64, uint32]
}

func NewVRAM(size uint64) *VRAM {
	return &VRAM{
		size:  size,
		words: swiss.NewMap[uint64, uint32](1024),
	}
}

func (v *VRAM) Size() uint64 { return v.size }

func (v *VRAM) check(addr uint64) {
	if addr&3 != 0 || addr+4 > v.size {
		panic(fmt.Sprintf("simulated VRAM access at %#x outside %#x bytes", addr, v.size))
	}
}

func (v *VRAM) Read32(addr uint64) uint32 {
	v.check(addr)

	v.mutex.Lock()
	defer v.mutex.Unlock()

	value, _ := v.words.Get(addr)
	return value
}

func (v *VRAM) Write32(addr uint64, value uint32) {
	v.check(addr)

	v.mutex.Lock()
	defer v.mutex.Unlock()

	if value == 0 {
		v.words.Delete(addr)
		return
	}
	v.words.Put(addr, value)
}

// NonZeroWords counts the words holding a nonzero value
func (v *VRAM) NonZeroWords() int {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	return v.words.Count()
}

// Registers is a simulated MMIO register file. Reads and writes to the PRAMIN window reach the
// attached VRAM.
type Registers struct {
	mutex  utils.OptionalMutex
	vram   *VRAM
	values *swiss.Map[uint32, uint32]
	writes *swiss.Map[uint32, int]
	hung   bool
}

func NewRegisters(vram *VRAM) *Registers {
	return &Registers{
		vram:   vram,
		values: swiss.NewMap[uint32, uint32](64),
		writes: swiss.NewMap[uint32, int](64),
	}
}

// SetHung makes every flush and poll register stop completing
func (r *Registers) SetHung(hung bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.hung = hung
}

// Set stores a register value without triggering any side effects
func (r *Registers) Set(reg uint32, value uint32) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.values.Put(reg, value)
}

// Writes reports how many times reg has been written
func (r *Registers) Writes(reg uint32) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	count, _ := r.writes.Get(reg)
	return count
}

func (r *Registers) windowAddr(reg uint32) (uint64, bool) {
	if reg < regPraminWindow || reg >= regPraminWindow+praminWindowLen {
		return 0, false
	}
	base, _ := r.values.Get(regPraminSelect)
	return uint64(base)<<16 + uint64(reg-regPraminWindow), true
}

func (r *Registers) Read32(reg uint32) uint32 {
	r.mutex.Lock()
	addr, windowed := r.windowAddr(reg)
	value, _ := r.values.Get(reg)
	r.mutex.Unlock()

	if windowed {
		return r.vram.Read32(addr)
	}
	return value
}

func (r *Registers) Write32(reg uint32, value uint32) {
	r.mutex.Lock()
	addr, windowed := r.windowAddr(reg)
	if windowed {
		r.mutex.Unlock()
		r.vram.Write32(addr, value)
		return
	}
	defer r.mutex.Unlock()

	count, _ := r.writes.Get(reg)
	r.writes.Put(reg, count+1)

	switch reg {
	case regFlatFlush:
		if !r.hung {
			value &^= 1
		}
	case regBarFlush:
		if r.hung {
			value |= 2
		} else {
			value &^= 2
		}
	case regRaminFlush:
		if !r.hung {
			value = 0
		}
	case regTLBFlushTrigger:
		if r.hung {
			status, _ := r.values.Get(regFlatFlush)
			r.values.Put(regFlatFlush, status+1)
		}
	}
	r.values.Put(reg, value)
}

// Device is a simulated register file with VRAM attached
type Device struct {
	Registers *Registers
	VRAM      *VRAM
}

func NewDevice(vramSize uint64) *Device {
	vram := NewVRAM(vramSize)
	return &Device{
		Registers: NewRegisters(vram),
		VRAM:      vram,
	}
}

// PresetFlat programs the memory controller registers a flat-page-table device reports for its
// VRAM: one partition of four banks with 512 columns, so rows are 16KiB
func (d *Device) PresetFlat() {
	size := d.VRAM.Size()
	rowBits := uint32(bits.Len64(size)-1) - 14

	r := d.Registers
	r.Set(regMemConfig0, 0)
	r.Set(regMemConfig1, 9<<12|(rowBits-8)<<16)
	r.Set(regMemSize, uint32(size)&0xfffff000|uint32(size>>32)&0xff)
	r.Set(regMemTiling, 0)
	r.Set(regMemPartition, 1<<16)
}

// SetRowInterleave makes a flat-page-table device report three rows per LSR block
func (d *Device) SetRowInterleave(enabled bool) {
	var value uint32
	if enabled {
		value = 1
	}
	d.Registers.Set(regMemTiling, value)
}

// PresetTwoLevel programs the memory controller registers a two-level-page-table device reports
// for its VRAM: a single controller holding all of it
func (d *Device) PresetTwoLevel() {
	r := d.Registers
	r.Set(regCtrlrCount, 1)
	r.Set(regCtrlrAmount, uint32(d.VRAM.Size()>>20))
}
