package device

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/memutils"
	"github.com/pscnv/gpumem/pagetable"
	"golang.org/x/exp/slog"
)

const (
	regMemConfig0   uint32 = 0x100200
	regMemConfig1   uint32 = 0x100204
	regMemSize      uint32 = 0x10020c
	regMemTiling    uint32 = 0x100250
	regMemPartition uint32 = 0x1540

	regCtrlrCount  uint32 = 0x121c74
	regCtrlrAmount uint32 = 0x10f20c

	twoLevelRBlockSize uint64 = 0x1000
)

// vramLayout is what the memory controller reports about VRAM
type vramLayout struct {
	Size       uint64
	RBlockSize uint64
}

func probe(logger *slog.Logger, generation Generation, registers pagetable.Registers) (vramLayout, error) {
	if generation == GenerationTwoLevel {
		return probeTwoLevel(registers)
	}
	return probeFlat(logger, registers)
}

func probeTwoLevel(registers pagetable.Registers) (vramLayout, error) {
	count := uint64(registers.Read32(regCtrlrCount))
	amount := uint64(registers.Read32(regCtrlrAmount))

	layout := vramLayout{Size: count * (amount << 20), RBlockSize: twoLevelRBlockSize}
	if layout.Size == 0 {
		return layout, errors.Wrap(memutils.ErrNotFound, "no VRAM detected")
	}
	return layout, nil
}

func probeFlat(logger *slog.Logger, registers pagetable.Registers) (vramLayout, error) {
	r0 := registers.Read32(regMemConfig0)
	r4 := registers.Read32(regMemConfig1)
	rc := registers.Read32(regMemSize)
	rt := registers.Read32(regMemTiling)
	ru := registers.Read32(regMemPartition)

	logger.Debug("Device::probeFlat",
		slog.Uint64("Config0", uint64(r0)),
		slog.Uint64("Config1", uint64(r4)),
		slog.Uint64("Size", uint64(rc)),
		slog.Uint64("Tiling", uint64(rt)),
		slog.Uint64("Partitions", uint64(ru)),
	)

	parts := uint64(bits.OnesCount32(ru>>16&0xff))
	colBits := r4 >> 12 & 0xf
	rowBitsA := r4>>16&0xf + 8
	rowBitsB := r4>>20&0xf + 8
	banks := uint64(4)
	if r4&(1<<24) != 0 {
		banks = 8
	}

	rowSize := parts * banks * (1 << colBits) * 8
	predicted := rowSize << rowBitsA
	if r0&4 != 0 {
		predicted += rowSize << rowBitsB
	}

	layout := vramLayout{Size: uint64(rc&0xfffff000) | uint64(rc&0xff)<<32, RBlockSize: rowSize}
	if layout.Size == 0 {
		return layout, errors.Wrap(memutils.ErrNotFound, "memory controller reports no VRAM")
	}
	if layout.Size != predicted {
		logger.Warn("Device::probeFlat VRAM size is inconsistent with the memory configuration",
			slog.Uint64("Reported", layout.Size),
			slog.Uint64("Predicted", predicted),
		)
	}
	if rt&1 != 0 {
		layout.RBlockSize = rowSize * 3
	}
	if layout.RBlockSize == 0 {
		return layout, errors.Wrap(memutils.ErrNotFound, "memory controller reports no partitions")
	}
	return layout, nil
}
