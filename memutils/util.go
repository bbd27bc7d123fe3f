package memutils

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Unsigned | ~int
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return errors.Wrapf(ErrPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to a multiple of alignment, which must be a power of two
func AlignDown[T Number](value T, alignment T) T {
	return value &^ (alignment - 1)
}

// RoundUp rounds value up to the next multiple of granularity. Unlike AlignUp, granularity
// does not need to be a power of two: row block sizes are frequently a multiple of three.
func RoundUp(value uint64, granularity uint64) uint64 {
	return (value + granularity - 1) / granularity * granularity
}

// RoundDown rounds value down to a multiple of granularity, which does not need to be a power of two
func RoundDown(value uint64, granularity uint64) uint64 {
	return value / granularity * granularity
}
