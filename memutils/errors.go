package memutils

import "github.com/cockroachdb/errors"

var (
	// ErrPowerOfTwo is returned from CheckPow2 or other methods if the number being tested is not a power of two
	ErrPowerOfTwo = errors.New("number must be a power of two")

	// ErrOutOfMemory indicates that no free region or address-space gap of sufficient size exists. The caller
	// may retry after freeing memory.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrInvalidArgument indicates that a request was rejected before any state was mutated: a zero or
	// overlong size, a malformed range or an unsupported tile attribute
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound indicates that the object or mapping referred to does not exist
	ErrNotFound = errors.New("not found")
	// ErrHardwareTimeout indicates that a register poll did not complete within its bound. This is a fatal
	// device condition and is never retried.
	ErrHardwareTimeout = errors.New("hardware timeout")
	// ErrInvariantViolation marks internal corruption of allocator or address-space structures. It is never
	// caused by valid external input.
	ErrInvariantViolation = errors.New("invariant violation")
)

// InvariantViolationf builds an assertion failure marked with ErrInvariantViolation
func InvariantViolationf(format string, args ...any) error {
	return errors.Mark(errors.AssertionFailedf(format, args...), ErrInvariantViolation)
}
