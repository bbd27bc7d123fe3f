package device

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/memutils"
	"github.com/pscnv/gpumem/pagetable"
)

// Generation selects the page table scheme and register layout of a device
type Generation string

const (
	// GenerationFlat devices use one level of page tables and a shared TLB flushed per unit
	GenerationFlat Generation = "nv50"
	// GenerationTwoLevel devices use hashed two-level page tables with large and small pages
	GenerationTwoLevel Generation = "nvc0"
)

func (g Generation) valid() bool {
	return g == GenerationFlat || g == GenerationTwoLevel
}

// Duration is a time.Duration that decodes from strings such as "250ms"
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(memutils.ErrInvalidArgument, "bad duration %q", text)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config describes a device. Zero fields take the defaults below, and a zero VRAMSize means the
// size and row block size are probed from the memory controller.
type Config struct {
	Generation Generation `toml:"generation"`

	VRAMSize   uint64 `toml:"vram_size"`
	RBlockSize uint64 `toml:"rblock_size"`

	// ReservedLow and ReservedHigh are held back from the allocator at either end of VRAM
	ReservedLow  uint64 `toml:"reserved_low"`
	ReservedHigh uint64 `toml:"reserved_high"`

	PollTimeout Duration `toml:"poll_timeout"`

	// BAR1Size and BAR3Size are the sizes of the framebuffer and instance memory apertures
	BAR1Size uint64 `toml:"bar1_size"`
	BAR3Size uint64 `toml:"bar3_size"`

	// FlatEagerBlocks is nil for the default. Zero leaves every client page table lazy.
	FlatEagerBlocks *int `toml:"flat_eager_blocks"`

	ExternallySynchronized bool `toml:"externally_synchronized"`
}

const (
	DefaultReservedLow     uint64 = 0x40000
	DefaultReservedHigh    uint64 = 0x2000
	DefaultPollTimeout            = Duration(pagetable.DefaultPollTimeout)
	DefaultBAR1Size        uint64 = 256 << 20
	DefaultBAR3Size        uint64 = 16 << 20
	DefaultFlatEagerBlocks        = 1
)

func (c *Config) applyDefaults() {
	if c.ReservedLow == 0 {
		c.ReservedLow = DefaultReservedLow
	}
	if c.ReservedHigh == 0 {
		c.ReservedHigh = DefaultReservedHigh
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.BAR1Size == 0 {
		c.BAR1Size = DefaultBAR1Size
	}
	if c.BAR3Size == 0 {
		c.BAR3Size = DefaultBAR3Size
	}
	if c.FlatEagerBlocks == nil {
		eager := DefaultFlatEagerBlocks
		c.FlatEagerBlocks = &eager
	}
}

func (c *Config) validate() error {
	if !c.Generation.valid() {
		return errors.Wrapf(memutils.ErrInvalidArgument, "unknown generation %q", c.Generation)
	}
	if c.BAR1Size > pagetable.SpaceLimit || c.BAR3Size > pagetable.SpaceLimit {
		return errors.Wrap(memutils.ErrInvalidArgument, "aperture sizes cannot exceed the address space")
	}
	for _, bar := range []struct {
		name string
		size uint64
	}{{"bar1_size", c.BAR1Size}, {"bar3_size", c.BAR3Size}} {
		err := memutils.CheckPow2(bar.size, bar.name)
		if err != nil {
			return errors.Mark(err, memutils.ErrInvalidArgument)
		}
	}
	if *c.FlatEagerBlocks < 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "negative eager block count %d", *c.FlatEagerBlocks)
	}
	return nil
}

// LoadConfig decodes a TOML device description. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	var c Config
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return c, errors.Wrapf(err, "failed to read device config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return c, errors.Wrapf(memutils.ErrInvalidArgument, "unknown keys in %s: %v", path, undecoded)
	}
	return c, nil
}
