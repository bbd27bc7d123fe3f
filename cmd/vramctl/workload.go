package main

import (
	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pscnv/gpumem/device"
	"github.com/pscnv/gpumem/memutils"
	"github.com/pscnv/gpumem/pagetable"
	"github.com/pscnv/gpumem/vram"
	"github.com/pscnv/gpumem/vspace"
	"golang.org/x/exp/slog"
)

const defaultSimVRAMSize uint64 = 64 << 20

// workload is a device configuration and a script of steps to replay against it
type workload struct {
	Device device.Config `toml:"device"`

	// SimVRAMSize is the amount of simulated VRAM behind the memory controller. It defaults to
	// Device.VRAMSize, or 64MiB when that is probed.
	SimVRAMSize uint64 `toml:"sim_vram_size"`

	Steps []step `toml:"step"`
}

type step struct {
	Op string `toml:"op"`

	// Name is the handle the step's result is stored under
	Name string `toml:"name"`
	// Object, Space and Mapping refer to handles stored by earlier steps
	Object  string `toml:"object"`
	Space   string `toml:"space"`
	Mapping string `toml:"mapping"`
	Owner   string `toml:"owner"`

	Size       uint64 `toml:"size"`
	Contiguous bool   `toml:"contiguous"`
	NoUser     bool   `toml:"no_user"`
	Tile       uint32 `toml:"tile"`
	Tag        uint32 `toml:"tag"`

	Lo       uint64 `toml:"lo"`
	Hi       uint64 `toml:"hi"`
	FromBack bool   `toml:"from_back"`

	// Expect names the error the step must fail with, if any
	Expect string `toml:"expect"`
}

var expectedErrors = map[string]error{
	"out_of_memory":    memutils.ErrOutOfMemory,
	"invalid_argument": memutils.ErrInvalidArgument,
	"not_found":        memutils.ErrNotFound,
	"hardware_timeout": memutils.ErrHardwareTimeout,
}

func loadWorkload(path string) (workload, error) {
	var w workload
	md, err := toml.DecodeFile(path, &w)
	if err != nil {
		return w, errors.Wrapf(err, "failed to read workload %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return w, errors.Wrapf(memutils.ErrInvalidArgument, "unknown workload keys %v", undecoded)
	}

	for i, s := range w.Steps {
		if s.Expect != "" {
			if _, ok := expectedErrors[s.Expect]; !ok {
				return w, errors.Wrapf(memutils.ErrInvalidArgument, "step %d expects unknown error %q", i, s.Expect)
			}
		}
	}

	if w.SimVRAMSize == 0 {
		w.SimVRAMSize = w.Device.VRAMSize
	}
	if w.SimVRAMSize == 0 {
		w.SimVRAMSize = defaultSimVRAMSize
	}
	return w, nil
}

// runner replays workload steps against a device, tracking the handles each step creates
type runner struct {
	logger *slog.Logger
	device *device.Device

	objects  *swiss.Map[string, *vram.Object]
	spaces   *swiss.Map[string, namedSpace]
	mappings *swiss.Map[string, *vspace.Mapping]
}

type namedSpace struct {
	space *vspace.Space
	owner string
}

func newRunner(logger *slog.Logger, d *device.Device) *runner {
	return &runner{
		logger:   logger,
		device:   d,
		objects:  swiss.NewMap[string, *vram.Object](16),
		spaces:   swiss.NewMap[string, namedSpace](4),
		mappings: swiss.NewMap[string, *vspace.Mapping](16),
	}
}

func (r *runner) run(steps []step) error {
	for i, s := range steps {
		err := r.step(s)

		if s.Expect != "" {
			if !errors.Is(err, expectedErrors[s.Expect]) {
				return errors.Newf("step %d (%s %s) should have failed with %s, got %v", i, s.Op, s.Name, s.Expect, err)
			}
			r.logger.Debug("runner::run expected failure", slog.Int("Step", i), slog.Any("error", err))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "step %d (%s %s)", i, s.Op, s.Name)
		}
	}
	return nil
}

func (r *runner) step(s step) error {
	switch s.Op {
	case "alloc":
		var flags vram.ObjectFlags
		if s.Contiguous {
			flags |= vram.ObjectContiguous
		}
		if s.NoUser {
			flags |= vram.ObjectNoUser
		}
		obj, err := r.device.Alloc(s.Size, flags, vram.TileFlags(s.Tile), s.Tag)
		if err != nil {
			return err
		}
		r.objects.Put(s.Name, obj)
		return nil

	case "free":
		obj, err := r.object(s.Object)
		if err != nil {
			return err
		}
		r.objects.Delete(s.Object)
		return r.device.Free(obj)

	case "space":
		space, err := r.device.NewSpace(s.Owner)
		if err != nil {
			return err
		}
		r.spaces.Put(s.Name, namedSpace{space: space, owner: s.Owner})
		return nil

	case "free_space":
		named, err := r.space(s.Space)
		if err != nil {
			return err
		}
		r.spaces.Delete(s.Space)
		return r.device.FreeSpace(named.space.ID(), named.owner)

	case "cleanup":
		return r.device.Cleanup(s.Owner)

	case "map":
		obj, err := r.object(s.Object)
		if err != nil {
			return err
		}
		named, err := r.space(s.Space)
		if err != nil {
			return err
		}
		hi := s.Hi
		if hi == 0 {
			hi = pagetable.SpaceLimit
		}
		mapping, err := named.space.Map(obj, s.Lo, hi, s.FromBack)
		if err != nil {
			return err
		}
		if s.Name != "" {
			r.mappings.Put(s.Name, mapping)
		}
		return nil

	case "unmap":
		mapping, ok := r.mappings.Get(s.Mapping)
		if !ok {
			return errors.Wrapf(memutils.ErrNotFound, "no mapping named %q", s.Mapping)
		}
		r.mappings.Delete(s.Mapping)
		return mapping.Unmap()

	case "map_user", "map_kernel":
		obj, err := r.object(s.Object)
		if err != nil {
			return err
		}
		mapOp := r.device.MapUser
		if s.Op == "map_kernel" {
			mapOp = r.device.MapKernel
		}
		offset, err := mapOp(obj)
		if err != nil {
			return err
		}
		r.logger.Info("runner::step aperture mapping",
			slog.String("Op", s.Op),
			slog.String("Object", s.Object),
			slog.Uint64("Offset", offset),
		)
		return nil
	}

	return errors.Wrapf(memutils.ErrInvalidArgument, "unknown op %q", s.Op)
}

func (r *runner) object(name string) (*vram.Object, error) {
	obj, ok := r.objects.Get(name)
	if !ok {
		return nil, errors.Wrapf(memutils.ErrNotFound, "no object named %q", name)
	}
	return obj, nil
}

func (r *runner) space(name string) (namedSpace, error) {
	named, ok := r.spaces.Get(name)
	if !ok {
		return named, errors.Wrapf(memutils.ErrNotFound, "no address space named %q", name)
	}
	return named, nil
}
