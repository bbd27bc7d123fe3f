package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/pscnv/gpumem/device"
	"github.com/pscnv/gpumem/memutils"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

const testWorkload = `
sim_vram_size = 16777216

[device]
generation = "nvc0"
poll_timeout = "20ms"

[[step]]
op = "alloc"
name = "buffer"
size = 0x3000
tag = 7

[[step]]
op = "space"
name = "client"
owner = "fd3"

[[step]]
op = "map"
name = "low"
object = "buffer"
space = "client"

[[step]]
op = "map"
name = "high"
object = "buffer"
space = "client"
from_back = true

[[step]]
op = "unmap"
mapping = "low"

[[step]]
op = "unmap"
mapping = "low"
expect = "not_found"

[[step]]
op = "map_user"
object = "buffer"

[[step]]
op = "alloc"
name = "huge"
size = 0x10000000
expect = "out_of_memory"
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func writeWorkload(t *testing.T, text string) string {
	path := filepath.Join(t.TempDir(), "workload.toml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestSimulateWorkload(t *testing.T) {
	w, err := loadWorkload(writeWorkload(t, testWorkload))
	require.NoError(t, err)
	require.Equal(t, uint64(16<<20), w.SimVRAMSize)
	require.Equal(t, device.GenerationTwoLevel, w.Device.Generation)
	require.Len(t, w.Steps, 8)

	out, err := simulate(testLogger(), w, true)
	require.NoError(t, err)

	var parsed struct {
		Generation string
		VRAMSize   int
		Spaces     map[string]struct {
			Intervals []struct {
				Offset int
				Type   string
				Tag    int
			}
		}
	}
	require.NoError(t, json.Unmarshal(out, &parsed))
	require.Equal(t, "nvc0", parsed.Generation)
	require.Equal(t, 16<<20, parsed.VRAMSize)

	client, ok := parsed.Spaces["0"]
	require.True(t, ok)
	var mapped []int
	for _, interval := range client.Intervals {
		if interval.Type == "MAPPED" {
			mapped = append(mapped, interval.Offset)
			require.Equal(t, 7, interval.Tag)
		}
	}
	require.Equal(t, []int{1<<40 - 0x3000}, mapped)

	var userMapped int
	for _, interval := range parsed.Spaces["BAR1"].Intervals {
		if interval.Type == "MAPPED" && interval.Tag == 7 {
			userMapped++
		}
	}
	require.Equal(t, 1, userMapped)
}

func TestSimulateUnexpectedSuccess(t *testing.T) {
	w, err := loadWorkload(writeWorkload(t, `
[[step]]
op = "alloc"
name = "small"
size = 0x1000
expect = "out_of_memory"
`))
	require.NoError(t, err)
	require.Equal(t, defaultSimVRAMSize, w.SimVRAMSize)

	_, err = simulate(testLogger(), w, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "should have failed with out_of_memory")
}

func TestSimulateStepFailure(t *testing.T) {
	w, err := loadWorkload(writeWorkload(t, `
[[step]]
op = "map"
object = "missing"
space = "nowhere"
`))
	require.NoError(t, err)

	_, err = simulate(testLogger(), w, true)
	require.True(t, errors.Is(err, memutils.ErrNotFound))
}

func TestLoadWorkloadRejectsUnknownKeys(t *testing.T) {
	_, err := loadWorkload(writeWorkload(t, `
[[step]]
op = "alloc"
colour = "blue"
`))
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = loadWorkload(writeWorkload(t, `
[[step]]
op = "alloc"
expect = "sadness"
`))
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))
}

func TestNewSimDevice(t *testing.T) {
	_, err := newSimDevice(device.GenerationFlat, 3<<20)
	require.Error(t, err)
	_, err = newSimDevice("nv40", 1<<20)
	require.Error(t, err)

	hw, err := newSimDevice(device.GenerationFlat, 32<<20)
	require.NoError(t, err)
	d, err := device.New(testLogger(), device.Config{Generation: device.GenerationFlat}, hw.Registers, hw.VRAM)
	require.NoError(t, err)
	require.Equal(t, uint64(32<<20), d.VRAMSize())
	require.NoError(t, d.Close())
}
