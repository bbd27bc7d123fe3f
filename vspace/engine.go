package vspace

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pscnv/gpumem/internal/utils"
	"github.com/pscnv/gpumem/memutils"
	"golang.org/x/exp/slices"
)

//go:generate mockgen -source engine.go -destination mocks/engine.go -package mocks

// EngineID identifies a hardware engine on a device
type EngineID int

// Engine is a hardware engine that caches translations of the address spaces its contexts use.
// Spaces call FlushTLB after every change to their mappings while the engine holds a reference.
type Engine interface {
	FlushTLB(space *Space) error
}

// EngineRegistry holds the engines of one device
type EngineRegistry struct {
	mutex   utils.OptionalRWMutex
	engines *swiss.Map[EngineID, Engine]
}

// NewEngineRegistry creates an empty registry
func NewEngineRegistry(useMutex bool) *EngineRegistry {
	return &EngineRegistry{
		mutex:   utils.NewOptionalRWMutex(useMutex),
		engines: swiss.NewMap[EngineID, Engine](8),
	}
}

// Register adds engine under id. Ids cannot be registered twice.
func (r *EngineRegistry) Register(id EngineID, engine Engine) error {
	if engine == nil {
		return errors.Wrapf(memutils.ErrInvalidArgument, "engine %d is nil", id)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.engines.Has(id) {
		return errors.Wrapf(memutils.ErrInvalidArgument, "engine %d is already registered", id)
	}
	r.engines.Put(id, engine)
	return nil
}

// Unregister removes the engine registered under id
func (r *EngineRegistry) Unregister(id EngineID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.engines.Delete(id) {
		return errors.Wrapf(memutils.ErrNotFound, "engine %d is not registered", id)
	}
	return nil
}

// Engine returns the engine registered under id
func (r *EngineRegistry) Engine(id EngineID) (Engine, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.engines.Get(id)
}

// IDs returns every registered id in ascending order
func (r *EngineRegistry) IDs() []EngineID {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ids := make([]EngineID, 0, r.engines.Count())
	r.engines.Iter(func(id EngineID, _ Engine) bool {
		ids = append(ids, id)
		return false
	})
	slices.Sort(ids)
	return ids
}
