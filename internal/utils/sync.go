package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that becomes a no-op when its owner was created externally
// synchronized. The zero value locks.
type OptionalMutex struct {
	mutex    sync.Mutex
	disabled bool
}

// NewOptionalMutex returns a mutex that only locks when useMutex is true
func NewOptionalMutex(useMutex bool) OptionalMutex {
	return OptionalMutex{disabled: !useMutex}
}

func (m *OptionalMutex) Lock() {
	if !m.disabled {
		m.mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if !m.disabled {
		m.mutex.Unlock()
	}
}

// OptionalRWMutex is the reader/writer counterpart of OptionalMutex
type OptionalRWMutex struct {
	mutex    sync.RWMutex
	disabled bool
}

// NewOptionalRWMutex returns a reader/writer mutex that only locks when useMutex is true
func NewOptionalRWMutex(useMutex bool) OptionalRWMutex {
	return OptionalRWMutex{disabled: !useMutex}
}

func (m *OptionalRWMutex) Lock() {
	if !m.disabled {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if !m.disabled {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if !m.disabled {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if !m.disabled {
		m.mutex.RUnlock()
	}
}
