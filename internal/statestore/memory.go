// Package statestore provides durable and in-memory key-value backends for
// the entitlement engine's local state.
package statestore

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Memory is a process-local store. It is what tests and the offline CLI use;
// nothing survives a restart.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get returns the value for key.
func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set stores value under key.
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Delete removes key. Missing keys are not an error.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Incr adds one to the integer at key, treating a missing key as zero.
func (m *Memory) Incr(key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if raw, ok := m.data[key]; ok {
		parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %q is not an integer: %w", key, err)
		}
		n = parsed
	}
	n++
	m.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

// SetIfAbsent stores value only when key is missing.
func (m *Memory) SetIfAbsent(key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

// Len returns the number of keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
