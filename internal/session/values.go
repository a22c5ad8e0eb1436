package session

import (
	"encoding/json"
	"sync"
)

// Values is the application-defined payload of a session block. Handlers may
// read and write it while the store persists it concurrently, so every access
// goes through its own lock.
type Values struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewValues returns an empty payload.
func NewValues() *Values {
	return &Values{m: make(map[string]any)}
}

// Get returns the value stored under key.
func (v *Values) Get(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[key]
	return val, ok
}

// Set stores val under key.
func (v *Values) Set(key string, val any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[key] = val
}

// Delete removes key.
func (v *Values) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.m, key)
}

// Len returns the number of keys.
func (v *Values) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.m)
}

// Snapshot returns a shallow copy of the payload.
func (v *Values) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}

func (v *Values) MarshalJSON() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return json.Marshal(v.m)
}

func (v *Values) UnmarshalJSON(data []byte) error {
	m := make(map[string]any)
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if m == nil {
		m = make(map[string]any)
	}
	v.mu.Lock()
	v.m = m
	v.mu.Unlock()
	return nil
}
