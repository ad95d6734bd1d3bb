package maps

import (
	"fmt"
	"sync"
)

// hashMap is a bounded key/value map with fixed key and value sizes.
type hashMap struct {
	def Def

	mu      sync.RWMutex
	entries map[string][]byte
}

func newHashMap(def Def) *hashMap {
	return &hashMap{
		def:     def,
		entries: make(map[string][]byte),
	}
}

func (h *hashMap) Def() Def { return h.def }

func (h *hashMap) checkKey(key []byte) error {
	if len(key) != h.def.KeySize {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(key), h.def.KeySize)
	}
	return nil
}

func (h *hashMap) Lookup(key []byte) ([]byte, error) {
	if err := h.checkKey(key); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.entries[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (h *hashMap) Update(key, value []byte) error {
	if err := h.checkKey(key); err != nil {
		return err
	}
	if len(value) != h.def.ValueSize {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidValueSize, len(value), h.def.ValueSize)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	k := string(key)
	if _, exists := h.entries[k]; !exists && len(h.entries) >= h.def.MaxEntries {
		return ErrMapFull
	}
	v := make([]byte, len(value))
	copy(v, value)
	h.entries[k] = v
	return nil
}

func (h *hashMap) Delete(key []byte) error {
	if err := h.checkKey(key); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[string(key)]; !ok {
		return ErrKeyNotFound
	}
	delete(h.entries, string(key))
	return nil
}

// Items returns a copy of all entries.
func (h *hashMap) Items() map[string][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string][]byte, len(h.entries))
	for k, v := range h.entries {
		c := make([]byte, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}

// Load replaces the contents from a dump.
func (h *hashMap) Load(items map[string][]byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := make(map[string][]byte, len(items))
	for k, v := range items {
		if len(k) != h.def.KeySize {
			return fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(k), h.def.KeySize)
		}
		if len(v) != h.def.ValueSize {
			return fmt.Errorf("%w: got %d, want %d", ErrInvalidValueSize, len(v), h.def.ValueSize)
		}
		if len(entries) >= h.def.MaxEntries {
			return ErrMapFull
		}
		c := make([]byte, len(v))
		copy(c, v)
		entries[k] = c
	}
	h.entries = entries
	return nil
}
