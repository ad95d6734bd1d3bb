package maps

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// arrayMap is a fixed-size table indexed by a 4-byte little-endian index.
// All slots exist from creation and are zero-filled; Delete is not allowed.
type arrayMap struct {
	def Def

	mu     sync.RWMutex
	values []byte // MaxEntries * ValueSize, slot i at [i*ValueSize, (i+1)*ValueSize)
}

func newArrayMap(def Def) *arrayMap {
	return &arrayMap{
		def:    def,
		values: make([]byte, def.MaxEntries*def.ValueSize),
	}
}

func (a *arrayMap) Def() Def { return a.def }

func (a *arrayMap) index(key []byte) (int, error) {
	if len(key) != 4 {
		return 0, fmt.Errorf("%w: got %d, want 4", ErrInvalidKeySize, len(key))
	}
	idx := int(binary.LittleEndian.Uint32(key))
	if idx >= a.def.MaxEntries {
		return 0, fmt.Errorf("%w: %d >= %d", ErrInvalidIndex, idx, a.def.MaxEntries)
	}
	return idx, nil
}

func (a *arrayMap) Lookup(key []byte) ([]byte, error) {
	idx, err := a.index(key)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]byte, a.def.ValueSize)
	copy(out, a.values[idx*a.def.ValueSize:])
	return out, nil
}

func (a *arrayMap) Update(key, value []byte) error {
	idx, err := a.index(key)
	if err != nil {
		return err
	}
	if len(value) != a.def.ValueSize {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidValueSize, len(value), a.def.ValueSize)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(a.values[idx*a.def.ValueSize:], value)
	return nil
}

func (a *arrayMap) Delete(key []byte) error {
	if _, err := a.index(key); err != nil {
		return err
	}
	return ErrDeleteNotAllowed
}

// Items returns all slots keyed by their 4-byte index.
func (a *arrayMap) Items() map[string][]byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string][]byte, a.def.MaxEntries)
	for i := 0; i < a.def.MaxEntries; i++ {
		var key [4]byte
		binary.LittleEndian.PutUint32(key[:], uint32(i))
		v := make([]byte, a.def.ValueSize)
		copy(v, a.values[i*a.def.ValueSize:])
		out[string(key[:])] = v
	}
	return out
}

// Load restores slots from a dump. Missing slots stay zero.
func (a *arrayMap) Load(items map[string][]byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	values := make([]byte, a.def.MaxEntries*a.def.ValueSize)
	for k, v := range items {
		idx, err := a.index([]byte(k))
		if err != nil {
			return err
		}
		if len(v) != a.def.ValueSize {
			return fmt.Errorf("%w: got %d, want %d", ErrInvalidValueSize, len(v), a.def.ValueSize)
		}
		copy(values[idx*a.def.ValueSize:], v)
	}
	a.values = values
	return nil
}
