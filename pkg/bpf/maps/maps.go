// Package maps implements the shared state structures programs and the
// embedding process exchange data through: hash maps, array maps, and a
// bounded ring buffer. Maps are addressed by small integer IDs; the verifier
// certifies every map reference before a program can run.
package maps

import (
	"errors"
	"fmt"
	"sync"
)

// Map errors.
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrMapFull          = errors.New("map is full")
	ErrInvalidKeySize   = errors.New("invalid key size")
	ErrInvalidValueSize = errors.New("invalid value size")
	ErrInvalidIndex     = errors.New("index out of range")
	ErrDeleteNotAllowed = errors.New("delete not supported for this map type")
	ErrRingFull         = errors.New("ring buffer full")
	ErrRecordTooLarge   = errors.New("record larger than ring capacity")
	ErrUnknownMap       = errors.New("unknown map id")
	ErrDuplicateMapName = errors.New("duplicate map name")
	ErrInvalidMapDef    = errors.New("invalid map definition")
)

// Type identifies a map implementation.
type Type uint32

const (
	TypeHash    Type = 1
	TypeArray   Type = 2
	TypeRingBuf Type = 27
)

// String returns the map type name.
func (t Type) String() string {
	switch t {
	case TypeHash:
		return "hash"
	case TypeArray:
		return "array"
	case TypeRingBuf:
		return "ringbuf"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// Def describes a map at creation time.
type Def struct {
	Name       string
	Type       Type
	KeySize    int
	ValueSize  int
	MaxEntries int
}

// Map is the operation surface shared by all map types. Implementations are
// safe for concurrent use.
type Map interface {
	Def() Def

	// Lookup copies the value for key into a fresh slice.
	Lookup(key []byte) ([]byte, error)

	// Update inserts or replaces the value for key.
	Update(key, value []byte) error

	// Delete removes key.
	Delete(key []byte) error
}

// Snapshotter is implemented by maps whose contents can be dumped and
// restored for warm restarts. The ring buffer is transient and does not
// implement it.
type Snapshotter interface {
	// Items returns a copy of all entries.
	Items() map[string][]byte

	// Load replaces the contents from a dump.
	Load(items map[string][]byte) error
}

// New creates a map from its definition.
func New(def Def) (Map, error) {
	if def.Name == "" || def.MaxEntries <= 0 {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidMapDef, def)
	}
	switch def.Type {
	case TypeHash:
		if def.KeySize <= 0 || def.ValueSize <= 0 {
			return nil, fmt.Errorf("%w: hash map needs key and value sizes", ErrInvalidMapDef)
		}
		return newHashMap(def), nil
	case TypeArray:
		if def.KeySize != 4 || def.ValueSize <= 0 {
			return nil, fmt.Errorf("%w: array map key must be a 4-byte index", ErrInvalidMapDef)
		}
		return newArrayMap(def), nil
	case TypeRingBuf:
		return newRingBuf(def)
	default:
		return nil, fmt.Errorf("%w: type %d", ErrInvalidMapDef, def.Type)
	}
}

// Set is the runtime's named map collection. Programs address maps by the
// small integer ID assigned at creation; the embedding process addresses
// them by name.
type Set struct {
	mu     sync.RWMutex
	byID   []Map
	byName map[string]uint32
}

// NewSet creates an empty map set.
func NewSet() *Set {
	return &Set{byName: make(map[string]uint32)}
}

// Create adds a map and returns its ID. IDs are dense and start at 0.
func (s *Set) Create(def Def) (uint32, error) {
	m, err := New(def)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[def.Name]; exists {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateMapName, def.Name)
	}
	id := uint32(len(s.byID))
	s.byID = append(s.byID, m)
	s.byName[def.Name] = id
	return id, nil
}

// Get returns the map with the given ID.
func (s *Set) Get(id uint32) (Map, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.byID) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMap, id)
	}
	return s.byID[id], nil
}

// GetByName returns a map and its ID by name.
func (s *Set) GetByName(name string) (Map, uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownMap, name)
	}
	return s.byID[id], id, nil
}

// Contains reports whether a map with the given ID exists.
func (s *Set) Contains(id uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(id) < len(s.byID)
}

// Names returns all map names in ID order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.byID))
	for name, id := range s.byName {
		names[id] = name
	}
	return names
}

// Len returns the number of maps in the set.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
