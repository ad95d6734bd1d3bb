// Package pinstore persists pinned program objects. A pin is a named copy
// of a raw object image; on startup the store replays every pin through the
// normal load path, so restored programs pass the same parsing and
// verification as freshly loaded ones.
package pinstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/axiomos/kbpf/internal/types"
)

var (
	// ErrPinNotFound is returned when a pin doesn't exist.
	ErrPinNotFound = errors.New("pin not found")

	// ErrDuplicatePin is returned when pinning an already used name.
	ErrDuplicatePin = errors.New("pin name already in use")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("pinstore closed")
)

// Bucket names for BoltDB.
var (
	// bucketImages stores raw object images keyed by pin name.
	bucketImages = []byte("images")

	// bucketMeta stores pin metadata keyed by pin name.
	bucketMeta = []byte("meta")
)

// Config holds pinstore configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// PinMeta describes one pin.
type PinMeta struct {
	// Name is the operator-chosen pin name.
	Name string

	// ProgramIDs are the programs the pinned object installed.
	ProgramIDs []types.ProgramID

	// License is the object's declared license.
	License string

	// PinnedAt is when the pin was created.
	PinnedAt time.Time
}

// Loader is the load path a restore replays pins through.
type Loader interface {
	Load(image []byte) ([]types.ProgramID, error)
}

// Store is a BoltDB-backed pin store.
type Store struct {
	db     *bolt.DB
	config Config
	closed bool
}

// Open creates or opens a pinstore at the configured path.
func Open(config Config) (*Store, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db, config: config}
	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	return store, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketImages, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Pin stores an object image under a name. The name must be unused.
func (s *Store) Pin(name string, image []byte, meta PinMeta) error {
	if s.closed {
		return ErrClosed
	}
	meta.Name = name
	if meta.PinnedAt.IsZero() {
		meta.PinnedAt = time.Now().UTC()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&meta); err != nil {
		return fmt.Errorf("encode pin meta: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		images := tx.Bucket(bucketImages)
		if images.Get([]byte(name)) != nil {
			return fmt.Errorf("%w: %q", ErrDuplicatePin, name)
		}
		if err := images.Put([]byte(name), image); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte(name), buf.Bytes())
	})
}

// Unpin removes a pin.
func (s *Store) Unpin(name string) error {
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		images := tx.Bucket(bucketImages)
		if images.Get([]byte(name)) == nil {
			return fmt.Errorf("%w: %q", ErrPinNotFound, name)
		}
		if err := images.Delete([]byte(name)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete([]byte(name))
	})
}

// Get returns a pin's image and metadata.
func (s *Store) Get(name string) ([]byte, *PinMeta, error) {
	if s.closed {
		return nil, nil, ErrClosed
	}
	var image []byte
	var meta PinMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketImages).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%w: %q", ErrPinNotFound, name)
		}
		image = append([]byte(nil), data...)

		raw := tx.Bucket(bucketMeta).Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("%w: %q has no metadata", ErrPinNotFound, name)
		}
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&meta)
	})
	if err != nil {
		return nil, nil, err
	}
	return image, &meta, nil
}

// List returns all pin metadata ordered by name.
func (s *Store) List() ([]PinMeta, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var pins []PinMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			var meta PinMeta
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&meta); err != nil {
				return fmt.Errorf("decode pin %q: %w", k, err)
			}
			pins = append(pins, meta)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pins, func(i, j int) bool { return pins[i].Name < pins[j].Name })
	return pins, nil
}

// RestoreResult is one pin's outcome during Restore.
type RestoreResult struct {
	Name       string
	ProgramIDs []types.ProgramID
	Err        error
}

// Restore replays every pinned image through the loader, in name order. A
// pin that fails to load is reported in its result and does not stop the
// rest.
func (s *Store) Restore(l Loader) ([]RestoreResult, error) {
	pins, err := s.List()
	if err != nil {
		return nil, err
	}
	results := make([]RestoreResult, 0, len(pins))
	for _, pin := range pins {
		image, _, err := s.Get(pin.Name)
		if err != nil {
			results = append(results, RestoreResult{Name: pin.Name, Err: err})
			continue
		}
		ids, err := l.Load(image)
		results = append(results, RestoreResult{Name: pin.Name, ProgramIDs: ids, Err: err})
	}
	return results, nil
}

// Sync forces a sync of the database to disk.
func (s *Store) Sync() error {
	if s.closed {
		return ErrClosed
	}
	return s.db.Sync()
}

// Close shuts down the store.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
