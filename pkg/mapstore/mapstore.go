// Package mapstore persists map contents across restarts. Each snapshotted
// map becomes one BadgerDB record holding its definition and entries,
// gob-encoded and zstd-compressed. The ring buffer is transient and is
// stored as definition only, so a restore recreates it empty.
package mapstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/axiomos/kbpf/pkg/bpf/maps"
)

var (
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("mapstore closed")

	// ErrCorruptRecord is returned when a stored snapshot fails to decode.
	ErrCorruptRecord = errors.New("corrupt map record")
)

// prefixMap keys map records by name.
var prefixMap = []byte("m/")

// Config holds mapstore configuration options.
type Config struct {
	// Path is the database directory.
	Path string

	// InMemory keeps the database off disk, for tests.
	InMemory bool

	// SyncWrites fsyncs each write.
	SyncWrites bool
}

// record is the stored form of one map.
type record struct {
	Def   maps.Def
	Items map[string][]byte
}

// Store is a BadgerDB-backed map snapshot store.
type Store struct {
	db     *badger.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	closed atomic.Bool
}

// Open creates or opens a mapstore.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("zstd reader: %w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

func mapKey(name string) []byte {
	return append(append([]byte(nil), prefixMap...), name...)
}

func (s *Store) encodeRecord(rec *record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("encode map %q: %w", rec.Def.Name, err)
	}
	return s.enc.EncodeAll(buf.Bytes(), nil), nil
}

func (s *Store) decodeRecord(data []byte) (*record, error) {
	raw, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	var rec record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &rec, nil
}

// Snapshot writes the current contents of every map in the set, replacing
// any previous snapshot entirely.
func (s *Store) Snapshot(set *maps.Set) error {
	if s.closed.Load() {
		return ErrClosed
	}

	recs := make([]*record, 0, set.Len())
	for _, name := range set.Names() {
		m, _, err := set.GetByName(name)
		if err != nil {
			return err
		}
		rec := &record{Def: m.Def(), Items: map[string][]byte{}}
		if snap, ok := m.(maps.Snapshotter); ok {
			rec.Items = snap.Items()
		}
		recs = append(recs, rec)
	}

	if err := s.db.DropPrefix(prefixMap); err != nil {
		return fmt.Errorf("drop previous snapshot: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range recs {
			data, err := s.encodeRecord(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(mapKey(rec.Def.Name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Restore recreates snapshotted maps into the set and loads their entries.
// Maps already present by name are reloaded in place; the rest are created.
// It returns the number of maps restored.
func (s *Store) Restore(set *maps.Set) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	var recs []*record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixMap
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := s.decodeRecord(val)
				if err != nil {
					return err
				}
				recs = append(recs, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, rec := range recs {
		m, _, err := set.GetByName(rec.Def.Name)
		if errors.Is(err, maps.ErrUnknownMap) {
			if _, err := set.Create(rec.Def); err != nil {
				return restored, fmt.Errorf("recreate map %q: %w", rec.Def.Name, err)
			}
			m, _, err = set.GetByName(rec.Def.Name)
			if err != nil {
				return restored, err
			}
		} else if err != nil {
			return restored, err
		}

		if snap, ok := m.(maps.Snapshotter); ok {
			if err := snap.Load(rec.Items); err != nil {
				return restored, fmt.Errorf("load map %q: %w", rec.Def.Name, err)
			}
		}
		restored++
	}
	return restored, nil
}

// List returns the definitions in the stored snapshot.
func (s *Store) List() ([]maps.Def, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var defs []maps.Def
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixMap
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := s.decodeRecord(val)
				if err != nil {
					return err
				}
				defs = append(defs, rec.Def)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}

// Close shuts down the store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
