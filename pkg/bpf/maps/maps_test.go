package maps

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestHashMapBasics(t *testing.T) {
	m, err := New(Def{Name: "counts", Type: TypeHash, KeySize: 8, ValueSize: 8, MaxEntries: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	val := []byte{9, 0, 0, 0, 0, 0, 0, 0}

	if _, err := m.Lookup(key); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
	if err := m.Update(key, val); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := m.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !bytes.Equal(got, val) {
		t.Errorf("Lookup = %v, want %v", got, val)
	}

	// Mutating the returned slice must not affect the stored value.
	got[0] = 0xff
	again, _ := m.Lookup(key)
	if again[0] != 9 {
		t.Error("Lookup returned aliased storage")
	}

	if err := m.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Delete(key); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound on second delete, got %v", err)
	}
}

func TestHashMapFull(t *testing.T) {
	m, _ := New(Def{Name: "tiny", Type: TypeHash, KeySize: 1, ValueSize: 1, MaxEntries: 1})
	if err := m.Update([]byte{1}, []byte{1}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := m.Update([]byte{2}, []byte{2}); !errors.Is(err, ErrMapFull) {
		t.Errorf("expected ErrMapFull, got %v", err)
	}
	// Replacing an existing key is always allowed.
	if err := m.Update([]byte{1}, []byte{9}); err != nil {
		t.Errorf("replace existing: %v", err)
	}
}

func TestHashMapKeySize(t *testing.T) {
	m, _ := New(Def{Name: "k", Type: TypeHash, KeySize: 4, ValueSize: 4, MaxEntries: 4})
	if err := m.Update([]byte{1, 2}, []byte{0, 0, 0, 0}); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("expected ErrInvalidKeySize, got %v", err)
	}
	if err := m.Update([]byte{1, 2, 3, 4}, []byte{0}); !errors.Is(err, ErrInvalidValueSize) {
		t.Errorf("expected ErrInvalidValueSize, got %v", err)
	}
}

func TestArrayMap(t *testing.T) {
	m, err := New(Def{Name: "slots", Type: TypeArray, KeySize: 4, ValueSize: 8, MaxEntries: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, 2)

	// All slots exist and start zeroed.
	got, err := m.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 8)) {
		t.Errorf("fresh slot = %v, want zeroes", got)
	}

	val := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := m.Update(key, val); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = m.Lookup(key)
	if !bytes.Equal(got, val) {
		t.Errorf("Lookup = %v, want %v", got, val)
	}

	binary.LittleEndian.PutUint32(key, 9)
	if _, err := m.Lookup(key); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("expected ErrInvalidIndex, got %v", err)
	}

	binary.LittleEndian.PutUint32(key, 0)
	if err := m.Delete(key); !errors.Is(err, ErrDeleteNotAllowed) {
		t.Errorf("expected ErrDeleteNotAllowed, got %v", err)
	}
}

func TestRingBuf(t *testing.T) {
	m, err := New(Def{Name: "events", Type: TypeRingBuf, MaxEntries: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rb, ok := AsRingBuf(m)
	if !ok {
		t.Fatal("AsRingBuf failed")
	}

	if _, ok := rb.Read(); ok {
		t.Error("empty ring returned a record")
	}
	if err := rb.Output([]byte("first")); err != nil {
		t.Fatalf("Output: %v", err)
	}
	if err := rb.Output([]byte("second")); err != nil {
		t.Fatalf("Output: %v", err)
	}
	rec, ok := rb.Read()
	if !ok || string(rec) != "first" {
		t.Errorf("Read = %q, %v; want \"first\", true", rec, ok)
	}
}

func TestRingBufFull(t *testing.T) {
	m, _ := New(Def{Name: "small", Type: TypeRingBuf, MaxEntries: 32})
	rb, _ := AsRingBuf(m)

	if err := rb.Output(make([]byte, 16)); err != nil {
		t.Fatalf("Output: %v", err)
	}
	if err := rb.Output(make([]byte, 16)); !errors.Is(err, ErrRingFull) {
		t.Errorf("expected ErrRingFull, got %v", err)
	}
	if err := rb.Output(make([]byte, 100)); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("expected ErrRecordTooLarge, got %v", err)
	}

	// Draining frees capacity.
	rb.Read()
	if err := rb.Output(make([]byte, 16)); err != nil {
		t.Errorf("Output after drain: %v", err)
	}
}

func TestSet(t *testing.T) {
	s := NewSet()
	id1, err := s.Create(Def{Name: "a", Type: TypeHash, KeySize: 4, ValueSize: 4, MaxEntries: 8})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id2, err := s.Create(Def{Name: "b", Type: TypeArray, KeySize: 4, ValueSize: 8, MaxEntries: 8})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id1 != 0 || id2 != 1 {
		t.Errorf("ids = %d, %d; want 0, 1", id1, id2)
	}

	if _, err := s.Create(Def{Name: "a", Type: TypeHash, KeySize: 1, ValueSize: 1, MaxEntries: 1}); !errors.Is(err, ErrDuplicateMapName) {
		t.Errorf("expected ErrDuplicateMapName, got %v", err)
	}

	m, err := s.Get(id2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Def().Name != "b" {
		t.Errorf("Get(%d).Name = %q, want \"b\"", id2, m.Def().Name)
	}

	if _, err := s.Get(7); !errors.Is(err, ErrUnknownMap) {
		t.Errorf("expected ErrUnknownMap, got %v", err)
	}

	_, id, err := s.GetByName("a")
	if err != nil || id != id1 {
		t.Errorf("GetByName = id %d, err %v; want %d, nil", id, err, id1)
	}

	names := s.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names = %v, want [a b]", names)
	}
}

func TestHashMapSnapshotRoundTrip(t *testing.T) {
	m, _ := New(Def{Name: "h", Type: TypeHash, KeySize: 1, ValueSize: 2, MaxEntries: 8})
	m.Update([]byte{1}, []byte{10, 0})
	m.Update([]byte{2}, []byte{20, 0})

	snap, ok := m.(Snapshotter)
	if !ok {
		t.Fatal("hash map must implement Snapshotter")
	}
	items := snap.Items()
	if len(items) != 2 {
		t.Fatalf("Items = %d entries, want 2", len(items))
	}

	m2, _ := New(Def{Name: "h2", Type: TypeHash, KeySize: 1, ValueSize: 2, MaxEntries: 8})
	if err := m2.(Snapshotter).Load(items); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := m2.Lookup([]byte{2})
	if err != nil || !bytes.Equal(got, []byte{20, 0}) {
		t.Errorf("Lookup after Load = %v, %v", got, err)
	}
}
