package mapstore

import (
	"bytes"
	"testing"

	"github.com/axiomos/kbpf/pkg/bpf/maps"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := openStore(t)

	src := maps.NewSet()
	hashID, err := src.Create(maps.Def{Name: "counters", Type: maps.TypeHash, KeySize: 4, ValueSize: 8, MaxEntries: 16})
	if err != nil {
		t.Fatalf("Create hash: %v", err)
	}
	arrID, err := src.Create(maps.Def{Name: "config", Type: maps.TypeArray, KeySize: 4, ValueSize: 4, MaxEntries: 4})
	if err != nil {
		t.Fatalf("Create array: %v", err)
	}

	hm, _ := src.Get(hashID)
	if err := hm.Update([]byte{1, 0, 0, 0}, []byte{9, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("Update hash: %v", err)
	}
	am, _ := src.Get(arrID)
	if err := am.Update([]byte{2, 0, 0, 0}, []byte{7, 0, 0, 0}); err != nil {
		t.Fatalf("Update array: %v", err)
	}

	if err := s.Snapshot(src); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	dst := maps.NewSet()
	n, err := s.Restore(dst)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 2 {
		t.Errorf("restored %d maps, want 2", n)
	}

	h, _, err := dst.GetByName("counters")
	if err != nil {
		t.Fatalf("GetByName counters: %v", err)
	}
	val, err := h.Lookup([]byte{1, 0, 0, 0})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !bytes.Equal(val, []byte{9, 0, 0, 0, 0, 0, 0, 0}) {
		t.Errorf("hash value = %v", val)
	}

	a, _, err := dst.GetByName("config")
	if err != nil {
		t.Fatalf("GetByName config: %v", err)
	}
	val, err = a.Lookup([]byte{2, 0, 0, 0})
	if err != nil {
		t.Fatalf("Lookup array: %v", err)
	}
	if !bytes.Equal(val, []byte{7, 0, 0, 0}) {
		t.Errorf("array value = %v", val)
	}
}

func TestRestoreRecreatesRingBufEmpty(t *testing.T) {
	s := openStore(t)

	src := maps.NewSet()
	rbID, err := src.Create(maps.Def{Name: "events", Type: maps.TypeRingBuf, MaxEntries: 256})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m, _ := src.Get(rbID)
	rb, _ := maps.AsRingBuf(m)
	if err := rb.Output([]byte("transient")); err != nil {
		t.Fatalf("Output: %v", err)
	}

	if err := s.Snapshot(src); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	dst := maps.NewSet()
	if _, err := s.Restore(dst); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	m2, _, err := dst.GetByName("events")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	rb2, ok := maps.AsRingBuf(m2)
	if !ok {
		t.Fatal("restored map is not a ring buffer")
	}
	if rb2.Len() != 0 {
		t.Errorf("restored ring holds %d records, want 0", rb2.Len())
	}
}

func TestSnapshotReplacesPrevious(t *testing.T) {
	s := openStore(t)

	first := maps.NewSet()
	if _, err := first.Create(maps.Def{Name: "old", Type: maps.TypeHash, KeySize: 1, ValueSize: 1, MaxEntries: 4}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Snapshot(first); err != nil {
		t.Fatalf("first Snapshot: %v", err)
	}

	second := maps.NewSet()
	if _, err := second.Create(maps.Def{Name: "new", Type: maps.TypeHash, KeySize: 1, ValueSize: 1, MaxEntries: 4}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Snapshot(second); err != nil {
		t.Fatalf("second Snapshot: %v", err)
	}

	defs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "new" {
		t.Errorf("defs = %+v, want only \"new\"", defs)
	}
}

func TestRestoreIntoExistingSet(t *testing.T) {
	s := openStore(t)

	src := maps.NewSet()
	id, err := src.Create(maps.Def{Name: "shared", Type: maps.TypeHash, KeySize: 1, ValueSize: 1, MaxEntries: 4})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m, _ := src.Get(id)
	if err := m.Update([]byte{1}, []byte{5}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Snapshot(src); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// The destination already has the map; restore reloads it in place.
	dst := maps.NewSet()
	dstID, err := dst.Create(maps.Def{Name: "shared", Type: maps.TypeHash, KeySize: 1, ValueSize: 1, MaxEntries: 4})
	if err != nil {
		t.Fatalf("Create dst: %v", err)
	}
	if _, err := s.Restore(dst); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	dm, _ := dst.Get(dstID)
	val, err := dm.Lookup([]byte{1})
	if err != nil || !bytes.Equal(val, []byte{5}) {
		t.Errorf("Lookup = %v, %v", val, err)
	}
	if dst.Len() != 1 {
		t.Errorf("dst has %d maps, want 1", dst.Len())
	}
}
