package maps

import (
	"fmt"
	"sync"
)

// ringBuf is a bounded FIFO of variable-length records. A full ring rejects
// producers instead of overwriting unread records; the consumer drains with
// Read. MaxEntries is the capacity in bytes; each record costs its length
// plus a small accounting overhead.
type ringBuf struct {
	def Def

	mu      sync.Mutex
	records [][]byte
	used    int
}

// recordOverhead approximates the per-record length header.
const recordOverhead = 8

func newRingBuf(def Def) (*ringBuf, error) {
	if def.KeySize != 0 || def.ValueSize != 0 {
		return nil, fmt.Errorf("%w: ring buffers have no key or value size", ErrInvalidMapDef)
	}
	return &ringBuf{def: def}, nil
}

func (r *ringBuf) Def() Def { return r.def }

// Output appends a record. The write is all-or-nothing.
func (r *ringBuf) Output(data []byte) error {
	cost := len(data) + recordOverhead
	if cost > r.def.MaxEntries {
		return fmt.Errorf("%w: %d bytes, capacity %d", ErrRecordTooLarge, len(data), r.def.MaxEntries)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used+cost > r.def.MaxEntries {
		return ErrRingFull
	}
	rec := make([]byte, len(data))
	copy(rec, data)
	r.records = append(r.records, rec)
	r.used += cost
	return nil
}

// Read pops the oldest record. ok is false when the ring is empty.
func (r *ringBuf) Read() (data []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return nil, false
	}
	rec := r.records[0]
	r.records = r.records[1:]
	r.used -= len(rec) + recordOverhead
	return rec, true
}

// Len returns the number of unread records.
func (r *ringBuf) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// The generic Map surface maps onto producer operations: Update with an
// empty key appends, Lookup and Delete are not meaningful for a ring.

func (r *ringBuf) Lookup(key []byte) ([]byte, error) {
	return nil, ErrKeyNotFound
}

func (r *ringBuf) Update(key, value []byte) error {
	if len(key) != 0 {
		return fmt.Errorf("%w: got %d, want 0", ErrInvalidKeySize, len(key))
	}
	return r.Output(value)
}

func (r *ringBuf) Delete(key []byte) error {
	return ErrDeleteNotAllowed
}

// RingBuf exposes the consumer surface of a ring buffer map.
type RingBuf interface {
	Output(data []byte) error
	Read() (data []byte, ok bool)
	Len() int
}

// AsRingBuf returns the ring surface of a map, if it is one.
func AsRingBuf(m Map) (RingBuf, bool) {
	rb, ok := m.(*ringBuf)
	return rb, ok
}
