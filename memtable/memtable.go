// Package memtable implements the in-memory, concurrent, VK-ordered table
// that absorbs writes before they are flushed to an SST.
package memtable

import (
	"sync/atomic"

	"github.com/flashlog/lsm/kv"
)

// Memtable is identified by a monotonically assigned id and tracks an
// approximate byte-size counter, since the skip list exposes no cheap
// cardinality/size query.
type Memtable struct {
	id           uint64
	table        *skipList
	approxSize   atomic.Uint64
}

func New(id uint64) *Memtable {
	return &Memtable{id: id, table: newSkipList()}
}

func (m *Memtable) ID() uint64 { return m.id }

// Read is an exact VK match lookup.
func (m *Memtable) Read(key kv.Key) ([]byte, bool) {
	return m.table.get(key)
}

// WriteBatch inserts every (key, value) pair and accumulates the
// approximate-size counter: raw key length plus value length per entry.
func (m *Memtable) WriteBatch(pairs []struct {
	Key   kv.Key
	Value []byte
}) {
	var delta uint64
	for _, p := range pairs {
		m.table.put(p.Key, p.Value)
		delta += uint64(p.Key.RawLen() + len(p.Value))
	}
	m.approxSize.Add(delta)
}

// Write inserts a single (key, value) pair.
func (m *Memtable) Write(key kv.Key, value []byte) {
	m.table.put(key, value)
	m.approxSize.Add(uint64(key.RawLen() + len(value)))
}

func (m *Memtable) Size() uint64 { return m.approxSize.Load() }

// Entry is one decoded record from Scan.
type Entry struct {
	Key   kv.Key
	Value []byte
}

// Scan returns every entry with lower <= key < upper in ascending VK
// order. A zero-value upper means no upper bound.
func (m *Memtable) Scan(lower, upper kv.Key) []Entry {
	var entries []Entry
	m.table.scan(lower, upper, !upper.IsEmpty(), func(k kv.Key, v []byte) bool {
		entries = append(entries, Entry{Key: k, Value: v})
		return true
	})
	return entries
}

// ScanVersions returns every stored version of userKey, newest first (the
// VK order guarantees this), by scanning forward from (userKey, maxVersion)
// until the user_key changes.
func (m *Memtable) ScanVersions(userKey []byte) []Entry {
	lower := kv.Key{UserKey: userKey, Version: ^uint64(0)}
	var entries []Entry
	m.table.scan(lower, kv.Key{}, false, func(k kv.Key, v []byte) bool {
		if string(k.UserKey) != string(userKey) {
			return false
		}
		entries = append(entries, Entry{Key: k, Value: v})
		return true
	})
	return entries
}

// GetWithVersion returns the newest value for userKey with Key.Version <=
// version, or false if no such entry exists. It relies on the VK order: a
// forward scan starting at (userKey, version) lands on the first entry
// whose version is <= version (or oversteps into a different user_key).
func (m *Memtable) GetWithVersion(userKey []byte, version kv.Version) ([]byte, bool) {
	lower := kv.Key{UserKey: userKey, Version: version}
	var value []byte
	var found bool
	m.table.scan(lower, kv.Key{}, false, func(k kv.Key, v []byte) bool {
		if string(k.UserKey) != string(userKey) {
			return false
		}
		value = v
		found = true
		return false
	})
	return value, found
}
