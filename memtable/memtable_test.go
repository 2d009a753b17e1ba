package memtable

import (
	"testing"

	"github.com/flashlog/lsm/kv"
	"github.com/stretchr/testify/require"
)

func TestEmptyMemtable(t *testing.T) {
	m := New(1)
	_, ok := m.Read(kv.Key{UserKey: []byte("hello"), Version: 1})
	require.False(t, ok)
	require.Zero(t, m.Size())
}

func TestPutAndGetSingle(t *testing.T) {
	m := New(1)
	key := kv.Key{UserKey: []byte("hello"), Version: 1}
	m.Write(key, []byte("world"))

	value, ok := m.Read(key)
	require.True(t, ok)
	require.Equal(t, "world", string(value))
	require.EqualValues(t, key.RawLen()+len("world"), m.Size())
}

func TestUpdateExistingKey(t *testing.T) {
	m := New(1)
	key := kv.Key{UserKey: []byte("hello"), Version: 1}
	m.Write(key, []byte("world"))
	m.Write(key, []byte("there"))

	value, ok := m.Read(key)
	require.True(t, ok)
	require.Equal(t, "there", string(value))
}

func TestSequentialInsertAndGet(t *testing.T) {
	m := New(1)
	for i := 0; i < 100; i++ {
		k := kv.Key{UserKey: []byte{byte(i)}, Version: 1}
		m.Write(k, []byte{byte(i)})
	}
	for i := 0; i < 100; i++ {
		k := kv.Key{UserKey: []byte{byte(i)}, Version: 1}
		value, ok := m.Read(k)
		require.True(t, ok)
		require.Equal(t, []byte{byte(i)}, value)
	}
}

func TestGetWithVersionReturnsNewestQualifying(t *testing.T) {
	m := New(1)
	m.Write(kv.Key{UserKey: []byte("k"), Version: 1}, []byte("v1"))
	m.Write(kv.Key{UserKey: []byte("k"), Version: 3}, []byte("v3"))
	m.Write(kv.Key{UserKey: []byte("k"), Version: 5}, []byte("v5"))

	value, ok := m.GetWithVersion([]byte("k"), 4)
	require.True(t, ok)
	require.Equal(t, "v3", string(value))

	value, ok = m.GetWithVersion([]byte("k"), 5)
	require.True(t, ok)
	require.Equal(t, "v5", string(value))

	_, ok = m.GetWithVersion([]byte("k"), 0)
	require.False(t, ok)
}

func TestGetWithVersionDoesNotLeakIntoNextUserKey(t *testing.T) {
	m := New(1)
	m.Write(kv.Key{UserKey: []byte("a"), Version: 5}, []byte("a5"))
	m.Write(kv.Key{UserKey: []byte("b"), Version: 1}, []byte("b1"))

	_, ok := m.GetWithVersion([]byte("a"), 1)
	require.False(t, ok)
}

func TestScanReturnsAllVersionsNewestFirst(t *testing.T) {
	m := New(1)
	m.Write(kv.Key{UserKey: []byte("k"), Version: 1}, []byte("v1"))
	m.Write(kv.Key{UserKey: []byte("k"), Version: 3}, []byte("v3"))
	m.Write(kv.Key{UserKey: []byte("other"), Version: 1}, []byte("ov"))

	entries := m.ScanVersions([]byte("k"))
	require.Len(t, entries, 2)
	require.Equal(t, kv.Version(3), entries[0].Key.Version)
	require.Equal(t, kv.Version(1), entries[1].Key.Version)
}

func TestScanRangeIsVKOrderedAndBounded(t *testing.T) {
	m := New(1)
	m.Write(kv.Key{UserKey: []byte("a"), Version: 2}, []byte("a2"))
	m.Write(kv.Key{UserKey: []byte("a"), Version: 1}, []byte("a1"))
	m.Write(kv.Key{UserKey: []byte("b"), Version: 1}, []byte("b1"))
	m.Write(kv.Key{UserKey: []byte("c"), Version: 1}, []byte("c1"))

	all := m.Scan(kv.Key{}, kv.Key{})
	require.Len(t, all, 4)
	require.Equal(t, kv.Version(2), all[0].Key.Version) // newest "a" first
	require.Equal(t, "c", string(all[3].Key.UserKey))

	bounded := m.Scan(kv.Key{UserKey: []byte("b"), Version: ^uint64(0)}, kv.Key{UserKey: []byte("c"), Version: ^uint64(0)})
	require.Len(t, bounded, 1)
	require.Equal(t, "b", string(bounded[0].Key.UserKey))
}

func TestWriteBatchAccumulatesSize(t *testing.T) {
	m := New(1)
	key1 := kv.Key{UserKey: []byte("hello"), Version: 1}
	key2 := kv.Key{UserKey: []byte("world"), Version: 1}
	m.WriteBatch([]struct {
		Key   kv.Key
		Value []byte
	}{
		{Key: key1, Value: []byte("a")},
		{Key: key2, Value: []byte("b")},
	})

	require.EqualValues(t, key1.RawLen()+1+key2.RawLen()+1, m.Size())
	v1, ok := m.Read(key1)
	require.True(t, ok)
	require.Equal(t, "a", string(v1))
}

func TestMemtableID(t *testing.T) {
	m := New(42)
	require.EqualValues(t, 42, m.ID())
}
