package lsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.MemtableSizeLimit = 64 // roll aggressively to exercise the roll path
	e, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutGetRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put([]byte("hello"), []byte("world")))

	value, ok, err := e.Get([]byte("hello"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "world", string(value))
}

func TestDeleteTombstonesHidePriorWrite(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Delete([]byte("k")))

	_, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetMissingKeyIsAbsent(t *testing.T) {
	e := openTestEngine(t)
	_, ok, err := e.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWritesAcrossMemtableRollRemainVisible(t *testing.T) {
	e := openTestEngine(t)
	for i := 0; i < 20; i++ {
		key := []byte{byte('a' + i)}
		require.NoError(t, e.Put(key, []byte("value-with-some-length")))
	}
	for i := 0; i < 20; i++ {
		key := []byte{byte('a' + i)}
		value, ok, err := e.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "value-with-some-length", string(value))
	}
	e.mu.RLock()
	rolled := len(e.frozen) > 0
	e.mu.RUnlock()
	require.True(t, rolled, "expected at least one memtable roll given the small size limit")
}

func TestOpenRecoversFromWAL(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()

	e, err := Open(dir, opts)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("hello"), []byte("world")))
	require.NoError(t, e.Close())

	e2, err := Open(dir, opts)
	require.NoError(t, err)
	defer e2.Close()

	value, ok, err := e2.Get([]byte("hello"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "world", string(value))
}

func TestFlushMovesFrozenMemtablesToSSTs(t *testing.T) {
	e := openTestEngine(t)
	for i := 0; i < 20; i++ {
		key := []byte{byte('a' + i)}
		require.NoError(t, e.Put(key, []byte("value-with-some-length")))
	}

	flushed := 0
	for {
		ok, err := e.Flush()
		require.NoError(t, err)
		if !ok {
			break
		}
		flushed++
	}
	require.Greater(t, flushed, 0, "expected frozen memtables to flush")

	e.mu.RLock()
	frozen, ssts := len(e.frozen), len(e.sstables)
	e.mu.RUnlock()
	require.Zero(t, frozen)
	require.Equal(t, flushed, ssts)

	for i := 0; i < 20; i++ {
		key := []byte{byte('a' + i)}
		value, ok, err := e.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "value-with-some-length", string(value))
	}
}

func TestOpenRecoversFlushedSSTs(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.MemtableSizeLimit = 64

	e, err := Open(dir, opts)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		key := []byte{byte('a' + i)}
		require.NoError(t, e.Put(key, []byte("value-with-some-length")))
	}
	for {
		ok, err := e.Flush()
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	require.NoError(t, e.Close())

	e2, err := Open(dir, opts)
	require.NoError(t, err)
	defer e2.Close()

	for i := 0; i < 20; i++ {
		key := []byte{byte('a' + i)}
		value, ok, err := e2.Get(key)
		require.NoError(t, err)
		require.True(t, ok, "key %q after reopen", key)
		require.Equal(t, "value-with-some-length", string(value))
	}
}

func TestGetWithVersionSeesOnlyPriorCommits(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	v1 := e.state.Version()
	require.NoError(t, e.Put([]byte("k"), []byte("v2")))

	value, ok, err := e.getWithVersion([]byte("k"), v1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(value))
}

func TestTombstoneVisibilityByVersion(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	v1 := e.state.Version()
	require.NoError(t, e.Delete([]byte("k")))
	v2 := e.state.Version()

	value, ok, err := e.getWithVersion([]byte("k"), v1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(value))

	_, ok, err = e.getWithVersion([]byte("k"), v2)
	require.NoError(t, err)
	require.False(t, ok)
}
