package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "1.wal")
}

func TestCreateRejectsExisting(t *testing.T) {
	path := tempPath(t)
	w, err := Create(path)
	require.NoError(t, err)
	w.Close()

	_, err = Create(path)
	require.Error(t, err)
}

func TestOpenReopensExistingFile(t *testing.T) {
	path := tempPath(t)

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch([]RecordEntry{{UserKey: []byte("a"), Version: 1, Value: []byte("1")}}))
	require.NoError(t, w.Close())

	w2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w2.WriteBatch([]RecordEntry{{UserKey: []byte("b"), Version: 2, Value: []byte("2")}}))
	require.NoError(t, w2.Close())

	records, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a", string(records[0].Entries[0].UserKey))
	require.Equal(t, "b", string(records[1].Entries[0].UserKey))
}

func TestWriteBatchMultiRecordReplay(t *testing.T) {
	path := tempPath(t)
	w, err := Create(path)
	require.NoError(t, err)

	batch := []RecordEntry{
		{UserKey: []byte("a"), Version: 1, Value: []byte("1")},
		{UserKey: []byte("b"), Version: 1, Value: []byte("2")},
		{UserKey: []byte("a"), Version: 2, Value: nil},
	}
	require.NoError(t, w.WriteBatch(batch))
	require.NoError(t, w.Close())

	records, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Len(t, records[0].Entries, 3)
	require.Empty(t, records[0].Entries[2].Value)
}

func TestReplayDetectsCorruption(t *testing.T) {
	path := tempPath(t)
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch([]RecordEntry{{UserKey: []byte("key"), Version: 1, Value: []byte("value")}}))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, info.Size()-1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Replay(path)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCorrupt))
}

func TestReplayTruncatedTailIsClean(t *testing.T) {
	path := tempPath(t)
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch([]RecordEntry{{UserKey: []byte("a"), Version: 1, Value: []byte("1")}}))
	require.NoError(t, w.WriteBatch([]RecordEntry{{UserKey: []byte("b"), Version: 2, Value: []byte("2")}}))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	require.NoError(t, f.Truncate(info.Size()-3))
	require.NoError(t, f.Close())

	records, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "a", string(records[0].Entries[0].UserKey))
}

func TestWriteBatchAsyncSkipsFsyncButStillReplays(t *testing.T) {
	path := tempPath(t)
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteBatchAsync([]RecordEntry{{UserKey: []byte("a"), Version: 1, Value: []byte("1")}}))
	require.NoError(t, w.Close())

	records, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "a", string(records[0].Entries[0].UserKey))
}

func TestReplayMissingFileIsEmpty(t *testing.T) {
	records, err := Replay(filepath.Join(t.TempDir(), "missing.wal"))
	require.NoError(t, err)
	require.Empty(t, records)
}
