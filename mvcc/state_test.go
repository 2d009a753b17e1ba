package mvcc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishAdvancesVersion(t *testing.T) {
	s := NewState(0)
	require.EqualValues(t, 0, s.Version())
	s.Publish(1)
	s.Publish(2)
	require.EqualValues(t, 2, s.Version())
}

func TestWatermarkEqualsVersionWhenNoReadersLive(t *testing.T) {
	s := NewState(0)
	s.Publish(1)
	s.Publish(2)
	require.EqualValues(t, 2, s.Watermark())
}

func TestWatermarkTracksOldestLiveReader(t *testing.T) {
	s := NewState(0)
	s.Publish(1)
	rv := s.BeginRead()
	s.Publish(2)

	require.Equal(t, rv, s.Watermark())
	s.EndRead(rv)
	require.EqualValues(t, 2, s.Watermark())
}

func TestCheckSerializableDetectsConflict(t *testing.T) {
	s := NewState(0)
	s.CommitLock.Lock()
	s.InsertCommitted(&CommittedTxn{
		KeyHashes:     map[uint64]struct{}{42: {}},
		ReadVersion:   1,
		CommitVersion: 2,
	})
	conflict := s.CheckSerializable(1, map[uint64]struct{}{42: {}})
	s.CommitLock.Unlock()
	require.True(t, conflict)
}

func TestCheckSerializableIgnoresOlderCommits(t *testing.T) {
	s := NewState(0)
	s.CommitLock.Lock()
	s.InsertCommitted(&CommittedTxn{
		KeyHashes:     map[uint64]struct{}{42: {}},
		ReadVersion:   1,
		CommitVersion: 2,
	})
	conflict := s.CheckSerializable(2, map[uint64]struct{}{42: {}})
	s.CommitLock.Unlock()
	require.False(t, conflict)
}

func TestGCCommittedDropsStaleEntries(t *testing.T) {
	s := NewState(5)
	s.CommitLock.Lock()
	s.InsertCommitted(&CommittedTxn{CommitVersion: 1, KeyHashes: map[uint64]struct{}{}})
	s.InsertCommitted(&CommittedTxn{CommitVersion: 10, KeyHashes: map[uint64]struct{}{}})
	s.GCCommitted()
	s.CommitLock.Unlock()

	_, ok := s.committedTxns.Get(&CommittedTxn{CommitVersion: 1})
	require.False(t, ok)
	_, ok = s.committedTxns.Get(&CommittedTxn{CommitVersion: 10})
	require.True(t, ok)
}
