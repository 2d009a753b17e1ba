package block

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/flashlog/lsm/kv"
)

func TestBuildEncodeDecodeRoundTrip(t *testing.T) {
	b := NewBuilder(1024)
	require.True(t, b.Add(kv.New([]byte("hello"), 1), []byte("world")))
	require.True(t, b.Add(kv.New([]byte("test"), 1), []byte("case")))

	blk := b.Finalize()
	encoded := blk.Encode()

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	if diff := cmp.Diff(blk, decoded); diff != "" {
		t.Fatalf("decoded block mismatch (-want +got):\n%s", diff)
	}
}

func TestEntriesRecoversOriginalPairs(t *testing.T) {
	b := NewBuilder(1024)
	b.Add(kv.New([]byte("hello"), 1), []byte("world"))
	b.Add(kv.New([]byte("help"), 1), []byte("desk"))
	b.Add(kv.New([]byte("test"), 1), []byte("case"))

	entries, err := b.Finalize().Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "hello", string(entries[0].Key.UserKey))
	require.Equal(t, "world", string(entries[0].Value))
	require.Equal(t, "help", string(entries[1].Key.UserKey))
	require.Equal(t, "desk", string(entries[1].Value))
	require.Equal(t, "test", string(entries[2].Key.UserKey))
	require.Equal(t, "case", string(entries[2].Value))
}

func TestAddRejectsWhenFull(t *testing.T) {
	b := NewBuilder(40)
	require.True(t, b.Add(kv.New([]byte("aaaa"), 1), []byte("v")))
	require.False(t, b.Add(kv.New([]byte("bbbb"), 1), []byte("v")))
}

func TestFirstEntryHasZeroOverlap(t *testing.T) {
	b := NewBuilder(1024)
	b.Add(kv.New([]byte("hello"), 1), []byte("world"))
	require.Equal(t, uint16(0), b.offsets[0])
	// overlap field is the first u16 written at offset 0
	encoded := b.data
	require.Equal(t, []byte{0, 0}, encoded[0:2])
}

func TestFinalizeEmptyPanics(t *testing.T) {
	b := NewBuilder(1024)
	require.Panics(t, func() { b.Finalize() })
}
