package block

import (
	"encoding/binary"

	"github.com/flashlog/lsm/kv"
)

// Builder accumulates (key, value) pairs into a single Block no larger than
// a configured target size, prefix-compressing each key against the
// block's first key.
type Builder struct {
	offsets   []uint16
	data      []byte
	blockSize int
	firstKey  kv.Key
}

func NewBuilder(blockSize int) *Builder {
	return &Builder{blockSize: blockSize}
}

func (b *Builder) isEmpty() bool {
	return len(b.offsets) == 0
}

// Empty reports whether no entry has been accepted yet.
func (b *Builder) Empty() bool {
	return b.isEmpty()
}

// estimatedSize is the encoded size so far: num_entries trailer + offsets
// + data already written.
func (b *Builder) estimatedSize() int {
	return sizeofU16 + len(b.offsets)*sizeofU16 + len(b.data)
}

func longestCommonPrefix(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Add attempts to append (key, value) to the block. It reports whether the
// entry was accepted; a rejection leaves the builder's state untouched so
// the caller can finalize and retry on a fresh block.
func (b *Builder) Add(key kv.Key, value []byte) bool {
	if key.IsEmpty() {
		panic("block: key must not be empty")
	}

	if !b.isEmpty() {
		// raw key + value + (overlap, suffix_len, value_len) headers.
		needed := b.estimatedSize() + key.RawLen() + len(value) + sizeofU16*3
		if needed > b.blockSize {
			return false
		}
	}

	overlap := longestCommonPrefix(b.firstKey.UserKey, key.UserKey)

	b.offsets = append(b.offsets, uint16(len(b.data)))

	var hdr [sizeofU16 * 2]byte
	binary.LittleEndian.PutUint16(hdr[0:], uint16(overlap))
	binary.LittleEndian.PutUint16(hdr[sizeofU16:], uint16(len(key.UserKey)-overlap))
	b.data = append(b.data, hdr[:]...)
	b.data = append(b.data, key.UserKey[overlap:]...)

	var verBuf [8]byte
	binary.LittleEndian.PutUint64(verBuf[:], key.Version)
	b.data = append(b.data, verBuf[:]...)

	var valLen [sizeofU16]byte
	binary.LittleEndian.PutUint16(valLen[:], uint16(len(value)))
	b.data = append(b.data, valLen[:]...)
	b.data = append(b.data, value...)

	if b.firstKey.IsEmpty() {
		b.firstKey = kv.New(key.UserKey, key.Version)
	}

	return true
}

// Finalize produces the immutable Block. It panics on an empty block;
// callers must never finalize a block with no entries.
func (b *Builder) Finalize() *Block {
	if b.isEmpty() {
		panic("block: must not finalize an empty block")
	}
	return &Block{Data: b.data, Offsets: b.offsets}
}
