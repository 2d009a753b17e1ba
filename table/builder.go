package table

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bloom/v3"
	atomicfile "github.com/natefinch/atomic"

	"github.com/flashlog/lsm/block"
	"github.com/flashlog/lsm/kv"
)

const DefaultBlockSize = 4 * 1024

// expected number of distinct user keys per SST, used only to size the
// bloom filter; the filter degrades gracefully (higher false-positive rate)
// if an SST holds more keys than this.
const filterCapacityHint = 100_000
const filterFalsePositiveRate = 0.01

// Builder streams (key, value) pairs into a single immutable SST file: a
// sequence of checksummed data blocks, a checksummed block-meta vector, and
// an approximate-membership filter, as laid out in the package doc of
// table.go.
type Builder struct {
	blockBuilder *block.Builder
	blockSize    int

	data []byte

	metas      []Meta
	maxVersion kv.Version

	firstKey kv.Key
	lastKey  kv.Key

	filter *bloom.BloomFilter
}

func NewBuilder(blockSize int) *Builder {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Builder{
		blockBuilder: block.NewBuilder(blockSize),
		blockSize:    blockSize,
		filter:       bloom.NewWithEstimates(filterCapacityHint, filterFalsePositiveRate),
	}
}

// Add appends one VK-ordered (key, value) pair. Adds must arrive in
// ascending VK order; the builder does not sort.
func (b *Builder) Add(key kv.Key, value []byte) error {
	if key.IsEmpty() {
		return fmt.Errorf("table: builder: key must not be empty")
	}

	if b.firstKey.IsEmpty() {
		b.firstKey = key
	}
	b.trackVersion(key)
	b.filter.Add(key.UserKey)

	if b.blockBuilder.Add(key, value) {
		b.lastKey = key
		return nil
	}

	// current block is full: flush it, then retry on a fresh one.
	if err := b.finalizeBlock(); err != nil {
		return err
	}
	b.blockBuilder = block.NewBuilder(b.blockSize)
	if !b.blockBuilder.Add(key, value) {
		return fmt.Errorf("table: builder: a fresh block must accept at least one entry (key too large for block_size=%d)", b.blockSize)
	}
	b.firstKey = key
	b.lastKey = key
	return nil
}

func (b *Builder) trackVersion(key kv.Key) {
	if key.Version > b.maxVersion {
		b.maxVersion = key.Version
	}
}

// finalizeBlock encodes the current block, appends it (plus its CRC) to
// data, and records its Meta entry.
func (b *Builder) finalizeBlock() error {
	blockStart := uint32(len(b.data))
	encoded := b.blockBuilder.Finalize().Encode()

	b.metas = append(b.metas, Meta{
		Offset:   blockStart,
		FirstKey: b.firstKey,
		LastKey:  b.lastKey,
	})

	b.data = append(b.data, encoded...)
	sum := crc32.ChecksumIEEE(encoded)
	var sumBuf [sizeofU32]byte
	binary.LittleEndian.PutUint32(sumBuf[:], sum)
	b.data = append(b.data, sumBuf[:]...)

	return nil
}

// Build finalizes the trailing block, appends the block-meta vector and
// filter footers, and atomically publishes the resulting bytes to path.
func (b *Builder) Build(id uint64, path string) (*Table, error) {
	if b.blockBuilder.Empty() {
		return nil, fmt.Errorf("table: builder: no entries added")
	}
	if err := b.finalizeBlock(); err != nil {
		return nil, err
	}

	blockMetaOffset := uint32(len(b.data))
	b.data = append(b.data, EncodeMetaVec(b.metas, b.maxVersion)...)
	var offBuf [sizeofU32]byte
	binary.LittleEndian.PutUint32(offBuf[:], blockMetaOffset)
	b.data = append(b.data, offBuf[:]...)

	filterOffset := uint32(len(b.data))
	filterBuf, err := encodeFilter(b.filter)
	if err != nil {
		return nil, fmt.Errorf("table: builder: encode filter: %w", err)
	}
	b.data = append(b.data, filterBuf...)
	binary.LittleEndian.PutUint32(offBuf[:], filterOffset)
	b.data = append(b.data, offBuf[:]...)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("table: builder: mkdir: %w", err)
	}
	if err := atomicfile.WriteFile(path, bytes.NewReader(b.data)); err != nil {
		return nil, fmt.Errorf("table: builder: atomic write %s: %w", path, err)
	}
	if err := fsyncDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("table: builder: fsync dir %s: %w", filepath.Dir(path), err)
	}

	return Open(id, path)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
