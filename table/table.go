// Package table implements the on-disk sorted-string table (SST): an
// immutable, checksummed run of VK-ordered (key, value) blocks with a
// block-meta index and an approximate-membership filter, so a reader can
// skip blocks and whole tables that cannot contain a given user_key.
//
// On-disk layout (little-endian integers unless noted):
//
//	[ block_0 | crc32(block_0) ] ...
//	[ block_N-1 | crc32(block_N-1) ]
//	[ block_meta_vec_encoded ]   <- starts at block_meta_offset
//	[ block_meta_offset: u32 ]
//	[ filter_bytes ]
//	[ filter_offset: u32 ]       <- last 4 bytes of file
package table

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"github.com/flashlog/lsm/block"
	"github.com/flashlog/lsm/kv"
)

// Table is a read-only handle onto a built SST file. It is safe for
// concurrent use by many readers; once built, its backing file is never
// mutated.
type Table struct {
	ID              uint64
	path            string
	file            *os.File
	size            int64
	metas           []Meta
	maxVersion      kv.Version
	blockMetaOffset int64
	filter          interface {
		Test([]byte) bool
	}
}

// Open reads the footer of the SST at path (discovering filter_offset,
// then block_meta_offset, from the tail) and validates the block-meta
// checksum. It does not read any data blocks.
func Open(id uint64, path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("table: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("table: stat %s: %w", path, err)
	}
	size := info.Size()
	if size < sizeofU32 {
		f.Close()
		return nil, fmt.Errorf("table: %s: file too small to hold a footer", path)
	}

	filterOffset, err := readTrailingU32(f, size)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("table: %s: read filter_offset: %w", path, err)
	}
	if int64(filterOffset) > size-sizeofU32 {
		f.Close()
		return nil, fmt.Errorf("table: %s: filter_offset %d out of range", path, filterOffset)
	}

	filterBuf := make([]byte, int64(size)-sizeofU32-int64(filterOffset))
	if _, err := f.ReadAt(filterBuf, int64(filterOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("table: %s: read filter bytes: %w", path, err)
	}
	filter, err := decodeFilter(filterBuf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("table: %s: %w", path, err)
	}

	blockMetaOffsetPos := int64(filterOffset) - sizeofU32
	if blockMetaOffsetPos < 0 {
		f.Close()
		return nil, fmt.Errorf("table: %s: no room for block_meta_offset", path)
	}
	blockMetaOffset, err := readU32At(f, blockMetaOffsetPos)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("table: %s: read block_meta_offset: %w", path, err)
	}
	if int64(blockMetaOffset) > blockMetaOffsetPos {
		f.Close()
		return nil, fmt.Errorf("table: %s: block_meta_offset %d out of range", path, blockMetaOffset)
	}

	metaVecBuf := make([]byte, blockMetaOffsetPos-int64(blockMetaOffset))
	if _, err := f.ReadAt(metaVecBuf, int64(blockMetaOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("table: %s: read block meta vec: %w", path, err)
	}
	metas, maxVersion, err := DecodeMetaVec(metaVecBuf)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("table: %s: %w", path, err)
	}

	return &Table{
		ID:              id,
		path:            path,
		file:            f,
		size:            size,
		metas:           metas,
		maxVersion:      maxVersion,
		blockMetaOffset: int64(blockMetaOffset),
		filter:          filter,
	}, nil
}

func readTrailingU32(f *os.File, size int64) (uint32, error) {
	return readU32At(f, size-sizeofU32)
}

func readU32At(f *os.File, offset int64) (uint32, error) {
	var buf [sizeofU32]byte
	if _, err := f.ReadAt(buf[:], offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (t *Table) Close() error {
	return t.file.Close()
}

func (t *Table) MaxVersion() kv.Version { return t.maxVersion }

func (t *Table) NumBlocks() int { return len(t.metas) }

// MayContain consults the approximate-membership filter: a false result
// guarantees userKey is absent; a true result means "maybe present".
func (t *Table) MayContain(userKey []byte) bool {
	return t.filter.Test(userKey)
}

// blockEnd returns the end-of-data offset of block i (its crc-trailer
// included), i.e. the start of the next block or, for the last block, the
// start of the block-meta vector.
func (t *Table) blockEnd(i int) int64 {
	if i+1 < len(t.metas) {
		return int64(t.metas[i+1].Offset)
	}
	// last block ends where the block-meta vector begins.
	return t.dataEnd()
}

// dataEnd is computed once at Open in terms of block_meta_offset; stored
// directly to avoid re-reading the footer on every lookup.
func (t *Table) dataEnd() int64 {
	return t.blockMetaOffset
}

func (t *Table) readBlock(i int) (*block.Block, error) {
	if i < 0 || i >= len(t.metas) {
		return nil, fmt.Errorf("table: block index %d out of range", i)
	}
	start := int64(t.metas[i].Offset)
	end := t.blockEnd(i)
	if end-start < sizeofU32 {
		return nil, fmt.Errorf("table: block %d: size %d too small for checksum trailer", i, end-start)
	}

	buf := make([]byte, end-start)
	if _, err := t.file.ReadAt(buf, start); err != nil {
		return nil, fmt.Errorf("table: block %d: read: %w", i, err)
	}

	encoded := buf[:len(buf)-sizeofU32]
	storedCRC := binary.LittleEndian.Uint32(buf[len(buf)-sizeofU32:])
	if got := crc32.ChecksumIEEE(encoded); got != storedCRC {
		return nil, fmt.Errorf("table: block %d: checksum mismatch (corrupt SST)", i)
	}

	return block.Decode(encoded)
}

// Entries decodes every (key, value) pair in the table, in ascending VK
// order. Intended for table-wide consumers like compaction; point reads
// should use Get.
func (t *Table) Entries() ([]block.Entry, error) {
	var all []block.Entry
	for i := range t.metas {
		blk, err := t.readBlock(i)
		if err != nil {
			return nil, err
		}
		entries, err := blk.Entries()
		if err != nil {
			return nil, fmt.Errorf("table: block %d: %w", i, err)
		}
		all = append(all, entries...)
	}
	return all, nil
}

// findBlock returns the index of the first block whose LastKey is >= key:
// under VK order the first entry >= key can only live there, so it is the
// single candidate block for a versioned lookup. Returns len(metas) when
// key sorts after every entry in the table.
func (t *Table) findBlock(key kv.Key) int {
	return sort.Search(len(t.metas), func(i int) bool {
		return kv.Compare(t.metas[i].LastKey, key) >= 0
	})
}

// Get returns the newest value visible at version for userKey, or false if
// absent. It consults the filter first, then binary-searches block metas,
// then scans the one candidate block: the VK order makes the first entry
// >= (userKey, version) either the answer or an overshoot into a different
// user_key.
func (t *Table) Get(userKey []byte, version kv.Version) ([]byte, bool, error) {
	if !t.MayContain(userKey) {
		return nil, false, nil
	}

	query := kv.Key{UserKey: userKey, Version: version}
	i := t.findBlock(query)
	if i >= len(t.metas) {
		return nil, false, nil
	}

	blk, err := t.readBlock(i)
	if err != nil {
		return nil, false, err
	}
	entries, err := blk.Entries()
	if err != nil {
		return nil, false, fmt.Errorf("table: block %d: %w", i, err)
	}

	for _, e := range entries {
		if kv.Compare(e.Key, query) < 0 {
			continue
		}
		if !bytes.Equal(e.Key.UserKey, userKey) {
			return nil, false, nil
		}
		return e.Value, true, nil
	}
	return nil, false, nil
}
