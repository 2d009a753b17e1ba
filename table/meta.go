package table

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/flashlog/lsm/kv"
)

const sizeofU16 = 2
const sizeofU32 = 4
const sizeofU64 = 8

// Meta describes one data block within an SST: its byte offset in the data
// region, and its first/last keys under VK order.
type Meta struct {
	Offset   uint32
	FirstKey kv.Key
	LastKey  kv.Key
}

func (m Meta) estimatedSize() int {
	return sizeofU32 + sizeofU16*2 + m.FirstKey.RawLen() + m.LastKey.RawLen()
}

func (m Meta) encode(buf []byte) []byte {
	var off [sizeofU32]byte
	binary.LittleEndian.PutUint32(off[:], m.Offset)
	buf = append(buf, off[:]...)
	buf = m.FirstKey.Encode(buf)
	buf = m.LastKey.Encode(buf)
	return buf
}

func decodeMeta(buf []byte) (Meta, []byte, error) {
	if len(buf) < sizeofU32 {
		return Meta{}, nil, fmt.Errorf("table: meta: truncated offset")
	}
	offset := binary.LittleEndian.Uint32(buf)
	buf = buf[sizeofU32:]

	firstKey, buf, err := kv.Decode(buf)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("table: meta: first_key: %w", err)
	}
	lastKey, buf, err := kv.Decode(buf)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("table: meta: last_key: %w", err)
	}

	return Meta{Offset: offset, FirstKey: firstKey, LastKey: lastKey}, buf, nil
}

// EncodeMetaVec serializes num_blocks(u32) | meta* | max_version(u64) |
// crc32. The checksum covers the meta entries and max_version but not the
// num_blocks header, matching DecodeMetaVec's verification.
func EncodeMetaVec(metas []Meta, maxVersion kv.Version) []byte {
	size := sizeofU32
	for _, m := range metas {
		size += m.estimatedSize()
	}
	size += sizeofU64 + sizeofU32

	buf := make([]byte, 0, size)
	var num [sizeofU32]byte
	binary.LittleEndian.PutUint32(num[:], uint32(len(metas)))
	buf = append(buf, num[:]...)

	checksumStart := len(buf)
	for _, m := range metas {
		buf = m.encode(buf)
	}
	var ver [sizeofU64]byte
	binary.LittleEndian.PutUint64(ver[:], maxVersion)
	buf = append(buf, ver[:]...)

	sum := crc32.ChecksumIEEE(buf[checksumStart:])
	var sumBuf [sizeofU32]byte
	binary.LittleEndian.PutUint32(sumBuf[:], sum)
	buf = append(buf, sumBuf[:]...)

	return buf
}

// DecodeMetaVec is the inverse of EncodeMetaVec. A CRC mismatch is
// reported as an error; the caller (SST open) treats it as corruption and
// fails.
func DecodeMetaVec(buf []byte) ([]Meta, kv.Version, error) {
	if len(buf) < sizeofU32 {
		return nil, 0, fmt.Errorf("table: meta vec: truncated count")
	}
	num := binary.LittleEndian.Uint32(buf)
	rest := buf[sizeofU32:]
	checksumRegionStart := rest

	metas := make([]Meta, 0, num)
	for i := uint32(0); i < num; i++ {
		var m Meta
		var err error
		m, rest, err = decodeMeta(rest)
		if err != nil {
			return nil, 0, fmt.Errorf("table: meta vec: entry %d: %w", i, err)
		}
		metas = append(metas, m)
	}

	if len(rest) < sizeofU64+sizeofU32 {
		return nil, 0, fmt.Errorf("table: meta vec: truncated version/checksum")
	}
	checksumRegion := checksumRegionStart[:len(checksumRegionStart)-len(rest)+sizeofU64]
	version := binary.LittleEndian.Uint64(rest)
	rest = rest[sizeofU64:]
	storedChecksum := binary.LittleEndian.Uint32(rest)

	if got := crc32.ChecksumIEEE(checksumRegion); got != storedChecksum {
		return nil, 0, fmt.Errorf("table: meta vec: checksum mismatch (corrupt block meta)")
	}

	return metas, version, nil
}
