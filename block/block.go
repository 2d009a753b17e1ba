// Package block implements the prefix-compressed, fixed-target-size entry
// run that is the basic unit of an SST: a sorted run of versioned
// key/value pairs plus an offset index, as built by Builder and read back
// by Decode.
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/flashlog/lsm/kv"
)

const sizeofU16 = 2

// Block is the decoded form: the raw entries region plus the per-entry
// offsets into it (see Encode for the on-disk layout).
type Block struct {
	Data    []byte
	Offsets []uint16
}

// Entry is one decoded (key, value) pair from a Block.
type Entry struct {
	Key   kv.Key
	Value []byte
}

// Encode lays the block out as: data | offset[i] (u16, one per entry) |
// num_entries (u16).
func (b *Block) Encode() []byte {
	buf := make([]byte, 0, len(b.Data)+len(b.Offsets)*sizeofU16+sizeofU16)
	buf = append(buf, b.Data...)
	for _, off := range b.Offsets {
		var tmp [sizeofU16]byte
		binary.LittleEndian.PutUint16(tmp[:], off)
		buf = append(buf, tmp[:]...)
	}
	var tmp [sizeofU16]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(len(b.Offsets)))
	buf = append(buf, tmp[:]...)
	return buf
}

// Decode is the exact inverse of Encode.
func Decode(data []byte) (*Block, error) {
	if len(data) < sizeofU16 {
		return nil, fmt.Errorf("block: decode: truncated trailer")
	}
	numEntries := int(binary.LittleEndian.Uint16(data[len(data)-sizeofU16:]))
	offsetsEnd := len(data) - sizeofU16
	offsetsStart := offsetsEnd - numEntries*sizeofU16
	if offsetsStart < 0 {
		return nil, fmt.Errorf("block: decode: offset table overruns block (num_entries=%d)", numEntries)
	}

	offsets := make([]uint16, numEntries)
	for i := 0; i < numEntries; i++ {
		offsets[i] = binary.LittleEndian.Uint16(data[offsetsStart+i*sizeofU16:])
	}

	entryData := make([]byte, offsetsStart)
	copy(entryData, data[:offsetsStart])

	return &Block{Data: entryData, Offsets: offsets}, nil
}

// Entries decodes every (key, value) pair in the block, in ascending VK
// order, as recorded by the offset table.
func (b *Block) Entries() ([]Entry, error) {
	entries := make([]Entry, 0, len(b.Offsets))
	var firstKey []byte
	for i, off := range b.Offsets {
		if int(off) >= len(b.Data) {
			return nil, fmt.Errorf("block: entry %d: offset %d out of range", i, off)
		}
		buf := b.Data[off:]
		if len(buf) < sizeofU16*2 {
			return nil, fmt.Errorf("block: entry %d: truncated header", i)
		}
		overlap := int(binary.LittleEndian.Uint16(buf))
		buf = buf[sizeofU16:]
		suffixLen := int(binary.LittleEndian.Uint16(buf))
		buf = buf[sizeofU16:]
		if len(buf) < suffixLen+8 {
			return nil, fmt.Errorf("block: entry %d: truncated key", i)
		}
		suffix := buf[:suffixLen]
		buf = buf[suffixLen:]
		version := binary.LittleEndian.Uint64(buf)
		buf = buf[8:]

		var userKey []byte
		if overlap == 0 {
			userKey = append([]byte(nil), suffix...)
			firstKey = userKey
		} else {
			if overlap > len(firstKey) {
				return nil, fmt.Errorf("block: entry %d: overlap %d exceeds first key", i, overlap)
			}
			userKey = make([]byte, 0, overlap+suffixLen)
			userKey = append(userKey, firstKey[:overlap]...)
			userKey = append(userKey, suffix...)
		}

		if len(buf) < sizeofU16 {
			return nil, fmt.Errorf("block: entry %d: truncated value length", i)
		}
		valueLen := int(binary.LittleEndian.Uint16(buf))
		buf = buf[sizeofU16:]
		if len(buf) < valueLen {
			return nil, fmt.Errorf("block: entry %d: truncated value", i)
		}
		value := append([]byte(nil), buf[:valueLen]...)

		entries = append(entries, Entry{Key: kv.Key{UserKey: userKey, Version: version}, Value: value})
	}
	return entries, nil
}
