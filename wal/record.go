// Package wal implements the write-ahead log: one append-only, checksummed,
// framed record per committed write batch, replayed in order to rebuild a
// memtable after a crash.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/flashlog/lsm/kv"
)

const sizeofU16 = 2
const sizeofU32 = 4
const sizeofU64 = 8

// Record is one batch of writes sharing a single commit version.
type Record struct {
	Entries []RecordEntry
}

type RecordEntry struct {
	UserKey []byte
	Version kv.Version
	Value   []byte
}

// encodePayload lays out a record's payload as a sequence of
// (key_len:u16, key, version:u64, value_len:u16, value).
func (r Record) encodePayload() []byte {
	size := 0
	for _, e := range r.Entries {
		size += sizeofU16 + len(e.UserKey) + sizeofU64 + sizeofU16 + len(e.Value)
	}
	buf := make([]byte, 0, size)
	var u16buf [sizeofU16]byte
	var u64buf [sizeofU64]byte
	for _, e := range r.Entries {
		binary.LittleEndian.PutUint16(u16buf[:], uint16(len(e.UserKey)))
		buf = append(buf, u16buf[:]...)
		buf = append(buf, e.UserKey...)
		binary.LittleEndian.PutUint64(u64buf[:], e.Version)
		buf = append(buf, u64buf[:]...)
		binary.LittleEndian.PutUint16(u16buf[:], uint16(len(e.Value)))
		buf = append(buf, u16buf[:]...)
		buf = append(buf, e.Value...)
	}
	return buf
}

func decodePayload(payload []byte) ([]RecordEntry, error) {
	var entries []RecordEntry
	for len(payload) > 0 {
		if len(payload) < sizeofU16 {
			return nil, fmt.Errorf("wal: record: truncated key_len")
		}
		keyLen := int(binary.LittleEndian.Uint16(payload))
		payload = payload[sizeofU16:]
		if len(payload) < keyLen+sizeofU64 {
			return nil, fmt.Errorf("wal: record: truncated key/version")
		}
		userKey := append([]byte(nil), payload[:keyLen]...)
		payload = payload[keyLen:]
		version := binary.LittleEndian.Uint64(payload)
		payload = payload[sizeofU64:]

		if len(payload) < sizeofU16 {
			return nil, fmt.Errorf("wal: record: truncated value_len")
		}
		valLen := int(binary.LittleEndian.Uint16(payload))
		payload = payload[sizeofU16:]
		if len(payload) < valLen {
			return nil, fmt.Errorf("wal: record: truncated value")
		}
		value := append([]byte(nil), payload[:valLen]...)
		payload = payload[valLen:]

		entries = append(entries, RecordEntry{UserKey: userKey, Version: version, Value: value})
	}
	return entries, nil
}

// writeRecord emits payload_len(u32 big-endian) | payload | crc32(payload,
// u32 big-endian) to w.
func writeRecord(w io.Writer, r Record) error {
	payload := r.encodePayload()

	var lenBuf [sizeofU32]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wal: write payload_len: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wal: write payload: %w", err)
	}

	var crcBuf [sizeofU32]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(crcBuf[:]); err != nil {
		return fmt.Errorf("wal: write crc: %w", err)
	}
	return nil
}

// readRecord reads one framed record from r. A clean EOF at a frame
// boundary and a truncated tail inside a frame both return io.EOF: the
// tail is a cutoff, not corruption. A complete frame whose CRC does not
// match returns ErrCorrupt.
func readRecord(r io.Reader) (Record, error) {
	var lenBuf [sizeofU32]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Record{}, io.EOF
	}
	payloadLen := binary.BigEndian.Uint32(lenBuf[:])

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Record{}, io.EOF
	}

	var crcBuf [sizeofU32]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Record{}, io.EOF
	}
	storedCRC := binary.BigEndian.Uint32(crcBuf[:])
	if got := crc32.ChecksumIEEE(payload); got != storedCRC {
		return Record{}, ErrCorrupt
	}

	entries, err := decodePayload(payload)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Record{Entries: entries}, nil
}

// ErrCorrupt is returned for a complete frame whose CRC does not match or
// whose payload cannot be decoded, as distinct from a truncated tail,
// which readRecord reports as io.EOF.
var ErrCorrupt = fmt.Errorf("wal: corrupt record")
