// Package kv defines the versioned key used throughout the engine: a
// (user_key, version) pair ordered so that newer versions of the same
// user_key sort before older ones.
package kv

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Version is the monotonically increasing counter assigned to a committed
// write batch. VersionDefault is the sentinel used before any write.
type Version = uint64

const VersionDefault Version = 0

const sizeofU16 = 2
const sizeofU64 = 8

// Key is a versioned key: a user-supplied byte string paired with the
// version at which this particular value was written. Keys with the same
// user-facing bytes sort by descending version, so a forward scan over Keys
// visits the newest version of a user_key first.
type Key struct {
	UserKey []byte
	Version Version
}

// New builds a Key, copying userKey so the caller's buffer may be reused.
func New(userKey []byte, version Version) Key {
	k := make([]byte, len(userKey))
	copy(k, userKey)
	return Key{UserKey: k, Version: version}
}

// RawLen is the key's storage footprint: the key bytes plus the u64
// version. The u16 length prefix Encode writes is framing, not payload,
// and is excluded.
func (k Key) RawLen() int {
	return len(k.UserKey) + sizeofU64
}

func (k Key) IsEmpty() bool {
	return len(k.UserKey) == 0
}

// Compare implements the VK total order: ascending on UserKey, and within
// the same UserKey, descending on Version so the newest version sorts
// first.
func Compare(a, b Key) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.Version > b.Version:
		return -1
	case a.Version < b.Version:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b under the VK order.
func Less(a, b Key) bool {
	return Compare(a, b) < 0
}

func (k Key) Equal(other Key) bool {
	return k.Version == other.Version && bytes.Equal(k.UserKey, other.UserKey)
}

// Encode appends the wire form of k to buf: u16 key_len | key_bytes | u64
// version (all little-endian).
func (k Key) Encode(buf []byte) []byte {
	var lenBuf [sizeofU16]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(k.UserKey)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, k.UserKey...)
	var verBuf [sizeofU64]byte
	binary.LittleEndian.PutUint64(verBuf[:], k.Version)
	buf = append(buf, verBuf[:]...)
	return buf
}

// Decode is the inverse of Encode; it returns the decoded Key along with the
// unread suffix of buf.
func Decode(buf []byte) (Key, []byte, error) {
	if len(buf) < sizeofU16 {
		return Key{}, nil, fmt.Errorf("kv: decode key: truncated length prefix")
	}
	keyLen := int(binary.LittleEndian.Uint16(buf))
	buf = buf[sizeofU16:]
	if len(buf) < keyLen+sizeofU64 {
		return Key{}, nil, fmt.Errorf("kv: decode key: truncated key/version")
	}
	userKey := make([]byte, keyLen)
	copy(userKey, buf[:keyLen])
	buf = buf[keyLen:]
	version := binary.LittleEndian.Uint64(buf)
	buf = buf[sizeofU64:]
	return Key{UserKey: userKey, Version: version}, buf, nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.UserKey, k.Version)
}
