package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const fileName = "MANIFEST"

// ErrCorrupt marks a manifest record that failed its CRC or could not be
// decoded. Recovery never returns ErrCorrupt to the caller; it truncates
// the tail at the first corrupt record and logs the discard instead, per
// the tail-truncation recovery policy.
var ErrCorrupt = fmt.Errorf("manifest: corrupt record")

// Manifest is the engine's single-writer, append-only event log.
type Manifest struct {
	mu   sync.Mutex
	f    *os.File
	path string
	log  *zap.Logger
}

// Open opens dir's MANIFEST file. If absent, it creates one and appends a
// single NewMemtable record for initialMemtableID, returning that one
// record. Otherwise it recovers: replaying every record up to the first
// corrupt or truncated one, logging the discard if any, and reopening the
// file for append at the clean prefix's length.
func Open(dir string, initialMemtableID uint64, log *zap.Logger) (*Manifest, []Record, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("manifest: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fileName)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("manifest: create %s: %w", path, err)
		}
		m := &Manifest{f: f, path: path, log: log}
		rec := NewMemtableEvent(initialMemtableID)
		if err := m.AddRecord(rec); err != nil {
			f.Close()
			return nil, nil, err
		}
		return m, []Record{rec}, nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("manifest: stat %s: %w", path, err)
	}

	records, cleanLen, discarded, err := recover_(path)
	if err != nil {
		return nil, nil, err
	}
	if discarded > 0 {
		log.Warn("manifest: truncated corrupt tail on recovery",
			zap.String("path", path),
			zap.Int64("clean_bytes", cleanLen),
			zap.Int("discarded_bytes", discarded),
			zap.Int("records_recovered", len(records)),
		)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("manifest: reopen %s: %w", path, err)
	}
	if err := f.Truncate(cleanLen); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("manifest: truncate %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("manifest: seek %s: %w", path, err)
	}

	return &Manifest{f: f, path: path, log: log}, records, nil
}

// AddRecord serializes record to JSON and appends
// len(u64 BE) | json | crc32(json, u32 BE), fsyncing before returning.
func (m *Manifest) AddRecord(record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, err := encodeRecord(record)
	if err != nil {
		return err
	}

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	if _, err := m.f.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("manifest: write length: %w", err)
	}
	if _, err := m.f.Write(payload); err != nil {
		return fmt.Errorf("manifest: write payload: %w", err)
	}
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(payload))
	if _, err := m.f.Write(crcBuf[:]); err != nil {
		return fmt.Errorf("manifest: write crc: %w", err)
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("manifest: fsync %s: %w", m.path, err)
	}
	return nil
}

func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}

// recover_ reads every complete, CRC-valid record from path in order. It
// returns the records, the byte length of the clean prefix (for
// truncating away any corrupt tail), and how many bytes were discarded.
func recover_(path string) ([]Record, int64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("manifest: stat %s: %w", path, err)
	}
	total := info.Size()

	var records []Record
	var offset int64
	for {
		rec, n, err := readRecordAt(f, offset)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Corrupt frame: stop here, keep everything read so far clean.
			break
		}
		records = append(records, rec)
		offset += n
	}
	return records, offset, int(total - offset), nil
}

func readRecordAt(f *os.File, offset int64) (Record, int64, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(io.NewSectionReader(f, offset, 8), lenBuf[:]); err != nil {
		return Record{}, 0, io.EOF
	}
	payloadLen := binary.BigEndian.Uint64(lenBuf[:])

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(io.NewSectionReader(f, offset+8, int64(payloadLen)), payload); err != nil {
		return Record{}, 0, io.EOF
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(io.NewSectionReader(f, offset+8+int64(payloadLen), 4), crcBuf[:]); err != nil {
		return Record{}, 0, io.EOF
	}
	if got := crc32.ChecksumIEEE(payload); got != binary.BigEndian.Uint32(crcBuf[:]) {
		return Record{}, 0, ErrCorrupt
	}

	rec, err := decodeRecord(payload)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, 8 + int64(payloadLen) + 4, nil
}
