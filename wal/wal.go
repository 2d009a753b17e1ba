package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Wal is a single memtable's write-ahead log: one framed Record per
// committed batch, fsynced before WriteBatch returns.
type Wal struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Create opens a brand-new WAL file at path; it fails if path already
// exists. Used only when allocating a fresh memtable id; see Open for
// the crash-recovery reopen path.
func Create(path string) (*Wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: create %s: %w", path, err)
	}
	return &Wal{f: f, path: path}, nil
}

// Open opens path for append, creating it if absent, and seeks to its end
// so WriteBatch always appends regardless of whether this is a fresh file
// or one being reopened after a restart.
func Open(path string) (*Wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: seek to end of %s: %w", path, err)
	}
	return &Wal{f: f, path: path}, nil
}

// WriteBatch appends one framed record for the given entries and fsyncs
// before returning, so a batch is durable by the time the caller observes
// success. Durability is per-batch, not a background flush.
func (w *Wal) WriteBatch(entries []RecordEntry) error {
	return w.writeBatch(entries, true)
}

// WriteBatchAsync appends one framed record without fsyncing. Callers
// that pass sync_on_commit=false accept a weaker durability policy: a
// batch is durable only once a later synced batch or Close flushes it.
func (w *Wal) WriteBatchAsync(entries []RecordEntry) error {
	return w.writeBatch(entries, false)
}

func (w *Wal) writeBatch(entries []RecordEntry, sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := writeRecord(w.f, Record{Entries: entries}); err != nil {
		return err
	}
	if !sync {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("wal: fsync %s: %w", w.path, err)
	}
	return nil
}

// Close flushes any unsynced records to disk before releasing the file, so
// batches written with WriteBatchAsync become durable at the latest here.
func (w *Wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("wal: fsync %s on close: %w", w.path, err)
	}
	return w.f.Close()
}

func (w *Wal) Path() string { return w.path }

// Replay reads every complete record from path in order. A truncated final
// record (a partial frame at EOF) is a clean tail cutoff, not an error. A
// CRC mismatch on a record whose length header is intact is fatal and
// returned as an error wrapping ErrCorrupt; callers must not silently
// swallow it.
func Replay(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: replay: open %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	for {
		rec, err := readRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, fmt.Errorf("wal: replay %s: %w", path, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
