package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/flashlog/lsm/kv"
	"github.com/flashlog/lsm/manifest"
	"github.com/flashlog/lsm/memtable"
	"github.com/flashlog/lsm/mvcc"
	"github.com/flashlog/lsm/table"
	"github.com/flashlog/lsm/wal"
)

// writeRecord is one record of a write batch; an empty Value is a
// tombstone.
type writeRecord struct {
	userKey []byte
	value   []byte
}

// Engine owns the memtable(s), MVCC state, manifest, and WAL for one
// storage directory. It is safe for concurrent use by many readers,
// writers, and transactions.
type Engine struct {
	dir  string
	opts Options
	log  *zap.Logger

	state    *mvcc.State
	manifest *manifest.Manifest

	flushMu sync.Mutex // serializes Flush calls

	mu             sync.RWMutex
	activeWal      *wal.Wal
	active         *memtable.Memtable
	frozen         []*memtable.Memtable // oldest first; not yet flushed
	frozenWals     []*wal.Wal
	sstables       []*table.Table // newest id first
	nextMemtableID uint64
	nextSSTID      uint64
	closed         bool
}

func walPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.wal", id))
}

func sstPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.sst", id))
}

// Open opens or creates a storage directory at path, replaying the
// manifest and every live memtable's WAL so that every previously
// acknowledged commit is visible by the time Open returns.
func Open(path string, opts Options) (*Engine, error) {
	if opts == (Options{}) {
		opts = DefaultOptions()
	}
	opts = opts.withDefaults()

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("lsm: mkdir %s: %w", path, err)
	}

	m, records, err := manifest.Open(path, 1, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("lsm: open manifest: %w", err)
	}

	var liveMemtables []uint64
	var maxMemtableID, maxSSTID uint64
	liveSSTs := map[uint64]struct{}{}
	for _, rec := range records {
		switch {
		case rec.NewMemtable != nil:
			liveMemtables = append(liveMemtables, rec.NewMemtable.ID)
			if rec.NewMemtable.ID > maxMemtableID {
				maxMemtableID = rec.NewMemtable.ID
			}
		case rec.Flush != nil:
			// memtables flush oldest-first, so a Flush record always
			// retires the head of the live list.
			if len(liveMemtables) > 0 {
				liveMemtables = liveMemtables[1:]
			}
			liveSSTs[rec.Flush.SSTID] = struct{}{}
			if rec.Flush.SSTID > maxSSTID {
				maxSSTID = rec.Flush.SSTID
			}
		case rec.Compaction != nil:
			for _, id := range rec.Compaction.Task.Inputs {
				delete(liveSSTs, id)
			}
			for _, id := range rec.Compaction.ResultingSSTIDs {
				liveSSTs[id] = struct{}{}
				if id > maxSSTID {
					maxSSTID = id
				}
			}
		}
	}
	if len(liveMemtables) == 0 {
		// Every recovered memtable was flushed before shutdown; allocate
		// a fresh one and record it so the next recovery sees it too.
		id := maxMemtableID + 1
		if err := m.AddRecord(manifest.NewMemtableEvent(id)); err != nil {
			m.Close()
			return nil, fmt.Errorf("lsm: record fresh memtable: %w", err)
		}
		liveMemtables = []uint64{id}
		maxMemtableID = id
	}

	var maxVersion kv.Version

	var memtables []*memtable.Memtable
	var wals []*wal.Wal
	var sstables []*table.Table
	fail := func(err error) (*Engine, error) {
		for _, w := range wals {
			w.Close()
		}
		for _, t := range sstables {
			t.Close()
		}
		m.Close()
		return nil, err
	}

	for _, id := range liveMemtables {
		w, err := wal.Open(walPath(path, id))
		if err != nil {
			return fail(fmt.Errorf("lsm: open wal for memtable %d: %w", id, err))
		}
		mt := memtable.New(id)
		recs, err := wal.Replay(walPath(path, id))
		if err != nil {
			w.Close()
			return fail(fmt.Errorf("lsm: replay wal for memtable %d: %w", id, err))
		}
		for _, rec := range recs {
			for _, e := range rec.Entries {
				mt.Write(kv.Key{UserKey: e.UserKey, Version: e.Version}, e.Value)
				if e.Version > maxVersion {
					maxVersion = e.Version
				}
			}
		}
		memtables = append(memtables, mt)
		wals = append(wals, w)
	}

	sstIDs := make([]uint64, 0, len(liveSSTs))
	for id := range liveSSTs {
		sstIDs = append(sstIDs, id)
	}
	sort.Slice(sstIDs, func(i, j int) bool { return sstIDs[i] > sstIDs[j] })

	for _, id := range sstIDs {
		t, err := table.Open(id, sstPath(path, id))
		if err != nil {
			return fail(fmt.Errorf("lsm: open sst %d: %w", id, err))
		}
		if t.MaxVersion() > maxVersion {
			maxVersion = t.MaxVersion()
		}
		sstables = append(sstables, t)
	}

	e := &Engine{
		dir:            path,
		opts:           opts,
		log:            opts.Logger,
		state:          mvcc.NewState(maxVersion),
		manifest:       m,
		activeWal:      wals[len(wals)-1],
		active:         memtables[len(memtables)-1],
		frozen:         memtables[:len(memtables)-1],
		frozenWals:     wals[:len(wals)-1],
		sstables:       sstables,
		nextMemtableID: maxMemtableID + 1,
		nextSSTID:      maxSSTID + 1,
	}
	return e, nil
}

// Close flushes the WALs to disk and releases every file handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	if err := e.activeWal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, w := range e.frozenWals {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, t := range e.sstables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.manifest.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// NewTxn starts a transaction snapshotted at the engine's current version.
func (e *Engine) NewTxn(serializable bool) *Transaction {
	return newTransaction(e, serializable)
}

// Get returns the value of userKey at the engine's latest version.
func (e *Engine) Get(userKey []byte) ([]byte, bool, error) {
	return e.getWithVersion(userKey, e.state.Version())
}

// Put is an implicit single-record transaction.
func (e *Engine) Put(userKey, value []byte) error {
	txn := e.NewTxn(e.opts.Serializable)
	if err := txn.Write(userKey, value); err != nil {
		return err
	}
	_, err := txn.Commit()
	return err
}

// Delete is an implicit single-record deleting transaction.
func (e *Engine) Delete(userKey []byte) error {
	txn := e.NewTxn(e.opts.Serializable)
	if err := txn.Delete(userKey); err != nil {
		return err
	}
	_, err := txn.Commit()
	return err
}

// getWithVersion searches the active memtable, then frozen memtables
// newest-first, then SSTs newest-first, for the newest entry with
// version <= the requested version and a matching user_key.
func (e *Engine) getWithVersion(userKey []byte, version kv.Version) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if value, ok := e.active.GetWithVersion(userKey, version); ok {
		return tombstoneToAbsent(value)
	}
	for i := len(e.frozen) - 1; i >= 0; i-- {
		if value, ok := e.frozen[i].GetWithVersion(userKey, version); ok {
			return tombstoneToAbsent(value)
		}
	}
	for _, t := range e.sstables {
		value, ok, err := t.Get(userKey, version)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return tombstoneToAbsent(value)
		}
	}
	return nil, false, nil
}

func tombstoneToAbsent(value []byte) ([]byte, bool, error) {
	if len(value) == 0 {
		return nil, false, nil
	}
	return value, true, nil
}

// writeBatchLocked assigns the next version, appends a WAL record, inserts
// every entry into the active memtable under that version, and only then
// publishes the version, so a reader that snapshots it always finds its
// effects. Callers must hold state.WriteLock, which serializes version
// assignment and memtable appends across concurrent writers; e.mu
// additionally guards the active/frozen/sstables structure against
// concurrent readers, who only ever take its read side.
func (e *Engine) writeBatchLocked(records []writeRecord) (kv.Version, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrClosed
	}

	v := e.state.Version() + 1

	entries := make([]wal.RecordEntry, len(records))
	pairs := make([]struct {
		Key   kv.Key
		Value []byte
	}, len(records))
	for i, r := range records {
		entries[i] = wal.RecordEntry{UserKey: r.userKey, Version: v, Value: r.value}
		pairs[i] = struct {
			Key   kv.Key
			Value []byte
		}{Key: kv.Key{UserKey: r.userKey, Version: v}, Value: r.value}
	}

	var walErr error
	if e.opts.SyncOnCommit {
		walErr = e.activeWal.WriteBatch(entries)
	} else {
		walErr = e.activeWal.WriteBatchAsync(entries)
	}
	if walErr != nil {
		return 0, fmt.Errorf("lsm: write_batch: wal: %w", walErr)
	}
	e.active.WriteBatch(pairs)

	e.state.Publish(v)

	if e.active.Size() > e.opts.MemtableSizeLimit {
		if err := e.rollMemtableLocked(); err != nil {
			return 0, err
		}
	}

	return v, nil
}

// rollMemtableLocked freezes the current memtable and allocates a fresh
// one, recording the roll in the manifest. Callers must hold e.mu.
func (e *Engine) rollMemtableLocked() error {
	newID := e.nextMemtableID
	e.nextMemtableID++

	w, err := wal.Create(walPath(e.dir, newID))
	if err != nil {
		return fmt.Errorf("lsm: roll memtable: create wal %d: %w", newID, err)
	}
	if err := e.manifest.AddRecord(manifest.NewMemtableEvent(newID)); err != nil {
		w.Close()
		return fmt.Errorf("lsm: roll memtable: manifest: %w", err)
	}

	e.frozen = append(e.frozen, e.active)
	e.frozenWals = append(e.frozenWals, e.activeWal)
	e.active = memtable.New(newID)
	e.activeWal = w

	e.log.Info("rolled memtable", zap.Uint64("new_id", newID))
	return nil
}

// Flush builds an SST from the oldest frozen memtable, records the flush
// in the manifest, installs the table for reads, and deletes the
// memtable's WAL. It reports whether anything was flushed. The policy that
// decides when to flush lives outside the engine; this is the mechanism it
// drives.
func (e *Engine) Flush() (bool, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrClosed
	}
	if len(e.frozen) == 0 {
		e.mu.Unlock()
		return false, nil
	}
	mt := e.frozen[0]
	sstID := e.nextSSTID
	e.nextSSTID++
	e.mu.Unlock()

	// The memtable is frozen, so reading it for the build needs no lock.
	builder := table.NewBuilder(e.opts.BlockSize)
	for _, entry := range mt.Scan(kv.Key{}, kv.Key{}) {
		if err := builder.Add(entry.Key, entry.Value); err != nil {
			return false, fmt.Errorf("lsm: flush memtable %d: %w", mt.ID(), err)
		}
	}
	tbl, err := builder.Build(sstID, sstPath(e.dir, sstID))
	if err != nil {
		return false, fmt.Errorf("lsm: flush memtable %d: %w", mt.ID(), err)
	}
	if err := e.manifest.AddRecord(manifest.FlushEvent(sstID)); err != nil {
		tbl.Close()
		return false, fmt.Errorf("lsm: flush memtable %d: manifest: %w", mt.ID(), err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		tbl.Close()
		return false, ErrClosed
	}
	w := e.frozenWals[0]
	e.frozen = e.frozen[1:]
	e.frozenWals = e.frozenWals[1:]
	e.sstables = append([]*table.Table{tbl}, e.sstables...)
	e.mu.Unlock()

	if err := w.Close(); err != nil {
		e.log.Warn("close flushed wal", zap.String("path", w.Path()), zap.Error(err))
	}
	if err := os.Remove(w.Path()); err != nil {
		e.log.Warn("remove flushed wal", zap.String("path", w.Path()), zap.Error(err))
	}

	e.log.Info("flushed memtable",
		zap.Uint64("memtable_id", mt.ID()),
		zap.Uint64("sst_id", sstID),
	)
	return true, nil
}
