package mvcc

import (
	"fmt"
	"sync"

	"github.com/flashlog/lsm/kv"
	"github.com/google/btree"
)

// CommittedTxn is the conflict-index record kept for one committed
// transaction while it might still matter to a not-yet-committed reader
// with an older read_version.
type CommittedTxn struct {
	KeyHashes     map[uint64]struct{}
	ReadVersion   kv.Version
	CommitVersion kv.Version
}

func committedTxnLess(a, b *CommittedTxn) bool { return a.CommitVersion < b.CommitVersion }

// State is the engine's global MVCC bookkeeping: the version counter, the
// two serializing locks, the watermark tracker, and the committed-txn
// index ordered by commit_version.
//
// Lock order when more than one is held: WriteLock, then CommitLock, then
// the version/watermark internals. Callers must never acquire in a
// different order.
type State struct {
	WriteLock  sync.Mutex
	CommitLock sync.Mutex

	// mu bundles the version counter with watermark registration: a
	// reader's version snapshot and its watermark entry must appear
	// atomically, or a concurrent GC could compute a watermark that
	// misses the new reader and drop conflict records its commit-time
	// check still needs.
	mu        sync.Mutex
	version   kv.Version
	watermark *Watermark

	committedTxns *btree.BTreeG[*CommittedTxn] // guarded by CommitLock
}

func NewState(initialVersion kv.Version) *State {
	return &State{
		version:       initialVersion,
		watermark:     NewWatermark(),
		committedTxns: btree.NewG(32, committedTxnLess),
	}
}

// Version returns the latest committed version.
func (s *State) Version() kv.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Publish installs v as the latest committed version. Only the write path
// calls this, while holding WriteLock, after the memtable holds every
// record of the batch, so a reader that snapshots v afterwards is
// guaranteed to find v's effects.
func (s *State) Publish(v kv.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// BeginRead registers a new active read-version and returns a snapshot to
// read at: the latest committed version. The snapshot and the watermark
// entry are installed in one critical section so no concurrent watermark
// observer can see the version without the registration.
func (s *State) BeginRead() kv.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.version
	s.watermark.Add(v)
	return v
}

// EndRead retires a previously-begun read-version.
func (s *State) EndRead(readVersion kv.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark.Remove(readVersion)
}

// Watermark is the minimum active read-version, or the latest committed
// version if no transaction is currently live.
func (s *State) Watermark() kv.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.watermark.Min(); ok {
		return v
	}
	return s.version
}

// CheckSerializable reports a conflicting committed transaction, if any:
// one with CommitVersion > readVersion whose KeyHashes intersects
// readSet. Callers must hold CommitLock.
func (s *State) CheckSerializable(readVersion kv.Version, readSet map[uint64]struct{}) bool {
	conflict := false
	pivot := &CommittedTxn{CommitVersion: readVersion}
	s.committedTxns.AscendGreaterOrEqual(pivot, func(txn *CommittedTxn) bool {
		if txn.CommitVersion <= readVersion {
			return true
		}
		for h := range txn.KeyHashes {
			if _, ok := readSet[h]; ok {
				conflict = true
				return false
			}
		}
		return true
	})
	return conflict
}

// InsertCommitted adds a committed transaction's conflict record. Commit
// versions are unique, so a prior entry at the same version means the
// commit protocol was violated. Callers must hold CommitLock.
func (s *State) InsertCommitted(txn *CommittedTxn) {
	if _, had := s.committedTxns.ReplaceOrInsert(txn); had {
		panic(fmt.Sprintf("mvcc: duplicate committed txn at version %d", txn.CommitVersion))
	}
}

// GCCommitted drops every committed-txn record with CommitVersion below
// the current watermark. Callers must hold CommitLock.
func (s *State) GCCommitted() {
	watermark := s.Watermark()
	for {
		item, ok := s.committedTxns.Min()
		if !ok || item.CommitVersion >= watermark {
			return
		}
		s.committedTxns.DeleteMin()
	}
}
