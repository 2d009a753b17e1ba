package lsm

import (
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/flashlog/lsm/kv"
	"github.com/flashlog/lsm/mvcc"
)

// Transaction is a private staging area over a read snapshot of the
// engine. Writes are invisible to anyone else until Commit succeeds.
type Transaction struct {
	engine       *Engine
	readVersion  kv.Version
	serializable bool

	// staged writes by user_key; an empty value is the tombstone.
	storage map[string][]byte

	closed atomic.Bool

	readSet  map[uint64]struct{}
	writeSet map[uint64]struct{}
}

func newTransaction(e *Engine, serializable bool) *Transaction {
	t := &Transaction{
		engine:       e,
		readVersion:  e.state.BeginRead(),
		serializable: serializable,
		storage:      make(map[string][]byte),
	}
	if serializable {
		t.readSet = make(map[uint64]struct{})
		t.writeSet = make(map[uint64]struct{})
	}
	return t
}

func fingerprint(userKey []byte) uint64 {
	return xxhash.Sum64(userKey)
}

// Read consults the private staging area first, falling back to the
// engine's versioned view as of this transaction's read_version.
func (t *Transaction) Read(userKey []byte) ([]byte, bool, error) {
	if t.closed.Load() {
		return nil, false, ErrTxnClosed
	}
	if t.serializable {
		t.readSet[fingerprint(userKey)] = struct{}{}
	}
	if staged, ok := t.storage[string(userKey)]; ok {
		if len(staged) == 0 {
			return nil, false, nil
		}
		return staged, true, nil
	}
	return t.engine.getWithVersion(userKey, t.readVersion)
}

// Write stages (userKey, value) privately; nothing is visible to other
// readers or transactions until Commit succeeds. An empty value is the
// tombstone encoding, so writing one is equivalent to Delete.
func (t *Transaction) Write(userKey, value []byte) error {
	if t.closed.Load() {
		return ErrTxnClosed
	}
	t.storage[string(userKey)] = value
	if t.serializable {
		t.writeSet[fingerprint(userKey)] = struct{}{}
	}
	return nil
}

// Delete stages a tombstone for userKey.
func (t *Transaction) Delete(userKey []byte) error {
	return t.Write(userKey, nil)
}

// Rollback discards every staged write and retires the transaction's
// read_version from the watermark tracker. It is a no-op on a transaction
// that already committed or rolled back, so deferring it unconditionally
// is safe.
func (t *Transaction) Rollback() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.engine.state.EndRead(t.readVersion)
}

// Commit validates and, if valid, durably publishes every staged write as
// a single batch sharing one commit version. Whether it succeeds or fails,
// the transaction is closed and its read_version retired. WriteLock is
// taken before CommitLock, the engine-wide lock order.
func (t *Transaction) Commit() (kv.Version, error) {
	if !t.closed.CompareAndSwap(false, true) {
		return 0, ErrTxnClosed
	}
	defer t.engine.state.EndRead(t.readVersion)

	t.engine.state.WriteLock.Lock()
	defer t.engine.state.WriteLock.Unlock()
	t.engine.state.CommitLock.Lock()
	defer t.engine.state.CommitLock.Unlock()

	if t.serializable && len(t.writeSet) > 0 {
		if t.engine.state.CheckSerializable(t.readVersion, t.readSet) {
			return 0, ErrSerializabilityConflict
		}
	}

	batch := make([]writeRecord, 0, len(t.storage))
	for key, value := range t.storage {
		batch = append(batch, writeRecord{userKey: []byte(key), value: value})
	}
	sort.Slice(batch, func(i, j int) bool {
		return string(batch[i].userKey) < string(batch[j].userKey)
	})

	commitVersion, err := t.engine.writeBatchLocked(batch)
	if err != nil {
		return 0, err
	}

	if t.serializable {
		t.engine.state.InsertCommitted(&mvcc.CommittedTxn{
			KeyHashes:     t.writeSet,
			ReadVersion:   t.readVersion,
			CommitVersion: commitVersion,
		})
		t.engine.state.GCCommitted()
	}

	return commitVersion, nil
}
