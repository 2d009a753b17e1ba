// Package lsm is the engine facade: it owns the memtable, MVCC state,
// manifest, and WAL, and routes reads and writes across them.
package lsm

import "errors"

// ErrTxnClosed is returned for any operation attempted on a transaction
// that has already committed (or attempted to commit).
var ErrTxnClosed = errors.New("lsm: transaction already closed")

// ErrSerializabilityConflict is returned by Commit when a read-write
// anti-dependency is detected against a transaction that committed after
// this one's read_version.
var ErrSerializabilityConflict = errors.New("lsm: serializability conflict")

// ErrClosed is returned for operations on a closed Engine.
var ErrClosed = errors.New("lsm: engine is closed")
