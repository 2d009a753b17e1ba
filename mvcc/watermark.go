// Package mvcc holds the engine's global version counter, the watermark
// tracker, and the committed-transaction conflict index used by the
// serializability check.
package mvcc

import (
	"sync"

	"github.com/flashlog/lsm/kv"
	"github.com/google/btree"
)

func versionLess(a, b kv.Version) bool { return a < b }

// Watermark is a multiset of active read-versions: add/remove are O(log n)
// via the underlying btree, and min is a single Min() descent. Multiple
// transactions commonly share a read-version, so a count per distinct
// version rides alongside the btree of distinct versions.
type Watermark struct {
	mu       sync.Mutex
	distinct *btree.BTreeG[kv.Version]
	counts   map[kv.Version]int
}

func NewWatermark() *Watermark {
	return &Watermark{
		distinct: btree.NewG(32, versionLess),
		counts:   make(map[kv.Version]int),
	}
}

func (w *Watermark) Add(v kv.Version) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.counts[v] == 0 {
		w.distinct.ReplaceOrInsert(v)
	}
	w.counts[v]++
}

func (w *Watermark) Remove(v kv.Version) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, ok := w.counts[v]
	if !ok {
		return
	}
	if n <= 1 {
		delete(w.counts, v)
		w.distinct.Delete(v)
		return
	}
	w.counts[v] = n - 1
}

// Min reports the lowest active read-version, or false if none is live.
func (w *Watermark) Min() (kv.Version, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.distinct.Min()
}
