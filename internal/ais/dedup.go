package ais

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
)

// Fingerprint computes the 64-bit dedup fingerprint of m: the first 8 bytes
// of SHA256("mmsi|time_utc|lat|lon"). Two reports of the same vessel at the
// same instant and coordinates collapse to one fingerprint regardless of
// which upstream connection delivered them.
func Fingerprint(m *Message) uint64 {
	s := fmt.Sprintf("%s|%d|%.6f|%.6f", m.MMSI, m.Timestamp.UnixNano(), m.Lat, m.Lon)
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}

// DedupSet is a bounded set of message fingerprints kept in insertion order.
// When the set exceeds its cap, the oldest 20% of entries are evicted in one
// sweep, so steady-state membership hovers between 80% and 100% of max.
// It is safe for concurrent use.
type DedupSet struct {
	mu    sync.Mutex
	max   int
	seen  map[uint64]struct{}
	order []uint64
}

// NewDedupSet creates a DedupSet holding at most max fingerprints.
// max ≤ 0 defaults to 10000.
func NewDedupSet(max int) *DedupSet {
	if max <= 0 {
		max = 10000
	}
	return &DedupSet{
		max:  max,
		seen: make(map[uint64]struct{}, max),
	}
}

// Seen records fp and reports whether it was already present. Insertion may
// trigger an eviction sweep when the cap is exceeded.
func (d *DedupSet) Seen(fp uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[fp]; ok {
		return true
	}
	d.seen[fp] = struct{}{}
	d.order = append(d.order, fp)
	if len(d.order) > d.max {
		d.evictLocked()
	}
	return false
}

// Trim enforces the size cap; called by the periodic cleanup task.
func (d *DedupSet) Trim() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.order) > d.max {
		d.evictLocked()
	}
}

// evictLocked drops the oldest 20% of entries in insertion order.
// Caller holds d.mu.
func (d *DedupSet) evictLocked() {
	n := len(d.order) / 5
	if n < 1 {
		n = 1
	}
	for _, fp := range d.order[:n] {
		delete(d.seen, fp)
	}
	d.order = append(d.order[:0], d.order[n:]...)
}

// Size returns the current number of fingerprints held.
func (d *DedupSet) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
