// Package connections tracks which participant pairs already scanned each
// other, so repeat scans of the same badge award no points.
package connections

import (
	"context"
	"sync"
	"sync/atomic"
)

// defaultMaxSize bounds the in-memory history.
const defaultMaxSize = 500_000

// Tracker records scanner-target pairs for at-most-once scoring per pair.
type Tracker interface {
	// SeenAndRecord atomically checks whether the scanner already connected
	// to the target and records the pair if not. Returns true if the pair
	// was already connected.
	SeenAndRecord(ctx context.Context, scannerID, targetID string) bool

	// Unrecord removes a pair, allowing the scan to be retried. Used when
	// a scan was recorded but its delta could not be appended.
	Unrecord(ctx context.Context, scannerID, targetID string)

	Size() int64
}

// entry is a node in the eviction list, newest first.
type entry struct {
	key  string
	next *entry
}

// inMemoryTracker keeps pairs in a bounded map. When full, the most
// recently added pairs are evicted first: long-standing connections are the
// ones worth protecting from re-scoring.
type inMemoryTracker struct {
	mu      sync.Mutex
	pairs   map[string]*entry
	head    *entry
	maxSize int
	size    atomic.Int64
}

// Option applies a configuration option to the tracker.
type Option func(*inMemoryTracker)

// WithMaxSize bounds the number of tracked pairs. Zero or negative means
// unbounded.
func WithMaxSize(n int) Option {
	return func(t *inMemoryTracker) {
		t.maxSize = n
	}
}

// NewInMemoryTracker creates a bounded in-memory Tracker.
func NewInMemoryTracker(opts ...Option) Tracker {
	t := &inMemoryTracker{
		maxSize: defaultMaxSize,
		pairs:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// pairKey builds the map key. Direction matters: A scanning B and B
// scanning A are distinct connections.
func pairKey(scannerID, targetID string) string {
	return scannerID + "\x00" + targetID
}

func (t *inMemoryTracker) SeenAndRecord(ctx context.Context, scannerID, targetID string) bool {
	key := pairKey(scannerID, targetID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pairs[key]; ok {
		return true
	}

	if t.maxSize > 0 && len(t.pairs) >= t.maxSize {
		t.evictNewest()
	}

	e := &entry{key: key, next: t.head}
	t.head = e
	t.pairs[key] = e
	t.size.Add(1)
	return false
}

func (t *inMemoryTracker) Unrecord(ctx context.Context, scannerID, targetID string) {
	key := pairKey(scannerID, targetID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pairs[key]; !ok {
		return
	}
	delete(t.pairs, key)
	t.unlink(key)
	t.size.Add(-1)
}

func (t *inMemoryTracker) Size() int64 {
	return t.size.Load()
}

// evictNewest drops the head of the list. Caller holds the lock.
func (t *inMemoryTracker) evictNewest() {
	if t.head == nil {
		return
	}
	delete(t.pairs, t.head.key)
	t.head = t.head.next
	t.size.Add(-1)
}

// unlink removes key from the eviction list. Caller holds the lock.
func (t *inMemoryTracker) unlink(key string) {
	var prev *entry
	for e := t.head; e != nil; e = e.next {
		if e.key == key {
			if prev == nil {
				t.head = e.next
			} else {
				prev.next = e.next
			}
			return
		}
		prev = e
	}
}
