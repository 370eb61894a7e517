// Package ranking maintains the derived read caches: the sorted score
// index, per-user ordinal ranks, and the materialized leaderboard. All of
// them are rebuildable from the authoritative score records; concurrent or
// duplicate updates converge to the same result.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nazfar/meishi/internal/adapters/store"
	"github.com/nazfar/meishi/internal/domain/model"
	"github.com/nazfar/meishi/pkg/logger"
	"github.com/nazfar/meishi/pkg/metrics"
)

// defaultIndexCap bounds the sorted index size.
const defaultIndexCap = 1000

// entryLess orders the index: score descending, first-seen ascending, then
// user id ascending for full determinism.
func entryLess(a, b model.IndexEntry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.FirstSeen.Equal(b.FirstSeen) {
		return a.FirstSeen.Before(b.FirstSeen)
	}
	return a.UserID < b.UserID
}

// Index maintains the sorted score index.
type Index struct {
	store store.Store
	cap   int
	log   logger.Logger
}

// IndexOption applies a configuration option to the Index.
type IndexOption func(*Index)

// WithIndexCap bounds the number of index entries.
func WithIndexCap(n int) IndexOption {
	return func(x *Index) {
		if n > 0 {
			x.cap = n
		}
	}
}

// NewIndex creates an index maintainer over st.
func NewIndex(st store.Store, opts ...IndexOption) *Index {
	x := &Index{
		store: st,
		cap:   defaultIndexCap,
		log:   logger.Get().Named("index"),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Rebuild reconstructs the whole index from the authoritative score records.
func (x *Index) Rebuild(ctx context.Context) error {
	records, err := x.store.AllUserScores(ctx)
	if err != nil {
		return fmt.Errorf("load score records: %w", err)
	}

	entries := make([]model.IndexEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, model.IndexEntry{
			UserID:    rec.UserID,
			Score:     rec.Score,
			FirstSeen: rec.FirstSeen,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entryLess(entries[i], entries[j]) })
	entries = x.truncate(entries)

	if err := x.store.PutSortedIndex(ctx, entries); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	metrics.RecordIndexRebuild()
	metrics.UpdateIndexSize(len(entries))
	return nil
}

// Update incrementally refreshes the index entries for affectedUserIDs.
// A missing index falls back to a full rebuild, which makes the index
// self-healing after deletion or corruption.
func (x *Index) Update(ctx context.Context, affectedUserIDs []string) error {
	if len(affectedUserIDs) == 0 {
		return nil
	}

	entries, err := x.store.SortedIndex(ctx)
	if errors.Is(err, store.ErrNotFound) {
		x.log.Info(ctx, "index missing; rebuilding")
		return x.Rebuild(ctx)
	}
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}

	affected := make(map[string]struct{}, len(affectedUserIDs))
	for _, id := range affectedUserIDs {
		affected[id] = struct{}{}
	}

	// Drop any existing entries for the affected users so re-insertion
	// cannot produce duplicates.
	kept := entries[:0]
	for _, e := range entries {
		if _, ok := affected[e.UserID]; !ok {
			kept = append(kept, e)
		}
	}
	entries = kept

	for _, id := range affectedUserIDs {
		rec, err := x.store.UserScore(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			// Deleted user; removal above is all that was needed.
			continue
		}
		if err != nil {
			return fmt.Errorf("load score record %s: %w", id, err)
		}
		entry := model.IndexEntry{UserID: rec.UserID, Score: rec.Score, FirstSeen: rec.FirstSeen}
		pos := sort.Search(len(entries), func(i int) bool {
			return entryLess(entry, entries[i])
		})
		entries = append(entries, model.IndexEntry{})
		copy(entries[pos+1:], entries[pos:])
		entries[pos] = entry
	}
	entries = x.truncate(entries)

	if err := x.store.PutSortedIndex(ctx, entries); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	metrics.RecordIndexIncremental()
	metrics.UpdateIndexSize(len(entries))
	return nil
}

func (x *Index) truncate(entries []model.IndexEntry) []model.IndexEntry {
	if len(entries) > x.cap {
		entries = entries[:x.cap]
	}
	return entries
}
