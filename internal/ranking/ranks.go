package ranking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nazfar/meishi/internal/adapters/store"
	"github.com/nazfar/meishi/internal/domain/model"
	"github.com/nazfar/meishi/internal/domain/tier"
	"github.com/nazfar/meishi/pkg/logger"
	"github.com/nazfar/meishi/pkg/metrics"
)

// Ranks derives ordinal ranks from the sorted index and writes the rank
// cache. Tied scores share the rank of the earliest entry with that score.
type Ranks struct {
	store    store.Store
	index    *Index
	classify tier.Classifier
	log      logger.Logger
}

// NewRanks creates a rank calculator. index is used for the self-healing
// rebuild when the sorted index is missing.
func NewRanks(st store.Store, index *Index, classify tier.Classifier) *Ranks {
	return &Ranks{
		store:    st,
		index:    index,
		classify: classify,
		log:      logger.Get().Named("ranks"),
	}
}

// Update recomputes rank cache entries for affectedUserIDs; an empty slice
// updates every user present in the index.
func (r *Ranks) Update(ctx context.Context, affectedUserIDs []string) error {
	entries, err := r.loadIndex(ctx)
	if err != nil {
		return err
	}

	ordinals := assignOrdinals(entries)

	var affected map[string]struct{}
	if len(affectedUserIDs) > 0 {
		affected = make(map[string]struct{}, len(affectedUserIDs))
		for _, id := range affectedUserIDs {
			affected[id] = struct{}{}
		}
	}

	now := time.Now().UTC()
	updates := make([]model.RankEntry, 0, len(affectedUserIDs))
	for i, e := range entries {
		if affected != nil {
			if _, ok := affected[e.UserID]; !ok {
				continue
			}
		}
		updates = append(updates, model.RankEntry{
			UserID:    e.UserID,
			Rank:      ordinals[i],
			Tier:      r.classify.Classify(e.Score),
			UpdatedAt: now,
		})
	}

	if err := r.store.PutRankEntries(ctx, updates); err != nil {
		return fmt.Errorf("write rank cache: %w", err)
	}
	for range updates {
		metrics.RecordRankUpdate()
	}
	return nil
}

// loadIndex reads the sorted index, rebuilding it once when missing.
func (r *Ranks) loadIndex(ctx context.Context) ([]model.IndexEntry, error) {
	entries, err := r.store.SortedIndex(ctx)
	if err == nil {
		return entries, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load index: %w", err)
	}

	r.log.Info(ctx, "index missing during rank update; rebuilding")
	if err := r.index.Rebuild(ctx); err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	entries, err = r.store.SortedIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("load index after rebuild: %w", err)
	}
	return entries, nil
}

// assignOrdinals computes the ordinal rank for each index position. The
// rank is position+1 unless a preceding entry shares the score, in which
// case the rank of the earliest such entry is inherited.
func assignOrdinals(entries []model.IndexEntry) []int {
	ordinals := make([]int, len(entries))
	for i := range entries {
		if i > 0 && entries[i].Score == entries[i-1].Score {
			ordinals[i] = ordinals[i-1]
			continue
		}
		ordinals[i] = i + 1
	}
	return ordinals
}
