// Package admincache maintains the denormalized participant listings the
// admin views read: one cached listing per partition, stamped with the
// time of its last write. The cache is derived from the authoritative
// participant records and rebuilds itself whenever an incremental update
// finds it missing.
package admincache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nazfar/meishi/internal/adapters/store"
	"github.com/nazfar/meishi/internal/domain/model"
	"github.com/nazfar/meishi/pkg/logger"
	"github.com/nazfar/meishi/pkg/metrics"
)

// partitions the cache maintains, one listing each.
var partitions = []string{model.PartitionPending, model.PartitionActive}

// Cache applies participant mutations to the cached listings.
type Cache struct {
	store store.Store
	now   func() time.Time
	log   logger.Logger
}

// Option applies a configuration option to the Cache.
type Option func(*Cache)

// WithClock injects the time source stamping listing writes. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a cache maintainer over st.
func New(st store.Store, opts ...Option) *Cache {
	c := &Cache{
		store: st,
		now:   time.Now,
		log:   logger.Get().Named("admincache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upsert inserts or replaces p in the partition's listing. A participant
// moving between partitions is dropped from the other listing in the same
// update. A missing listing triggers a full rebuild, which already covers
// the new record.
func (c *Cache) Upsert(ctx context.Context, partition string, p model.Participant) error {
	if !known(partition) {
		return fmt.Errorf("%w: %s", store.ErrUnknownPartition, partition)
	}

	listing, err := c.store.AdminPartition(ctx, partition)
	if errors.Is(err, store.ErrNotFound) {
		c.log.Info(ctx, "admin cache missing; rebuilding", logger.String("partition", partition))
		return c.FullRebuild(ctx)
	}
	if err != nil {
		return fmt.Errorf("read admin cache %s: %w", partition, err)
	}

	entries := listing.Participants
	replaced := false
	for i, e := range entries {
		if e.ID == p.ID {
			entries[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, p)
		sortEntries(entries)
	}
	if err := c.write(ctx, partition, entries); err != nil {
		return err
	}

	for _, other := range partitions {
		if other == partition {
			continue
		}
		if err := c.dropFrom(ctx, other, p.ID); err != nil {
			return err
		}
	}
	metrics.RecordAdminCacheUpsert()
	return nil
}

// Remove drops the participant from the partition's listing. A missing
// listing triggers a full rebuild, which no longer contains the record.
func (c *Cache) Remove(ctx context.Context, partition, id string) error {
	if !known(partition) {
		return fmt.Errorf("%w: %s", store.ErrUnknownPartition, partition)
	}

	if _, err := c.store.AdminPartition(ctx, partition); errors.Is(err, store.ErrNotFound) {
		c.log.Info(ctx, "admin cache missing; rebuilding", logger.String("partition", partition))
		return c.FullRebuild(ctx)
	} else if err != nil {
		return fmt.Errorf("read admin cache %s: %w", partition, err)
	}

	if err := c.dropFrom(ctx, partition, id); err != nil {
		return err
	}
	metrics.RecordAdminCacheRemove()
	return nil
}

// FullRebuild reconstructs every partition listing from the authoritative
// participant records.
func (c *Cache) FullRebuild(ctx context.Context) error {
	for _, partition := range partitions {
		records, err := c.store.Participants(ctx, partition)
		if err != nil {
			return fmt.Errorf("load participants %s: %w", partition, err)
		}
		sortEntries(records)
		if err := c.write(ctx, partition, records); err != nil {
			return err
		}
	}
	metrics.RecordAdminCacheRebuild()
	return nil
}

// write stores a listing stamped with the current time.
func (c *Cache) write(ctx context.Context, partition string, entries []model.Participant) error {
	listing := model.AdminListing{
		Participants: entries,
		LastUpdated:  c.now().UTC(),
	}
	if err := c.store.PutAdminPartition(ctx, partition, listing); err != nil {
		return fmt.Errorf("write admin cache %s: %w", partition, err)
	}
	return nil
}

// dropFrom removes id from a partition listing when both exist.
func (c *Cache) dropFrom(ctx context.Context, partition, id string) error {
	listing, err := c.store.AdminPartition(ctx, partition)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read admin cache %s: %w", partition, err)
	}

	entries := listing.Participants
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	return c.write(ctx, partition, kept)
}

// sortEntries keeps listings in a stable display order.
func sortEntries(entries []model.Participant) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DisplayName != entries[j].DisplayName {
			return entries[i].DisplayName < entries[j].DisplayName
		}
		return entries[i].ID < entries[j].ID
	})
}

func known(partition string) bool {
	for _, p := range partitions {
		if p == partition {
			return true
		}
	}
	return false
}
