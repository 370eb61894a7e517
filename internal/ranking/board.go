package ranking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nazfar/meishi/internal/adapters/identity"
	"github.com/nazfar/meishi/internal/adapters/store"
	"github.com/nazfar/meishi/internal/domain/model"
	"github.com/nazfar/meishi/internal/domain/tier"
	"github.com/nazfar/meishi/pkg/logger"
	"github.com/nazfar/meishi/pkg/metrics"
)

// defaultBoardSize is the fixed number of leaderboard slots.
const defaultBoardSize = 10

// Board materializes the top-N leaderboard view from the sorted index.
type Board struct {
	store    store.Store
	index    *Index
	photos   identity.Provider
	classify tier.Classifier
	size     int
	log      logger.Logger
}

// BoardOption applies a configuration option to the Board.
type BoardOption func(*Board)

// WithBoardSize sets the fixed slot count.
func WithBoardSize(n int) BoardOption {
	return func(b *Board) {
		if n > 0 {
			b.size = n
		}
	}
}

// WithPhotoProvider sets the external identity provider for photo lookups.
func WithPhotoProvider(p identity.Provider) BoardOption {
	return func(b *Board) {
		b.photos = p
	}
}

// NewBoard creates a leaderboard materializer.
func NewBoard(st store.Store, index *Index, classify tier.Classifier, opts ...BoardOption) *Board {
	b := &Board{
		store:    st,
		index:    index,
		classify: classify,
		size:     defaultBoardSize,
		log:      logger.Get().Named("board"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Refresh rebuilds the materialized view from the top of the sorted index.
// Any score change in the top-N invalidates the whole view, so the refresh
// always re-reads the full top-N rather than only the affected users.
func (b *Board) Refresh(ctx context.Context) error {
	entries, err := b.loadIndex(ctx)
	if err != nil {
		return err
	}
	ordinals := assignOrdinals(entries)

	slots := make([]model.BoardSlot, b.size)
	for i := 0; i < b.size && i < len(entries); i++ {
		e := entries[i]
		slot := model.BoardSlot{
			Filled: true,
			UserID: e.UserID,
			Score:  e.Score,
			Tier:   b.classify.Classify(e.Score),
			Rank:   ordinals[i],
		}
		b.resolveDisplay(ctx, &slot)
		slots[i] = slot
	}
	// Remaining slots stay explicit empty markers so every consumer sees a
	// fixed-size array.

	total, err := b.store.CountUserScores(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}

	board := model.Board{
		Slots:       slots,
		TotalUsers:  total,
		LastUpdated: time.Now().UTC(),
	}
	if err := b.store.PutBoard(ctx, board); err != nil {
		return fmt.Errorf("write board: %w", err)
	}
	metrics.RecordBoardRefresh()
	return nil
}

// resolveDisplay fills the denormalized display fields. Identity lookups
// are best-effort: a failed photo fetch leaves the field empty, and a
// successful one is persisted back for future reuse.
func (b *Board) resolveDisplay(ctx context.Context, slot *model.BoardSlot) {
	p, partition, err := b.store.Participant(ctx, slot.UserID)
	if err != nil {
		slot.DisplayName = slot.UserID
		return
	}
	slot.DisplayName = p.DisplayName
	slot.Group = p.Group
	slot.PhotoURL = p.PhotoURL

	if slot.PhotoURL != "" || b.photos == nil {
		return
	}
	photo, err := b.photos.PhotoURL(ctx, slot.UserID)
	if err != nil {
		b.log.Warn(ctx, "photo lookup failed",
			logger.String("user", slot.UserID),
			logger.Error(err),
		)
		return
	}
	slot.PhotoURL = photo
	p.PhotoURL = photo
	if err := b.store.PutParticipant(ctx, partition, p); err != nil {
		b.log.Warn(ctx, "photo write-back failed",
			logger.String("user", slot.UserID),
			logger.Error(err),
		)
	}
}

func (b *Board) loadIndex(ctx context.Context) ([]model.IndexEntry, error) {
	entries, err := b.store.SortedIndex(ctx)
	if err == nil {
		return entries, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load index: %w", err)
	}
	if err := b.index.Rebuild(ctx); err != nil {
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	entries, err = b.store.SortedIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("load index after rebuild: %w", err)
	}
	return entries, nil
}
