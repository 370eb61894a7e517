// Package store defines persistence for the score ledger and its derived
// caches.
//
// Logical layout, backend-agnostic:
//
//	deltas/{batchKey}/{userId}   pending score deltas, summed per user
//	lock/{batchKey}              batch processing lock
//	scores/{userId}              authoritative user score records
//	index/sortedScores           ordered score index
//	ranks/{userId}               cached ordinal ranks
//	leaderboard/top              materialized top-N board
//	adminCache/{partition}       denormalized participant listings
//	participants/{partition}     authoritative participant records
package store

import (
	"context"
	"time"

	"github.com/nazfar/meishi/internal/domain/model"
)

// Store provides read/write access to the ranking state. Implementations
// must make AcquireLock an atomic insert-if-absent; it is the only
// mutual-exclusion primitive the batch processor relies on.
type Store interface {
	// Delta queue. AppendDelta is a blind additive write keyed by
	// (batchKey, targetID); deltas for the same user in one batch sum.
	AppendDelta(ctx context.Context, batchKey, targetID string, delta int, at time.Time) error
	Deltas(ctx context.Context, batchKey string) (map[string]model.ScoreDelta, error)
	// DeleteBatch removes a drained batch's deltas and its lock.
	DeleteBatch(ctx context.Context, batchKey string) error

	// Processing lock. AcquireLock returns (lock, true, nil) when this call
	// installed the lock, or (existing, false, nil) when another holder owns
	// it. Lock reads back the current lock for ownership re-verification.
	AcquireLock(ctx context.Context, batchKey, holderID string, at time.Time) (model.Lock, bool, error)
	Lock(ctx context.Context, batchKey string) (model.Lock, bool, error)
	ReleaseLock(ctx context.Context, batchKey string) error

	// Authoritative score records. UserScore returns ErrNotFound for
	// unknown users. PutUserScores is the processor's bulk commit.
	UserScore(ctx context.Context, userID string) (model.UserScore, error)
	PutUserScores(ctx context.Context, records []model.UserScore) error
	AllUserScores(ctx context.Context) ([]model.UserScore, error)
	CountUserScores(ctx context.Context) (int, error)
	DeleteUserScore(ctx context.Context, userID string) error

	// Sorted score index. SortedIndex returns ErrNotFound when the index
	// is missing so maintainers can fall back to a full rebuild.
	SortedIndex(ctx context.Context) ([]model.IndexEntry, error)
	PutSortedIndex(ctx context.Context, entries []model.IndexEntry) error
	DeleteSortedIndex(ctx context.Context) error

	// Rank cache.
	RankEntry(ctx context.Context, userID string) (model.RankEntry, error)
	PutRankEntries(ctx context.Context, entries []model.RankEntry) error
	DeleteRankEntry(ctx context.Context, userID string) error

	// Materialized leaderboard.
	Board(ctx context.Context) (model.Board, error)
	PutBoard(ctx context.Context, board model.Board) error

	// Admin cache partitions. Listings carry the time of their last write.
	AdminPartition(ctx context.Context, partition string) (model.AdminListing, error)
	PutAdminPartition(ctx context.Context, partition string, listing model.AdminListing) error

	// Authoritative participant records, the rebuild source for the admin
	// cache and the display source for the leaderboard.
	Participant(ctx context.Context, id string) (model.Participant, string, error)
	Participants(ctx context.Context, partition string) ([]model.Participant, error)
	PutParticipant(ctx context.Context, partition string, p model.Participant) error
	DeleteParticipant(ctx context.Context, partition, id string) error

	Close() error
}
