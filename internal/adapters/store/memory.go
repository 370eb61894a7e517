package store

import (
	"context"
	"sync"
	"time"

	"github.com/nazfar/meishi/internal/domain/model"
	"github.com/nazfar/meishi/pkg/metrics"
)

// MemoryStore is the in-process Store used as the default backend and in
// tests. All mutations hold one mutex; AcquireLock's insert-if-absent is
// therefore trivially atomic.
type MemoryStore struct {
	mu sync.RWMutex

	deltas       map[string]map[string]model.ScoreDelta // batchKey -> targetID -> delta
	locks        map[string]model.Lock                  // batchKey -> lock
	scores       map[string]model.UserScore             // userID -> record
	index        []model.IndexEntry
	indexPresent bool
	ranks        map[string]model.RankEntry // userID -> rank
	board        model.Board
	boardPresent bool
	adminCache   map[string]model.AdminListing // partition -> listing
	participants map[string]map[string]model.Participant
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deltas:     make(map[string]map[string]model.ScoreDelta),
		locks:      make(map[string]model.Lock),
		scores:     make(map[string]model.UserScore),
		ranks:      make(map[string]model.RankEntry),
		adminCache: make(map[string]model.AdminListing),
		participants: map[string]map[string]model.Participant{
			model.PartitionPending: {},
			model.PartitionActive:  {},
		},
	}
}

func (s *MemoryStore) AppendDelta(ctx context.Context, batchKey, targetID string, delta int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.deltas[batchKey]
	if !ok {
		batch = make(map[string]model.ScoreDelta)
		s.deltas[batchKey] = batch
	}
	d, ok := batch[targetID]
	if !ok {
		d = model.ScoreDelta{TargetID: targetID, CreatedAt: at}
	}
	d.Delta += delta
	batch[targetID] = d
	return nil
}

func (s *MemoryStore) Deltas(ctx context.Context, batchKey string) (map[string]model.ScoreDelta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch := s.deltas[batchKey]
	out := make(map[string]model.ScoreDelta, len(batch))
	for id, d := range batch {
		out[id] = d
	}
	return out, nil
}

func (s *MemoryStore) DeleteBatch(ctx context.Context, batchKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.deltas, batchKey)
	delete(s.locks, batchKey)
	return nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, batchKey, holderID string, at time.Time) (model.Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.locks[batchKey]; ok {
		return existing, false, nil
	}
	l := model.Lock{HolderID: holderID, HeldAt: at}
	s.locks[batchKey] = l
	return l, true, nil
}

func (s *MemoryStore) Lock(ctx context.Context, batchKey string) (model.Lock, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.locks[batchKey]
	return l, ok, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, batchKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.locks, batchKey)
	return nil
}

func (s *MemoryStore) UserScore(ctx context.Context, userID string) (model.UserScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.scores[userID]
	if !ok {
		return model.UserScore{}, ErrNotFound
	}
	return cloneUserScore(rec), nil
}

func (s *MemoryStore) PutUserScores(ctx context.Context, records []model.UserScore) error {
	start := time.Now()
	defer func() {
		metrics.RecordStoreWriteLatency(float64(time.Since(start).Milliseconds()))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		s.scores[rec.UserID] = cloneUserScore(rec)
	}
	metrics.UpdateUsersTotal(len(s.scores))
	return nil
}

func (s *MemoryStore) AllUserScores(ctx context.Context) ([]model.UserScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.UserScore, 0, len(s.scores))
	for _, rec := range s.scores {
		out = append(out, cloneUserScore(rec))
	}
	return out, nil
}

func (s *MemoryStore) CountUserScores(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scores), nil
}

func (s *MemoryStore) DeleteUserScore(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.scores, userID)
	metrics.UpdateUsersTotal(len(s.scores))
	return nil
}

func (s *MemoryStore) SortedIndex(ctx context.Context) ([]model.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.indexPresent {
		return nil, ErrNotFound
	}
	out := make([]model.IndexEntry, len(s.index))
	copy(out, s.index)
	return out, nil
}

func (s *MemoryStore) PutSortedIndex(ctx context.Context, entries []model.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index = make([]model.IndexEntry, len(entries))
	copy(s.index, entries)
	s.indexPresent = true
	metrics.UpdateIndexSize(len(entries))
	return nil
}

func (s *MemoryStore) DeleteSortedIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index = nil
	s.indexPresent = false
	metrics.UpdateIndexSize(0)
	return nil
}

func (s *MemoryStore) RankEntry(ctx context.Context, userID string) (model.RankEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.ranks[userID]
	if !ok {
		return model.RankEntry{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) PutRankEntries(ctx context.Context, entries []model.RankEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.ranks[e.UserID] = e
	}
	return nil
}

func (s *MemoryStore) DeleteRankEntry(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.ranks, userID)
	return nil
}

func (s *MemoryStore) Board(ctx context.Context) (model.Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.boardPresent {
		return model.Board{}, ErrNotFound
	}
	out := s.board
	out.Slots = make([]model.BoardSlot, len(s.board.Slots))
	copy(out.Slots, s.board.Slots)
	return out, nil
}

func (s *MemoryStore) PutBoard(ctx context.Context, board model.Board) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.board = board
	s.board.Slots = make([]model.BoardSlot, len(board.Slots))
	copy(s.board.Slots, board.Slots)
	s.boardPresent = true
	return nil
}

func (s *MemoryStore) AdminPartition(ctx context.Context, partition string) (model.AdminListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.participants[partition]; !ok {
		return model.AdminListing{}, ErrUnknownPartition
	}
	listing, ok := s.adminCache[partition]
	if !ok {
		return model.AdminListing{}, ErrNotFound
	}
	out := listing
	out.Participants = make([]model.Participant, len(listing.Participants))
	copy(out.Participants, listing.Participants)
	return out, nil
}

func (s *MemoryStore) PutAdminPartition(ctx context.Context, partition string, listing model.AdminListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[partition]; !ok {
		return ErrUnknownPartition
	}
	cp := listing
	cp.Participants = make([]model.Participant, len(listing.Participants))
	copy(cp.Participants, listing.Participants)
	s.adminCache[partition] = cp
	return nil
}

func (s *MemoryStore) Participant(ctx context.Context, id string) (model.Participant, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, partition := range []string{model.PartitionActive, model.PartitionPending} {
		if p, ok := s.participants[partition][id]; ok {
			return p, partition, nil
		}
	}
	return model.Participant{}, "", ErrNotFound
}

func (s *MemoryStore) Participants(ctx context.Context, partition string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, ok := s.participants[partition]
	if !ok {
		return nil, ErrUnknownPartition
	}
	out := make([]model.Participant, 0, len(records))
	for _, p := range records {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) PutParticipant(ctx context.Context, partition string, p model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.participants[partition]
	if !ok {
		return ErrUnknownPartition
	}
	records[p.ID] = p
	return nil
}

func (s *MemoryStore) DeleteParticipant(ctx context.Context, partition, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.participants[partition]
	if !ok {
		return ErrUnknownPartition
	}
	delete(records, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// cloneUserScore copies the record including its idempotency ledger so
// callers never share the internal map.
func cloneUserScore(rec model.UserScore) model.UserScore {
	out := rec
	if rec.ProcessedBatches != nil {
		out.ProcessedBatches = make(map[string]struct{}, len(rec.ProcessedBatches))
		for k := range rec.ProcessedBatches {
			out.ProcessedBatches[k] = struct{}{}
		}
	}
	return out
}
