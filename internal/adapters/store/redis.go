package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nazfar/meishi/internal/domain/model"
)

// Redis key layout, mirroring the logical paths in this package's doc.
const (
	redisDeltasPrefix       = "meishi:deltas:"       // hash: targetID -> summed delta
	redisLockPrefix         = "meishi:lock:"         // string: JSON lock
	redisScoresKey          = "meishi:scores"        // hash: userID -> JSON record
	redisIndexKey           = "meishi:index:sortedScores"
	redisRanksKey           = "meishi:ranks" // hash: userID -> JSON rank entry
	redisBoardKey           = "meishi:leaderboard:top"
	redisAdminCachePrefix   = "meishi:adminCache:"   // string: JSON listing per partition
	redisParticipantsPrefix = "meishi:participants:" // hash: id -> JSON participant
)

// RedisStore implements Store on a redis instance. The processing lock maps
// onto SET NX, which gives the required atomic insert-if-absent; delta
// accumulation maps onto HINCRBY, which makes AppendDelta a blind additive
// write with no read-modify-write race.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and returns a redis-backed Store.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) AppendDelta(ctx context.Context, batchKey, targetID string, delta int, at time.Time) error {
	if err := s.client.HIncrBy(ctx, redisDeltasPrefix+batchKey, targetID, int64(delta)).Err(); err != nil {
		return fmt.Errorf("append delta batch=%s user=%s: %w", batchKey, targetID, err)
	}
	return nil
}

func (s *RedisStore) Deltas(ctx context.Context, batchKey string) (map[string]model.ScoreDelta, error) {
	raw, err := s.client.HGetAll(ctx, redisDeltasPrefix+batchKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read deltas batch=%s: %w", batchKey, err)
	}
	out := make(map[string]model.ScoreDelta, len(raw))
	for id, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("corrupt delta batch=%s user=%s: %w", batchKey, id, err)
		}
		// Accumulated value only; the batch key carries the window time.
		out[id] = model.ScoreDelta{TargetID: id, Delta: n}
	}
	return out, nil
}

func (s *RedisStore) DeleteBatch(ctx context.Context, batchKey string) error {
	if err := s.client.Del(ctx, redisDeltasPrefix+batchKey, redisLockPrefix+batchKey).Err(); err != nil {
		return fmt.Errorf("delete batch=%s: %w", batchKey, err)
	}
	return nil
}

// redisLock is the stored lock shape.
type redisLock struct {
	HolderID string    `json:"holder_id"`
	HeldAt   time.Time `json:"held_at"`
}

func (s *RedisStore) AcquireLock(ctx context.Context, batchKey, holderID string, at time.Time) (model.Lock, bool, error) {
	payload, err := json.Marshal(redisLock{HolderID: holderID, HeldAt: at})
	if err != nil {
		return model.Lock{}, false, fmt.Errorf("marshal lock: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisLockPrefix+batchKey, payload, 0).Result()
	if err != nil {
		return model.Lock{}, false, fmt.Errorf("acquire lock batch=%s: %w", batchKey, err)
	}
	if ok {
		return model.Lock{HolderID: holderID, HeldAt: at}, true, nil
	}
	existing, found, err := s.Lock(ctx, batchKey)
	if err != nil {
		return model.Lock{}, false, err
	}
	if !found {
		// Lost a race with a release between SETNX and GET; caller retries.
		return model.Lock{}, false, nil
	}
	return existing, false, nil
}

func (s *RedisStore) Lock(ctx context.Context, batchKey string) (model.Lock, bool, error) {
	raw, err := s.client.Get(ctx, redisLockPrefix+batchKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Lock{}, false, nil
	}
	if err != nil {
		return model.Lock{}, false, fmt.Errorf("read lock batch=%s: %w", batchKey, err)
	}
	var l redisLock
	if err := json.Unmarshal(raw, &l); err != nil {
		return model.Lock{}, false, fmt.Errorf("corrupt lock batch=%s: %w", batchKey, err)
	}
	return model.Lock{HolderID: l.HolderID, HeldAt: l.HeldAt}, true, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, batchKey string) error {
	if err := s.client.Del(ctx, redisLockPrefix+batchKey).Err(); err != nil {
		return fmt.Errorf("release lock batch=%s: %w", batchKey, err)
	}
	return nil
}

// redisUserScore is the stored score record shape.
type redisUserScore struct {
	UserID           string    `json:"user_id"`
	Score            int       `json:"score"`
	Tier             string    `json:"tier"`
	FirstSeen        time.Time `json:"first_seen"`
	ProcessedBatches []string  `json:"processed_batches"`
}

func toRedisUserScore(rec model.UserScore) redisUserScore {
	out := redisUserScore{
		UserID:    rec.UserID,
		Score:     rec.Score,
		Tier:      rec.Tier,
		FirstSeen: rec.FirstSeen,
	}
	for k := range rec.ProcessedBatches {
		out.ProcessedBatches = append(out.ProcessedBatches, k)
	}
	return out
}

func (r redisUserScore) toModel() model.UserScore {
	out := model.UserScore{
		UserID:    r.UserID,
		Score:     r.Score,
		Tier:      r.Tier,
		FirstSeen: r.FirstSeen,
	}
	if len(r.ProcessedBatches) > 0 {
		out.ProcessedBatches = make(map[string]struct{}, len(r.ProcessedBatches))
		for _, k := range r.ProcessedBatches {
			out.ProcessedBatches[k] = struct{}{}
		}
	}
	return out
}

func (s *RedisStore) UserScore(ctx context.Context, userID string) (model.UserScore, error) {
	raw, err := s.client.HGet(ctx, redisScoresKey, userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.UserScore{}, ErrNotFound
	}
	if err != nil {
		return model.UserScore{}, fmt.Errorf("read score user=%s: %w", userID, err)
	}
	var rec redisUserScore
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.UserScore{}, fmt.Errorf("corrupt score user=%s: %w", userID, err)
	}
	return rec.toModel(), nil
}

func (s *RedisStore) PutUserScores(ctx context.Context, records []model.UserScore) error {
	if len(records) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(records))
	for _, rec := range records {
		payload, err := json.Marshal(toRedisUserScore(rec))
		if err != nil {
			return fmt.Errorf("marshal score user=%s: %w", rec.UserID, err)
		}
		fields[rec.UserID] = payload
	}
	if err := s.client.HSet(ctx, redisScoresKey, fields).Err(); err != nil {
		return fmt.Errorf("write scores: %w", err)
	}
	return nil
}

func (s *RedisStore) AllUserScores(ctx context.Context) ([]model.UserScore, error) {
	raw, err := s.client.HGetAll(ctx, redisScoresKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read scores: %w", err)
	}
	out := make([]model.UserScore, 0, len(raw))
	for id, v := range raw {
		var rec redisUserScore
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("corrupt score user=%s: %w", id, err)
		}
		out = append(out, rec.toModel())
	}
	return out, nil
}

func (s *RedisStore) CountUserScores(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, redisScoresKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count scores: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) DeleteUserScore(ctx context.Context, userID string) error {
	if err := s.client.HDel(ctx, redisScoresKey, userID).Err(); err != nil {
		return fmt.Errorf("delete score user=%s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) SortedIndex(ctx context.Context) ([]model.IndexEntry, error) {
	raw, err := s.client.Get(ctx, redisIndexKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var entries []model.IndexEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("corrupt index: %w", err)
	}
	return entries, nil
}

func (s *RedisStore) PutSortedIndex(ctx context.Context, entries []model.IndexEntry) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := s.client.Set(ctx, redisIndexKey, payload, 0).Err(); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteSortedIndex(ctx context.Context) error {
	if err := s.client.Del(ctx, redisIndexKey).Err(); err != nil {
		return fmt.Errorf("delete index: %w", err)
	}
	return nil
}

func (s *RedisStore) RankEntry(ctx context.Context, userID string) (model.RankEntry, error) {
	raw, err := s.client.HGet(ctx, redisRanksKey, userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.RankEntry{}, ErrNotFound
	}
	if err != nil {
		return model.RankEntry{}, fmt.Errorf("read rank user=%s: %w", userID, err)
	}
	var e model.RankEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.RankEntry{}, fmt.Errorf("corrupt rank user=%s: %w", userID, err)
	}
	return e, nil
}

func (s *RedisStore) PutRankEntries(ctx context.Context, entries []model.RankEntry) error {
	if len(entries) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal rank user=%s: %w", e.UserID, err)
		}
		fields[e.UserID] = payload
	}
	if err := s.client.HSet(ctx, redisRanksKey, fields).Err(); err != nil {
		return fmt.Errorf("write ranks: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteRankEntry(ctx context.Context, userID string) error {
	if err := s.client.HDel(ctx, redisRanksKey, userID).Err(); err != nil {
		return fmt.Errorf("delete rank user=%s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) Board(ctx context.Context) (model.Board, error) {
	raw, err := s.client.Get(ctx, redisBoardKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Board{}, ErrNotFound
	}
	if err != nil {
		return model.Board{}, fmt.Errorf("read board: %w", err)
	}
	var b model.Board
	if err := json.Unmarshal(raw, &b); err != nil {
		return model.Board{}, fmt.Errorf("corrupt board: %w", err)
	}
	return b, nil
}

func (s *RedisStore) PutBoard(ctx context.Context, board model.Board) error {
	payload, err := json.Marshal(board)
	if err != nil {
		return fmt.Errorf("marshal board: %w", err)
	}
	if err := s.client.Set(ctx, redisBoardKey, payload, 0).Err(); err != nil {
		return fmt.Errorf("write board: %w", err)
	}
	return nil
}

func (s *RedisStore) AdminPartition(ctx context.Context, partition string) (model.AdminListing, error) {
	if partition != model.PartitionActive && partition != model.PartitionPending {
		return model.AdminListing{}, ErrUnknownPartition
	}
	raw, err := s.client.Get(ctx, redisAdminCachePrefix+partition).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.AdminListing{}, ErrNotFound
	}
	if err != nil {
		return model.AdminListing{}, fmt.Errorf("read admin cache %s: %w", partition, err)
	}
	var listing model.AdminListing
	if err := json.Unmarshal(raw, &listing); err != nil {
		return model.AdminListing{}, fmt.Errorf("corrupt admin cache %s: %w", partition, err)
	}
	return listing, nil
}

func (s *RedisStore) PutAdminPartition(ctx context.Context, partition string, listing model.AdminListing) error {
	if partition != model.PartitionActive && partition != model.PartitionPending {
		return ErrUnknownPartition
	}
	payload, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("marshal admin cache %s: %w", partition, err)
	}
	if err := s.client.Set(ctx, redisAdminCachePrefix+partition, payload, 0).Err(); err != nil {
		return fmt.Errorf("write admin cache %s: %w", partition, err)
	}
	return nil
}

func (s *RedisStore) Participant(ctx context.Context, id string) (model.Participant, string, error) {
	for _, partition := range []string{model.PartitionActive, model.PartitionPending} {
		raw, err := s.client.HGet(ctx, redisParticipantsPrefix+partition, id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return model.Participant{}, "", fmt.Errorf("read participant %s: %w", id, err)
		}
		var p model.Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			return model.Participant{}, "", fmt.Errorf("corrupt participant %s: %w", id, err)
		}
		return p, partition, nil
	}
	return model.Participant{}, "", ErrNotFound
}

func (s *RedisStore) Participants(ctx context.Context, partition string) ([]model.Participant, error) {
	if partition != model.PartitionActive && partition != model.PartitionPending {
		return nil, ErrUnknownPartition
	}
	raw, err := s.client.HGetAll(ctx, redisParticipantsPrefix+partition).Result()
	if err != nil {
		return nil, fmt.Errorf("read participants %s: %w", partition, err)
	}
	out := make([]model.Participant, 0, len(raw))
	for id, v := range raw {
		var p model.Participant
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("corrupt participant %s: %w", id, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *RedisStore) PutParticipant(ctx context.Context, partition string, p model.Participant) error {
	if partition != model.PartitionActive && partition != model.PartitionPending {
		return ErrUnknownPartition
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant %s: %w", p.ID, err)
	}
	if err := s.client.HSet(ctx, redisParticipantsPrefix+partition, p.ID, payload).Err(); err != nil {
		return fmt.Errorf("write participant %s: %w", p.ID, err)
	}
	return nil
}

func (s *RedisStore) DeleteParticipant(ctx context.Context, partition, id string) error {
	if partition != model.PartitionActive && partition != model.PartitionPending {
		return ErrUnknownPartition
	}
	if err := s.client.HDel(ctx, redisParticipantsPrefix+partition, id).Err(); err != nil {
		return fmt.Errorf("delete participant %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
