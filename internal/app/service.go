// Package app wires the domain components into the badge-scan scoring
// service and exposes its operations to the transport layer.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nazfar/meishi/internal/admincache"
	"github.com/nazfar/meishi/internal/adapters/identity"
	"github.com/nazfar/meishi/internal/adapters/mq/queue"
	"github.com/nazfar/meishi/internal/adapters/mq/worker"
	"github.com/nazfar/meishi/internal/adapters/store"
	"github.com/nazfar/meishi/internal/backup"
	"github.com/nazfar/meishi/internal/batch"
	"github.com/nazfar/meishi/internal/config"
	"github.com/nazfar/meishi/internal/domain/bucket"
	"github.com/nazfar/meishi/internal/domain/connections"
	"github.com/nazfar/meishi/internal/domain/model"
	"github.com/nazfar/meishi/internal/domain/tier"
	"github.com/nazfar/meishi/internal/ranking"
	"github.com/nazfar/meishi/internal/scheduler"
	"github.com/nazfar/meishi/pkg/logger"
	"github.com/nazfar/meishi/pkg/metrics"
)

// ScanResult reports the outcome of one badge scan.
type ScanResult struct {
	Duplicate bool   `json:"duplicate"`
	BatchKey  string `json:"batch_key,omitempty"`
	Points    int    `json:"points"`
}

// Stats is the operational snapshot served by the stats endpoint.
type Stats struct {
	TotalUsers   int       `json:"total_users"`
	Connections  int64     `json:"connections"`
	QueuedEvents int       `json:"queued_events"`
	BoardUpdated time.Time `json:"board_updated,omitempty"`
}

// Service is the application core. Create it with New and release its
// resources with Stop.
type Service struct {
	cfg *config.Config

	store       store.Store
	bucketer    bucket.Bucketer
	classify    tier.Classifier
	connections connections.Tracker
	processor   *batch.Processor
	pipeline    *ranking.Pipeline
	adminCache  *admincache.Cache
	queue       queue.Queue
	pool        *worker.Pool
	backup      *backup.Synchronizer
	sched       *scheduler.Scheduler

	photoProvider identity.Provider
	now           func() time.Time
	log           logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore injects a pre-built store, bypassing the backend factory.
func WithStore(st store.Store) Option {
	return func(s *Service) {
		s.store = st
	}
}

// WithPhotoProvider overrides the identity provider for photo lookups.
func WithPhotoProvider(p identity.Provider) Option {
	return func(s *Service) {
		s.photoProvider = p
	}
}

// WithClock injects the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds the service from configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg: cfg,
		log: logger.Get().Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.now == nil {
		s.now = time.Now
	}

	if s.store == nil {
		st, err := store.Build(ctx, cfg.StoreBackend, cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("build store: %w", err)
		}
		s.store = st
	}

	s.bucketer = bucket.New(bucket.WithWidth(cfg.BucketWidth))
	s.classify = tier.New(
		tier.WithThresholds(cfg.TierThresholds),
		tier.WithFallback(cfg.DefaultTier),
	)
	s.connections = connections.NewInMemoryTracker(
		connections.WithMaxSize(cfg.ConnectionCacheSize),
	)

	if s.photoProvider == nil && cfg.IdentityBaseURL != "" {
		s.photoProvider = identity.NewHTTPProvider(cfg.IdentityBaseURL)
	}

	index := ranking.NewIndex(s.store, ranking.WithIndexCap(cfg.IndexCap))
	ranks := ranking.NewRanks(s.store, index, s.classify)
	boardOpts := []ranking.BoardOption{ranking.WithBoardSize(cfg.BoardSize)}
	if s.photoProvider != nil {
		boardOpts = append(boardOpts, ranking.WithPhotoProvider(s.photoProvider))
	}
	board := ranking.NewBoard(s.store, index, s.classify, boardOpts...)
	s.pipeline = ranking.NewPipeline(index, ranks, board)

	s.processor = batch.NewProcessor(s.store, s.bucketer, s.classify,
		batch.WithLockTTL(cfg.LockTTL),
		batch.WithLookback(cfg.LookbackBuckets),
		batch.WithRefresher(s.pipeline),
	)

	s.adminCache = admincache.New(s.store)
	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(cfg.HookQueueSize))
	s.pool = worker.NewPool(cfg.WorkerCount, s.queue, s.adminCache, s.pipeline)

	if cfg.BackupPath != "" {
		sync, err := backup.New(s.store, cfg.BackupPath, backup.WithChunkSize(cfg.BackupChunkSize))
		if err != nil {
			return nil, fmt.Errorf("open backup: %w", err)
		}
		s.backup = sync
	}

	jobs := []scheduler.Job{{
		Name:     "batch-drain",
		Interval: cfg.BucketWidth,
		Run: func(ctx context.Context) error {
			return s.processor.ProcessDue(ctx, s.now())
		},
	}}
	if s.backup != nil {
		jobs = append(jobs, scheduler.Job{
			Name:     "backup-snapshot",
			Interval: cfg.BackupInterval,
			Run:      s.backup.Snapshot,
		})
	}
	s.sched = scheduler.New(jobs...)

	return s, nil
}

// Start launches the hook workers and the periodic jobs.
func (s *Service) Start(ctx context.Context) {
	s.pool.Start(ctx)
	s.sched.Start(ctx)
	s.log.Info(ctx, "service started",
		logger.String("backend", s.cfg.StoreBackend),
		logger.Duration("bucket_width", s.bucketer.Width()),
	)
}

// Stop drains and releases everything. Safe to call once.
func (s *Service) Stop(ctx context.Context) {
	s.sched.Stop()
	if err := s.queue.Close(); err != nil {
		s.log.Warn(ctx, "queue close failed", logger.Error(err))
	}
	s.pool.Stop()
	if s.backup != nil {
		if err := s.backup.Close(); err != nil {
			s.log.Warn(ctx, "backup close failed", logger.Error(err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn(ctx, "store close failed", logger.Error(err))
	}
	s.log.Info(ctx, "service stopped")
}

// RecordScan handles one badge scan: the scanned participant earns the
// configured points once per scanner. The delta lands in the current batch
// window; the authoritative score moves only when that batch is drained.
func (s *Service) RecordScan(ctx context.Context, scannerID, targetID string) (ScanResult, error) {
	if scannerID == "" || targetID == "" {
		return ScanResult{}, ErrEmptyID
	}
	if scannerID == targetID {
		return ScanResult{}, ErrSelfScan
	}

	if s.connections.SeenAndRecord(ctx, scannerID, targetID) {
		metrics.RecordScanDuplicate()
		return ScanResult{Duplicate: true}, nil
	}

	now := s.now()
	key := s.bucketer.Key(now)
	if err := s.store.AppendDelta(ctx, key, targetID, s.cfg.ScanPoints, now); err != nil {
		// Roll the pair back so a retry can score.
		s.connections.Unrecord(ctx, scannerID, targetID)
		metrics.RecordErrorByComponent("service", "append_delta")
		return ScanResult{}, fmt.Errorf("append delta: %w", err)
	}

	metrics.RecordScan()
	metrics.RecordDeltaAppended()
	return ScanResult{BatchKey: key, Points: s.cfg.ScanPoints}, nil
}

// Leaderboard returns the materialized board, rebuilding the derived
// caches once when the view is missing.
func (s *Service) Leaderboard(ctx context.Context) (model.Board, error) {
	board, err := s.store.Board(ctx)
	if err == nil {
		return board, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Board{}, fmt.Errorf("read board: %w", err)
	}

	if err := s.pipeline.RefreshAll(ctx); err != nil {
		return model.Board{}, fmt.Errorf("rebuild board: %w", err)
	}
	board, err = s.store.Board(ctx)
	if err != nil {
		return model.Board{}, fmt.Errorf("read board after rebuild: %w", err)
	}
	return board, nil
}

// Rank returns the cached rank for a user, refreshing the rank cache once
// when the user has a score record but no cache entry yet.
func (s *Service) Rank(ctx context.Context, userID string) (model.RankEntry, error) {
	if userID == "" {
		return model.RankEntry{}, ErrEmptyID
	}

	entry, err := s.store.RankEntry(ctx, userID)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.RankEntry{}, fmt.Errorf("read rank: %w", err)
	}

	// Only a user with an authoritative record can earn a cache entry.
	if _, err := s.store.UserScore(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.RankEntry{}, store.ErrNotFound
		}
		return model.RankEntry{}, fmt.Errorf("read score record: %w", err)
	}
	if err := s.pipeline.RefreshUsers(ctx, []string{userID}); err != nil {
		return model.RankEntry{}, fmt.Errorf("refresh rank: %w", err)
	}
	entry, err = s.store.RankEntry(ctx, userID)
	if err != nil {
		return model.RankEntry{}, fmt.Errorf("read rank after refresh: %w", err)
	}
	return entry, nil
}

// Score returns the authoritative score record for a user.
func (s *Service) Score(ctx context.Context, userID string) (model.UserScore, error) {
	if userID == "" {
		return model.UserScore{}, ErrEmptyID
	}
	return s.store.UserScore(ctx, userID)
}

// RefreshAllCaches rebuilds every derived cache from the authoritative
// records: sorted index, ranks, board, and the admin listings.
func (s *Service) RefreshAllCaches(ctx context.Context) error {
	if err := s.pipeline.RefreshAll(ctx); err != nil {
		return fmt.Errorf("refresh ranking caches: %w", err)
	}
	if err := s.adminCache.FullRebuild(ctx); err != nil {
		return fmt.Errorf("rebuild admin cache: %w", err)
	}
	return nil
}

// ProcessDueBatches drains every closed batch window now. The scheduler
// calls this on its own; the admin endpoint exposes it for manual runs.
func (s *Service) ProcessDueBatches(ctx context.Context) error {
	return s.processor.ProcessDue(ctx, s.now())
}

// ProcessBatch drains one specific batch window.
func (s *Service) ProcessBatch(ctx context.Context, batchKey string) (bool, error) {
	if _, err := s.bucketer.Parse(batchKey); err != nil {
		return false, err
	}
	return s.processor.ProcessBatch(ctx, batchKey, s.now())
}

// ParticipantUpserted handles a participant create or update from the
// registration system: the authoritative record is written here, the cache
// update travels through the hook queue. A new participant gets a score
// record immediately so first-seen ordering is fixed at onboarding.
func (s *Service) ParticipantUpserted(ctx context.Context, partition string, p model.Participant) error {
	if p.ID == "" {
		return ErrEmptyID
	}
	if p.FirstSeen.IsZero() {
		p.FirstSeen = s.now().UTC()
	}

	// A partition move deletes the record from its old home first.
	if _, current, err := s.store.Participant(ctx, p.ID); err == nil && current != partition {
		if err := s.store.DeleteParticipant(ctx, current, p.ID); err != nil {
			return fmt.Errorf("move participant from %s: %w", current, err)
		}
	}
	if err := s.store.PutParticipant(ctx, partition, p); err != nil {
		return fmt.Errorf("write participant: %w", err)
	}

	scoreAffecting := false
	if _, err := s.store.UserScore(ctx, p.ID); errors.Is(err, store.ErrNotFound) {
		rec := model.UserScore{
			UserID:    p.ID,
			Tier:      s.classify.Classify(0),
			FirstSeen: p.FirstSeen,
		}
		if err := s.store.PutUserScores(ctx, []model.UserScore{rec}); err != nil {
			return fmt.Errorf("create score record: %w", err)
		}
		scoreAffecting = true
	} else if err != nil {
		return fmt.Errorf("read score record: %w", err)
	}

	s.enqueue(ctx, queue.Event{
		Kind:           model.MutationUpsert,
		Partition:      partition,
		Participant:    p,
		ScoreAffecting: scoreAffecting,
	})
	return nil
}

// ParticipantRemoved handles a participant deletion: the authoritative
// record, the score record, and the rank cache entry all go; the listing
// update travels through the hook queue.
func (s *Service) ParticipantRemoved(ctx context.Context, partition, id string) error {
	if id == "" {
		return ErrEmptyID
	}

	if err := s.store.DeleteParticipant(ctx, partition, id); err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	if err := s.store.DeleteUserScore(ctx, id); err != nil {
		return fmt.Errorf("delete score record: %w", err)
	}
	if err := s.store.DeleteRankEntry(ctx, id); err != nil {
		return fmt.Errorf("delete rank entry: %w", err)
	}

	s.enqueue(ctx, queue.Event{
		Kind:           model.MutationRemove,
		Partition:      partition,
		Participant:    model.Participant{ID: id},
		ScoreAffecting: true,
	})
	return nil
}

// AdminList returns the cached participant listing for a partition,
// rebuilding the cache once when missing.
func (s *Service) AdminList(ctx context.Context, partition string) (model.AdminListing, error) {
	listing, err := s.store.AdminPartition(ctx, partition)
	if err == nil {
		return listing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.AdminListing{}, fmt.Errorf("read admin cache: %w", err)
	}

	if err := s.adminCache.FullRebuild(ctx); err != nil {
		return model.AdminListing{}, fmt.Errorf("rebuild admin cache: %w", err)
	}
	listing, err = s.store.AdminPartition(ctx, partition)
	if err != nil {
		return model.AdminListing{}, fmt.Errorf("read admin cache after rebuild: %w", err)
	}
	return listing, nil
}

// AdminCacheUpsert applies a listing upsert directly, outside the hook
// path. The authoritative participant records are not touched.
func (s *Service) AdminCacheUpsert(ctx context.Context, partition string, p model.Participant) error {
	if p.ID == "" {
		return ErrEmptyID
	}
	return s.adminCache.Upsert(ctx, partition, p)
}

// AdminCacheRemove drops a listing entry directly, outside the hook path.
func (s *Service) AdminCacheRemove(ctx context.Context, partition, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	return s.adminCache.Remove(ctx, partition, id)
}

// Snapshot forces a backup run outside the schedule.
func (s *Service) Snapshot(ctx context.Context) error {
	if s.backup == nil {
		return ErrBackupDisabled
	}
	return s.backup.Snapshot(ctx)
}

// Stats reports the service's operational counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	total, err := s.store.CountUserScores(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count users: %w", err)
	}
	metrics.UpdateUsersTotal(total)

	out := Stats{
		TotalUsers:   total,
		Connections:  s.connections.Size(),
		QueuedEvents: s.queue.Len(ctx),
	}
	if board, err := s.store.Board(ctx); err == nil {
		out.BoardUpdated = board.LastUpdated
	}
	return out, nil
}

// enqueue publishes a mutation event, logging when the queue rejects it.
// The caches self-heal on read, so a dropped event degrades freshness but
// never correctness.
func (s *Service) enqueue(ctx context.Context, e queue.Event) {
	if !s.queue.Enqueue(ctx, e) {
		s.log.Warn(ctx, "mutation event dropped",
			logger.String("participant", e.Participant.ID),
		)
	}
}
