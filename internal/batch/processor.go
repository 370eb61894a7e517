// Package batch drains the pending delta queue into the authoritative
// score records.
//
// Draining is built on two guarantees that together make it safe to run
// from any number of nodes: a per-batch processing lock acquired with an
// atomic insert-if-absent, and a per-user idempotency ledger that records
// which batches a score record has already absorbed. A batch may therefore
// be retried, replayed after a crash, or raced by two nodes without a
// delta ever being applied twice.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nazfar/meishi/internal/adapters/store"
	"github.com/nazfar/meishi/internal/domain/bucket"
	"github.com/nazfar/meishi/internal/domain/model"
	"github.com/nazfar/meishi/internal/domain/tier"
	"github.com/nazfar/meishi/pkg/logger"
	"github.com/nazfar/meishi/pkg/metrics"
)

const (
	// defaultLockTTL is the age after which a processing lock is presumed
	// abandoned and may be reclaimed.
	defaultLockTTL = 10 * time.Minute

	// defaultLookback is how many closed windows before the current one are
	// checked for unprocessed deltas on every run.
	defaultLookback = 24
)

// Refresher updates derived caches after score records change.
type Refresher interface {
	RefreshUsers(ctx context.Context, userIDs []string) error
}

// Processor drains due batches into the score records.
type Processor struct {
	store     store.Store
	bucketer  bucket.Bucketer
	classify  tier.Classifier
	refresher Refresher
	holderID  string
	lockTTL   time.Duration
	lookback  int
	log       logger.Logger
}

// Option applies a configuration option to the Processor.
type Option func(*Processor)

// WithLockTTL sets the staleness age for abandoned locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(p *Processor) {
		if ttl > 0 {
			p.lockTTL = ttl
		}
	}
}

// WithLookback sets how many closed windows before the current one are
// scanned for leftover deltas.
func WithLookback(n int) Option {
	return func(p *Processor) {
		if n >= 0 {
			p.lookback = n
		}
	}
}

// WithRefresher sets the derived-cache refresher invoked after a drain.
func WithRefresher(r Refresher) Option {
	return func(p *Processor) {
		p.refresher = r
	}
}

// NewProcessor creates a batch processor. The holder id identifying this
// node's locks is generated once per processor.
func NewProcessor(st store.Store, b bucket.Bucketer, classify tier.Classifier, opts ...Option) *Processor {
	p := &Processor{
		store:    st,
		bucketer: b,
		classify: classify,
		holderID: uuid.NewString(),
		lockTTL:  defaultLockTTL,
		lookback: defaultLookback,
		log:      logger.Get().Named("batch"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HolderID returns the lock holder identity of this processor.
func (p *Processor) HolderID() string {
	return p.holderID
}

// ProcessDue drains every closed window within the lookback horizon. The
// current window is still accumulating and is left alone. Batches locked
// by another live processor are skipped; other failures are collected and
// the remaining windows still get their turn.
func (p *Processor) ProcessDue(ctx context.Context, now time.Time) error {
	keys := p.bucketer.Lookback(now, p.lookback)
	if len(keys) < 2 {
		return nil
	}

	var errs []error
	for i, key := range keys[1:] {
		processed, err := p.ProcessBatch(ctx, key, now)
		if errors.Is(err, ErrLockHeld) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("batch %s: %w", key, err))
			continue
		}
		// Anything older than the most recent closed window is catch-up
		// work left behind by downtime or a crashed node.
		if processed && i > 0 {
			metrics.RecordBatchCaughtUp()
			p.log.Info(ctx, "caught up missed batch", logger.String("batch", key))
		}
	}
	return errors.Join(errs...)
}

// ProcessBatch drains one batch. It reports whether any deltas were
// drained; an empty batch is a successful no-op.
func (p *Processor) ProcessBatch(ctx context.Context, batchKey string, now time.Time) (bool, error) {
	deltas, err := p.store.Deltas(ctx, batchKey)
	if err != nil {
		return false, fmt.Errorf("read deltas: %w", err)
	}
	if len(deltas) == 0 {
		return false, nil
	}

	if err := p.acquire(ctx, batchKey, now); err != nil {
		return false, err
	}

	start := time.Now()
	affected, err := p.drain(ctx, batchKey, deltas)
	if err != nil {
		metrics.RecordErrorByComponent("batch", "drain")
		// Give the lock back so a retry does not have to wait out the
		// staleness TTL. The idempotency ledger keeps the replay safe even
		// if another node grabs the batch first.
		if relErr := p.store.ReleaseLock(ctx, batchKey); relErr != nil {
			p.log.Warn(ctx, "lock release after failed drain",
				logger.String("batch", batchKey),
				logger.Error(relErr),
			)
		}
		return false, err
	}

	if p.refresher != nil {
		// Cache refresh is best-effort: the caches self-heal on read, and
		// the score records are already committed.
		if err := p.refresher.RefreshUsers(ctx, affected); err != nil {
			p.log.Warn(ctx, "cache refresh after drain failed",
				logger.String("batch", batchKey),
				logger.Error(err),
			)
		}
	}

	if err := p.store.DeleteBatch(ctx, batchKey); err != nil {
		// The deltas were applied; a replay is harmless because the
		// idempotency ledger will skip them.
		p.log.Warn(ctx, "drained batch cleanup failed",
			logger.String("batch", batchKey),
			logger.Error(err),
		)
	}

	metrics.RecordBatchProcessed()
	metrics.RecordBatchDrainDuration(float64(time.Since(start).Milliseconds()))
	p.log.Info(ctx, "batch drained",
		logger.String("batch", batchKey),
		logger.Int("users", len(affected)),
	)
	return true, nil
}

// acquire takes the batch lock, reclaiming it first when the present
// holder went stale. After winning the insert it re-reads the lock to
// confirm ownership.
func (p *Processor) acquire(ctx context.Context, batchKey string, now time.Time) error {
	for attempt := 0; attempt < 2; attempt++ {
		existing, acquired, err := p.store.AcquireLock(ctx, batchKey, p.holderID, now)
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if acquired {
			return p.verifyLock(ctx, batchKey)
		}
		// A lock we already hold, left behind by an interrupted run, is
		// ours to re-enter.
		if existing.HolderID == p.holderID {
			return p.verifyLock(ctx, batchKey)
		}
		if !existing.Stale(now, p.lockTTL) {
			metrics.RecordLockContention()
			return fmt.Errorf("%w: holder %s", ErrLockHeld, existing.HolderID)
		}
		// The holder died mid-drain. Clear the lock and take one more shot;
		// if another node reclaims it first, contention wins.
		if err := p.store.ReleaseLock(ctx, batchKey); err != nil {
			return fmt.Errorf("reclaim stale lock: %w", err)
		}
		metrics.RecordStaleLockReclaimed()
		p.log.Warn(ctx, "reclaimed stale batch lock",
			logger.String("batch", batchKey),
			logger.String("stale_holder", existing.HolderID),
		)
	}
	metrics.RecordLockContention()
	return ErrLockHeld
}

// verifyLock re-reads the lock after acquisition. Backends that cannot
// make the insert fully atomic still converge here: exactly one holder
// survives the read-back.
func (p *Processor) verifyLock(ctx context.Context, batchKey string) error {
	lock, ok, err := p.store.Lock(ctx, batchKey)
	if err != nil {
		return fmt.Errorf("verify lock: %w", err)
	}
	if !ok || lock.HolderID != p.holderID {
		metrics.RecordLockContention()
		return fmt.Errorf("%w: lost verification to %s", ErrLockHeld, lock.HolderID)
	}
	return nil
}

// drain applies the batch's summed deltas to the score records and commits
// them in one bulk write. Users whose ledger already carries this batch
// key are skipped, which is what makes replays harmless.
func (p *Processor) drain(ctx context.Context, batchKey string, deltas map[string]model.ScoreDelta) ([]string, error) {
	userIDs := make([]string, 0, len(deltas))
	for id := range deltas {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	staged := make([]model.UserScore, 0, len(userIDs))
	affected := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		d := deltas[id]
		rec, err := p.store.UserScore(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			rec = model.UserScore{
				UserID:    id,
				FirstSeen: p.firstSeen(batchKey, d),
			}
		} else if err != nil {
			return nil, fmt.Errorf("load score record %s: %w", id, err)
		}

		if rec.Processed(batchKey) {
			metrics.RecordDeltaSkippedReplayed()
			continue
		}

		rec.Score += d.Delta
		rec.Tier = p.classify.Classify(rec.Score)
		rec.MarkProcessed(batchKey)
		staged = append(staged, rec)
		affected = append(affected, id)
		metrics.RecordDeltaApplied()
	}

	if len(staged) == 0 {
		return nil, nil
	}
	if err := p.store.PutUserScores(ctx, staged); err != nil {
		return nil, fmt.Errorf("commit score records: %w", err)
	}
	return affected, nil
}

// firstSeen picks the onboarding timestamp for a user first observed in
// this batch: the delta's own creation time when the backend kept it, the
// window start otherwise.
func (p *Processor) firstSeen(batchKey string, d model.ScoreDelta) time.Time {
	if !d.CreatedAt.IsZero() {
		return d.CreatedAt.UTC()
	}
	if t, err := p.bucketer.Parse(batchKey); err == nil {
		return t
	}
	return time.Now().UTC()
}
