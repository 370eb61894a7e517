package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nazfar/meishi/internal/adapters/store"
	"github.com/nazfar/meishi/internal/domain/bucket"
	"github.com/nazfar/meishi/internal/domain/model"
	"github.com/nazfar/meishi/internal/domain/tier"
	"github.com/nazfar/meishi/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

var procNow = time.Date(2026, 1, 1, 9, 32, 0, 0, time.UTC)

func newProcessor(st store.Store, opts ...Option) *Processor {
	return NewProcessor(st, bucket.New(), tier.New(), opts...)
}

func appendDelta(t *testing.T, st store.Store, batchKey, userID string, delta int) {
	t.Helper()
	if err := st.AppendDelta(context.Background(), batchKey, userID, delta, procNow); err != nil {
		t.Fatalf("append delta: %v", err)
	}
}

func TestProcessBatchAppliesDeltas(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	b := bucket.New()
	key := b.Key(procNow.Add(-b.Width()))
	appendDelta(t, st, key, "alice", 10)
	appendDelta(t, st, key, "alice", 10)
	appendDelta(t, st, key, "bob", 250)

	p := newProcessor(st)
	processed, err := p.ProcessBatch(ctx, key, procNow)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !processed {
		t.Fatal("processed = false, want true")
	}

	alice, err := st.UserScore(ctx, "alice")
	if err != nil {
		t.Fatalf("alice record: %v", err)
	}
	if alice.Score != 20 {
		t.Errorf("alice score = %d, want summed 20", alice.Score)
	}
	if alice.Tier != "bronze" {
		t.Errorf("alice tier = %s, want bronze", alice.Tier)
	}
	if !alice.Processed(key) {
		t.Error("alice ledger missing batch key")
	}
	if alice.FirstSeen.IsZero() {
		t.Error("alice first-seen not assigned")
	}

	bob, _ := st.UserScore(ctx, "bob")
	if bob.Tier != "gold" {
		t.Errorf("bob tier = %s, want gold", bob.Tier)
	}

	// Drained batch is gone: deltas and lock both removed.
	deltas, _ := st.Deltas(ctx, key)
	if len(deltas) != 0 {
		t.Errorf("deltas remain after drain: %v", deltas)
	}
	if _, held, _ := st.Lock(ctx, key); held {
		t.Error("lock remains after drain")
	}
}

func TestProcessBatchEmptyNoOp(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := newProcessor(st)

	processed, err := p.ProcessBatch(ctx, "202601010925", procNow)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if processed {
		t.Error("processed = true for empty batch")
	}
	if _, held, _ := st.Lock(ctx, "202601010925"); held {
		t.Error("empty batch left a lock behind")
	}
}

func TestProcessBatchReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	b := bucket.New()
	key := b.Key(procNow.Add(-b.Width()))
	appendDelta(t, st, key, "alice", 10)

	p := newProcessor(st)
	if _, err := p.ProcessBatch(ctx, key, procNow); err != nil {
		t.Fatalf("first process: %v", err)
	}

	// Simulate a replay: the same batch key shows up again with the same
	// delta, as after a crash between commit and cleanup.
	appendDelta(t, st, key, "alice", 10)
	if _, err := p.ProcessBatch(ctx, key, procNow); err != nil {
		t.Fatalf("replay process: %v", err)
	}

	alice, _ := st.UserScore(ctx, "alice")
	if alice.Score != 10 {
		t.Errorf("score = %d after replay, want 10 applied exactly once", alice.Score)
	}
}

func TestProcessBatchLockContention(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	b := bucket.New()
	key := b.Key(procNow.Add(-b.Width()))
	appendDelta(t, st, key, "alice", 10)

	// Another live processor holds the batch.
	if _, acquired, err := st.AcquireLock(ctx, key, "other-node", procNow.Add(-time.Minute)); err != nil || !acquired {
		t.Fatalf("seed lock: acquired=%v err=%v", acquired, err)
	}

	p := newProcessor(st)
	_, err := p.ProcessBatch(ctx, key, procNow)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}

	// Nothing was applied and the deltas are intact for the real holder.
	if _, err := st.UserScore(ctx, "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("score record written despite held lock: %v", err)
	}
	deltas, _ := st.Deltas(ctx, key)
	if len(deltas) != 1 {
		t.Errorf("deltas = %v, want untouched", deltas)
	}
}

func TestProcessBatchReclaimsStaleLock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	b := bucket.New()
	key := b.Key(procNow.Add(-b.Width()))
	appendDelta(t, st, key, "alice", 10)

	// A crashed node left its lock behind well past the TTL.
	if _, acquired, err := st.AcquireLock(ctx, key, "dead-node", procNow.Add(-time.Hour)); err != nil || !acquired {
		t.Fatalf("seed lock: acquired=%v err=%v", acquired, err)
	}

	p := newProcessor(st, WithLockTTL(10*time.Minute))
	processed, err := p.ProcessBatch(ctx, key, procNow)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !processed {
		t.Fatal("stale lock not reclaimed")
	}
	alice, _ := st.UserScore(ctx, "alice")
	if alice.Score != 10 {
		t.Errorf("score = %d, want 10", alice.Score)
	}
}

// flakyStore fails the score commit a set number of times before letting
// writes through.
type flakyStore struct {
	store.Store
	failures int
}

func (s *flakyStore) PutUserScores(ctx context.Context, recs []model.UserScore) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("backend write rejected")
	}
	return s.Store.PutUserScores(ctx, recs)
}

func TestProcessBatchReleasesLockOnFailedDrain(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: store.NewMemoryStore(), failures: 1}
	b := bucket.New()
	key := b.Key(procNow.Add(-b.Width()))
	appendDelta(t, st, key, "alice", 10)

	p := newProcessor(st)
	if _, err := p.ProcessBatch(ctx, key, procNow); err == nil {
		t.Fatal("expected the first drain to fail")
	}
	// The lock must not outlive the failed attempt, or the batch stalls
	// until the staleness TTL.
	if _, held, _ := st.Lock(ctx, key); held {
		t.Fatal("lock still held after failed drain")
	}

	// An immediate retry on the same processor succeeds.
	processed, err := p.ProcessBatch(ctx, key, procNow)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !processed {
		t.Fatal("retry processed = false")
	}
	alice, _ := st.UserScore(ctx, "alice")
	if alice.Score != 10 {
		t.Errorf("score = %d, want 10 applied exactly once", alice.Score)
	}
}

func TestProcessBatchReentersOwnLock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	b := bucket.New()
	key := b.Key(procNow.Add(-b.Width()))
	appendDelta(t, st, key, "alice", 10)

	p := newProcessor(st)
	// An interrupted earlier run of this same processor left its own lock
	// in place, still fresh.
	if _, acquired, err := st.AcquireLock(ctx, key, p.HolderID(), procNow.Add(-time.Minute)); err != nil || !acquired {
		t.Fatalf("seed lock: acquired=%v err=%v", acquired, err)
	}

	processed, err := p.ProcessBatch(ctx, key, procNow)
	if err != nil {
		t.Fatalf("re-entry failed: %v", err)
	}
	if !processed {
		t.Fatal("processed = false")
	}
	alice, _ := st.UserScore(ctx, "alice")
	if alice.Score != 10 {
		t.Errorf("score = %d, want 10", alice.Score)
	}
}

func TestProcessDueSkipsCurrentWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	b := bucket.New()
	current := b.Key(procNow)
	closed := b.Key(procNow.Add(-b.Width()))
	appendDelta(t, st, current, "now-user", 10)
	appendDelta(t, st, closed, "then-user", 10)

	p := newProcessor(st)
	if err := p.ProcessDue(ctx, procNow); err != nil {
		t.Fatalf("process due: %v", err)
	}

	if _, err := st.UserScore(ctx, "then-user"); err != nil {
		t.Errorf("closed window not drained: %v", err)
	}
	if _, err := st.UserScore(ctx, "now-user"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("open window drained early: %v", err)
	}
	deltas, _ := st.Deltas(ctx, current)
	if len(deltas) != 1 {
		t.Errorf("open window deltas = %v, want untouched", deltas)
	}
}

func TestProcessDueCatchesUpMissedWindows(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	b := bucket.New()
	// Deltas stranded several windows back, as after downtime.
	old := b.Key(procNow.Add(-7 * b.Width()))
	appendDelta(t, st, old, "alice", 15)

	p := newProcessor(st, WithLookback(24))
	if err := p.ProcessDue(ctx, procNow); err != nil {
		t.Fatalf("process due: %v", err)
	}

	alice, err := st.UserScore(ctx, "alice")
	if err != nil {
		t.Fatalf("alice record: %v", err)
	}
	if alice.Score != 15 {
		t.Errorf("score = %d, want 15", alice.Score)
	}
}

func TestProcessDueConservation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	b := bucket.New()

	// Spread deltas over three closed windows and check the total survives.
	total := 0
	for i := 1; i <= 3; i++ {
		key := b.Key(procNow.Add(-time.Duration(i) * b.Width()))
		appendDelta(t, st, key, "alice", 10*i)
		appendDelta(t, st, key, "bob", 5)
		total += 10*i + 5
	}

	p := newProcessor(st)
	if err := p.ProcessDue(ctx, procNow); err != nil {
		t.Fatalf("process due: %v", err)
	}

	alice, _ := st.UserScore(ctx, "alice")
	bob, _ := st.UserScore(ctx, "bob")
	if alice.Score+bob.Score != total {
		t.Errorf("total = %d, want %d", alice.Score+bob.Score, total)
	}
	if got := len(alice.ProcessedBatches); got != 3 {
		t.Errorf("alice ledger size = %d, want 3", got)
	}
}

type recordingRefresher struct {
	calls [][]string
}

func (r *recordingRefresher) RefreshUsers(_ context.Context, userIDs []string) error {
	r.calls = append(r.calls, userIDs)
	return nil
}

func TestProcessBatchNotifiesRefresher(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	b := bucket.New()
	key := b.Key(procNow.Add(-b.Width()))
	appendDelta(t, st, key, "alice", 10)
	appendDelta(t, st, key, "bob", 20)

	ref := &recordingRefresher{}
	p := newProcessor(st, WithRefresher(ref))
	if _, err := p.ProcessBatch(ctx, key, procNow); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if len(ref.calls) != 1 {
		t.Fatalf("refresher calls = %d, want 1", len(ref.calls))
	}
	if len(ref.calls[0]) != 2 {
		t.Errorf("affected users = %v, want alice and bob", ref.calls[0])
	}
}

type failingRefresher struct{}

func (failingRefresher) RefreshUsers(context.Context, []string) error {
	return errors.New("cache backend down")
}

func TestProcessBatchRefreshFailureNonFatal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	b := bucket.New()
	key := b.Key(procNow.Add(-b.Width()))
	appendDelta(t, st, key, "alice", 10)

	p := newProcessor(st, WithRefresher(failingRefresher{}))
	processed, err := p.ProcessBatch(ctx, key, procNow)
	if err != nil {
		t.Fatalf("refresh failure must not fail the drain: %v", err)
	}
	if !processed {
		t.Error("processed = false")
	}
	alice, _ := st.UserScore(ctx, "alice")
	if alice.Score != 10 {
		t.Errorf("score = %d, want committed 10", alice.Score)
	}
}
