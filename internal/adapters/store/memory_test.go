package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nazfar/meishi/internal/domain/model"
)

func TestAppendDeltaAccumulates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC)

	if err := s.AppendDelta(ctx, "202601011200", "u1", 10, at); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.AppendDelta(ctx, "202601011200", "u1", 10, at.Add(time.Minute)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.AppendDelta(ctx, "202601011200", "u2", 10, at); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	deltas, err := s.Deltas(ctx, "202601011200")
	if err != nil {
		t.Fatalf("deltas failed: %v", err)
	}
	if deltas["u1"].Delta != 20 {
		t.Errorf("u1 delta = %d, want summed 20", deltas["u1"].Delta)
	}
	if deltas["u2"].Delta != 10 {
		t.Errorf("u2 delta = %d, want 10", deltas["u2"].Delta)
	}

	// Other batches are untouched.
	other, _ := s.Deltas(ctx, "202601011205")
	if len(other) != 0 {
		t.Errorf("unexpected deltas in other batch: %v", other)
	}
}

func TestAcquireLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	l1, ok, err := s.AcquireLock(ctx, "b1", "holder-a", now)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if l1.HolderID != "holder-a" {
		t.Errorf("holder = %q", l1.HolderID)
	}

	l2, ok, err := s.AcquireLock(ctx, "b1", "holder-b", now)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok {
		t.Error("second acquire should lose")
	}
	if l2.HolderID != "holder-a" {
		t.Errorf("existing holder = %q, want holder-a", l2.HolderID)
	}

	// Released lock is acquirable again.
	if err := s.ReleaseLock(ctx, "b1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, ok, _ := s.AcquireLock(ctx, "b1", "holder-b", now); !ok {
		t.Error("acquire after release should win")
	}
}

func TestAcquireLockConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := s.AcquireLock(ctx, "b1", "h", time.Now()); ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestDeleteBatchRemovesDeltasAndLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.AppendDelta(ctx, "b1", "u1", 10, time.Now())
	_, _, _ = s.AcquireLock(ctx, "b1", "h", time.Now())

	if err := s.DeleteBatch(ctx, "b1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	deltas, _ := s.Deltas(ctx, "b1")
	if len(deltas) != 0 {
		t.Error("deltas should be gone")
	}
	if _, ok, _ := s.Lock(ctx, "b1"); ok {
		t.Error("lock should be gone")
	}
}

func TestUserScoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.UserScore(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	rec := model.UserScore{UserID: "u1", Score: 30, Tier: "bronze", FirstSeen: time.Now()}
	rec.MarkProcessed("b1")
	if err := s.PutUserScores(ctx, []model.UserScore{rec}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := s.UserScore(ctx, "u1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Score != 30 || !got.Processed("b1") {
		t.Errorf("unexpected record: %+v", got)
	}

	// Mutating the returned ledger must not leak into the store.
	got.MarkProcessed("b2")
	again, _ := s.UserScore(ctx, "u1")
	if again.Processed("b2") {
		t.Error("store record aliased with caller copy")
	}

	n, _ := s.CountUserScores(ctx)
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	if err := s.DeleteUserScore(ctx, "u1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.UserScore(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Error("deleted record should be gone")
	}
}

func TestSortedIndexMissingThenPresent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.SortedIndex(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing index should be ErrNotFound, got %v", err)
	}

	entries := []model.IndexEntry{{UserID: "u1", Score: 10}}
	if err := s.PutSortedIndex(ctx, entries); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := s.SortedIndex(ctx)
	if err != nil || len(got) != 1 {
		t.Fatalf("got %v err %v", got, err)
	}

	// Empty index is still present, distinct from missing.
	if err := s.PutSortedIndex(ctx, nil); err != nil {
		t.Fatalf("put empty failed: %v", err)
	}
	if _, err := s.SortedIndex(ctx); err != nil {
		t.Errorf("empty index should not be ErrNotFound: %v", err)
	}

	if err := s.DeleteSortedIndex(ctx); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.SortedIndex(ctx); !errors.Is(err, ErrNotFound) {
		t.Error("deleted index should be ErrNotFound")
	}
}

func TestParticipantsAndAdminCache(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := model.Participant{ID: "u1", DisplayName: "Alice"}
	if err := s.PutParticipant(ctx, model.PartitionActive, p); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, partition, err := s.Participant(ctx, "u1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if partition != model.PartitionActive || got.DisplayName != "Alice" {
		t.Errorf("got %+v in %q", got, partition)
	}

	if err := s.PutParticipant(ctx, "archived", p); !errors.Is(err, ErrUnknownPartition) {
		t.Errorf("expected ErrUnknownPartition, got %v", err)
	}

	if _, err := s.AdminPartition(ctx, model.PartitionActive); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing admin cache should be ErrNotFound, got %v", err)
	}
	stamp := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	listing := model.AdminListing{Participants: []model.Participant{p}, LastUpdated: stamp}
	if err := s.PutAdminPartition(ctx, model.PartitionActive, listing); err != nil {
		t.Fatalf("put admin cache failed: %v", err)
	}
	got2, err := s.AdminPartition(ctx, model.PartitionActive)
	if err != nil || len(got2.Participants) != 1 {
		t.Fatalf("listing %v err %v", got2, err)
	}
	if !got2.LastUpdated.Equal(stamp) {
		t.Errorf("last updated = %v, want %v", got2.LastUpdated, stamp)
	}

	if err := s.DeleteParticipant(ctx, model.PartitionActive, "u1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, _, err := s.Participant(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Error("deleted participant should be gone")
	}
}

func TestBuildFactory(t *testing.T) {
	ctx := context.Background()

	s, err := Build(ctx, "memory", "")
	if err != nil || s == nil {
		t.Fatalf("memory build: %v", err)
	}
	if _, err := Build(ctx, "dynamo", ""); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}
