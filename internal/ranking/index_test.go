package ranking

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/nazfar/meishi/internal/adapters/store"
	"github.com/nazfar/meishi/internal/domain/model"
	"github.com/nazfar/meishi/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

var baseTime = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func seedScores(t *testing.T, st store.Store, records ...model.UserScore) {
	t.Helper()
	if err := st.PutUserScores(context.Background(), records); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func userScore(id string, score int, firstSeenOffset time.Duration) model.UserScore {
	return model.UserScore{
		UserID:    id,
		Score:     score,
		FirstSeen: baseTime.Add(firstSeenOffset),
	}
}

func TestRebuildOrdering(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedScores(t, st,
		userScore("carol", 80, 2*time.Hour),
		userScore("alice", 120, 0),
		userScore("bob", 80, time.Hour),
	)
	x := NewIndex(st)

	if err := x.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	entries, err := st.SortedIndex(ctx)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = e.UserID
	}
	// Score desc; bob before carol on earlier first-seen.
	want := []string{"alice", "bob", "carol"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestIncrementalMatchesRebuild(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedScores(t, st,
		userScore("a", 10, 0),
		userScore("b", 20, time.Minute),
		userScore("c", 30, 2*time.Minute),
		userScore("d", 20, 3*time.Minute),
	)
	x := NewIndex(st)
	if err := x.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	// Bump two users and apply incrementally.
	seedScores(t, st,
		userScore("a", 25, 0),
		userScore("d", 5, 3*time.Minute),
	)
	if err := x.Update(ctx, []string{"a", "d"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	incremental, _ := st.SortedIndex(ctx)

	// A fresh rebuild from the same records must agree.
	if err := x.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	rebuilt, _ := st.SortedIndex(ctx)

	if !reflect.DeepEqual(incremental, rebuilt) {
		t.Errorf("incremental index diverged:\n inc: %v\n reb: %v", incremental, rebuilt)
	}
}

func TestUpdateSelfHealsMissingIndex(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedScores(t, st,
		userScore("a", 10, 0),
		userScore("b", 20, time.Minute),
	)
	x := NewIndex(st)

	// No index exists yet; an incremental update must fall back to rebuild.
	if err := x.Update(ctx, []string{"a"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	entries, err := st.SortedIndex(ctx)
	if err != nil {
		t.Fatalf("index still missing: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want full rebuild with 2", len(entries))
	}

	// Deleting the index and updating again heals it identically.
	if err := st.DeleteSortedIndex(ctx); err != nil {
		t.Fatal(err)
	}
	if err := x.Update(ctx, []string{"b"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	healed, _ := st.SortedIndex(ctx)
	if !reflect.DeepEqual(healed, entries) {
		t.Errorf("healed index %v != original %v", healed, entries)
	}
}

func TestUpdateRemovesDeletedUsers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedScores(t, st,
		userScore("a", 10, 0),
		userScore("b", 20, time.Minute),
	)
	x := NewIndex(st)
	if err := x.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}

	if err := st.DeleteUserScore(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := x.Update(ctx, []string{"b"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	entries, _ := st.SortedIndex(ctx)
	if len(entries) != 1 || entries[0].UserID != "a" {
		t.Errorf("entries = %v, want only a", entries)
	}
}

func TestUpdateNoDuplicates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedScores(t, st, userScore("a", 10, 0))
	x := NewIndex(st)
	if err := x.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}

	// Repeated updates for the same user must not duplicate the entry.
	for i := 0; i < 3; i++ {
		if err := x.Update(ctx, []string{"a"}); err != nil {
			t.Fatalf("update failed: %v", err)
		}
	}
	entries, _ := st.SortedIndex(ctx)
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1", len(entries))
	}
}

func TestIndexCap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	records := make([]model.UserScore, 0, 8)
	for i := 0; i < 8; i++ {
		records = append(records, userScore(string(rune('a'+i)), i*10, time.Duration(i)*time.Minute))
	}
	seedScores(t, st, records...)

	x := NewIndex(st, WithIndexCap(5))
	if err := x.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	entries, _ := st.SortedIndex(ctx)
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want capped 5", len(entries))
	}
	// Highest scorer survives the cap.
	if entries[0].UserID != "h" {
		t.Errorf("top entry = %s, want h", entries[0].UserID)
	}
}
