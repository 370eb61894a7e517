// Package model contains domain models passed between layers.
package model

import "time"

// Partition names for participant records and the admin cache.
const (
	PartitionPending = "pending"
	PartitionActive  = "active"
)

// ScoreDelta is a signed point adjustment waiting in a batch.
// Deltas for the same user within one batch accumulate.
type ScoreDelta struct {
	TargetID  string
	Delta     int
	CreatedAt time.Time
}

// Lock marks exclusive ownership of a batch during draining.
type Lock struct {
	HolderID string
	HeldAt   time.Time
}

// Stale reports whether the lock is older than ttl at the given instant.
func (l Lock) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.HeldAt) >= ttl
}

// UserScore is the authoritative per-user score record.
// ProcessedBatches is the idempotency ledger: a batch key present here has
// already been applied to Score and must never be applied twice.
type UserScore struct {
	UserID           string
	Score            int
	Tier             string
	FirstSeen        time.Time
	ProcessedBatches map[string]struct{}
}

// Processed reports whether batchKey was already applied to this record.
func (u UserScore) Processed(batchKey string) bool {
	_, ok := u.ProcessedBatches[batchKey]
	return ok
}

// MarkProcessed records batchKey in the idempotency ledger.
func (u *UserScore) MarkProcessed(batchKey string) {
	if u.ProcessedBatches == nil {
		u.ProcessedBatches = make(map[string]struct{})
	}
	u.ProcessedBatches[batchKey] = struct{}{}
}

// IndexEntry is one row of the sorted score index.
// Ordering: score descending, then FirstSeen ascending as the tie-break key.
// FirstSeen is assigned once at onboarding and never reassigned.
type IndexEntry struct {
	UserID    string
	Score     int
	FirstSeen time.Time
}

// Before reports whether e ranks earlier than other.
func (e IndexEntry) Before(other IndexEntry) bool {
	if e.Score != other.Score {
		return e.Score > other.Score
	}
	return e.FirstSeen.Before(other.FirstSeen)
}

// RankEntry is the cached ordinal rank for one user.
// Tied scores share the ordinal rank of the earliest entry with that score.
type RankEntry struct {
	UserID    string
	Rank      int
	Tier      string
	UpdatedAt time.Time
}

// BoardSlot is one denormalized leaderboard position. Unfilled slots carry
// Filled=false so consumers always see a fixed-size array.
type BoardSlot struct {
	Filled      bool   `json:"filled"`
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
	Group       string `json:"group,omitempty"`
	Score       int    `json:"score,omitempty"`
	Tier        string `json:"tier,omitempty"`
	Rank        int    `json:"rank,omitempty"`
}

// Board is the materialized top-N leaderboard view.
type Board struct {
	Slots       []BoardSlot `json:"slots"`
	TotalUsers  int         `json:"total_users"`
	LastUpdated time.Time   `json:"last_updated"`
}

// AdminListing is one partition's cached participant listing, stamped with
// the time of its last write.
type AdminListing struct {
	Participants []Participant `json:"participants"`
	LastUpdated  time.Time     `json:"last_updated"`
}

// Participant is the denormalized projection of an attendee record.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	PhotoURL    string    `json:"photo_url,omitempty"`
	Group       string    `json:"group,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
}

// MutationKind enumerates participant mutation events.
type MutationKind int

const (
	MutationUpsert MutationKind = iota
	MutationRemove
)

// Mutation is a participant-record change published by the component that
// performed the authoritative write, consumed by the admin cache updater.
type Mutation struct {
	Kind           MutationKind
	Partition      string
	Participant    Participant
	ScoreAffecting bool
}
