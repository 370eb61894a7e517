// Package backup periodically snapshots the authoritative score records
// into a local SQLite file. The snapshot is a secondary copy for disaster
// recovery; it is written in bounded chunks so a large user population
// never holds one long transaction open.
package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nazfar/meishi/internal/adapters/store"
	"github.com/nazfar/meishi/internal/domain/model"
	"github.com/nazfar/meishi/pkg/logger"
	"github.com/nazfar/meishi/pkg/metrics"
)

// defaultChunkSize bounds how many records one transaction writes.
const defaultChunkSize = 500

const schema = `
CREATE TABLE IF NOT EXISTS user_scores (
	user_id           TEXT PRIMARY KEY,
	score             INTEGER NOT NULL,
	tier              TEXT NOT NULL,
	first_seen        TIMESTAMP NOT NULL,
	processed_batches TEXT NOT NULL,
	backup_at         TIMESTAMP NOT NULL
);
`

const upsertStmt = `
INSERT INTO user_scores (user_id, score, tier, first_seen, processed_batches, backup_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	score             = excluded.score,
	tier              = excluded.tier,
	first_seen        = excluded.first_seen,
	processed_batches = excluded.processed_batches,
	backup_at         = excluded.backup_at;
`

// Synchronizer copies score records into the backup database.
type Synchronizer struct {
	store     store.Store
	db        *sql.DB
	chunkSize int
	log       logger.Logger
}

// Option applies a configuration option to the Synchronizer.
type Option func(*Synchronizer)

// WithChunkSize sets the per-transaction record count.
func WithChunkSize(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// New opens (or creates) the backup database at path and prepares the
// schema. Close releases the database handle.
func New(st store.Store, path string, opts ...Option) (*Synchronizer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open backup db %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare backup schema: %w", err)
	}

	s := &Synchronizer{
		store:     st,
		db:        db,
		chunkSize: defaultChunkSize,
		log:       logger.Get().Named("backup"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the backup database.
func (s *Synchronizer) Close() error {
	return s.db.Close()
}

// Snapshot writes the full score record set into the backup database,
// chunked into bounded transactions. Records are upserted, so repeated
// snapshots converge on the current state.
func (s *Synchronizer) Snapshot(ctx context.Context) error {
	start := time.Now()

	records, err := s.store.AllUserScores(ctx)
	if err != nil {
		metrics.RecordBackupFailure()
		return fmt.Errorf("load score records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })

	for offset := 0; offset < len(records); offset += s.chunkSize {
		end := offset + s.chunkSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.writeChunk(ctx, records[offset:end], start); err != nil {
			metrics.RecordBackupFailure()
			return fmt.Errorf("backup chunk at %d: %w", offset, err)
		}
	}

	metrics.RecordBackupRun()
	metrics.UpdateBackupRecords(len(records))
	metrics.RecordBackupDuration(float64(time.Since(start).Milliseconds()))
	metrics.UpdateBackupLastUnix(float64(start.Unix()))
	s.log.Info(ctx, "backup snapshot complete",
		logger.Int("records", len(records)),
		logger.Duration("took", time.Since(start)),
	)
	return nil
}

// writeChunk upserts one chunk inside a single transaction.
func (s *Synchronizer) writeChunk(ctx context.Context, records []model.UserScore, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, upsertStmt)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		ledger, err := marshalLedger(rec.ProcessedBatches)
		if err != nil {
			return fmt.Errorf("encode ledger %s: %w", rec.UserID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			rec.UserID,
			rec.Score,
			rec.Tier,
			rec.FirstSeen.UTC(),
			ledger,
			at.UTC(),
		); err != nil {
			return fmt.Errorf("upsert %s: %w", rec.UserID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Restore loads every backed-up record, for recovery tooling and tests.
func (s *Synchronizer) Restore(ctx context.Context) ([]model.UserScore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, score, tier, first_seen, processed_batches FROM user_scores ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query backup: %w", err)
	}
	defer rows.Close()

	var out []model.UserScore
	for rows.Next() {
		var (
			rec    model.UserScore
			ledger string
		)
		if err := rows.Scan(&rec.UserID, &rec.Score, &rec.Tier, &rec.FirstSeen, &ledger); err != nil {
			return nil, fmt.Errorf("scan backup row: %w", err)
		}
		if err := unmarshalLedger(ledger, &rec); err != nil {
			return nil, fmt.Errorf("decode ledger %s: %w", rec.UserID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup rows: %w", err)
	}
	return out, nil
}

// marshalLedger encodes the idempotency ledger as a sorted JSON array.
func marshalLedger(ledger map[string]struct{}) (string, error) {
	keys := make([]string, 0, len(ledger))
	for k := range ledger {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b, err := json.Marshal(keys)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalLedger(encoded string, rec *model.UserScore) error {
	var keys []string
	if err := json.Unmarshal([]byte(encoded), &keys); err != nil {
		return err
	}
	for _, k := range keys {
		rec.MarkProcessed(k)
	}
	return nil
}
