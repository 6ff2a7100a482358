// Package usage provides a persistent per-turn ledger of inference
// activity. Records are append-only and indexed by timestamp, user, and
// model for aggregation queries. The ledger is advisory: a failed write
// never affects the outcome of a chat turn.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one completed chat turn's engine-reported statistics.
type Record struct {
	ID           string
	Timestamp    time.Time
	RequestID    string
	UserID       int64
	Model        string
	PromptTokens int
	OutputTokens int
	Duration     time.Duration
}

// Summary holds aggregated turn totals.
type Summary struct {
	TotalTurns        int
	TotalPromptTokens int64
	TotalOutputTokens int64
	TotalDuration     time.Duration
}

// Store is an append-only SQLite ledger. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage ledger at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id             TEXT PRIMARY KEY,
		timestamp      TEXT NOT NULL,
		request_id     TEXT NOT NULL,
		user_id        INTEGER NOT NULL,
		model          TEXT NOT NULL,
		prompt_tokens  INTEGER NOT NULL,
		output_tokens  INTEGER NOT NULL,
		duration_ns    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);
	CREATE INDEX IF NOT EXISTS idx_turns_user ON turns(user_id);
	CREATE INDEX IF NOT EXISTS idx_turns_model ON turns(model);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a turn record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate turn record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns
			(id, timestamp, request_id, user_id, model, prompt_tokens, output_tokens, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.UserID,
		rec.Model,
		rec.PromptTokens,
		rec.OutputTokens,
		int64(rec.Duration),
	)
	if err != nil {
		return fmt.Errorf("insert turn record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for turns within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(duration_ns), 0)
		 FROM turns
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	var durationNS int64
	if err := row.Scan(&sum.TotalTurns, &sum.TotalPromptTokens, &sum.TotalOutputTokens, &durationNS); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	sum.TotalDuration = time.Duration(durationNS)
	return &sum, nil
}

// SummaryByModel returns per-model aggregated totals for turns within
// [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.Query(
		`SELECT model, COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(duration_ns), 0)
		 FROM turns
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY model
		 ORDER BY COUNT(*) DESC`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by model: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var model string
		var sum Summary
		var durationNS int64
		if err := rows.Scan(&model, &sum.TotalTurns, &sum.TotalPromptTokens, &sum.TotalOutputTokens, &durationNS); err != nil {
			return nil, fmt.Errorf("scan usage by model: %w", err)
		}
		sum.TotalDuration = time.Duration(durationNS)
		result[model] = &sum
	}
	return result, rows.Err()
}
