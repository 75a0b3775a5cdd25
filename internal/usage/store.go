// Package usage records per-request token accounting in SQLite.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one completed request's accounting row.
type Record struct {
	RequestID        string
	Account          string
	RequestedModel   string
	ServedModel      string
	Streaming        bool
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
	DurationNS       int64
	CreatedAt        time.Time
}

// Store persists usage records.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the usage database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			request_id TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			requested_model TEXT NOT NULL,
			served_model TEXT NOT NULL,
			streaming INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			finish_reason TEXT,
			duration_ns INTEGER,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_account ON usage_records(account)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_served_model ON usage_records(served_model)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Insert stores one record.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (
			request_id, account, requested_model, served_model, streaming,
			prompt_tokens, completion_tokens, finish_reason, duration_ns, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Account, rec.RequestedModel, rec.ServedModel, rec.Streaming,
		rec.PromptTokens, rec.CompletionTokens, rec.FinishReason, rec.DurationNS, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// TotalsByModel sums token counts per served model since the given time.
func (s *Store) TotalsByModel(ctx context.Context, since time.Time) (map[string][2]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT served_model, COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		FROM usage_records WHERE created_at >= ? GROUP BY served_model`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string][2]int)
	for rows.Next() {
		var model string
		var prompt, completion int
		if err := rows.Scan(&model, &prompt, &completion); err != nil {
			return nil, err
		}
		totals[model] = [2]int{prompt, completion}
	}
	return totals, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
