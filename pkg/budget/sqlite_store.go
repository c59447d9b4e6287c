package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage using an embedded SQLite database —
// the default backing for a developer-local daemon.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage wraps db and runs migrations.
func NewSQLiteStorage(db *sql.DB) (*SQLiteStorage, error) {
	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStorage opens (or creates) the database at path.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("budget: open sqlite %s: %w", path, err)
	}
	return NewSQLiteStorage(db)
}

func (s *SQLiteStorage) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS budget_states (
		run_id TEXT PRIMARY KEY,
		max_tokens INTEGER NOT NULL DEFAULT 0,
		max_cost_micros INTEGER NOT NULL DEFAULT 0,
		used_tokens INTEGER NOT NULL DEFAULT 0,
		used_cost_micros INTEGER NOT NULL DEFAULT 0,
		warning_recorded INTEGER NOT NULL DEFAULT 0,
		last_updated TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStorage) Get(ctx context.Context, runID string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, max_tokens, max_cost_micros, used_tokens, used_cost_micros, warning_recorded, last_updated
		FROM budget_states WHERE run_id = ?`, runID)

	var st State
	var warned int
	var updated string
	err := row.Scan(&st.RunID, &st.Limits.MaxTokens, &st.Limits.MaxCostMicros,
		&st.UsedTokens, &st.UsedCostMicros, &warned, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("budget: get state: %w", err)
	}
	st.WarningRecorded = warned != 0
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		st.LastUpdated = ts
	}
	return &st, nil
}

func (s *SQLiteStorage) Set(ctx context.Context, st *State) error {
	warned := 0
	if st.WarningRecorded {
		warned = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_states (run_id, max_tokens, max_cost_micros, used_tokens, used_cost_micros, warning_recorded, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			max_tokens = excluded.max_tokens,
			max_cost_micros = excluded.max_cost_micros,
			used_tokens = excluded.used_tokens,
			used_cost_micros = excluded.used_cost_micros,
			warning_recorded = excluded.warning_recorded,
			last_updated = excluded.last_updated`,
		st.RunID, st.Limits.MaxTokens, st.Limits.MaxCostMicros,
		st.UsedTokens, st.UsedCostMicros, warned,
		st.LastUpdated.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("budget: persist state: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM budget_states WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("budget: delete state: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error { return s.db.Close() }
