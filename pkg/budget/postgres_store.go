package budget

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage using PostgreSQL, for deployments
// that share budget state across restarts of the daemon.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Init creates the budget schema if it does not exist.
func (s *PostgresStorage) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS budget_states (
			run_id           TEXT PRIMARY KEY,
			max_tokens       BIGINT NOT NULL,
			max_cost_micros  BIGINT NOT NULL,
			used_tokens      BIGINT NOT NULL DEFAULT 0,
			used_cost_micros BIGINT NOT NULL DEFAULT 0,
			warning_recorded BOOLEAN NOT NULL DEFAULT FALSE,
			last_updated     TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("budget: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Get(ctx context.Context, runID string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, max_tokens, max_cost_micros, used_tokens, used_cost_micros, warning_recorded, last_updated
		FROM budget_states WHERE run_id = $1`, runID)

	var st State
	err := row.Scan(&st.RunID, &st.Limits.MaxTokens, &st.Limits.MaxCostMicros,
		&st.UsedTokens, &st.UsedCostMicros, &st.WarningRecorded, &st.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("budget: get state: %w", err)
	}
	return &st, nil
}

func (s *PostgresStorage) Set(ctx context.Context, st *State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_states (run_id, max_tokens, max_cost_micros, used_tokens, used_cost_micros, warning_recorded, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			used_tokens = EXCLUDED.used_tokens,
			used_cost_micros = EXCLUDED.used_cost_micros,
			warning_recorded = EXCLUDED.warning_recorded,
			last_updated = EXCLUDED.last_updated`,
		st.RunID, st.Limits.MaxTokens, st.Limits.MaxCostMicros,
		st.UsedTokens, st.UsedCostMicros, st.WarningRecorded, st.LastUpdated)
	if err != nil {
		return fmt.Errorf("budget: persist state: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Delete(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM budget_states WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("budget: delete state: %w", err)
	}
	return nil
}
