package budget

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage using PostgreSQL. The counter is
// a single row keyed by a fixed id.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) Get(ctx context.Context) (*Usage, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT units_used, daily_limit, day, updated_at FROM budget_usage WHERE id = 1")

	var u Usage
	err := row.Scan(&u.UnitsUsed, &u.DailyLimit, &u.Day, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil // Not found is valid, guard will initialize
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget usage: %w", err)
	}
	return &u, nil
}

func (s *PostgresStorage) Set(ctx context.Context, u *Usage) error {
	query := `
		INSERT INTO budget_usage (id, units_used, daily_limit, day, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			units_used = EXCLUDED.units_used,
			daily_limit = EXCLUDED.daily_limit,
			day = EXCLUDED.day,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, u.UnitsUsed, u.DailyLimit, u.Day, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to persist budget usage: %w", err)
	}
	return nil
}
