package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists the journal in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO audit_entries
			(sequence, entry_id, timestamp, actor, action, payload, success, payload_hash, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.Sequence, e.EntryID, e.Timestamp, e.Actor, e.Action,
		[]byte(e.Payload), e.Success, e.PayloadHash, e.PrevHash, e.EntryHash)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sequence uint64) (*Entry, error) {
	query := `
		SELECT sequence, entry_id, timestamp, actor, action, payload, success, payload_hash, prev_hash, entry_hash
		FROM audit_entries WHERE sequence = $1
	`
	row := s.db.QueryRowContext(ctx, query, sequence)
	var e Entry
	var payload []byte
	err := row.Scan(&e.Sequence, &e.EntryID, &e.Timestamp, &e.Actor, &e.Action,
		&payload, &e.Success, &e.PayloadHash, &e.PrevHash, &e.EntryHash)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}
	if len(payload) > 0 {
		e.Payload = payload
	}
	return &e, nil
}

func (s *PostgresStore) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Range(ctx context.Context, start, end time.Time) ([]*Entry, error) {
	query := `
		SELECT sequence, entry_id, timestamp, actor, action, payload, success, payload_hash, prev_hash, entry_hash
		FROM audit_entries
		WHERE timestamp >= $1 AND timestamp < $2
		ORDER BY sequence ASC
	`
	rows, err := s.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to range audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.Sequence, &e.EntryID, &e.Timestamp, &e.Actor, &e.Action,
			&payload, &e.Success, &e.PayloadHash, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			e.Payload = payload
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Head(ctx context.Context) (uint64, string, error) {
	var seq uint64
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT sequence, entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1").
		Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, "genesis", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read audit head: %w", err)
	}
	return seq, hash, nil
}
