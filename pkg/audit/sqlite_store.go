package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the journal in SQLite for single-node
// deployments.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        sequence INTEGER PRIMARY KEY,
        entry_id TEXT NOT NULL,
        timestamp DATETIME NOT NULL,
        actor TEXT NOT NULL,
        action TEXT NOT NULL,
        payload BLOB,
        success INTEGER NOT NULL,
        payload_hash TEXT NOT NULL,
        prev_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	query := `
        INSERT INTO audit_entries
            (sequence, entry_id, timestamp, actor, action, payload, success, payload_hash, prev_hash, entry_hash)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err := s.db.ExecContext(ctx, query,
		e.Sequence, e.EntryID, e.Timestamp.Format(time.RFC3339Nano), e.Actor, e.Action,
		[]byte(e.Payload), boolToInt(e.Success), e.PayloadHash, e.PrevHash, e.EntryHash)
	if err != nil {
		return fmt.Errorf("sqlite append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sequence uint64) (*Entry, error) {
	query := `
        SELECT sequence, entry_id, timestamp, actor, action, payload, success, payload_hash, prev_hash, entry_hash
        FROM audit_entries WHERE sequence = ?
    `
	return s.scanOne(s.db.QueryRowContext(ctx, query, sequence))
}

func (s *SQLiteStore) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Range(ctx context.Context, start, end time.Time) ([]*Entry, error) {
	query := `
        SELECT sequence, entry_id, timestamp, actor, action, payload, success, payload_hash, prev_hash, entry_hash
        FROM audit_entries
        WHERE timestamp >= ? AND timestamp < ?
        ORDER BY sequence ASC
    `
	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("sqlite range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Head(ctx context.Context) (uint64, string, error) {
	var seq uint64
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT sequence, entry_hash FROM audit_entries ORDER BY sequence DESC LIMIT 1").
		Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, "genesis", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("sqlite head: %w", err)
	}
	return seq, hash, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanOne(row *sql.Row) (*Entry, error) {
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func scanEntry(r rowScanner) (*Entry, error) {
	var e Entry
	var ts string
	var success int
	var payload []byte
	err := r.Scan(&e.Sequence, &e.EntryID, &ts, &e.Actor, &e.Action,
		&payload, &success, &e.PayloadHash, &e.PrevHash, &e.EntryHash)
	if err != nil {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("corrupt timestamp in audit row %d: %w", e.Sequence, err)
	}
	e.Timestamp = parsed
	e.Success = success != 0
	if len(payload) > 0 {
		e.Payload = payload
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
