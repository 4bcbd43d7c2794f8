package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	_ "modernc.org/sqlite"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
)

// SQLiteStore persists metrics and aggregates in SQLite for
// single-node deployments. Aggregate sums are stored as decimal text
// because they can exceed 64 bits.
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
    CREATE TABLE IF NOT EXISTS metrics (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        reporter TEXT NOT NULL,
        kind TEXT NOT NULL,
        sealed_blob BLOB NOT NULL,
        multiplier INTEGER NOT NULL,
        created_at DATETIME NOT NULL,
        request_id TEXT,
        status TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_metrics_request ON metrics(request_id);
    CREATE TABLE IF NOT EXISTS metric_aggregates (
        kind TEXT PRIMARY KEY,
        sum TEXT NOT NULL,
        count INTEGER NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Insert(ctx context.Context, m *Metric) (uint64, error) {
	query := `
        INSERT INTO metrics (reporter, kind, sealed_blob, multiplier, created_at, request_id, status)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `
	res, err := s.db.ExecContext(ctx, query,
		string(m.Reporter), m.Kind, m.SealedValue.Blob, int64(m.SealedValue.Multiplier),
		m.CreatedAt.Format(time.RFC3339Nano), m.RequestID, string(m.Status))
	if err != nil {
		return 0, fmt.Errorf("sqlite insert metric: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite insert metric id: %w", err)
	}
	m.ID = uint64(id)
	return m.ID, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id uint64) (*Metric, error) {
	query := `
        SELECT id, reporter, kind, sealed_blob, multiplier, created_at, request_id, status
        FROM metrics WHERE id = ?
    `
	m, err := scanMetric(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMetric, id)
	}
	return m, err
}

func (s *SQLiteStore) Update(ctx context.Context, m *Metric) error {
	query := `
        UPDATE metrics SET request_id = ?, status = ? WHERE id = ?
    `
	res, err := s.db.ExecContext(ctx, query, m.RequestID, string(m.Status), m.ID)
	if err != nil {
		return fmt.Errorf("sqlite update metric: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite update metric: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownMetric, m.ID)
	}
	return nil
}

func (s *SQLiteStore) ByRequest(ctx context.Context, requestID string) (*Metric, error) {
	query := `
        SELECT id, reporter, kind, sealed_blob, multiplier, created_at, request_id, status
        FROM metrics WHERE request_id = ?
    `
	m, err := scanMetric(s.db.QueryRowContext(ctx, query, requestID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no metric for request %s", ErrUnknownMetric, requestID)
	}
	return m, err
}

func (s *SQLiteStore) Fold(ctx context.Context, kind string, value *big.Int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite fold: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sumText string
	var count uint64
	err = tx.QueryRowContext(ctx,
		"SELECT sum, count FROM metric_aggregates WHERE kind = ?", kind).Scan(&sumText, &count)
	switch err {
	case nil:
	case sql.ErrNoRows:
		sumText, count = "0", 0
	default:
		return fmt.Errorf("sqlite fold read: %w", err)
	}

	sum, ok := new(big.Int).SetString(sumText, 10)
	if !ok {
		return fmt.Errorf("sqlite fold: corrupt aggregate sum for kind %q", kind)
	}
	sum.Add(sum, value)
	count++

	_, err = tx.ExecContext(ctx, `
        INSERT INTO metric_aggregates (kind, sum, count) VALUES (?, ?, ?)
        ON CONFLICT(kind) DO UPDATE SET sum = excluded.sum, count = excluded.count
    `, kind, sum.String(), count)
	if err != nil {
		return fmt.Errorf("sqlite fold write: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Aggregate(ctx context.Context, kind string) (*Aggregate, error) {
	var sumText string
	var count uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT sum, count FROM metric_aggregates WHERE kind = ?", kind).Scan(&sumText, &count)
	if err == sql.ErrNoRows {
		return &Aggregate{Kind: kind, Sum: new(big.Int)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite aggregate: %w", err)
	}
	sum, ok := new(big.Int).SetString(sumText, 10)
	if !ok {
		return nil, fmt.Errorf("sqlite aggregate: corrupt sum for kind %q", kind)
	}
	return &Aggregate{Kind: kind, Sum: sum, Count: count}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetric(r rowScanner) (*Metric, error) {
	var m Metric
	var reporter, status, ts string
	var requestID sql.NullString
	var multiplier int64
	err := r.Scan(&m.ID, &reporter, &m.Kind, &m.SealedValue.Blob, &multiplier,
		&ts, &requestID, &status)
	if err != nil {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("corrupt timestamp in metric row %d: %w", m.ID, err)
	}
	m.Reporter = contracts.Identity(reporter)
	m.Status = Status(status)
	m.CreatedAt = parsed
	m.SealedValue.Multiplier = uint64(multiplier)
	m.RequestID = requestID.String
	return &m, nil
}
