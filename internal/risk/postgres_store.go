package risk

import (
	"context"
	"database/sql"
	"strconv"
)

// PostgresHistoryStore implements HistoryStore backed by PostgreSQL.
type PostgresHistoryStore struct {
	db *sql.DB
}

var _ HistoryStore = (*PostgresHistoryStore)(nil)

// NewPostgresHistoryStore creates a PostgreSQL-backed history store.
func NewPostgresHistoryStore(db *sql.DB) *PostgresHistoryStore {
	return &PostgresHistoryStore{db: db}
}

func (p *PostgresHistoryStore) Append(ctx context.Context, s *Sample) error {
	const q = `
		INSERT INTO risk_history (child_id, score, band, dominant_signal)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	return p.db.QueryRowContext(ctx, q,
		s.ChildID, s.Score, string(s.Band), s.Dominant,
	).Scan(&s.ID, &s.CreatedAt)
}

func (p *PostgresHistoryStore) Query(ctx context.Context, hq HistoryQuery) ([]*Sample, error) {
	query := `
		SELECT id, child_id, score, band, dominant_signal, created_at
		FROM risk_history
		WHERE child_id = $1`

	args := []interface{}{hq.ChildID}
	argIdx := 2

	if !hq.From.IsZero() {
		query += " AND created_at >= $" + strconv.Itoa(argIdx)
		args = append(args, hq.From)
		argIdx++
	}
	if !hq.To.IsZero() {
		query += " AND created_at <= $" + strconv.Itoa(argIdx)
		args = append(args, hq.To)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	limit := hq.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT $" + strconv.Itoa(argIdx)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Sample
	for rows.Next() {
		s := &Sample{}
		var band string
		if err := rows.Scan(&s.ID, &s.ChildID, &s.Score, &band, &s.Dominant, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Band = Band(band)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresHistoryStore) Latest(ctx context.Context, childID string) (*Sample, error) {
	const q = `
		SELECT id, child_id, score, band, dominant_signal, created_at
		FROM risk_history
		WHERE child_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	s := &Sample{}
	var band string
	err := p.db.QueryRowContext(ctx, q, childID).Scan(
		&s.ID, &s.ChildID, &s.Score, &band, &s.Dominant, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Band = Band(band)
	return s, nil
}
