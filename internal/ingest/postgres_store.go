package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresEventStore persists usage events in PostgreSQL.
// The usage_events table is insert-only; there is no UPDATE path.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

var _ EventStore = (*PostgresEventStore)(nil)

func (p *PostgresEventStore) Append(ctx context.Context, e *UsageEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, device_id, child_id, kind, seq, event_time, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.DeviceID, e.ChildID, string(e.Kind), e.Seq, e.Timestamp, e.Payload, e.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (p *PostgresEventStore) LastSeq(ctx context.Context, deviceID string) (int64, error) {
	var seq sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM usage_events WHERE device_id = $1
	`, deviceID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read last seq: %w", err)
	}
	return seq.Int64, nil
}

func (p *PostgresEventStore) ByChild(ctx context.Context, childID string, since time.Time) ([]*UsageEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, device_id, child_id, kind, seq, event_time, payload, received_at
		FROM usage_events
		WHERE child_id = $1 AND event_time >= $2
		ORDER BY device_id, seq
	`, childID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (p *PostgresEventStore) ByDevice(ctx context.Context, deviceID string, limit int) ([]*UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, device_id, child_id, kind, seq, event_time, payload, received_at
		FROM usage_events
		WHERE device_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*UsageEvent, error) {
	var out []*UsageEvent
	for rows.Next() {
		var e UsageEvent
		var kind string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.ChildID, &kind, &e.Seq,
			&e.Timestamp, &e.Payload, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Kind = Kind(kind)
		out = append(out, &e)
	}
	return out, rows.Err()
}
