package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/noorguard/engine/internal/idgen"
)

// PostgresDirectiveStore implements DirectiveStore backed by PostgreSQL.
type PostgresDirectiveStore struct {
	db *sql.DB
}

var _ DirectiveStore = (*PostgresDirectiveStore)(nil)

// NewPostgresDirectiveStore creates a PostgreSQL-backed directive store.
func NewPostgresDirectiveStore(db *sql.DB) *PostgresDirectiveStore {
	return &PostgresDirectiveStore{db: db}
}

const directiveColumns = `id, device_id, child_id, state, action, reason,
	effective_quota_minutes, until_at, issued_at, acknowledged_at, superseded_at`

func (p *PostgresDirectiveStore) Issue(ctx context.Context, d *Directive) error {
	if d.ID == "" {
		d.ID = idgen.WithPrefix("dir_")
	}
	if d.IssuedAt.IsZero() {
		d.IssuedAt = time.Now()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE directives SET superseded_at = $1
		WHERE device_id = $2 AND superseded_at IS NULL`,
		d.IssuedAt, d.DeviceID); err != nil {
		return fmt.Errorf("supersede current directive: %w", err)
	}

	var quota sql.NullInt64
	if d.EffectiveQuotaMinutes > 0 {
		quota = sql.NullInt64{Int64: int64(d.EffectiveQuotaMinutes), Valid: true}
	}
	var until sql.NullTime
	if d.Until != nil {
		until = sql.NullTime{Time: *d.Until, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO directives
			(id, device_id, child_id, state, action, reason,
			 effective_quota_minutes, until_at, issued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.DeviceID, d.ChildID, string(d.State), string(d.Action), d.Reason,
		quota, until, d.IssuedAt); err != nil {
		return fmt.Errorf("insert directive: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresDirectiveStore) Current(ctx context.Context, deviceID string) (*Directive, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+directiveColumns+`
		FROM directives
		WHERE device_id = $1 AND superseded_at IS NULL
		ORDER BY issued_at DESC
		LIMIT 1`, deviceID)

	d, err := scanDirective(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (p *PostgresDirectiveStore) Get(ctx context.Context, id string) (*Directive, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+directiveColumns+`
		FROM directives WHERE id = $1`, id)

	d, err := scanDirective(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDirectiveNotFound
	}
	return d, err
}

func (p *PostgresDirectiveStore) ListByDevice(ctx context.Context, deviceID string, limit int) ([]*Directive, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+directiveColumns+`
		FROM directives
		WHERE device_id = $1
		ORDER BY issued_at DESC
		LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Directive
	for rows.Next() {
		d, err := scanDirective(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresDirectiveStore) Acknowledge(ctx context.Context, deviceID, directiveID string) (*Directive, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE directives SET acknowledged_at = COALESCE(acknowledged_at, NOW())
		WHERE id = $1 AND device_id = $2 AND superseded_at IS NULL`,
		directiveID, deviceID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish a wrong id from a superseded directive.
		d, err := p.Get(ctx, directiveID)
		if err != nil || d.DeviceID != deviceID {
			return nil, ErrDirectiveNotFound
		}
		return nil, ErrNotCurrent
	}
	return p.Get(ctx, directiveID)
}

func (p *PostgresDirectiveStore) SetManualLock(ctx context.Context, deviceID string, lock *ManualLock) error {
	if lock == nil {
		_, err := p.db.ExecContext(ctx,
			`DELETE FROM manual_locks WHERE device_id = $1`, deviceID)
		return err
	}
	if lock.LockedAt.IsZero() {
		lock.LockedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO manual_locks (device_id, locked_by, locked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE
			SET locked_by = EXCLUDED.locked_by, locked_at = EXCLUDED.locked_at`,
		deviceID, lock.LockedBy, lock.LockedAt)
	return err
}

func (p *PostgresDirectiveStore) GetManualLock(ctx context.Context, deviceID string) (*ManualLock, error) {
	lock := &ManualLock{}
	err := p.db.QueryRowContext(ctx, `
		SELECT device_id, locked_by, locked_at
		FROM manual_locks WHERE device_id = $1`, deviceID).
		Scan(&lock.DeviceID, &lock.LockedBy, &lock.LockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDirective(row rowScanner) (*Directive, error) {
	d := &Directive{}
	var state, action string
	var quota sql.NullInt64
	var until, acked, superseded sql.NullTime

	if err := row.Scan(&d.ID, &d.DeviceID, &d.ChildID, &state, &action, &d.Reason,
		&quota, &until, &d.IssuedAt, &acked, &superseded); err != nil {
		return nil, err
	}
	d.State = State(state)
	d.Action = Action(action)
	if quota.Valid {
		d.EffectiveQuotaMinutes = int(quota.Int64)
	}
	if until.Valid {
		t := until.Time
		d.Until = &t
	}
	if acked.Valid {
		t := acked.Time
		d.AcknowledgedAt = &t
	}
	if superseded.Valid {
		t := superseded.Time
		d.SupersededAt = &t
	}
	return d, nil
}
