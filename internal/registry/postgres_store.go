package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/noorguard/engine/internal/idgen"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// -----------------------------------------------------------------------------
// Guardian Operations
// -----------------------------------------------------------------------------

func (p *PostgresStore) CreateGuardian(ctx context.Context, g *Guardian) error {
	if g.ID == "" {
		g.ID = idgen.WithPrefix("grd_")
	}
	g.Email = strings.ToLower(g.Email)
	now := time.Now()
	g.CreatedAt = now
	g.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO guardians (id, name, email, timezone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, g.ID, g.Name, g.Email, g.Timezone, now)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrEmailExists
		}
		return fmt.Errorf("failed to create guardian: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetGuardian(ctx context.Context, id string) (*Guardian, error) {
	return p.scanGuardian(p.db.QueryRowContext(ctx, `
		SELECT id, name, email, timezone, created_at, updated_at
		FROM guardians WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetGuardianByEmail(ctx context.Context, email string) (*Guardian, error) {
	return p.scanGuardian(p.db.QueryRowContext(ctx, `
		SELECT id, name, email, timezone, created_at, updated_at
		FROM guardians WHERE email = $1
	`, strings.ToLower(email)))
}

func (p *PostgresStore) scanGuardian(row *sql.Row) (*Guardian, error) {
	var g Guardian
	err := row.Scan(&g.ID, &g.Name, &g.Email, &g.Timezone, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrGuardianNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guardian: %w", err)
	}
	return &g, nil
}

// -----------------------------------------------------------------------------
// Child Operations
// -----------------------------------------------------------------------------

const childColumns = `id, guardian_id, name, birth_year, filter_level, daily_quota_minutes,
	night_start, night_end, ramadan_mode, auto_lock_during_prayer, city, country,
	created_at, updated_at`

func (p *PostgresStore) CreateChild(ctx context.Context, c *Child) error {
	if !c.FilterLevel.Valid() {
		return ErrInvalidFilter
	}
	if c.ID == "" {
		c.ID = idgen.WithPrefix("chd_")
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO children (id, guardian_id, name, birth_year, filter_level, daily_quota_minutes,
			night_start, night_end, ramadan_mode, auto_lock_during_prayer, city, country,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, c.ID, c.GuardianID, c.Name, c.BirthYear, string(c.FilterLevel), c.DailyQuotaMinutes,
		c.NightStart, c.NightEnd, c.RamadanMode, c.AutoLockDuringPrayer, c.City, c.Country, now)

	if err != nil {
		if strings.Contains(err.Error(), "foreign key") {
			return ErrGuardianNotFound
		}
		return fmt.Errorf("failed to create child: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetChild(ctx context.Context, id string) (*Child, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+childColumns+` FROM children WHERE id = $1`, id)
	c, err := scanChild(row)
	if err == sql.ErrNoRows {
		return nil, ErrChildNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get child: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) UpdateChild(ctx context.Context, c *Child) error {
	if !c.FilterLevel.Valid() {
		return ErrInvalidFilter
	}
	c.UpdatedAt = time.Now()

	res, err := p.db.ExecContext(ctx, `
		UPDATE children SET name = $2, birth_year = $3, filter_level = $4,
			daily_quota_minutes = $5, night_start = $6, night_end = $7,
			ramadan_mode = $8, auto_lock_during_prayer = $9, city = $10, country = $11,
			updated_at = $12
		WHERE id = $1
	`, c.ID, c.Name, c.BirthYear, string(c.FilterLevel), c.DailyQuotaMinutes,
		c.NightStart, c.NightEnd, c.RamadanMode, c.AutoLockDuringPrayer, c.City, c.Country,
		c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update child: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChildNotFound
	}
	return nil
}

func (p *PostgresStore) ListChildren(ctx context.Context, guardianID string) ([]*Child, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+childColumns+` FROM children WHERE guardian_id = $1 ORDER BY created_at
	`, guardianID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	var out []*Child
	for rows.Next() {
		c, err := scanChild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan child: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChild(row rowScanner) (*Child, error) {
	var c Child
	var filter string
	err := row.Scan(&c.ID, &c.GuardianID, &c.Name, &c.BirthYear, &filter, &c.DailyQuotaMinutes,
		&c.NightStart, &c.NightEnd, &c.RamadanMode, &c.AutoLockDuringPrayer, &c.City, &c.Country,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.FilterLevel = FilterLevel(filter)
	return &c, nil
}

// -----------------------------------------------------------------------------
// Device Operations
// -----------------------------------------------------------------------------

const deviceColumns = `id, child_id, name, platform, status, unresponsive, last_seen_at,
	paired_at, created_at, updated_at`

func (p *PostgresStore) CreateDevice(ctx context.Context, d *Device) error {
	if d.ID == "" {
		d.ID = idgen.WithPrefix("dev_")
	}
	now := time.Now()
	d.Status = DeviceActive
	if d.PairedAt.IsZero() {
		d.PairedAt = now
	}
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO devices (id, child_id, name, platform, status, unresponsive, paired_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, false, $6, $7, $7)
	`, d.ID, d.ChildID, d.Name, d.Platform, string(d.Status), d.PairedAt, now)

	if err != nil {
		if strings.Contains(err.Error(), "foreign key") {
			return ErrChildNotFound
		}
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) ListDevices(ctx context.Context, childID string) ([]*Device, error) {
	return p.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices WHERE child_id = $1 ORDER BY paired_at`, childID)
}

func (p *PostgresStore) ListActiveDevices(ctx context.Context) ([]*Device, error) {
	return p.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices WHERE status = 'active' ORDER BY id`)
}

func (p *PostgresStore) queryDevices(ctx context.Context, query string, args ...interface{}) ([]*Device, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var status string
	var lastSeen sql.NullTime
	err := row.Scan(&d.ID, &d.ChildID, &d.Name, &d.Platform, &status, &d.Unresponsive, &lastSeen,
		&d.PairedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = DeviceStatus(status)
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeenAt = &t
	}
	return &d, nil
}

func (p *PostgresStore) RetireDevice(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE devices SET status = 'retired', updated_at = now()
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to retire device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing from already-retired.
		if _, err := p.GetDevice(ctx, id); err != nil {
			return err
		}
		return ErrDeviceRetired
	}
	return nil
}

func (p *PostgresStore) TouchDevice(ctx context.Context, id string, seenAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE devices SET last_seen_at = $2, updated_at = now()
		WHERE id = $1
	`, id, seenAt)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (p *PostgresStore) SetUnresponsive(ctx context.Context, id string, unresponsive bool) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE devices SET unresponsive = $2, updated_at = now() WHERE id = $1
	`, id, unresponsive)
	if err != nil {
		return fmt.Errorf("failed to flag device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// -----------------------------------------------------------------------------
// Pairing Operations
// -----------------------------------------------------------------------------

func (p *PostgresStore) CreatePairingCode(ctx context.Context, childID string, ttl time.Duration) (*PairingCode, error) {
	code, err := newPairingCode()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	pc := &PairingCode{
		Code:      code,
		ChildID:   childID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO pairing_codes (code, child_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, pc.Code, pc.ChildID, pc.ExpiresAt, pc.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "foreign key") {
			return nil, ErrChildNotFound
		}
		return nil, fmt.Errorf("failed to create pairing code: %w", err)
	}
	return pc, nil
}

func (p *PostgresStore) ClaimPairingCode(ctx context.Context, code string) (*PairingCode, error) {
	code = strings.ToUpper(code)

	// Claim atomically; only an unused, unexpired code row is updated.
	var pc PairingCode
	var usedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		UPDATE pairing_codes SET used_at = now()
		WHERE code = $1 AND used_at IS NULL AND expires_at > now()
		RETURNING code, child_id, expires_at, used_at, created_at
	`, code).Scan(&pc.Code, &pc.ChildID, &pc.ExpiresAt, &usedAt, &pc.CreatedAt)

	if err == sql.ErrNoRows {
		// Figure out why the claim failed.
		var expired bool
		var alreadyUsed sql.NullTime
		err := p.db.QueryRowContext(ctx, `
			SELECT expires_at <= now(), used_at FROM pairing_codes WHERE code = $1
		`, code).Scan(&expired, &alreadyUsed)
		if err == sql.ErrNoRows {
			return nil, ErrPairingNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check pairing code: %w", err)
		}
		if alreadyUsed.Valid {
			return nil, ErrPairingUsed
		}
		if expired {
			return nil, ErrPairingExpired
		}
		return nil, ErrPairingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim pairing code: %w", err)
	}
	if usedAt.Valid {
		t := usedAt.Time
		pc.UsedAt = &t
	}
	return &pc, nil
}
