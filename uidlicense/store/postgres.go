package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultTablePrefix = "uidlicense"

	// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
	uniqueViolation = "23505"
)

// validIdentifier matches safe PostgreSQL identifiers (letters, digits, underscores).
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTablePrefix sets the prefix of the license and binding tables.
// Default: "uidlicense", giving uidlicense_licenses and uidlicense_bindings.
func WithTablePrefix(prefix string) PostgresOption {
	return func(s *PostgresStore) {
		s.prefix = prefix
	}
}

// PostgresStore implements Store using PostgreSQL.
//
// Activation and deactivation each run in one transaction. The capacity
// guard is part of the UPDATE's WHERE clause and game_uid carries a unique
// constraint, so neither depends on a prior read.
type PostgresStore struct {
	pool     *pgxpool.Pool
	prefix   string
	licenses string
	bindings string
}

// NewPostgresStore creates a new PostgreSQL-backed store.
// It auto-creates the tables and indexes on initialization.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	s := &PostgresStore{
		pool:   pool,
		prefix: defaultTablePrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !validIdentifier.MatchString(s.prefix) {
		return nil, fmt.Errorf("invalid table prefix %q: must match [a-zA-Z_][a-zA-Z0-9_]*", s.prefix)
	}
	s.licenses = s.prefix + "_licenses"
	s.bindings = s.prefix + "_bindings"

	if err := s.ensureTables(ctx); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id           TEXT PRIMARY KEY,
			license_key  TEXT NOT NULL UNIQUE,
			license_type TEXT NOT NULL,
			expire_date  TIMESTAMPTZ NOT NULL,
			max_usage    INTEGER NOT NULL CHECK (max_usage > 0),
			used_count   INTEGER NOT NULL DEFAULT 0 CHECK (used_count >= 0 AND used_count <= max_usage),
			max_users    INTEGER NOT NULL DEFAULT 0,
			status       TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id           TEXT PRIMARY KEY,
			game_uid     TEXT NOT NULL UNIQUE,
			license_key  TEXT NOT NULL,
			license_type TEXT NOT NULL,
			status       TEXT NOT NULL,
			user_ref     TEXT NOT NULL DEFAULT '',
			activated_at TIMESTAMPTZ NOT NULL,
			expire_date  TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_license_key ON %[2]s (license_key);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_user_ref ON %[2]s (user_ref);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_created_at ON %[2]s (created_at DESC);
	`, s.licenses, s.bindings)
	_, err := s.pool.Exec(ctx, query)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const licenseColumns = `id, license_key, license_type, expire_date, max_usage, used_count, max_users, status, created_at, updated_at`

func scanLicense(row pgx.Row) (*License, error) {
	var l License
	err := row.Scan(&l.ID, &l.LicenseKey, &l.LicenseType, &l.ExpireDate, &l.MaxUsage,
		&l.UsedCount, &l.MaxUsers, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

const bindingColumns = `id, game_uid, license_key, license_type, status, user_ref, activated_at, expire_date, created_at, updated_at`

func scanBinding(row pgx.Row) (*Binding, error) {
	var b Binding
	err := row.Scan(&b.ID, &b.GameUID, &b.LicenseKey, &b.LicenseType, &b.Status,
		&b.UserRef, &b.ActivatedAt, &b.ExpireDate, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) CreateLicense(ctx context.Context, l License) (*License, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, license_key, license_type, expire_date, max_usage, used_count, max_users, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING %s
	`, s.licenses, licenseColumns)

	out, err := scanLicense(s.pool.QueryRow(ctx, query,
		uuid.NewString(), l.LicenseKey, l.LicenseType, l.ExpireDate, l.MaxUsage,
		l.UsedCount, l.MaxUsers, l.Status,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("insert license: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetLicense(ctx context.Context, id string) (*License, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, licenseColumns, s.licenses)
	l, err := scanLicense(s.pool.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return l, err
}

func (s *PostgresStore) GetLicenseByKey(ctx context.Context, key string) (*License, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE license_key = $1`, licenseColumns, s.licenses)
	l, err := scanLicense(s.pool.QueryRow(ctx, query, key))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return l, err
}

func (s *PostgresStore) ListLicenses(ctx context.Context) ([]License, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at`, licenseColumns, s.licenses)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var out []License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetLicenseStatus(ctx context.Context, id string, status LicenseStatus) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = NOW() WHERE id = $1`, s.licenses)
	tag, err := s.pool.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("set license status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ExpireLicense(ctx context.Context, id string, now time.Time) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, updated_at = $4
		WHERE id = $1 AND status = $3 AND expire_date < $4
	`, s.licenses)
	tag, err := s.pool.Exec(ctx, query, id, LicenseExpired, LicenseActive, now)
	if err != nil {
		return false, fmt.Errorf("expire license: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteLicense(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND used_count = 0`, s.licenses)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetLicense(ctx, id); err != nil {
		return err
	}
	return ErrInUse
}

func (s *PostgresStore) Activate(ctx context.Context, b Binding, now time.Time) (*Binding, error) {
	reserve := fmt.Sprintf(`
		UPDATE %s SET used_count = used_count + 1, updated_at = $2
		WHERE license_key = $1 AND status = $3 AND expire_date >= $2 AND used_count < max_usage
	`, s.licenses)
	insert := fmt.Sprintf(`
		INSERT INTO %s (id, game_uid, license_key, license_type, status, user_ref, activated_at, expire_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING %s
	`, s.bindings, bindingColumns)

	var out *Binding
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, reserve, b.LicenseKey, now, LicenseActive)
		if err != nil {
			return fmt.Errorf("reserve capacity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotReserved
		}
		out, err = scanBinding(tx.QueryRow(ctx, insert,
			uuid.NewString(), b.GameUID, b.LicenseKey, b.LicenseType, b.Status,
			b.UserRef, b.ActivatedAt, b.ExpireDate, now,
		))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateUID
			}
			return fmt.Errorf("insert binding: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, id string, refuse ...BindingStatus) (*Binding, error) {
	lock := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, bindingColumns, s.bindings)
	remove := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.bindings)
	release := fmt.Sprintf(`
		UPDATE %s SET used_count = GREATEST(used_count - 1, 0), updated_at = NOW()
		WHERE license_key = $1
	`, s.licenses)

	var out *Binding
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		out, err = scanBinding(tx.QueryRow(ctx, lock, id))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return err
			}
			return fmt.Errorf("lock binding: %w", err)
		}
		if slices.Contains(refuse, out.Status) {
			return ErrBindingLocked
		}
		if _, err := tx.Exec(ctx, remove, id); err != nil {
			return fmt.Errorf("delete binding: %w", err)
		}
		if _, err := tx.Exec(ctx, release, out.LicenseKey); err != nil {
			return fmt.Errorf("release capacity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetBinding(ctx context.Context, id string) (*Binding, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, bindingColumns, s.bindings)
	b, err := scanBinding(s.pool.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get binding: %w", err)
	}
	return b, err
}

func (s *PostgresStore) FindBindingByUID(ctx context.Context, gameUID string) (*Binding, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE game_uid = $1`, bindingColumns, s.bindings)
	b, err := scanBinding(s.pool.QueryRow(ctx, query, gameUID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find binding: %w", err)
	}
	return b, err
}

func (s *PostgresStore) queryBindings(ctx context.Context, query string, args ...any) ([]Binding, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListBindings(ctx context.Context, filter BindingFilter) ([]Binding, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE ($1 = '' OR user_ref = $1) AND ($2 = '' OR license_key = $2)
		ORDER BY created_at
	`, bindingColumns, s.bindings)
	return s.queryBindings(ctx, query, filter.UserRef, filter.LicenseKey)
}

func (s *PostgresStore) RecentBindings(ctx context.Context, limit int) ([]Binding, error) {
	if limit <= 0 {
		query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC`, bindingColumns, s.bindings)
		return s.queryBindings(ctx, query)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC LIMIT $1`, bindingColumns, s.bindings)
	return s.queryBindings(ctx, query, limit)
}

func (s *PostgresStore) SetBindingStatus(ctx context.Context, id string, status BindingStatus) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = NOW() WHERE id = $1`, s.bindings)
	tag, err := s.pool.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("set binding status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ExpireBinding(ctx context.Context, id string, now time.Time) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, updated_at = $4
		WHERE id = $1 AND status = $3 AND expire_date IS NOT NULL AND expire_date < $4
	`, s.bindings)
	tag, err := s.pool.Exec(ctx, query, id, BindingExpired, BindingActive, now)
	if err != nil {
		return false, fmt.Errorf("expire binding: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	query := fmt.Sprintf(`
		SELECT
			(SELECT COUNT(*) FROM %[1]s),
			(SELECT COUNT(*) FROM %[1]s WHERE status = 'ACTIVE' AND expire_date > $1),
			(SELECT COUNT(*) FROM %[1]s WHERE status IN ('EXPIRED', 'USED_UP') OR expire_date < $1),
			(SELECT COUNT(*) FROM %[2]s),
			(SELECT COUNT(*) FROM %[2]s WHERE status = 'BANNED'),
			(SELECT COUNT(*) FROM %[2]s WHERE status = 'PAUSED')
	`, s.licenses, s.bindings)

	var st Stats
	err := s.pool.QueryRow(ctx, query, now).Scan(
		&st.TotalLicenses, &st.ActiveLicenses, &st.ExpiredLicenses,
		&st.TotalBindings, &st.BannedBindings, &st.PausedBindings,
	)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) Close(_ context.Context) error {
	return nil // caller manages the pgxpool.Pool lifecycle
}
