package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store runs vault, settings and audit queries against a Querier.
type Store struct {
	q Querier
}

// NewStore binds a Store to q, typically a transaction owned by the caller.
func NewStore(q Querier) *Store {
	return &Store{q: q}
}

// Store returns a Store bound to the database handle (autocommit).
func (d *Database) Store() *Store {
	return &Store{q: d.DB}
}

// InTx runs fn inside a single transaction; the transaction commits only when fn returns nil.
func (d *Database) InTx(ctx context.Context, fn func(s *Store) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ----------------------------------------
// Vault config
// ----------------------------------------

// GetVaultConfig returns the vault header or ErrNotFound.
func (s *Store) GetVaultConfig(ctx context.Context) (*VaultConfig, error) {
	var c VaultConfig
	err := s.q.QueryRowContext(ctx, `
		SELECT initialized, verifier, created_at, updated_at
		FROM vault_config WHERE id = 1
	`).Scan(&c.Initialized, &c.Verifier, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query vault config: %w", err)
	}
	return &c, nil
}

// PutVaultConfig creates or replaces the vault header.
func (s *Store) PutVaultConfig(ctx context.Context, c VaultConfig) error {
	now := time.Now().UTC()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO vault_config (id, initialized, verifier, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			initialized = excluded.initialized,
			verifier = excluded.verifier,
			updated_at = excluded.updated_at
	`, c.Initialized, c.Verifier, now, now)
	if err != nil {
		return fmt.Errorf("put vault config: %w", err)
	}
	return nil
}

// ----------------------------------------
// Profiles
// ----------------------------------------

const profileColumns = `id, name, environment, public_key, encrypted_secret, iv, salt, iterations, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.Name, &p.Environment, &p.PublicKey, &p.EncryptedSecret,
		&p.IV, &p.Salt, &p.Iterations, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// ListProfiles returns all profiles ordered by creation time.
func (s *Store) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var res []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// GetProfile returns a profile by id or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, id string) (*Profile, error) {
	p, err := scanProfile(s.q.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	return &p, nil
}

// GetProfileByName returns a profile by its unique name or ErrNotFound.
func (s *Store) GetProfileByName(ctx context.Context, name string) (*Profile, error) {
	p, err := scanProfile(s.q.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query profile by name: %w", err)
	}
	return &p, nil
}

// CountProfiles returns the number of stored profiles.
func (s *Store) CountProfiles(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	return n, nil
}

// UpsertProfile inserts a profile or replaces the one with the same name, keeping its id
// and creation time.
func (s *Store) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			environment = excluded.environment,
			public_key = excluded.public_key,
			encrypted_secret = excluded.encrypted_secret,
			iv = excluded.iv,
			salt = excluded.salt,
			iterations = excluded.iterations,
			updated_at = excluded.updated_at
	`, p.ID, p.Name, p.Environment, p.PublicKey, p.EncryptedSecret, p.IV, p.Salt, p.Iterations,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// DeleteProfile removes a profile; ErrNotFound when no row matched.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Settings
// ----------------------------------------

// GetSetting returns a setting value or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query setting %s: %w", key, err)
	}
	return v, nil
}

// PutSetting upserts a setting value.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes a setting if present.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}

// WipeVault deletes every profile, the vault header and all settings.
func (s *Store) WipeVault(ctx context.Context) error {
	for _, stmt := range []string{
		`DELETE FROM profiles`,
		`DELETE FROM vault_config`,
		`DELETE FROM settings`,
	} {
		if _, err := s.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("wipe vault: %w", err)
		}
	}
	return nil
}

// ----------------------------------------
// Audit
// ----------------------------------------

// InsertAuditQuery is the statement used by batched audit writers.
const InsertAuditQuery = `INSERT OR IGNORE INTO audit_entries (id, type, payload, created_at) VALUES (?, ?, ?, ?)`

// InsertAudit writes one audit record.
func (s *Store) InsertAudit(ctx context.Context, r AuditRecord) error {
	if _, err := s.q.ExecContext(ctx, InsertAuditQuery, r.ID, r.Type, r.Payload, r.CreatedAt); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest audit records first; entryType filters when non-empty.
func (s *Store) ListAudit(ctx context.Context, entryType string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, type, payload, created_at FROM audit_entries`
	args := []any{}
	if entryType != "" {
		query += ` WHERE type = ?`
		args = append(args, entryType)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var res []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.Type, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// PruneAudit keeps only the newest keep records of the given type.
func (s *Store) PruneAudit(ctx context.Context, entryType string, keep int) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM audit_entries
		WHERE type = ? AND id NOT IN (
			SELECT id FROM audit_entries WHERE type = ? ORDER BY created_at DESC LIMIT ?
		)
	`, entryType, entryType, keep)
	if err != nil {
		return fmt.Errorf("prune audit: %w", err)
	}
	return nil
}
