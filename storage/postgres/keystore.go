// Package postgresstore implements keystore.Store on PostgreSQL via pgx.
// Schema lives in migrations/postgres; run them with the devserver's
// migrate command or your own migration runner.
package postgresstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-rails/keykit/keystore"
	"github.com/open-rails/keykit/password"
)

const uniqueViolation = "23505"

// Keystore is a pgxpool-backed keystore.Store.
type Keystore struct {
	pg *pgxpool.Pool
}

func NewKeystore(pg *pgxpool.Pool) *Keystore {
	return &Keystore{pg: pg}
}

func (s *Keystore) GetKeyUser(ctx context.Context, key keystore.KeyID) (*keystore.User, error) {
	row := s.pg.QueryRow(ctx, `
		SELECT u.id::text, u.attributes, u.created_at, u.updated_at
		FROM keykit.user_keys k
		JOIN keykit.users u ON u.id = k.user_id
		WHERE k.provider_id = $1 AND k.provider_user_id = $2 AND u.deleted_at IS NULL
	`, key.ProviderID, key.ProviderUserID)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, keystore.ErrKeyNotFound
	}
	return u, err
}

func (s *Keystore) CreateUser(ctx context.Context, params keystore.CreateUserParams) (*keystore.User, error) {
	attrs, err := marshalAttrs(params.Attributes)
	if err != nil {
		return nil, err
	}
	tx, err := s.pg.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		INSERT INTO keykit.users (attributes)
		VALUES ($1::jsonb)
		RETURNING id::text, attributes, created_at, updated_at
	`, attrs)
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO keykit.user_keys (provider_id, provider_user_id, user_id)
		VALUES ($1, $2, $3::uuid)
	`, params.Key.ProviderID, params.Key.ProviderUserID, u.ID)
	if err != nil {
		return nil, mapKeyConflict(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Keystore) CreateKey(ctx context.Context, userID string, params keystore.KeyParams) (*keystore.Key, error) {
	var hash *string
	if params.Password != nil {
		phc, err := password.HashArgon2id(*params.Password)
		if err != nil {
			return nil, err
		}
		hash = &phc
	}
	var exists bool
	err := s.pg.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM keykit.users WHERE id = $1::uuid AND deleted_at IS NULL)
	`, userID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, keystore.ErrUserNotFound
	}
	k := &keystore.Key{KeyID: params.KeyID, UserID: userID, PasswordHash: hash}
	err = s.pg.QueryRow(ctx, `
		INSERT INTO keykit.user_keys (provider_id, provider_user_id, user_id, password_hash)
		VALUES ($1, $2, $3::uuid, $4)
		RETURNING created_at
	`, params.ProviderID, params.ProviderUserID, userID, hash).Scan(&k.CreatedAt)
	if err != nil {
		return nil, mapKeyConflict(err)
	}
	return k, nil
}

// GetUser returns a user by id; soft-deleted users are not found.
func (s *Keystore) GetUser(ctx context.Context, userID string) (*keystore.User, error) {
	row := s.pg.QueryRow(ctx, `
		SELECT id::text, attributes, created_at, updated_at
		FROM keykit.users
		WHERE id = $1::uuid AND deleted_at IS NULL
	`, userID)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, keystore.ErrUserNotFound
	}
	return u, err
}

// SoftDeleteUser marks a user deleted. Its keys stop resolving immediately;
// the purge job removes the rows after the retention window.
func (s *Keystore) SoftDeleteUser(ctx context.Context, userID string) error {
	tag, err := s.pg.Exec(ctx, `
		UPDATE keykit.users SET deleted_at = now(), updated_at = now()
		WHERE id = $1::uuid AND deleted_at IS NULL
	`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return keystore.ErrUserNotFound
	}
	return nil
}

// ListUsersDeletedBefore returns ids of users soft-deleted before the
// cutoff, oldest first. Intended for retention/purge workflows.
func (s *Keystore) ListUsersDeletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pg.Query(ctx, `
		SELECT id::text
		FROM keykit.users
		WHERE deleted_at IS NOT NULL AND deleted_at < $1
		ORDER BY deleted_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// HardDeleteUser permanently deletes the user row; keys follow via
// ON DELETE CASCADE.
func (s *Keystore) HardDeleteUser(ctx context.Context, userID string) error {
	_, err := s.pg.Exec(ctx, `DELETE FROM keykit.users WHERE id = $1::uuid`, userID)
	return err
}

func scanUser(row pgx.Row) (*keystore.User, error) {
	var (
		u     keystore.User
		attrs []byte
	)
	if err := row.Scan(&u.ID, &attrs, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &u.Attributes); err != nil {
			return nil, err
		}
	}
	return &u, nil
}

func marshalAttrs(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(attrs)
}

func mapKeyConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return keystore.ErrKeyExists
	}
	return err
}
