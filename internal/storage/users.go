package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateUser inserts an API consumer row.
func (db *Postgres) CreateUser(ctx context.Context, u User) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, key_id, key_hash, role, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.KeyID, u.KeyHash, u.Role, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create user: %w", err)
	}
	return nil
}

// GetUserByKeyID looks up a user by the public key id prefix.
func (db *Postgres) GetUserByKeyID(ctx context.Context, keyID string) (User, error) {
	var u User
	err := db.pool.QueryRow(ctx,
		`SELECT id, key_id, key_hash, role, created_at FROM users WHERE key_id = $1`, keyID,
	).Scan(&u.ID, &u.KeyID, &u.KeyHash, &u.Role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}
