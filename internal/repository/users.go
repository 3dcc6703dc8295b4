package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Users persists account rows keyed by the token subject.
type Users struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewUsers creates the user repository.
func NewUsers(db *sqlx.DB, logger *zap.Logger) *Users {
	return &Users{db: db, logger: logger}
}

// GetByAuthID looks a user up by token subject.
func (r *Users) GetByAuthID(ctx context.Context, authID string) (*User, error) {
	var user User
	err := r.db.GetContext(ctx, &user,
		"SELECT id, name, auth_id, email, created_at FROM users WHERE auth_id = $1", authID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", authID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetOrCreate returns the user for authID, creating the row on first sight.
// The upsert keeps concurrent first requests from racing each other.
func (r *Users) GetOrCreate(ctx context.Context, authID, name string, email *string) (*User, error) {
	if name == "" {
		name = "User"
	}

	var user User
	err := r.db.GetContext(ctx, &user, `
		INSERT INTO users (name, auth_id, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (auth_id) DO UPDATE SET auth_id = EXCLUDED.auth_id
		RETURNING id, name, auth_id, email, created_at`,
		name, authID, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create user: %w", err)
	}
	return &user, nil
}

// Update overwrites the mutable fields that are non-nil and returns the
// fresh row.
func (r *Users) Update(ctx context.Context, authID string, name, email *string) (*User, error) {
	var user User
	err := r.db.GetContext(ctx, &user, `
		UPDATE users
		SET name = COALESCE($2, name), email = COALESCE($3, email)
		WHERE auth_id = $1
		RETURNING id, name, auth_id, email, created_at`,
		authID, name, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", authID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return &user, nil
}

// Delete removes the user; chats and favorite links go with it.
func (r *Users) Delete(ctx context.Context, authID string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM users WHERE auth_id = $1", authID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", authID, ErrNotFound)
	}
	r.logger.Info("User deleted", zap.String("auth_id", authID))
	return nil
}
