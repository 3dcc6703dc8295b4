// Package repository holds the Postgres-backed persistence for users,
// chats, messages and stored 3D models. Each repository method is one
// statement; the stream orchestrator performs no multi-call transactions.
package repository

import (
	"errors"
	"time"
)

// ErrNotFound is returned when the addressed row does not exist.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidRole is returned when a message names a role outside the
// chat_roles table.
var ErrInvalidRole = errors.New("repository: invalid chat role")

// User is an account row. AuthID is the token subject that ties the row to
// the identity provider.
type User struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	AuthID    string    `json:"sub" db:"auth_id"`
	Email     *string   `json:"email,omitempty" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Chat is a conversation owned by one user.
type Chat struct {
	ID        int64     `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	UserID    int64     `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Message is one chat turn. Role is the chat_roles name joined in by the
// queries; the row itself stores role_id.
type Message struct {
	ID        int64     `json:"id" db:"id"`
	Content   string    `json:"content" db:"content"`
	Role      string    `json:"role" db:"role"`
	ChatID    *int64    `json:"chat_id,omitempty" db:"chat_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Model is a stored 3D model: one mesh block cut out of an assistant
// message. The mesh bytes live in object storage at StoragePath; UserID is
// set when a user favorites the model.
type Model struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	StoragePath *string   `json:"-" db:"storage_path"`
	MessageID   *int64    `json:"message_id,omitempty" db:"message_id"`
	UserID      *int64    `json:"user_id,omitempty" db:"user_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
