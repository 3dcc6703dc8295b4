package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Chats persists conversations.
type Chats struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewChats creates the chat repository.
func NewChats(db *sqlx.DB, logger *zap.Logger) *Chats {
	return &Chats{db: db, logger: logger}
}

// Create starts a new chat for the user. An empty title gets the default.
func (r *Chats) Create(ctx context.Context, userID int64, title string) (*Chat, error) {
	if title == "" {
		title = "Chat"
	}

	var exists bool
	err := r.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check user existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}

	var chat Chat
	err = r.db.GetContext(ctx, &chat, `
		INSERT INTO chats (title, user_id)
		VALUES ($1, $2)
		RETURNING id, title, user_id, created_at`,
		title, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	r.logger.Info("Chat created",
		zap.Int64("chat_id", chat.ID),
		zap.Int64("user_id", userID))
	return &chat, nil
}

// Get returns one chat by id.
func (r *Chats) Get(ctx context.Context, chatID int64) (*Chat, error) {
	var chat Chat
	err := r.db.GetContext(ctx, &chat,
		"SELECT id, title, user_id, created_at FROM chats WHERE id = $1", chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %d: %w", chatID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, nil
}

// ListByUser returns the user's chats, oldest first.
func (r *Chats) ListByUser(ctx context.Context, userID int64) ([]Chat, error) {
	chats := []Chat{}
	err := r.db.SelectContext(ctx, &chats,
		"SELECT id, title, user_id, created_at FROM chats WHERE user_id = $1 ORDER BY id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}

// Rename sets the chat title.
func (r *Chats) Rename(ctx context.Context, chatID int64, title string) (*Chat, error) {
	var chat Chat
	err := r.db.GetContext(ctx, &chat, `
		UPDATE chats SET title = $2 WHERE id = $1
		RETURNING id, title, user_id, created_at`,
		chatID, title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %d: %w", chatID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rename chat: %w", err)
	}
	return &chat, nil
}

// Delete removes the chat and its messages.
func (r *Chats) Delete(ctx context.Context, chatID int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM chats WHERE id = $1", chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("chat %d: %w", chatID, ErrNotFound)
	}
	r.logger.Info("Chat deleted", zap.Int64("chat_id", chatID))
	return nil
}
