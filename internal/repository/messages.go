package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/metrics"
)

// Messages persists chat turns. Roles are stored normalized in chat_roles;
// the queries join the name back in so callers never see role ids.
type Messages struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewMessages creates the message repository.
func NewMessages(db *sqlx.DB, logger *zap.Logger) *Messages {
	return &Messages{db: db, logger: logger}
}

// Create appends a message to the chat. A role name with no chat_roles row
// fails with ErrInvalidRole.
func (r *Messages) Create(ctx context.Context, chatID int64, role, content string) (*Message, error) {
	var msg Message
	err := r.db.GetContext(ctx, &msg, `
		INSERT INTO messages (content, chat_id, role_id)
		SELECT $1, $2, id FROM chat_roles WHERE name = $3
		RETURNING id, content, $3 AS role, chat_id, created_at`,
		content, chatID, role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %q: %w", role, ErrInvalidRole)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	metrics.RecordMessagePersisted(role)
	r.logger.Debug("Message persisted",
		zap.Int64("message_id", msg.ID),
		zap.Int64("chat_id", chatID),
		zap.String("role", role))
	return &msg, nil
}

// LastN returns the chat's most recent n messages in chronological order.
// The orchestrator feeds these to the model as context.
func (r *Messages) LastN(ctx context.Context, chatID int64, n int) ([]Message, error) {
	msgs := []Message{}
	err := r.db.SelectContext(ctx, &msgs, `
		SELECT m.id, m.content, r.name AS role, m.chat_id, m.created_at
		FROM messages m
		JOIN chat_roles r ON r.id = m.role_id
		WHERE m.chat_id = $1
		ORDER BY m.id DESC
		LIMIT $2`,
		chatID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}

	// Newest-first from the query; flip to chat order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListByChat returns the chat's full history, oldest first.
func (r *Messages) ListByChat(ctx context.Context, chatID int64) ([]Message, error) {
	msgs := []Message{}
	err := r.db.SelectContext(ctx, &msgs, `
		SELECT m.id, m.content, r.name AS role, m.chat_id, m.created_at
		FROM messages m
		JOIN chat_roles r ON r.id = m.role_id
		WHERE m.chat_id = $1
		ORDER BY m.id`,
		chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// Get returns one message by id.
func (r *Messages) Get(ctx context.Context, messageID int64) (*Message, error) {
	var msg Message
	err := r.db.GetContext(ctx, &msg, `
		SELECT m.id, m.content, r.name AS role, m.chat_id, m.created_at
		FROM messages m
		JOIN chat_roles r ON r.id = m.role_id
		WHERE m.id = $1`,
		messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}
