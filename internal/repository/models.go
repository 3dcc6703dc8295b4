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

// ObjectStore is the blob half of model persistence. Put stores mesh bytes
// under a fresh key and returns the storage path; PresignGet turns a
// storage path into a time-limited download URL.
type ObjectStore interface {
	Put(ctx context.Context, content string) (string, error)
	PresignGet(ctx context.Context, storagePath string) (string, error)
}

// Models persists stored 3D models: a row per mesh block, bytes in object
// storage.
type Models struct {
	db     *sqlx.DB
	store  ObjectStore
	logger *zap.Logger
}

// NewModels creates the model repository.
func NewModels(db *sqlx.DB, store ObjectStore, logger *zap.Logger) *Models {
	return &Models{db: db, store: store, logger: logger}
}

// Save uploads one mesh and records it against the message that produced
// it.
func (r *Models) Save(ctx context.Context, messageID int64, content string) (*Model, error) {
	path, err := r.store.Put(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("failed to store mesh: %w", err)
	}

	var model Model
	err = r.db.GetContext(ctx, &model, `
		INSERT INTO models (storage_path, message_id)
		VALUES ($1, $2)
		RETURNING id, name, storage_path, message_id, user_id, created_at`,
		path, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to save model: %w", err)
	}

	metrics.RecordMeshPersisted()
	r.logger.Info("Model saved",
		zap.Int64("model_id", model.ID),
		zap.Int64("message_id", messageID),
		zap.String("storage_path", path))
	return &model, nil
}

// Get returns one model row by id.
func (r *Models) Get(ctx context.Context, modelID int64) (*Model, error) {
	var model Model
	err := r.db.GetContext(ctx, &model, `
		SELECT id, name, storage_path, message_id, user_id, created_at
		FROM models WHERE id = $1`,
		modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model %d: %w", modelID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return &model, nil
}

// URL returns a presigned download URL for one model.
func (r *Models) URL(ctx context.Context, modelID int64) (string, error) {
	model, err := r.Get(ctx, modelID)
	if err != nil {
		return "", err
	}
	if model.StoragePath == nil {
		return "", fmt.Errorf("model %d has no stored mesh: %w", modelID, ErrNotFound)
	}
	url, err := r.store.PresignGet(ctx, *model.StoragePath)
	if err != nil {
		return "", fmt.Errorf("failed to presign model %d: %w", modelID, err)
	}
	return url, nil
}

// URLs returns presigned download URLs for a batch of models. Any missing
// id fails the whole batch.
func (r *Models) URLs(ctx context.Context, modelIDs []int64) (map[int64]string, error) {
	if len(modelIDs) == 0 {
		return map[int64]string{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT id, name, storage_path, message_id, user_id, created_at FROM models WHERE id IN (?)",
		modelIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build batch query: %w", err)
	}

	models := []Model{}
	if err := r.db.SelectContext(ctx, &models, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}

	found := make(map[int64]bool, len(models))
	for _, m := range models {
		found[m.ID] = true
	}
	for _, id := range modelIDs {
		if !found[id] {
			return nil, fmt.Errorf("model %d: %w", id, ErrNotFound)
		}
	}

	urls := make(map[int64]string, len(models))
	for _, m := range models {
		if m.StoragePath == nil {
			return nil, fmt.Errorf("model %d has no stored mesh: %w", m.ID, ErrNotFound)
		}
		url, err := r.store.PresignGet(ctx, *m.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("failed to presign model %d: %w", m.ID, err)
		}
		urls[m.ID] = url
	}
	return urls, nil
}

// SetOwner links the model to a user's favorites; a nil userID unlinks it.
func (r *Models) SetOwner(ctx context.Context, modelID int64, userID *int64) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE models SET user_id = $2 WHERE id = $1", modelID, userID)
	if err != nil {
		return fmt.Errorf("failed to set model owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set model owner: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("model %d: %w", modelID, ErrNotFound)
	}
	return nil
}

// ListByOwner returns the user's favorite models, oldest first.
func (r *Models) ListByOwner(ctx context.Context, userID int64) ([]Model, error) {
	models := []Model{}
	err := r.db.SelectContext(ctx, &models, `
		SELECT id, name, storage_path, message_id, user_id, created_at
		FROM models WHERE user_id = $1 ORDER BY id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return models, nil
}
