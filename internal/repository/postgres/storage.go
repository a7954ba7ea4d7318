package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/domain"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository"
)

// ListStorage returns every stored key for an applet.
func (r *Repository) ListStorage(ctx context.Context, appletID string) ([]domain.StorageEntry, error) {
	const query = `SELECT applet_id, key, value, updated_at FROM app_storage WHERE applet_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, appletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.StorageEntry
	for rows.Next() {
		var e domain.StorageEntry
		if err := rows.Scan(&e.AppletID, &e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetStorage fetches one key.
func (r *Repository) GetStorage(ctx context.Context, appletID, key string) (*domain.StorageEntry, error) {
	const query = `SELECT applet_id, key, value, updated_at FROM app_storage WHERE applet_id = $1 AND key = $2`
	var e domain.StorageEntry
	if err := r.pool.QueryRow(ctx, query, appletID, key).Scan(&e.AppletID, &e.Key, &e.Value, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// UpsertStorage writes or replaces a key.
func (r *Repository) UpsertStorage(ctx context.Context, entry domain.StorageEntry) error {
	if entry.AppletID == "" || entry.Key == "" {
		return repository.ErrInvalidArgument
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO app_storage (applet_id, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (applet_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query, entry.AppletID, entry.Key, []byte(entry.Value), entry.UpdatedAt)
	return err
}

// DeleteStorage removes one key.
func (r *Repository) DeleteStorage(ctx context.Context, appletID, key string) error {
	const query = `DELETE FROM app_storage WHERE applet_id = $1 AND key = $2`
	tag, err := r.pool.Exec(ctx, query, appletID, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ClearStorage removes every key of an applet.
func (r *Repository) ClearStorage(ctx context.Context, appletID string) error {
	const query = `DELETE FROM app_storage WHERE applet_id = $1`
	_, err := r.pool.Exec(ctx, query, appletID)
	return err
}

// UpsertSecret writes or replaces an encrypted secret.
func (r *Repository) UpsertSecret(ctx context.Context, secret domain.AppletSecret) error {
	if secret.AppletID == "" || secret.Key == "" || len(secret.Value) == 0 {
		return repository.ErrInvalidArgument
	}
	if secret.UpdatedAt.IsZero() {
		secret.UpdatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO app_secrets (applet_id, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (applet_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query, secret.AppletID, secret.Key, secret.Value, secret.UpdatedAt)
	return err
}
