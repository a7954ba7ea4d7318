package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/domain"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.AppletRepository     = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.DeploymentLookup     = (*Repository)(nil)
	_ repository.StorageRepository    = (*Repository)(nil)
	_ repository.SecretRepository     = (*Repository)(nil)
)

// GetApplet loads an applet with its files ordered by id.
func (r *Repository) GetApplet(ctx context.Context, appletID string) (*domain.Applet, error) {
	const query = `SELECT id, slug, name, created_at, updated_at FROM applets WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, strings.TrimSpace(appletID))
	var a domain.Applet
	if err := row.Scan(&a.ID, &a.Slug, &a.Name, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	const filesQuery = `SELECT id, applet_id, name, content, hash, updated_at
		FROM applet_files WHERE applet_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, filesQuery, a.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var f domain.File
		if err := rows.Scan(&f.ID, &f.AppletID, &f.Name, &f.Content, &f.Hash, &f.UpdatedAt); err != nil {
			return nil, err
		}
		a.Files = append(a.Files, f)
	}
	return &a, rows.Err()
}

// AppletExists reports whether an applet id is known.
func (r *Repository) AppletExists(ctx context.Context, appletID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM applets WHERE id = $1)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, strings.TrimSpace(appletID)).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
