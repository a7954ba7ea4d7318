package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/domain"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository"
)

const (
	deploymentInsert = `INSERT INTO deployments (
		applet_id,
		version,
		version_hash,
		digest,
		payload,
		module_count,
		created_at,
		promoted_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8
	) ON CONFLICT (applet_id, version) DO UPDATE
		SET promoted_at = EXCLUDED.promoted_at
		WHERE deployments.version_hash = EXCLUDED.version_hash`
	deploymentHashSelect = `SELECT version_hash FROM deployments WHERE applet_id = $1 AND version = $2`
	deploymentSelect     = `SELECT applet_id, version, version_hash, digest, payload, module_count, created_at, promoted_at
		FROM deployments WHERE applet_id = $1 AND version = $2`
	deploymentPromote = `UPDATE deployments SET promoted_at = $3 WHERE applet_id = $1 AND version = $2`
	deploymentResolve = `SELECT a.id, a.slug, d.version
		FROM applets a JOIN deployments d ON d.applet_id = a.id
		WHERE a.slug = $1 AND ($2 = '' OR d.version = $2)
		ORDER BY d.promoted_at DESC
		LIMIT 1`
)

// CreateDeployment stores a bundle. Re-inserting the same version hash only
// promotes the stored row; a different hash under the same short version is a
// collision.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment == nil || deployment.AppletID == "" || deployment.Version == "" {
		return repository.ErrInvalidArgument
	}
	if deployment.CreatedAt.IsZero() {
		deployment.CreatedAt = time.Now().UTC()
	}
	if deployment.PromotedAt.IsZero() {
		deployment.PromotedAt = deployment.CreatedAt
	}
	tag, err := r.pool.Exec(ctx, deploymentInsert,
		deployment.AppletID,
		deployment.Version,
		deployment.VersionHash,
		deployment.Digest,
		deployment.Payload,
		deployment.ModuleCount,
		deployment.CreatedAt,
		deployment.PromotedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var existing string
	if err := r.pool.QueryRow(ctx, deploymentHashSelect, deployment.AppletID, deployment.Version).Scan(&existing); err != nil {
		return err
	}
	if existing != deployment.VersionHash {
		return repository.ErrVersionCollision
	}
	return nil
}

// GetDeployment fetches a stored bundle.
func (r *Repository) GetDeployment(ctx context.Context, appletID, version string) (*domain.Deployment, error) {
	row := r.pool.QueryRow(ctx, deploymentSelect, strings.TrimSpace(appletID), strings.TrimSpace(version))
	var d domain.Deployment
	if err := row.Scan(&d.AppletID, &d.Version, &d.VersionHash, &d.Digest, &d.Payload, &d.ModuleCount, &d.CreatedAt, &d.PromotedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// PromoteDeployment marks an existing version as the applet's current one.
func (r *Repository) PromoteDeployment(ctx context.Context, appletID, version string, at time.Time) error {
	appletID, version = strings.TrimSpace(appletID), strings.TrimSpace(version)
	if appletID == "" || version == "" {
		return repository.ErrInvalidArgument
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tag, err := r.pool.Exec(ctx, deploymentPromote, appletID, version, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ResolveDeployment maps a relay subdomain to a deployment.
func (r *Repository) ResolveDeployment(ctx context.Context, slug, version string) (*domain.DeploymentRef, error) {
	row := r.pool.QueryRow(ctx, deploymentResolve, strings.ToLower(strings.TrimSpace(slug)), strings.TrimSpace(version))
	var ref domain.DeploymentRef
	if err := row.Scan(&ref.AppletID, &ref.Slug, &ref.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &ref, nil
}
