package repository

import (
	"context"
	"time"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/domain"
)

// AppletRepository reads applets and their files. Writes belong to the
// editing layer.
type AppletRepository interface {
	GetApplet(ctx context.Context, appletID string) (*domain.Applet, error)
	AppletExists(ctx context.Context, appletID string) (bool, error)
}

// DeploymentRepository stores built bundles keyed by (applet, version).
type DeploymentRepository interface {
	// CreateDeployment inserts the deployment. An existing row with the same
	// short version and a different full hash yields ErrVersionCollision; an
	// identical row is promoted to current.
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, appletID, version string) (*domain.Deployment, error)
	// PromoteDeployment makes an existing version the one ResolveDeployment
	// returns when no version is pinned.
	PromoteDeployment(ctx context.Context, appletID, version string, at time.Time) error
}

// DeploymentLookup locates the deployment a relay request should target.
type DeploymentLookup interface {
	// ResolveDeployment maps a slug to a deployment. An empty version selects
	// the most recently promoted one.
	ResolveDeployment(ctx context.Context, slug, version string) (*domain.DeploymentRef, error)
}

// StorageRepository persists applet key/value storage.
type StorageRepository interface {
	ListStorage(ctx context.Context, appletID string) ([]domain.StorageEntry, error)
	GetStorage(ctx context.Context, appletID, key string) (*domain.StorageEntry, error)
	UpsertStorage(ctx context.Context, entry domain.StorageEntry) error
	DeleteStorage(ctx context.Context, appletID, key string) error
	ClearStorage(ctx context.Context, appletID string) error
}

// SecretRepository persists encrypted applet secrets.
type SecretRepository interface {
	UpsertSecret(ctx context.Context, secret domain.AppletSecret) error
}
