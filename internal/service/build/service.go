package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/bundler"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/domain"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/resolver"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/version"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/config"
)

var errMissingAppletID = errors.New("applet id required")

// Publisher receives serialized progress events for an applet.
type Publisher interface {
	Broadcast(appletID string, payload []byte)
}

// Result summarizes a build.
type Result struct {
	BuildID      string    `json:"build_id"`
	DeploymentID string    `json:"deployment_id"`
	AppletID     string    `json:"applet_id"`
	Version      string    `json:"version"`
	VersionHash  string    `json:"version_hash"`
	Digest       string    `json:"digest"`
	ModuleCount  int       `json:"module_count"`
	Cached       bool      `json:"cached"`
	Timestamp    time.Time `json:"timestamp"`
}

// Progress is the event published while a build runs.
type Progress struct {
	BuildID   string          `json:"build_id"`
	AppletID  string          `json:"applet_id"`
	Version   string          `json:"version"`
	Stage     string          `json:"stage"`
	Specifier string          `json:"specifier,omitempty"`
	Origin    resolver.Origin `json:"origin,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Service turns applet files into stored bundles.
type Service struct {
	applets     repository.AppletRepository
	deployments repository.DeploymentRepository
	resolver    bundler.ModuleResolver
	bundler     *bundler.Bundler
	publisher   Publisher
	logger      *slog.Logger
	cfg         config.BuilderConfig
	group       *singleflight.Group
}

// New creates a build service.
func New(applets repository.AppletRepository, deployments repository.DeploymentRepository, res bundler.ModuleResolver, publisher Publisher, logger *slog.Logger, cfg config.BuilderConfig) Service {
	return Service{
		applets:     applets,
		deployments: deployments,
		resolver:    res,
		bundler:     bundler.New(logger),
		publisher:   publisher,
		logger:      logger,
		cfg:         cfg,
		group:       &singleflight.Group{},
	}
}

// Build produces the bundle for the applet's current files. A deployment
// already stored under the same version hash is promoted and returned without
// rebuilding.
func (s Service) Build(ctx context.Context, appletID string) (Result, error) {
	appletID = strings.TrimSpace(appletID)
	if appletID == "" {
		return Result{}, errMissingAppletID
	}
	applet, err := s.applets.GetApplet(ctx, appletID)
	if err != nil {
		return Result{}, err
	}
	full, short := version.ForApplet(*applet)

	existing, err := s.existing(ctx, appletID, short, full)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		// A rebuild of older source makes that version current again.
		if err := s.deployments.PromoteDeployment(ctx, appletID, short, time.Now().UTC()); err != nil {
			return Result{}, fmt.Errorf("promote %s@%s: %w", appletID, short, err)
		}
		s.logger.Info("bundle reused", "applet_id", appletID, "version", short)
		return *existing, nil
	}

	key := appletID + "@" + short
	v, err, shared := s.group.Do(key, func() (any, error) {
		buildCtx, cancel := s.buildContext(ctx)
		defer cancel()
		return s.run(buildCtx, *applet, full, short)
	})
	if err != nil {
		return Result{}, err
	}
	result := v.(Result)
	if shared {
		s.logger.Debug("build shared", "applet_id", appletID, "version", short)
	}
	return result, nil
}

// Bundle loads and decodes a stored bundle.
func (s Service) Bundle(ctx context.Context, appletID, ver string) (*bundler.Bundle, error) {
	deployment, err := s.deployments.GetDeployment(ctx, appletID, ver)
	if err != nil {
		return nil, err
	}
	return bundler.Decode(deployment.Payload, deployment.Digest)
}

func (s Service) existing(ctx context.Context, appletID, short, full string) (*Result, error) {
	deployment, err := s.deployments.GetDeployment(ctx, appletID, short)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if deployment.VersionHash != full {
		s.logger.Error("short version collision", "applet_id", appletID, "version", short)
		return nil, repository.ErrVersionCollision
	}
	return &Result{
		DeploymentID: domain.DeploymentRef{AppletID: appletID, Version: short}.ID(),
		AppletID:     appletID,
		Version:      short,
		VersionHash:  full,
		Digest:       deployment.Digest,
		ModuleCount:  deployment.ModuleCount,
		Cached:       true,
		Timestamp:    deployment.CreatedAt,
	}, nil
}

// buildContext detaches the build from the first caller's cancellation so
// callers sharing it through the single-flight group are not failed by it.
func (s Service) buildContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.BuildTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (s Service) run(ctx context.Context, applet domain.Applet, full, short string) (Result, error) {
	buildID := uuid.NewString()
	start := time.Now()
	progress := Progress{BuildID: buildID, AppletID: applet.ID, Version: short}
	s.publish(progress, "started")
	s.logger.Info("build started", "build_id", buildID, "applet_id", applet.ID, "version", short, "files", len(applet.Files))

	bc := resolver.NewBuildContext(applet, short, s.cfg.AppletBaseURL, s.cfg.FrameworkBaseURL)
	cache := bundler.NewCache(s.resolver)
	observer := bundler.ObserverFunc(func(e bundler.Event) {
		if e.Type == bundler.EventModuleResolved {
			return
		}
		p := progress
		p.Specifier = e.Specifier
		p.Origin = e.Origin
		s.publish(p, string(e.Type))
	})

	bundle, err := s.bundler.Build(ctx, bc.Roots(), bc, cache, bundler.WithObserver(observer))
	if err != nil {
		return Result{}, s.fail(progress, fmt.Errorf("bundle %s@%s: %w", applet.ID, short, err))
	}
	bundle.VersionHash = full

	payload, digest, err := bundler.Encode(bundle)
	if err != nil {
		return Result{}, s.fail(progress, err)
	}
	deployment := &domain.Deployment{
		AppletID:    applet.ID,
		Version:     short,
		VersionHash: full,
		Digest:      digest,
		Payload:     payload,
		ModuleCount: len(bundle.Modules),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return Result{}, s.fail(progress, err)
	}

	s.publish(progress, "completed")
	s.logger.Info("build completed",
		"build_id", buildID,
		"applet_id", applet.ID,
		"version", short,
		"modules", len(bundle.Modules),
		"bytes", len(payload),
		"duration", time.Since(start),
	)
	return Result{
		BuildID:      buildID,
		DeploymentID: domain.DeploymentRef{AppletID: applet.ID, Version: short}.ID(),
		AppletID:     applet.ID,
		Version:      short,
		VersionHash:  full,
		Digest:       digest,
		ModuleCount:  len(bundle.Modules),
		Timestamp:    deployment.CreatedAt,
	}, nil
}

func (s Service) fail(progress Progress, err error) error {
	progress.Error = err.Error()
	s.publish(progress, "failed")
	s.logger.Error("build failed", "build_id", progress.BuildID, "applet_id", progress.AppletID, "version", progress.Version, "error", err)
	return err
}

func (s Service) publish(p Progress, stage string) {
	if s.publisher == nil {
		return
	}
	p.Stage = stage
	p.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(p)
	if err != nil {
		s.logger.Warn("encode build progress", "error", err)
		return
	}
	s.publisher.Broadcast(p.AppletID, payload)
}
