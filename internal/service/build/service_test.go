package build

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/domain"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/resolver"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/version"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/config"
)

type stubAppletRepository struct {
	applets map[string]domain.Applet
}

func (s *stubAppletRepository) GetApplet(ctx context.Context, appletID string) (*domain.Applet, error) {
	applet, ok := s.applets[appletID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &applet, nil
}

func (s *stubAppletRepository) AppletExists(ctx context.Context, appletID string) (bool, error) {
	_, ok := s.applets[appletID]
	return ok, nil
}

type memoryDeploymentRepository struct {
	mu          sync.Mutex
	deployments map[string]domain.Deployment
	creates     int
	promotes    int
	// promoted orders versions per applet the way promoted_at does.
	promoted map[string]int
	seq      int
}

func (m *memoryDeploymentRepository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deployments == nil {
		m.deployments = make(map[string]domain.Deployment)
	}
	m.creates++
	key := deployment.AppletID + "@" + deployment.Version
	if existing, ok := m.deployments[key]; ok {
		if existing.VersionHash != deployment.VersionHash {
			return repository.ErrVersionCollision
		}
		m.promoteLocked(key)
		return nil
	}
	m.deployments[key] = *deployment
	m.promoteLocked(key)
	return nil
}

func (m *memoryDeploymentRepository) GetDeployment(ctx context.Context, appletID, ver string) (*domain.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[appletID+"@"+ver]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (m *memoryDeploymentRepository) PromoteDeployment(ctx context.Context, appletID, ver string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := appletID + "@" + ver
	if _, ok := m.deployments[key]; !ok {
		return repository.ErrNotFound
	}
	m.promotes++
	m.promoteLocked(key)
	return nil
}

func (m *memoryDeploymentRepository) promoteLocked(key string) {
	if m.promoted == nil {
		m.promoted = make(map[string]int)
	}
	m.seq++
	m.promoted[key] = m.seq
}

// current returns the version an unpinned relay lookup would pick.
func (m *memoryDeploymentRepository) current(appletID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	best, version := 0, ""
	for key, seq := range m.promoted {
		d := m.deployments[key]
		if d.AppletID == appletID && seq > best {
			best, version = seq, d.Version
		}
	}
	return version
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Progress
}

func (p *recordingPublisher) Broadcast(appletID string, payload []byte) {
	var event Progress
	if err := json.Unmarshal(payload, &event); err != nil {
		return
	}
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *recordingPublisher) stages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Stage)
	}
	return out
}

func helloApplet() domain.Applet {
	return domain.Applet{
		ID:   "app-1",
		Slug: "hello",
		Name: "Hello",
		Files: []domain.File{
			{ID: 1, AppletID: "app-1", Name: "main.ts", Content: `import { greet } from "./hello.ts";
export const handler = () => greet();`},
			{ID: 2, AppletID: "app-1", Name: "hello.ts", Content: `export function greet() { return "hi"; }`},
		},
	}
}

func newTestService(t *testing.T, mutate ...func(*Service)) (Service, *memoryDeploymentRepository, *recordingPublisher) {
	t.Helper()
	applets := &stubAppletRepository{applets: map[string]domain.Applet{"app-1": helloApplet()}}
	deployments := &memoryDeploymentRepository{}
	publisher := &recordingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BuilderConfig{
		AppletBaseURL:    "https://applets.test",
		FrameworkBaseURL: "https://framework.test/",
	}
	svc := New(applets, deployments, resolver.New(resolver.Options{}), publisher, logger, cfg)
	for _, fn := range mutate {
		fn(&svc)
	}
	return svc, deployments, publisher
}

func TestBuildPersistsBundle(t *testing.T) {
	svc, deployments, publisher := newTestService(t)

	result, err := svc.Build(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	full, short := version.ForApplet(helloApplet())
	if result.Version != short || result.VersionHash != full {
		t.Fatalf("unexpected version %s/%s", result.Version, result.VersionHash)
	}
	if result.DeploymentID != "app-1@"+short {
		t.Fatalf("unexpected deployment id %s", result.DeploymentID)
	}
	if result.Cached {
		t.Fatal("first build should not be cached")
	}

	bundle, err := svc.Bundle(context.Background(), "app-1", short)
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	if bundle.VersionHash != full || len(bundle.Modules) != result.ModuleCount {
		t.Fatalf("stored bundle mismatch: %+v", bundle)
	}
	if deployments.creates != 1 {
		t.Fatalf("expected one deployment write, got %d", deployments.creates)
	}

	stages := publisher.stages()
	if len(stages) < 3 || stages[0] != "started" || stages[len(stages)-1] != "completed" {
		t.Fatalf("unexpected progress stages %v", stages)
	}
}

func TestBuildReusesExistingDeployment(t *testing.T) {
	svc, deployments, _ := newTestService(t)

	first, err := svc.Build(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := svc.Build(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !second.Cached || second.Digest != first.Digest {
		t.Fatalf("expected cached result with same digest, got %+v", second)
	}
	if deployments.creates != 1 {
		t.Fatalf("expected a single deployment write, got %d", deployments.creates)
	}
}

func TestBuildRevertPromotesEarlierVersion(t *testing.T) {
	original := helloApplet()
	applets := &stubAppletRepository{applets: map[string]domain.Applet{"app-1": original}}
	svc, deployments, _ := newTestService(t, func(s *Service) { s.applets = applets })
	ctx := context.Background()

	v1, err := svc.Build(ctx, "app-1")
	if err != nil {
		t.Fatalf("build v1: %v", err)
	}

	edited := helloApplet()
	edited.Files[1].Content = `export function greet() { return "hello"; }`
	applets.applets["app-1"] = edited
	v2, err := svc.Build(ctx, "app-1")
	if err != nil {
		t.Fatalf("build v2: %v", err)
	}
	if v2.Version == v1.Version {
		t.Fatal("edited source should produce a new version")
	}
	if got := deployments.current("app-1"); got != v2.Version {
		t.Fatalf("expected %s current after edit, got %s", v2.Version, got)
	}

	applets.applets["app-1"] = original
	reverted, err := svc.Build(ctx, "app-1")
	if err != nil {
		t.Fatalf("build after revert: %v", err)
	}
	if !reverted.Cached || reverted.Version != v1.Version {
		t.Fatalf("expected cached %s, got %+v", v1.Version, reverted)
	}
	if got := deployments.current("app-1"); got != v1.Version {
		t.Fatalf("expected reverted version %s current, got %s", v1.Version, got)
	}
	if deployments.creates != 2 || deployments.promotes != 1 {
		t.Fatalf("expected 2 creates and 1 promote, got %d/%d", deployments.creates, deployments.promotes)
	}
}

func TestBuildDetectsShortVersionCollision(t *testing.T) {
	svc, deployments, _ := newTestService(t)
	_, short := version.ForApplet(helloApplet())
	deployments.deployments = map[string]domain.Deployment{
		"app-1@" + short: {AppletID: "app-1", Version: short, VersionHash: short + "different"},
	}

	if _, err := svc.Build(context.Background(), "app-1"); !errors.Is(err, repository.ErrVersionCollision) {
		t.Fatalf("expected ErrVersionCollision, got %v", err)
	}
}

func TestBuildUnknownApplet(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Build(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Build(context.Background(), "  "); !errors.Is(err, errMissingAppletID) {
		t.Fatalf("expected errMissingAppletID, got %v", err)
	}
}

func TestBuildConcurrentCallsAgree(t *testing.T) {
	svc, _, _ := newTestService(t)

	const callers = 5
	var wg sync.WaitGroup
	digests := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Build(context.Background(), "app-1")
			digests[i], errs[i] = res.Digest, err
		}(i)
	}
	wg.Wait()
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if digests[i] != digests[0] {
			t.Fatalf("caller %d digest %s differs from %s", i, digests[i], digests[0])
		}
	}
}

func TestBundleUnknownVersion(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Bundle(context.Background(), "app-1", "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
