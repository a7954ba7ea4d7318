package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/domain"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/crypto"
)

type stubApplets struct{ ids map[string]bool }

func (s stubApplets) GetApplet(ctx context.Context, appletID string) (*domain.Applet, error) {
	if !s.ids[appletID] {
		return nil, repository.ErrNotFound
	}
	return &domain.Applet{ID: appletID}, nil
}

func (s stubApplets) AppletExists(ctx context.Context, appletID string) (bool, error) {
	return s.ids[appletID], nil
}

type memoryStore struct {
	entries map[string]map[string]domain.StorageEntry
	secrets map[string]domain.AppletSecret
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: map[string]map[string]domain.StorageEntry{}, secrets: map[string]domain.AppletSecret{}}
}

func (m *memoryStore) ListStorage(ctx context.Context, appletID string) ([]domain.StorageEntry, error) {
	var out []domain.StorageEntry
	for _, e := range m.entries[appletID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memoryStore) GetStorage(ctx context.Context, appletID, key string) (*domain.StorageEntry, error) {
	e, ok := m.entries[appletID][key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (m *memoryStore) UpsertStorage(ctx context.Context, entry domain.StorageEntry) error {
	if m.entries[entry.AppletID] == nil {
		m.entries[entry.AppletID] = map[string]domain.StorageEntry{}
	}
	m.entries[entry.AppletID][entry.Key] = entry
	return nil
}

func (m *memoryStore) DeleteStorage(ctx context.Context, appletID, key string) error {
	if _, ok := m.entries[appletID][key]; !ok {
		return repository.ErrNotFound
	}
	delete(m.entries[appletID], key)
	return nil
}

func (m *memoryStore) ClearStorage(ctx context.Context, appletID string) error {
	delete(m.entries, appletID)
	return nil
}

func (m *memoryStore) UpsertSecret(ctx context.Context, secret domain.AppletSecret) error {
	m.secrets[secret.AppletID+"/"+secret.Key] = secret
	return nil
}

func newTestService(store *memoryStore) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(stubApplets{ids: map[string]bool{"app-1": true}}, store, store, logger, "test-secret")
}

func TestSetGetDelete(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	if err := svc.Set(ctx, "app-1", "count", json.RawMessage(`3`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := svc.Set(ctx, "app-1", "name", json.RawMessage(`"zip"`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := svc.Get(ctx, "app-1", "count")
	if err != nil || string(value) != "3" {
		t.Fatalf("get: %s %v", value, err)
	}
	all, err := svc.All(ctx, "app-1")
	if err != nil || len(all) != 2 || string(all["name"]) != `"zip"` {
		t.Fatalf("all: %v %v", all, err)
	}

	if err := svc.Delete(ctx, "app-1", "count"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, "app-1", "count"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := svc.Delete(ctx, "app-1", ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if all, _ := svc.All(ctx, "app-1"); len(all) != 0 {
		t.Fatalf("expected cleared storage, got %v", all)
	}
}

func TestSetRejectsInvalidInput(t *testing.T) {
	svc := newTestService(newMemoryStore())
	ctx := context.Background()

	if err := svc.Set(ctx, "app-1", "", json.RawMessage(`1`)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if err := svc.Set(ctx, "app-1", "k", json.RawMessage(`{bad`)); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	if err := svc.Set(ctx, "unknown", "k", json.RawMessage(`1`)); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown applet, got %v", err)
	}
}

func TestSetSecretEncrypts(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(store)

	if err := svc.SetSecret(context.Background(), "app-1", "API_KEY", "s3cr3t"); err != nil {
		t.Fatalf("set secret: %v", err)
	}
	stored, ok := store.secrets["app-1/API_KEY"]
	if !ok {
		t.Fatal("secret not stored")
	}
	if string(stored.Value) == "s3cr3t" {
		t.Fatal("secret stored in plaintext")
	}
	plain, err := crypto.DecryptToString("test-secret", stored.Value)
	if err != nil || plain != "s3cr3t" {
		t.Fatalf("decrypt: %q %v", plain, err)
	}
}

func TestSetSecretWithoutKeyFails(t *testing.T) {
	store := newMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(stubApplets{ids: map[string]bool{"app-1": true}}, store, store, logger, "")
	if err := svc.SetSecret(context.Background(), "app-1", "k", "v"); !errors.Is(err, crypto.ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}
