package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/domain"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/crypto"
)

var (
	// ErrInvalidKey reports an empty storage or secret key.
	ErrInvalidKey = errors.New("storage: key is required")
	// ErrInvalidValue reports a value that is not valid JSON.
	ErrInvalidValue = errors.New("storage: value must be valid JSON")
)

// Service serves the storage and secret callbacks made by running applets.
type Service struct {
	applets       repository.AppletRepository
	storage       repository.StorageRepository
	secrets       repository.SecretRepository
	logger        *slog.Logger
	encryptionKey string
}

// New returns a storage service. encryptionKey seals secret values.
func New(applets repository.AppletRepository, storage repository.StorageRepository, secrets repository.SecretRepository, logger *slog.Logger, encryptionKey string) Service {
	return Service{applets: applets, storage: storage, secrets: secrets, logger: logger, encryptionKey: encryptionKey}
}

// All returns every stored value for the applet.
func (s Service) All(ctx context.Context, appletID string) (map[string]json.RawMessage, error) {
	if err := s.ensureApplet(ctx, appletID); err != nil {
		return nil, err
	}
	entries, err := s.storage.ListStorage(ctx, appletID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	return out, nil
}

// Get returns one stored value.
func (s Service) Get(ctx context.Context, appletID, key string) (json.RawMessage, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidKey
	}
	if err := s.ensureApplet(ctx, appletID); err != nil {
		return nil, err
	}
	entry, err := s.storage.GetStorage(ctx, appletID, key)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// Set stores value under key.
func (s Service) Set(ctx context.Context, appletID, key string, value json.RawMessage) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	if !json.Valid(value) {
		return ErrInvalidValue
	}
	if err := s.ensureApplet(ctx, appletID); err != nil {
		return err
	}
	if err := s.storage.UpsertStorage(ctx, domain.StorageEntry{
		AppletID:  appletID,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	s.logger.Debug("storage key written", "applet_id", appletID, "key", key)
	return nil
}

// Delete removes key, or every key when key is empty.
func (s Service) Delete(ctx context.Context, appletID, key string) error {
	if err := s.ensureApplet(ctx, appletID); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		if err := s.storage.ClearStorage(ctx, appletID); err != nil {
			return err
		}
		s.logger.Info("storage cleared", "applet_id", appletID)
		return nil
	}
	return s.storage.DeleteStorage(ctx, appletID, key)
}

// SetSecret encrypts and stores a secret value.
func (s Service) SetSecret(ctx context.Context, appletID, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	if err := s.ensureApplet(ctx, appletID); err != nil {
		return err
	}
	sealed, err := crypto.EncryptString(s.encryptionKey, value)
	if err != nil {
		return err
	}
	if err := s.secrets.UpsertSecret(ctx, domain.AppletSecret{
		AppletID:  appletID,
		Key:       key,
		Value:     sealed,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	s.logger.Info("secret written", "applet_id", appletID, "key", key)
	return nil
}

func (s Service) ensureApplet(ctx context.Context, appletID string) error {
	if strings.TrimSpace(appletID) == "" {
		return repository.ErrInvalidArgument
	}
	ok, err := s.applets.AppletExists(ctx, appletID)
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrNotFound
	}
	return nil
}
