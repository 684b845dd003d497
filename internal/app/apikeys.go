package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"pagewise/api/internal/store"
)

const minAPIKeyLength = 10

// SaveAPIKey stores the caller's third-party API key encrypted at rest.
func (s *Service) SaveAPIKey(ctx context.Context, actor Actor, key string) error {
	if !actor.Authenticated() {
		return errUnauthenticated
	}
	if s.cipher == nil {
		return errSecretsUnconfigured
	}
	key = strings.TrimSpace(key)
	if len(key) < minAPIKeyLength {
		return validationError("apiKey is too short", map[string]any{"minLength": minAPIKeyLength})
	}
	encrypted, err := s.cipher.Encrypt(key)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	if err := s.store.SaveAPIKey(ctx, actor.ID, encrypted); err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	s.log.WithFields(logrus.Fields{"user_id": actor.ID}).Info("api key saved")
	return nil
}

func (s *Service) HasAPIKey(ctx context.Context, actor Actor) (bool, error) {
	if !actor.Authenticated() {
		return false, errUnauthenticated
	}
	_, err := s.store.GetAPIKey(ctx, actor.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load api key: %w", err)
	}
	return true, nil
}

func (s *Service) DeleteAPIKey(ctx context.Context, actor Actor) error {
	if !actor.Authenticated() {
		return errUnauthenticated
	}
	if err := s.store.DeleteAPIKey(ctx, actor.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

// APIKey decrypts the caller's stored key for server-side use. It is never returned over
// HTTP.
func (s *Service) APIKey(ctx context.Context, actor Actor) (string, error) {
	if !actor.Authenticated() {
		return "", errUnauthenticated
	}
	if s.cipher == nil {
		return "", errSecretsUnconfigured
	}
	encrypted, err := s.store.GetAPIKey(ctx, actor.ID)
	if err != nil {
		return "", err
	}
	plain, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt api key: %w", err)
	}
	return plain, nil
}
