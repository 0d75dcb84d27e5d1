package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"neuropulse/internal/storage"
)

// KeyAPIKey is the KV key holding the remote API credential.
const KeyAPIKey = "groqApiKey"

// sealedPrefix marks values written through a Cipher.
const sealedPrefix = "enc:"

var (
	ErrMissingCredential = errors.New("api key required")
	ErrEmptyCredential   = errors.New("api key must not be empty")
)

// Service stores the remote API credential and resolves the one a request should use.
type Service struct {
	kv         storage.KV
	cipher     *Cipher
	fallback   string
	headerName string
	logger     *slog.Logger
}

// NewService builds a credential service. cipher may be nil; fallback is
// used when nothing is stored (typically the configured key).
func NewService(kv storage.KV, cipher *Cipher, fallback string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		kv:         kv,
		cipher:     cipher,
		fallback:   strings.TrimSpace(fallback),
		headerName: "Authorization",
		logger:     logger,
	}
}

// APIKey returns the stored key, else the fallback, else ErrMissingCredential.
func (s *Service) APIKey(ctx context.Context) (string, error) {
	stored, err := s.stored(ctx)
	if err != nil {
		return "", err
	}
	if stored != "" {
		return stored, nil
	}
	if s.fallback != "" {
		return s.fallback, nil
	}
	return "", ErrMissingCredential
}

func (s *Service) stored(ctx context.Context) (string, error) {
	raw, err := s.kv.Get(ctx, KeyAPIKey)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load api key: %w", err)
	}
	if !strings.HasPrefix(raw, sealedPrefix) {
		return strings.TrimSpace(raw), nil
	}
	if s.cipher == nil {
		return "", fmt.Errorf("stored api key is encrypted but %s is not set", EnvCipherKey)
	}
	plain, err := s.cipher.Open(strings.TrimPrefix(raw, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decrypt api key: %w", err)
	}
	return plain, nil
}

// SetAPIKey stores key, sealed when a cipher is configured.
func (s *Service) SetAPIKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyCredential
	}
	value := key
	if s.cipher != nil {
		sealed, err := s.cipher.Seal(key)
		if err != nil {
			return fmt.Errorf("encrypt api key: %w", err)
		}
		value = sealedPrefix + sealed
	}
	if err := s.kv.Set(ctx, KeyAPIKey, value); err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	s.logger.Info("api key updated", "encrypted", s.cipher != nil)
	return nil
}

// ClearAPIKey removes the stored key. The fallback, if any, still applies.
func (s *Service) ClearAPIKey(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeyAPIKey); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

// HasAPIKey reports whether APIKey would succeed.
func (s *Service) HasAPIKey(ctx context.Context) bool {
	key, err := s.APIKey(ctx)
	return err == nil && key != ""
}

// Masked returns the current key with all but its edges hidden, or "".
func (s *Service) Masked(ctx context.Context) string {
	key, err := s.APIKey(ctx)
	if err != nil {
		return ""
	}
	return Mask(key)
}

func Mask(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
