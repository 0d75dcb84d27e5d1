package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"neuropulse/internal/storage"
)

const (
	KeySelectedModel = "selectedModel"
	KeyTheme         = "theme"
)

// Theme is the page colour scheme.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

var (
	ErrUnknownModel = errors.New("unknown model")
	ErrInvalidTheme = errors.New("theme must be light or dark")
)

// Settings is the user-facing preference snapshot.
type Settings struct {
	HasAPIKey    bool   `json:"has_api_key"`
	MaskedAPIKey string `json:"masked_api_key,omitempty"`
	Model        string `json:"model"`
	Theme        Theme  `json:"theme"`
}

// Settings returns the current preferences.
func (s *Service) Settings(ctx context.Context) (Settings, error) {
	model, err := s.SelectedModel(ctx)
	if err != nil {
		return Settings{}, err
	}
	theme, err := s.Theme(ctx)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		HasAPIKey:    s.creds.HasAPIKey(ctx),
		MaskedAPIKey: s.creds.Masked(ctx),
		Model:        model,
		Theme:        theme,
	}, nil
}

// SelectedModel returns the stored model, or the catalog default when none is
// stored or the stored one is no longer offered.
func (s *Service) SelectedModel(ctx context.Context) (string, error) {
	raw, err := s.getSetting(ctx, KeySelectedModel)
	if err != nil {
		return "", err
	}
	catalog := s.client.Catalog()
	if raw != "" {
		if _, ok := catalog.Lookup(raw); ok || len(catalog.Models) == 0 {
			return raw, nil
		}
		s.logger.Warn("stored model no longer offered", "model", raw)
	}
	return catalog.DefaultModel, nil
}

// SetModel stores id after checking it against the catalog.
func (s *Service) SetModel(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if _, ok := s.client.Catalog().Lookup(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	if err := s.kv.Set(ctx, KeySelectedModel, id); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

// Theme returns the stored theme, light by default.
func (s *Service) Theme(ctx context.Context) (Theme, error) {
	raw, err := s.getSetting(ctx, KeyTheme)
	if err != nil {
		return "", err
	}
	if t := Theme(raw); t == ThemeDark {
		return t, nil
	}
	return ThemeLight, nil
}

func (s *Service) SetTheme(ctx context.Context, theme Theme) error {
	theme = Theme(strings.ToLower(strings.TrimSpace(string(theme))))
	if theme != ThemeLight && theme != ThemeDark {
		return ErrInvalidTheme
	}
	if err := s.kv.Set(ctx, KeyTheme, string(theme)); err != nil {
		return fmt.Errorf("save theme: %w", err)
	}
	return nil
}

func (s *Service) SetAPIKey(ctx context.Context, key string) error {
	return s.creds.SetAPIKey(ctx, key)
}

func (s *Service) ClearAPIKey(ctx context.Context) error {
	return s.creds.ClearAPIKey(ctx)
}

func (s *Service) getSetting(ctx context.Context, key string) (string, error) {
	v, err := s.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	return strings.TrimSpace(v), nil
}
