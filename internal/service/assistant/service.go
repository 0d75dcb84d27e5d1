// Package assistant ties credentials, settings, the chat client and the
// conversation store together into the operations the API exposes.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"neuropulse/internal/auth"
	"neuropulse/internal/conversation"
	"neuropulse/internal/models"
	"neuropulse/internal/service/ai"
	"neuropulse/internal/storage"
	"neuropulse/internal/stream"
)

const minSuggestRunes = 3

var ErrMissingCredential = auth.ErrMissingCredential

// Config wires a Service.
type Config struct {
	KV                      storage.KV
	Credentials             *auth.Service
	Client                  *ai.Client
	Store                   *conversation.Store
	AutocompleteModel       string
	AutocompleteTemperature float64
	Logger                  *slog.Logger
}

// Service orchestrates chat exchanges and preferences.
type Service struct {
	kv     storage.KV
	creds  *auth.Service
	client *ai.Client
	store  *conversation.Store
	logger *slog.Logger

	autocompleteModel       string
	autocompleteTemperature float64
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	temp := cfg.AutocompleteTemperature
	if temp <= 0 {
		temp = 1.0
	}
	return &Service{
		kv:                      cfg.KV,
		creds:                   cfg.Credentials,
		client:                  cfg.Client,
		store:                   cfg.Store,
		logger:                  logger,
		autocompleteModel:       cfg.AutocompleteModel,
		autocompleteTemperature: temp,
	}
}

// Store exposes the conversation store for read paths.
func (s *Service) Store() *conversation.Store {
	return s.store
}

// Catalog lists the selectable models.
func (s *Service) Catalog() ai.Catalog {
	return s.client.Catalog()
}

// Busy reports whether conversationID has an exchange in flight.
func (s *Service) Busy(conversationID string) bool {
	return s.client.Busy(conversationID)
}

// Exchange is the outcome of a successful Send.
type Exchange struct {
	Conversation *models.Conversation
	UserMessage  *models.Message
	AIMessage    *models.Message
}

// Send streams a reply to prompt in conversationID. apiKey overrides the
// stored credential when non-empty. The conversation is only updated once
// the full reply has arrived.
func (s *Service) Send(ctx context.Context, apiKey, conversationID, prompt string, opts ai.Options, onPartial stream.PartialFunc) (*Exchange, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ai.ErrEmptyPrompt
	}
	client, err := s.boundClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	history, err := s.store.History(conversationID)
	if err != nil {
		return nil, err
	}
	if opts.Model == "" {
		if opts.Model, err = s.SelectedModel(ctx); err != nil {
			return nil, err
		}
	}

	response, err := client.SendStreaming(ctx, conversationID, prompt, history, opts, onPartial)
	if err != nil {
		if !errors.Is(err, ai.ErrBusy) {
			s.logger.Warn("exchange failed", "conversation", conversationID, "error", err)
		}
		return nil, err
	}

	conv, err := s.store.RecordExchange(ctx, conversationID, prompt, response)
	if err != nil {
		return nil, fmt.Errorf("record exchange: %w", err)
	}
	ex := &Exchange{Conversation: conv}
	if n := len(conv.Messages); n >= 2 {
		ex.UserMessage = conv.Messages[n-2]
		ex.AIMessage = conv.Messages[n-1]
	}
	return ex, nil
}

// Suggest returns a one-line continuation for partial input, or "" when the
// input is too short to complete.
func (s *Service) Suggest(ctx context.Context, apiKey, partial string) (string, error) {
	partial = strings.TrimSpace(partial)
	if utf8.RuneCountInString(partial) < minSuggestRunes {
		return "", nil
	}
	client, err := s.boundClient(ctx, apiKey)
	if err != nil {
		return "", err
	}
	temp := s.autocompleteTemperature
	prompt := "Continue the user's message with a short, natural completion. " +
		"Reply with the completion text only, on one line.\n\n" + partial
	out, err := client.SendOnce(ctx, prompt, ai.Options{
		Model:       s.autocompleteModel,
		Temperature: &temp,
		MaxTokens:   64,
	})
	if err != nil {
		return "", err
	}
	if out == ai.NoResponseText {
		return "", nil
	}
	return firstLine(out), nil
}

func (s *Service) boundClient(ctx context.Context, apiKey string) (*ai.Client, error) {
	if strings.TrimSpace(apiKey) != "" {
		return s.client.WithAPIKey(apiKey), nil
	}
	key, err := s.creds.APIKey(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.WithAPIKey(key), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
