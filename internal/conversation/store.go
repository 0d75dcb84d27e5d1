// Package conversation keeps the ordered set of conversations and the
// current selection, persisted as a whole to a key-value store.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"neuropulse/internal/export"
	"neuropulse/internal/models"
	"neuropulse/internal/storage"
)

// Keys in the key-value store.
const (
	KeyConversations = "conversations"
	KeyCurrentID     = "currentConversationId"
	KeyLegacyHistory = "chatMessages"
)

const titleMaxRunes = 28

var (
	ErrNotFound   = errors.New("conversation not found")
	ErrEmptyTitle = errors.New("title cannot be empty")
)

// Store owns all conversations. Every mutation is persisted before it returns.
type Store struct {
	kv     storage.KV
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu            sync.Mutex
	conversations []*models.Conversation // most recent first
	currentID     string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// NewStore returns an empty store. Call Restore to load persisted state.
func NewStore(kv storage.KV, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		kv:     kv,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a new empty conversation and makes it current.
func (s *Store) Create(ctx context.Context) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	conv := s.createLocked()
	if err := s.commitLocked(ctx, snap); err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

func (s *Store) createLocked() *models.Conversation {
	now := s.now().UTC()
	conv := &models.Conversation{
		ID:        s.uniqueIDLocked(),
		Title:     models.DefaultConversationTitle,
		Messages:  []*models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations = append([]*models.Conversation{conv}, s.conversations...)
	s.currentID = conv.ID
	return conv
}

func (s *Store) uniqueIDLocked() string {
	for {
		id := s.newID()
		if s.indexLocked(id) < 0 {
			return id
		}
	}
}

// Select makes id the current conversation.
func (s *Store) Select(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return nil, ErrNotFound
	}
	snap := s.snapshotLocked()
	s.currentID = id
	if err := s.commitLocked(ctx, snap); err != nil {
		return nil, err
	}
	return s.conversations[idx].Clone(), nil
}

// AppendMessage adds msg to conversation id. A user message whose content
// equals the last stored message, of either role, is not appended again;
// appended reports which happened.
func (s *Store) AppendMessage(ctx context.Context, id string, msg models.Message) (appended bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.getLocked(id)
	if conv == nil {
		return false, ErrNotFound
	}
	snap := s.snapshotLocked()
	if !s.appendLocked(conv, msg) {
		return false, nil
	}
	if err := s.commitLocked(ctx, snap); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) appendLocked(conv *models.Conversation, msg models.Message) bool {
	if msg.Role == models.RoleUser {
		if last := conv.LastMessage(); last != nil && last.Content == msg.Content {
			return false
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	conv.Messages = append(conv.Messages, &msg)
	conv.UpdatedAt = msg.CreatedAt
	return true
}

// RecordExchange stores a completed prompt/response pair. The first user turn
// of an untitled conversation also names it.
func (s *Store) RecordExchange(ctx context.Context, id, prompt, response string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.getLocked(id)
	if conv == nil {
		return nil, ErrNotFound
	}
	snap := s.snapshotLocked()
	firstTurn := conv.UserTurns() == 0
	s.appendLocked(conv, models.Message{Role: models.RoleUser, Content: prompt})
	s.appendLocked(conv, models.Message{Role: models.RoleAssistant, Content: response})
	if firstTurn && conv.Title == models.DefaultConversationTitle {
		conv.Title = TitleFromPrompt(prompt)
	}
	if err := s.commitLocked(ctx, snap); err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// Rename sets the title of id.
func (s *Store) Rename(ctx context.Context, id, title string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.getLocked(id)
	if conv == nil {
		return nil, ErrNotFound
	}
	snap := s.snapshotLocked()
	conv.Title = title
	conv.UpdatedAt = s.now().UTC()
	if err := s.commitLocked(ctx, snap); err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// ClearMessages empties the message list of id but keeps the conversation.
func (s *Store) ClearMessages(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.getLocked(id)
	if conv == nil {
		return nil, ErrNotFound
	}
	snap := s.snapshotLocked()
	conv.Messages = []*models.Message{}
	conv.UpdatedAt = s.now().UTC()
	if err := s.commitLocked(ctx, snap); err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// Delete removes id. Deleting the current conversation selects the most
// recent remaining one, creating a fresh conversation if none remain.
// It returns the current conversation after the deletion.
func (s *Store) Delete(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return nil, ErrNotFound
	}
	snap := s.snapshotLocked()
	s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)
	if s.currentID == id {
		if len(s.conversations) == 0 {
			s.createLocked()
		} else {
			s.currentID = s.conversations[0].ID
		}
	}
	if err := s.commitLocked(ctx, snap); err != nil {
		return nil, err
	}
	return s.getLocked(s.currentID).Clone(), nil
}

// List returns copies of all conversations, most recent first.
func (s *Store) List() []*models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = c.Clone()
	}
	return out
}

// Get returns a copy of id.
func (s *Store) Get(id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.getLocked(id)
	if conv == nil {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// Current returns a copy of the current conversation.
func (s *Store) Current() *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(s.currentID).Clone()
}

// CurrentID returns the id of the current conversation.
func (s *Store) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// History returns copies of the messages in id.
func (s *Store) History(id string) ([]*models.Message, error) {
	conv, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// Export renders id as a text document.
func (s *Store) Export(id string) (export.Document, error) {
	conv, err := s.Get(id)
	if err != nil {
		return export.Document{}, err
	}
	return export.Render(conv, s.now()), nil
}

// Persist writes the whole store.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

type snapshot struct {
	conversations []*models.Conversation
	currentID     string
}

func (s *Store) snapshotLocked() snapshot {
	convs := make([]*models.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		convs[i] = c.Clone()
	}
	return snapshot{conversations: convs, currentID: s.currentID}
}

// commitLocked persists the store and rolls memory back to snap when the
// write fails.
func (s *Store) commitLocked(ctx context.Context, snap snapshot) error {
	err := s.persistLocked(ctx)
	if err != nil {
		s.conversations, s.currentID = snap.conversations, snap.currentID
		s.logger.Warn("conversation change rolled back", "error", err)
	}
	return err
}

func (s *Store) persistLocked(ctx context.Context) error {
	raw, err := encodeState(s.conversations)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, KeyConversations, raw); err != nil {
		return fmt.Errorf("persist conversations: %w", err)
	}
	if err := s.kv.Set(ctx, KeyCurrentID, s.currentID); err != nil {
		return fmt.Errorf("persist current conversation: %w", err)
	}
	return nil
}

func (s *Store) indexLocked(id string) int {
	for i, c := range s.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) getLocked(id string) *models.Conversation {
	if idx := s.indexLocked(id); idx >= 0 {
		return s.conversations[idx]
	}
	return nil
}

// TitleFromPrompt derives a conversation title from its first user message.
func TitleFromPrompt(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	if prompt == "" {
		return models.DefaultConversationTitle
	}
	if utf8.RuneCountInString(prompt) <= titleMaxRunes {
		return prompt
	}
	return string([]rune(prompt)[:titleMaxRunes]) + "..."
}
