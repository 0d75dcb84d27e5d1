package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"neuropulse/internal/models"
	"neuropulse/internal/storage"
)

// SchemaVersion is the version written by Persist.
// Version 1 is the bare JSON array written by the browser app.
const SchemaVersion = 2

type envelope struct {
	SchemaVersion int                    `json:"schema_version"`
	Conversations []*models.Conversation `json:"conversations"`
}

// legacyConversation is the schema 1 shape; createdAt was either epoch
// milliseconds or an ISO string and ids were millisecond timestamps.
type legacyConversation struct {
	ID        json.RawMessage `json:"id"`
	Title     string          `json:"title"`
	Messages  []legacyMessage `json:"messages"`
	CreatedAt json.RawMessage `json:"createdAt"`
}

type legacyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func encodeState(convs []*models.Conversation) (string, error) {
	if convs == nil {
		convs = []*models.Conversation{}
	}
	raw, err := json.Marshal(envelope{SchemaVersion: SchemaVersion, Conversations: convs})
	if err != nil {
		return "", fmt.Errorf("encode conversations: %w", err)
	}
	return string(raw), nil
}

// Restore loads persisted state. Absent or unreadable state starts fresh with
// one new conversation; older schemas are migrated and written back.
func (s *Store) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = nil
	s.currentID = ""
	dirty := false

	raw, err := s.kv.Get(ctx, KeyConversations)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load conversations: %w", err)
	default:
		convs, migrated, decodeErr := decodeState(raw)
		if decodeErr != nil {
			s.logger.Warn("discarding unreadable conversation state", "error", decodeErr)
			dirty = true
		} else {
			s.conversations = s.sanitize(convs)
			dirty = migrated
		}
	}

	if len(s.conversations) == 0 {
		if conv, ok := s.migrateLegacyHistory(ctx); ok {
			s.conversations = []*models.Conversation{conv}
			dirty = true
		}
	}

	if id, err := s.kv.Get(ctx, KeyCurrentID); err == nil {
		s.currentID = strings.TrimSpace(id)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load current conversation: %w", err)
	}

	if len(s.conversations) == 0 {
		s.createLocked()
		dirty = true
	} else if s.getLocked(s.currentID) == nil {
		s.currentID = s.conversations[0].ID
		dirty = true
	}

	if dirty {
		return s.persistLocked(ctx)
	}
	return nil
}

// decodeState accepts the current envelope or a schema 1 array.
func decodeState(raw string) ([]*models.Conversation, bool, error) {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty payload")
	}
	if trimmed[0] == '[' {
		var legacy []legacyConversation
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return nil, false, fmt.Errorf("decode schema 1: %w", err)
		}
		return migrateV1(legacy), true, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, false, fmt.Errorf("decode conversations: %w", err)
	}
	if env.SchemaVersion > SchemaVersion {
		return nil, false, fmt.Errorf("unsupported schema version %d", env.SchemaVersion)
	}
	return env.Conversations, env.SchemaVersion < SchemaVersion, nil
}

func migrateV1(legacy []legacyConversation) []*models.Conversation {
	out := make([]*models.Conversation, 0, len(legacy))
	for _, lc := range legacy {
		created := parseLegacyTime(lc.CreatedAt)
		conv := &models.Conversation{
			ID:        parseLegacyID(lc.ID),
			Title:     lc.Title,
			Messages:  convertLegacyMessages(lc.Messages, created),
			CreatedAt: created,
			UpdatedAt: created,
		}
		out = append(out, conv)
	}
	return out
}

func convertLegacyMessages(in []legacyMessage, at time.Time) []*models.Message {
	out := make([]*models.Message, 0, len(in))
	for _, m := range in {
		role := models.Role(m.Role)
		if !role.Valid() {
			continue
		}
		out = append(out, &models.Message{Role: role, Content: m.Content, CreatedAt: at})
	}
	return out
}

func parseLegacyID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func parseLegacyTime(raw json.RawMessage) time.Time {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
		return time.Time{}
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

// migrateLegacyHistory turns the flat pre-conversation message list into one conversation.
func (s *Store) migrateLegacyHistory(ctx context.Context) (*models.Conversation, bool) {
	raw, err := s.kv.Get(ctx, KeyLegacyHistory)
	if err != nil {
		return nil, false
	}
	var legacy []legacyMessage
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		s.logger.Warn("discarding unreadable legacy history", "error", err)
		return nil, false
	}
	now := s.now().UTC()
	msgs := convertLegacyMessages(legacy, now)
	if len(msgs) == 0 {
		return nil, false
	}
	conv := &models.Conversation{
		ID:        s.newID(),
		Title:     models.DefaultConversationTitle,
		Messages:  msgs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			conv.Title = TitleFromPrompt(m.Content)
			break
		}
	}
	if err := s.kv.Delete(ctx, KeyLegacyHistory); err != nil {
		s.logger.Warn("remove legacy history", "error", err)
	}
	s.logger.Info("migrated legacy chat history", "conversation", conv.ID, "messages", len(msgs))
	return conv, true
}

// sanitize drops entries without ids, dedupes ids and fills missing fields.
func (s *Store) sanitize(convs []*models.Conversation) []*models.Conversation {
	seen := make(map[string]struct{}, len(convs))
	out := make([]*models.Conversation, 0, len(convs))
	for _, c := range convs {
		if c == nil {
			continue
		}
		if c.ID == "" {
			c.ID = s.newID()
		}
		if _, dup := seen[c.ID]; dup {
			c.ID = s.newID()
		}
		seen[c.ID] = struct{}{}
		if strings.TrimSpace(c.Title) == "" {
			c.Title = models.DefaultConversationTitle
		}
		msgs := c.Messages[:0]
		for _, m := range c.Messages {
			if m != nil && m.Role.Valid() {
				msgs = append(msgs, m)
			}
		}
		c.Messages = msgs
		out = append(out, c)
	}
	return out
}
