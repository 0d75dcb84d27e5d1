package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuropulse/internal/models"
	"neuropulse/internal/storage"
)

func newTestStore(t *testing.T, kv storage.KV) *Store {
	t.Helper()
	n := 0
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewStore(kv, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("conv-%d", n)
		}),
		WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
	)
}

func restoredStore(t *testing.T, kv storage.KV) *Store {
	t.Helper()
	s := newTestStore(t, kv)
	require.NoError(t, s.Restore(context.Background()))
	return s
}

func TestRestoreEmptyCreatesConversation(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := restoredStore(t, kv)

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, models.DefaultConversationTitle, list[0].Title)
	assert.Equal(t, list[0].ID, s.CurrentID())

	stored, err := kv.Get(context.Background(), KeyCurrentID)
	require.NoError(t, err)
	assert.Equal(t, list[0].ID, stored)
}

func TestCreateSelectAndCurrentInvariant(t *testing.T) {
	ctx := context.Background()
	s := restoredStore(t, storage.NewMemoryStore())

	first := s.CurrentID()
	second, err := s.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, s.CurrentID())
	assert.Equal(t, second.ID, s.List()[0].ID, "new conversations go first")

	_, err = s.Select(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first, s.CurrentID())

	_, err = s.Select(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, first, s.CurrentID())
}

func TestDeleteCurrentSelectsMostRecent(t *testing.T) {
	ctx := context.Background()
	s := restoredStore(t, storage.NewMemoryStore())
	a := s.CurrentID()
	b, _ := s.Create(ctx)
	c, _ := s.Create(ctx)

	cur, err := s.Delete(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, cur.ID)
	assert.Equal(t, b.ID, s.CurrentID())

	// deleting a non-current conversation keeps the selection
	cur, err = s.Delete(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, b.ID, cur.ID)

	_, err = s.Delete(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteLastCreatesFresh(t *testing.T) {
	ctx := context.Background()
	s := restoredStore(t, storage.NewMemoryStore())
	only := s.CurrentID()

	cur, err := s.Delete(ctx, only)
	require.NoError(t, err)
	assert.NotEqual(t, only, cur.ID)
	assert.Empty(t, cur.Messages)
	require.Len(t, s.List(), 1)
	assert.Equal(t, cur.ID, s.CurrentID())
}

func TestAppendMessageSkipsDuplicateUserTurn(t *testing.T) {
	ctx := context.Background()
	s := restoredStore(t, storage.NewMemoryStore())
	id := s.CurrentID()

	ok, err := s.AppendMessage(ctx, id, models.Message{Role: models.RoleUser, Content: "hi"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AppendMessage(ctx, id, models.Message{Role: models.RoleUser, Content: "hi"})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.AppendMessage(ctx, id, models.Message{Role: models.RoleAssistant, Content: "hi"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AppendMessage(ctx, id, models.Message{Role: models.RoleUser, Content: "hi"})
	require.NoError(t, err)
	assert.False(t, ok, "text equal to the last message of any role is not repeated")
	ok, err = s.AppendMessage(ctx, id, models.Message{Role: models.RoleUser, Content: "hello"})
	require.NoError(t, err)
	assert.True(t, ok)

	msgs, err := s.History(id)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello", msgs[2].Content)

	_, err = s.AppendMessage(ctx, "missing", models.Message{Role: models.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordExchangeTitlesFirstTurn(t *testing.T) {
	ctx := context.Background()
	s := restoredStore(t, storage.NewMemoryStore())
	id := s.CurrentID()

	conv, err := s.RecordExchange(ctx, id, "Explain TCP slow start", "It ramps cwnd.")
	require.NoError(t, err)
	assert.Equal(t, "Explain TCP slow start", conv.Title)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, models.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, conv.Messages[1].Role)

	conv, err = s.RecordExchange(ctx, id, "And congestion avoidance?", "Linear growth.")
	require.NoError(t, err)
	assert.Equal(t, "Explain TCP slow start", conv.Title, "later turns keep the title")
	assert.Len(t, conv.Messages, 4)
}

func TestRecordExchangeAfterOptimisticAppend(t *testing.T) {
	ctx := context.Background()
	s := restoredStore(t, storage.NewMemoryStore())
	id := s.CurrentID()

	_, err := s.AppendMessage(ctx, id, models.Message{Role: models.RoleUser, Content: "hello"})
	require.NoError(t, err)
	conv, err := s.RecordExchange(ctx, id, "hello", "hi there")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 2)
}

func TestRecordExchangeAfterAssistantEcho(t *testing.T) {
	ctx := context.Background()
	s := restoredStore(t, storage.NewMemoryStore())
	id := s.CurrentID()

	_, err := s.RecordExchange(ctx, id, "ping", "pong")
	require.NoError(t, err)
	conv, err := s.RecordExchange(ctx, id, "pong", "ok")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, models.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "ok", conv.Messages[2].Content)
}

// failingKV rejects writes once broken is set.
type failingKV struct {
	storage.KV
	broken bool
}

func (f *failingKV) Set(ctx context.Context, key, value string) error {
	if f.broken {
		return errors.New("disk full")
	}
	return f.KV.Set(ctx, key, value)
}

func TestFailedPersistRollsBackMemory(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{KV: storage.NewMemoryStore()}
	s := restoredStore(t, kv)
	first := s.CurrentID()
	_, err := s.RecordExchange(ctx, first, "keep me", "kept")
	require.NoError(t, err)
	second, err := s.Create(ctx)
	require.NoError(t, err)
	before := s.List()

	kv.broken = true
	_, err = s.Select(ctx, first)
	require.Error(t, err)
	assert.Equal(t, second.ID, s.CurrentID())

	_, err = s.Rename(ctx, first, "renamed")
	require.Error(t, err)
	_, err = s.ClearMessages(ctx, first)
	require.Error(t, err)
	_, err = s.AppendMessage(ctx, first, models.Message{Role: models.RoleUser, Content: "lost"})
	require.Error(t, err)
	_, err = s.RecordExchange(ctx, first, "lost", "lost")
	require.Error(t, err)
	_, err = s.Delete(ctx, second.ID)
	require.Error(t, err)
	_, err = s.Create(ctx)
	require.Error(t, err)

	assert.Equal(t, before, s.List())
	assert.Equal(t, second.ID, s.CurrentID())

	kv.broken = false
	reloaded := restoredStore(t, kv.KV)
	require.Len(t, reloaded.List(), 2)
	assert.Equal(t, second.ID, reloaded.CurrentID())
	conv, err := reloaded.Get(first)
	require.NoError(t, err)
	assert.Equal(t, "keep me", conv.Title)
	assert.Len(t, conv.Messages, 2)
}

func TestTitleFromPrompt(t *testing.T) {
	assert.Equal(t, "short", TitleFromPrompt("short"))
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyzab...", TitleFromPrompt("abcdefghijklmnopqrstuvwxyzabcdef"))
	assert.Equal(t, "exactly twenty-eight chars!!", TitleFromPrompt("exactly twenty-eight chars!!"))
	assert.Equal(t, models.DefaultConversationTitle, TitleFromPrompt("   "))
}

func TestRenameAndClear(t *testing.T) {
	ctx := context.Background()
	s := restoredStore(t, storage.NewMemoryStore())
	id := s.CurrentID()

	_, err := s.Rename(ctx, id, "  ")
	assert.ErrorIs(t, err, ErrEmptyTitle)
	conv, err := s.Rename(ctx, id, " Networking ")
	require.NoError(t, err)
	assert.Equal(t, "Networking", conv.Title)

	_, err = s.RecordExchange(ctx, id, "q", "a")
	require.NoError(t, err)
	conv, err = s.ClearMessages(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, "Networking", conv.Title)
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	s := restoredStore(t, kv)
	first := s.CurrentID()
	_, err := s.RecordExchange(ctx, first, "Explain TCP slow start", "ok")
	require.NoError(t, err)
	second, err := s.Create(ctx)
	require.NoError(t, err)
	_, err = s.Select(ctx, first)
	require.NoError(t, err)

	reloaded := restoredStore(t, kv)
	list := reloaded.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first, reloaded.CurrentID())
	conv, err := reloaded.Get(first)
	require.NoError(t, err)
	assert.Equal(t, "Explain TCP slow start", conv.Title)
	assert.Len(t, conv.Messages, 2)
}

func TestRestoreCorruptStateStartsFresh(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	require.NoError(t, kv.Set(ctx, KeyConversations, "{not json"))
	require.NoError(t, kv.Set(ctx, KeyCurrentID, "ghost"))

	s := restoredStore(t, kv)
	require.Len(t, s.List(), 1)
	assert.NotEqual(t, "ghost", s.CurrentID())

	raw, err := kv.Get(ctx, KeyConversations)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, SchemaVersion, env.SchemaVersion)
}

func TestRestoreFutureSchemaTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	require.NoError(t, kv.Set(ctx, KeyConversations, `{"schema_version":99,"conversations":[{"id":"x"}]}`))
	s := restoredStore(t, kv)
	require.Len(t, s.List(), 1)
	assert.NotEqual(t, "x", s.CurrentID())
}

func TestRestoreMigratesSchemaOneArray(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	legacy := `[
		{"id":"1718000000000","title":"Old chat","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}],"createdAt":"2024-06-10T06:13:20.000Z"},
		{"id":1718000000001,"title":"","messages":[],"createdAt":1718000000001}
	]`
	require.NoError(t, kv.Set(ctx, KeyConversations, legacy))
	require.NoError(t, kv.Set(ctx, KeyCurrentID, "1718000000000"))

	s := restoredStore(t, kv)
	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "1718000000000", list[0].ID)
	assert.Equal(t, "Old chat", list[0].Title)
	assert.Len(t, list[0].Messages, 2)
	assert.Equal(t, 2024, list[0].CreatedAt.Year())
	assert.Equal(t, "1718000000001", list[1].ID)
	assert.Equal(t, models.DefaultConversationTitle, list[1].Title)
	assert.Equal(t, "1718000000000", s.CurrentID())

	raw, err := kv.Get(ctx, KeyConversations)
	require.NoError(t, err)
	assert.Contains(t, raw, `"schema_version":2`)
}

func TestRestoreMigratesFlatHistory(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	require.NoError(t, kv.Set(ctx, KeyLegacyHistory, `[{"role":"user","content":"What is QUIC?"},{"role":"assistant","content":"A transport."}]`))

	s := restoredStore(t, kv)
	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "What is QUIC?", list[0].Title)
	assert.Len(t, list[0].Messages, 2)

	_, err := kv.Get(ctx, KeyLegacyHistory)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	s := restoredStore(t, storage.NewMemoryStore())
	id := s.CurrentID()
	_, err := s.RecordExchange(ctx, id, "Explain TCP slow start", "ok")
	require.NoError(t, err)

	doc, err := s.Export(id)
	require.NoError(t, err)
	assert.Equal(t, "Explain_TCP_slow_start.md", doc.Filename)
	assert.Contains(t, string(doc.Content), "# Explain TCP slow start")

	_, err = s.Export("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReturnedConversationsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := restoredStore(t, storage.NewMemoryStore())
	id := s.CurrentID()
	_, err := s.RecordExchange(ctx, id, "q", "a")
	require.NoError(t, err)

	conv, err := s.Get(id)
	require.NoError(t, err)
	conv.Messages[0].Content = "mutated"
	conv.Title = "mutated"

	again, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "q", again.Messages[0].Content)
	assert.Equal(t, "q", again.Title)
}
