package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuropulse/internal/models"
)

func TestRenderDocument(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conv := &models.Conversation{
		Title: "Explain TCP slow start",
		Messages: []*models.Message{
			{Role: models.RoleUser, Content: "Explain TCP slow start"},
			{Role: models.RoleAssistant, Content: "It grows the window exponentially.\n"},
		},
	}
	doc := Render(conv, now)

	assert.Equal(t, "Explain_TCP_slow_start.md", doc.Filename)
	want := "# Explain TCP slow start\n\n" +
		"Exported: Sun, 01 Mar 2026 12:00:00 UTC\n\n" +
		"### User\n\nExplain TCP slow start\n\n" +
		"---\n\n" +
		"### Assistant\n\nIt grows the window exponentially.\n\n"
	assert.Equal(t, want, string(doc.Content))
}

func TestRenderEmptyConversation(t *testing.T) {
	doc := Render(&models.Conversation{}, time.Unix(0, 0).UTC())
	assert.True(t, strings.HasPrefix(string(doc.Content), "# New Conversation\n"))
	assert.Equal(t, "conversation.md", doc.Filename)
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		`a/b\c:d*e?f"g<h>i|j`: "a-b-c-d-e-f-g-h-i-j",
		"tab\there":           "tab_here",
		"bell\x07":            "bell-",
		"   ":                 "conversation",
		strings.Repeat("é", 60): strings.Repeat("é", 50),
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeFilename(in), "input %q", in)
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.md")
	conv := &models.Conversation{Title: "x", Messages: []*models.Message{{Role: models.RoleUser, Content: "hi"}}}
	require.NoError(t, WriteFile(path, conv, time.Now()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "### User\n\nhi")
}
