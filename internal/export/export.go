// Package export renders conversations as downloadable text documents.
package export

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"neuropulse/internal/models"
)

const maxFilenameRunes = 50

// Document is a rendered export ready to be written or served.
type Document struct {
	Filename string
	Content  []byte
}

// Render builds the export of conv stamped with now.
func Render(conv *models.Conversation, now time.Time) Document {
	var b strings.Builder
	WriteTo(&b, conv, now)
	return Document{
		Filename: Filename(conv.Title),
		Content:  []byte(b.String()),
	}
}

// WriteTo writes the export body of conv to w.
func WriteTo(w io.Writer, conv *models.Conversation, now time.Time) {
	title := conv.Title
	if strings.TrimSpace(title) == "" {
		title = models.DefaultConversationTitle
	}
	fmt.Fprintf(w, "# %s\n\n", title)
	fmt.Fprintf(w, "Exported: %s\n\n", now.Format(time.RFC1123))

	for i, msg := range conv.Messages {
		if i > 0 {
			fmt.Fprint(w, "---\n\n")
		}
		fmt.Fprintf(w, "### %s\n\n", roleLabel(msg.Role))
		fmt.Fprintf(w, "%s\n\n", strings.TrimRight(msg.Content, "\n"))
	}
}

// WriteFile renders conv into path.
func WriteFile(path string, conv *models.Conversation, now time.Time) error {
	doc := Render(conv, now)
	if err := os.WriteFile(path, doc.Content, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// Filename derives a safe file name with an .md extension from a title.
func Filename(title string) string {
	return sanitizeFilename(title) + ".md"
}

func roleLabel(r models.Role) string {
	switch r {
	case models.RoleAssistant:
		return "Assistant"
	case models.RoleSystem:
		return "System"
	default:
		return "User"
	}
}

func sanitizeFilename(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) > maxFilenameRunes {
		runes = runes[:maxFilenameRunes]
	}

	out := make([]rune, 0, len(runes))
	for _, r := range runes {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			out = append(out, '-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			out = append(out, '_')
		case r < 32 || r == 127:
			out = append(out, '-')
		default:
			out = append(out, r)
		}
	}

	if len(out) == 0 {
		return "conversation"
	}
	return string(out)
}
