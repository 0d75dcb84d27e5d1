// Package notify turns push payloads into notifications and routes
// notification clicks to an open page or a new window.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"neuropulse/internal/hub"
	"neuropulse/internal/models"
)

// ActionDismiss closes the notification without further effect.
const ActionDismiss = "dismiss"

// maxRemembered bounds the notifications kept for click lookups.
const maxRemembered = 256

var ErrNotFound = errors.New("notification not found")

// Displayer shows a notification to the user.
type Displayer interface {
	Show(ctx context.Context, n models.Notification) error
}

// Windows finds and opens pages.
type Windows interface {
	MatchAll() []hub.Client
	OpenWindow(url string) error
}

// Defaults fill fields missing from a push payload.
type Defaults struct {
	Title string
	Body  string
	URL   string
	Tag   string
	Icon  string
	Badge string
}

// Payload is the push message body after lenient decoding. Every field is
// optional; ids and timestamps may arrive as numbers or strings.
type Payload struct {
	Title     string                      `json:"title"`
	Message   string                      `json:"message"`
	Body      string                      `json:"body"`
	URL       string                      `json:"url"`
	ID        string                      `json:"id"`
	Timestamp int64                       `json:"timestamp"`
	Actions   []models.NotificationAction `json:"actions"`
	Silent    bool                        `json:"silent"`
	Renotify  bool                        `json:"renotify"`
	Tag       string                      `json:"tag"`
	Icon      string                      `json:"icon"`
}

// ClickOutcome describes what a click did.
type ClickOutcome string

const (
	OutcomeDismissed ClickOutcome = "dismissed"
	OutcomeFocused   ClickOutcome = "focused"
	OutcomeOpened    ClickOutcome = "opened"
)

// ClickResult is returned by HandleClick.
type ClickResult struct {
	Outcome  ClickOutcome `json:"outcome"`
	ClientID string       `json:"client_id,omitempty"`
	URL      string       `json:"url"`
}

// Handler displays pushed notifications and handles their clicks.
type Handler struct {
	defaults Defaults
	display  Displayer
	windows  Windows
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	recent map[string]models.Notification
	order  []string
}

func NewHandler(defaults Defaults, display Displayer, windows Windows, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.URL == "" {
		defaults.URL = "/"
	}
	return &Handler{
		defaults: defaults,
		display:  display,
		windows:  windows,
		logger:   logger,
		now:      time.Now,
		recent:   make(map[string]models.Notification),
	}
}

// HandlePush parses raw, fills defaults and displays the result.
// A body that is not a JSON object is shown as the notification text.
func (h *Handler) HandlePush(ctx context.Context, raw []byte) (models.Notification, error) {
	n := h.build(ParsePayload(raw))
	h.remember(n)
	if h.display != nil {
		if err := h.display.Show(ctx, n); err != nil {
			return n, fmt.Errorf("show notification: %w", err)
		}
	}
	h.logger.Info("notification shown", "id", n.Data.ID, "tag", n.Tag)
	return n, nil
}

// ParsePayload reads a push body. Fields with an unexpected JSON type are
// ignored one by one instead of failing the whole object.
func ParsePayload(raw []byte) Payload {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return Payload{}
	}
	if !gjson.Valid(trimmed) {
		return Payload{Body: trimmed}
	}
	doc := gjson.Parse(trimmed)
	switch {
	case doc.Type == gjson.String:
		return Payload{Body: doc.Str}
	case !doc.IsObject():
		return Payload{Body: trimmed}
	}

	p := Payload{
		Title:     scalarText(doc.Get("title")),
		Message:   scalarText(doc.Get("message")),
		Body:      scalarText(doc.Get("body")),
		URL:       scalarText(doc.Get("url")),
		ID:        scalarText(doc.Get("id")),
		Timestamp: epochMillis(doc.Get("timestamp")),
		Silent:    doc.Get("silent").Bool(),
		Renotify:  doc.Get("renotify").Bool(),
		Tag:       scalarText(doc.Get("tag")),
		Icon:      scalarText(doc.Get("icon")),
	}
	doc.Get("actions").ForEach(func(_, a gjson.Result) bool {
		if a.IsObject() {
			p.Actions = append(p.Actions, models.NotificationAction{
				Action: scalarText(a.Get("action")),
				Title:  scalarText(a.Get("title")),
				Icon:   scalarText(a.Get("icon")),
			})
		}
		return true
	})
	return p
}

// scalarText returns strings as is and numbers in their literal form.
func scalarText(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return r.Raw
	}
	return ""
}

// epochMillis accepts a number, a numeric string or an RFC 3339 time.
func epochMillis(r gjson.Result) int64 {
	switch r.Type {
	case gjson.Number:
		return r.Int()
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

func (h *Handler) build(p Payload) models.Notification {
	body := firstNonEmpty(p.Message, p.Body, h.defaults.Body)
	n := models.Notification{
		Title:    firstNonEmpty(p.Title, h.defaults.Title),
		Body:     body,
		Icon:     firstNonEmpty(p.Icon, h.defaults.Icon),
		Badge:    h.defaults.Badge,
		Tag:      firstNonEmpty(p.Tag, h.defaults.Tag),
		Silent:   p.Silent,
		Renotify: p.Renotify,
		Actions:  p.Actions,
		Data: models.NotificationData{
			URL:       firstNonEmpty(p.URL, h.defaults.URL),
			ID:        p.ID,
			Timestamp: p.Timestamp,
		},
	}
	if n.Data.ID == "" {
		n.Data.ID = uuid.NewString()
	}
	if n.Data.Timestamp == 0 {
		n.Data.Timestamp = h.now().UnixMilli()
	}
	return n
}

func (h *Handler) remember(n models.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.recent[n.Data.ID]; !ok {
		h.order = append(h.order, n.Data.ID)
	}
	h.recent[n.Data.ID] = n
	for len(h.order) > maxRemembered {
		delete(h.recent, h.order[0])
		h.order = h.order[1:]
	}
}

// Lookup returns a remembered notification by id.
func (h *Handler) Lookup(id string) (models.Notification, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.recent[id]
	return n, ok
}

// HandleClick reacts to a click on notification id with the chosen action.
func (h *Handler) HandleClick(ctx context.Context, id, action string) (ClickResult, error) {
	n, ok := h.Lookup(id)
	if !ok {
		return ClickResult{}, ErrNotFound
	}
	return h.Click(ctx, n, action)
}

// Click handles a click on n. An existing page showing the target is
// focused and told about the click; otherwise a new window is opened.
func (h *Handler) Click(_ context.Context, n models.Notification, action string) (ClickResult, error) {
	target := firstNonEmpty(n.Data.URL, h.defaults.URL)
	if action == ActionDismiss {
		return ClickResult{Outcome: OutcomeDismissed, URL: target}, nil
	}

	if h.windows != nil {
		for _, c := range h.windows.MatchAll() {
			if !sameTarget(c.URL(), target) {
				continue
			}
			if err := c.Focus(); err != nil {
				h.logger.Debug("focus failed", "client", c.ID(), "error", err)
				continue
			}
			msg := models.ClientMessage{
				Type:           models.MessageNotificationClicked,
				NotificationID: n.Data.ID,
				Timestamp:      n.Data.Timestamp,
			}
			if err := c.PostMessage(msg); err != nil {
				h.logger.Debug("click notice not delivered", "client", c.ID(), "error", err)
			}
			return ClickResult{Outcome: OutcomeFocused, ClientID: c.ID(), URL: target}, nil
		}
		if err := h.windows.OpenWindow(target); err != nil {
			return ClickResult{}, fmt.Errorf("open window: %w", err)
		}
	}
	return ClickResult{Outcome: OutcomeOpened, URL: target}, nil
}

// sameTarget compares the path and query of two URLs, ignoring the origin
// when either side is relative.
func sameTarget(a, b string) bool {
	if a == b {
		return true
	}
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	if ua.Host != "" && ub.Host != "" && !strings.EqualFold(ua.Host, ub.Host) {
		return false
	}
	return normPath(ua.Path) == normPath(ub.Path) && ua.RawQuery == ub.RawQuery
}

func normPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
