package hub

import (
	"sync"

	"neuropulse/internal/models"
)

// RecordingClient is an in-process Client that keeps what it receives.
// Tests in other packages use it in place of a WebSocket page.
type RecordingClient struct {
	id  string
	url string

	mu       sync.Mutex
	messages []models.ClientMessage
	focused  int
}

func NewRecordingClient(id, url string) *RecordingClient {
	return &RecordingClient{id: id, url: url}
}

func (c *RecordingClient) ID() string  { return c.id }
func (c *RecordingClient) URL() string { return c.url }

func (c *RecordingClient) PostMessage(msg models.ClientMessage) error {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	return nil
}

func (c *RecordingClient) Focus() error {
	c.mu.Lock()
	c.focused++
	c.mu.Unlock()
	return nil
}

// Messages returns a copy of everything posted so far.
func (c *RecordingClient) Messages() []models.ClientMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ClientMessage(nil), c.messages...)
}

// FocusCount reports how many times Focus was called.
func (c *RecordingClient) FocusCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focused
}
