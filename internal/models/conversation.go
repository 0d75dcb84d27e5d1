package models

import "time"

const DefaultConversationTitle = "New Conversation"

// Conversation groups an ordered sequence of messages.
type Conversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Messages  []*Message `json:"messages"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy safe to hand outside the store lock.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		cp := *m
		out.Messages[i] = &cp
	}
	return &out
}

// LastMessage returns the most recent message or nil.
func (c *Conversation) LastMessage() *Message {
	if c == nil || len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// UserTurns counts messages authored by the user.
func (c *Conversation) UserTurns() int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}
