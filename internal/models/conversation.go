package models

import "time"

// Conversation groups an ordered sequence of turns owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	Turns     []Turn    `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationSummary is the list view of a conversation.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy that shares no turn storage with c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Turns = make([]Turn, len(c.Turns))
	for i, t := range c.Turns {
		if t.Stats != nil {
			stats := *t.Stats
			t.Stats = &stats
		}
		out.Turns[i] = t
	}
	return &out
}

func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{ID: c.ID, Name: c.Name, UpdatedAt: c.UpdatedAt}
}
