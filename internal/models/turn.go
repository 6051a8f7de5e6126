package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn captures one message within a conversation.
type Turn struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Stats     *TurnStats `json:"stats,omitempty"`
	CreatedAt time.Time  `json:"timestamp"`
}

// TurnStats is attached to assistant turns only.
type TurnStats struct {
	Tokens   int     `json:"tokens"`
	Duration float64 `json:"duration"` // seconds, one decimal
}
