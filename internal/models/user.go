package models

import "time"

// User is an account allowed to open relay connections.
type User struct {
	ID              int64     `json:"id"`
	Username        string    `json:"username"`
	PasswordHash    string    `json:"-"`
	TokenCap        int64     `json:"max_tokens"`
	TokensUsedToday int64     `json:"tokens_used_today"`
	PersonalPrompt  string    `json:"personal_prompt"`
	CreatedAt       time.Time `json:"created_at"`
}

// Remaining reports cap minus usage; negative after an overshoot.
func (u *User) Remaining() int64 {
	return u.TokenCap - u.TokensUsedToday
}
