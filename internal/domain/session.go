package domain

import (
	"time"
)

// Context roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContextEntry is a single role-tagged turn of conversational memory.
type ContextEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session holds the conversational memory of one (user, chat) pair.
type Session struct {
	ID           string
	UserID       string
	ChatID       string
	Context      []ContextEntry
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
}

// IsLive reports whether the session has not yet expired at now.
func (s *Session) IsLive(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

// IdleFor returns how long the session has been inactive at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// SessionUpdate carries the fields rewritten on every conversational turn.
type SessionUpdate struct {
	Context      []ContextEntry
	LastActivity time.Time
	ExpiresAt    time.Time
}
