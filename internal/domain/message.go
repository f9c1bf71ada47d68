// Package domain contains the core domain types for the relay.
package domain

import "time"

// Message is one chat message as persisted by the store.
type Message struct {
	ID       string
	ChatID   string
	Sender   string
	Content  *string // nil when the transport delivered no text (media, reactions)
	SentAt   time.Time
	FromBot  bool
	StoredAt time.Time
}

// Text returns the message content or "" when it has none.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// StringPtr is a small helper for building messages with content.
func StringPtr(s string) *string {
	return &s
}
