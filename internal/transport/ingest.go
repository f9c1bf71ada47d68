// Package transport connects the relay to the chat bridge: outbound sends over
// HTTP, inbound events over a websocket stream or webhook.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/identity"
	"github.com/ashureev/chatrelay/internal/observability"
	"github.com/ashureev/chatrelay/internal/store"
)

// SentIDPrefix marks messages the relay itself sent.
const SentIDPrefix = "sent_"

// ErrInvalidEvent is returned for events missing required fields.
var ErrInvalidEvent = errors.New("invalid bridge event")

// Event types delivered by the bridge.
const (
	EventMessage     = "message"
	EventCredentials = "credentials"
	EventLogout      = "logout"
	EventRestore     = "restore"
)

// Event is one frame on the bridge event stream.
type Event struct {
	Type        string        `json:"type"`
	Message     *MessageEvent `json:"message,omitempty"`
	Credentials []byte        `json:"credentials,omitempty"`
}

// MessageEvent is a chat message as reported by the bridge.
type MessageEvent struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Sender    string    `json:"sender"`
	Content   *string   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	FromMe    bool      `json:"from_me"`
}

// Ingestor writes bridge messages to the store.
type Ingestor struct {
	repo   store.Repository
	owner  func() string
	logger *slog.Logger
	now    func() time.Time
}

// NewIngestor creates an Ingestor. owner returns the current owner chat; a
// message the owner sends to their own chat is a user turn, not a bot send.
func NewIngestor(repo store.Repository, owner func() string, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if owner == nil {
		owner = func() string { return "" }
	}
	return &Ingestor{repo: repo, owner: owner, logger: logger, now: time.Now}
}

// Ingest validates and stores one message event.
func (i *Ingestor) Ingest(ctx context.Context, ev MessageEvent) error {
	if strings.TrimSpace(ev.ID) == "" || strings.TrimSpace(ev.ChatID) == "" {
		return fmt.Errorf("%w: id and chat_id are required", ErrInvalidEvent)
	}

	chatID := identity.Canonical(ev.ChatID)
	fromBot := strings.HasPrefix(ev.ID, SentIDPrefix) ||
		(ev.FromMe && chatID != i.owner())

	sentAt := ev.Timestamp
	if sentAt.IsZero() {
		sentAt = i.now()
	}

	msg := &domain.Message{
		ID:      ev.ID,
		ChatID:  chatID,
		Sender:  identity.Canonical(ev.Sender),
		Content: ev.Content,
		SentAt:  sentAt.UTC(),
		FromBot: fromBot,
	}
	if err := i.repo.InsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("ingest message %s: %w", ev.ID, err)
	}
	observability.RecordIngested(fromBot)

	i.logger.Debug("Message ingested",
		"message_id", msg.ID,
		"chat_id", msg.ChatID,
		"from_bot", fromBot)
	return nil
}
