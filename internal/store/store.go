// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
)

// ErrStorage marks every failure that originates in the storage layer
// (I/O, lock timeouts, corrupt rows). Test with errors.Is.
var ErrStorage = errors.New("storage error")

// StorageError wraps a storage failure with the operation that produced it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage: " + e.Op + ": " + e.Err.Error()
}

// Unwrap exposes both the ErrStorage kind and the underlying cause.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// MessageQuery selects received messages for the agent.
type MessageQuery struct {
	// Chats restricts results to these chat identifiers. Empty matches nothing.
	Chats []string
	// Since excludes messages stored before this instant.
	Since time.Time
	// Exclude lists message identifiers the caller has already handled.
	Exclude []string
	Limit   int
}

// SessionFactory builds a fresh session for a (user, chat) pair at now.
// The store calls it inside the get-or-create transaction.
type SessionFactory func(now time.Time) (*domain.Session, error)

// Repository defines the interface for persisting messages, sessions and
// transport credentials.
type Repository interface {
	// InsertMessage stores a message, replacing any row with the same ID.
	InsertMessage(ctx context.Context, msg *domain.Message) error

	// UnprocessedMessages returns received (not from bot) messages matching
	// the query, most recent first.
	UnprocessedMessages(ctx context.Context, q MessageQuery) ([]*domain.Message, error)

	// HasInboundAfter reports whether a received message from sender in chat
	// was sent after the given instant.
	HasInboundAfter(ctx context.Context, chatID, sender string, after time.Time) (bool, error)

	// HasBotMessage reports whether a bot message with exactly text was
	// stored in chat at or after since.
	HasBotMessage(ctx context.Context, chatID, text string, since time.Time) (bool, error)

	// GetOrCreateSession returns the newest live session for the pair or
	// creates one with create. The bool result is true when a session was created.
	GetOrCreateSession(ctx context.Context, userID, chatID string, now time.Time, create SessionFactory) (*domain.Session, bool, error)

	// LatestSession returns the newest session for the pair regardless of expiry.
	LatestSession(ctx context.Context, userID, chatID string) (*domain.Session, error)

	// DeleteSession removes a single session.
	DeleteSession(ctx context.Context, sessionID string) error

	// UpdateSessionContext replaces the context and refreshes activity and expiry.
	UpdateSessionContext(ctx context.Context, sessionID string, update domain.SessionUpdate) error

	// DeleteOlderMessages removes messages stored before cutoff.
	DeleteOlderMessages(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteExpiredSessions removes sessions whose expiry is not after now.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// SaveCredentialBlob stores the transport's opaque session material.
	SaveCredentialBlob(ctx context.Context, blob []byte) error

	// LoadCredentialBlob returns the stored blob or nil when none exists.
	LoadCredentialBlob(ctx context.Context) ([]byte, error)

	// ClearCredentialBlob forgets the stored blob.
	ClearCredentialBlob(ctx context.Context) error

	// GetAppState reads a process-level key/value entry.
	GetAppState(ctx context.Context, key string) (string, bool, error)

	// SetAppState writes a process-level key/value entry.
	SetAppState(ctx context.Context, key, value string) error

	// Stats returns counts and the on-disk size of the database.
	Stats(ctx context.Context, now time.Time) (*domain.Stats, error)

	// ResetAll removes every message and session. Credentials are kept.
	ResetAll(ctx context.Context) (messagesDeleted int64, sessionsDeleted int64, err error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
