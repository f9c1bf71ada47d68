package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/identity"
	"github.com/ashureev/chatrelay/internal/store"
)

// ErrNoSession is returned when the store resolves no session for a pair.
var ErrNoSession = errors.New("session resolution returned no session")

// DefaultMaxEntries bounds session context length.
const DefaultMaxEntries = 20

// Manager loads, creates and invalidates sessions. It is the only writer of
// session expiry.
type Manager struct {
	repo       store.Repository
	maxEntries atomic.Int64
	logger     *slog.Logger
}

// NewManager creates a Manager. maxEntries <= 0 uses DefaultMaxEntries.
func NewManager(repo store.Repository, maxEntries int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{repo: repo, logger: logger}
	m.SetMaxEntries(maxEntries)
	return m
}

// SetMaxEntries changes the context bound for subsequent writes.
func (m *Manager) SetMaxEntries(n int) {
	if n <= 0 {
		n = DefaultMaxEntries
	}
	m.maxEntries.Store(int64(n))
}

// ResolveRequest identifies the session to load.
type ResolveRequest struct {
	UserID string
	ChatID string
	Policy Policy
	Now    time.Time
	// StaleAfter discards a live session idle for longer. Zero disables.
	StaleAfter time.Duration
}

// NewSession builds an empty session for the pair created at now.
func NewSession(userID, chatID string, policy Policy, now time.Time) *domain.Session {
	return &domain.Session{
		ID:           SessionID(userID, chatID, now),
		UserID:       userID,
		ChatID:       chatID,
		Context:      []domain.ContextEntry{},
		CreatedAt:    now,
		ExpiresAt:    ExpiryFor(policy, now),
		LastActivity: now,
	}
}

// Resolve returns the live session for the pair, creating one if needed.
// The staleness check runs before the session is read for context.
func (m *Manager) Resolve(ctx context.Context, req ResolveRequest) (*domain.Session, error) {
	userID := identity.Canonical(req.UserID)
	chatID := identity.Canonical(req.ChatID)
	now := req.Now

	if req.StaleAfter > 0 {
		if err := m.dropStale(ctx, userID, chatID, now, req.StaleAfter); err != nil {
			return nil, err
		}
	}

	session, created, err := m.repo.GetOrCreateSession(ctx, userID, chatID, now,
		func(at time.Time) (*domain.Session, error) {
			return NewSession(userID, chatID, req.Policy, at), nil
		})
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("resolve session for user %s in chat %s: %w", userID, chatID, ErrNoSession)
	}
	if created {
		m.logger.Info("Created session",
			"session_id", session.ID,
			"user_id", userID,
			"chat_id", chatID,
			"expires_at", session.ExpiresAt)
	}
	return session, nil
}

func (m *Manager) dropStale(ctx context.Context, userID, chatID string, now time.Time, staleAfter time.Duration) error {
	latest, err := m.repo.LatestSession(ctx, userID, chatID)
	if err != nil {
		return fmt.Errorf("check stale session: %w", err)
	}
	if latest == nil || !latest.IsLive(now) {
		return nil
	}
	idle := latest.IdleFor(now)
	if idle <= staleAfter {
		return nil
	}
	if err := m.repo.DeleteSession(ctx, latest.ID); err != nil {
		return fmt.Errorf("drop stale session: %w", err)
	}
	m.logger.Info("Discarded stale session",
		"session_id", latest.ID,
		"chat_id", chatID,
		"idle", idle.Round(time.Second))
	return nil
}

// Record appends turns to the session context, trims it, refreshes activity
// and recomputes expiry from now. The write is a single atomic update.
func (m *Manager) Record(ctx context.Context, session *domain.Session, policy Policy, now time.Time, turns ...domain.ContextEntry) error {
	if session == nil {
		return fmt.Errorf("record turns: %w", ErrNoSession)
	}
	entries := make([]domain.ContextEntry, 0, len(session.Context)+len(turns))
	entries = append(entries, session.Context...)
	entries = append(entries, turns...)
	entries = m.Trim(entries, policy, now)

	update := domain.SessionUpdate{
		Context:      entries,
		LastActivity: now,
		ExpiresAt:    ExpiryFor(policy, now),
	}
	if err := m.repo.UpdateSessionContext(ctx, session.ID, update); err != nil {
		return fmt.Errorf("record turns: %w", err)
	}

	session.Context = update.Context
	session.LastActivity = update.LastActivity
	session.ExpiresAt = update.ExpiresAt
	return nil
}

// Trim drops entries older than the policy's rolling window and keeps at
// most the newest maxEntries.
func (m *Manager) Trim(entries []domain.ContextEntry, policy Policy, now time.Time) []domain.ContextEntry {
	if window := policy.Window(); window > 0 {
		cutoff := now.Add(-window)
		kept := entries[:0:0]
		for _, e := range entries {
			if e.Timestamp.IsZero() || !e.Timestamp.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if limit := int(m.maxEntries.Load()); len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}
