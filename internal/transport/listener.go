package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/chatrelay/internal/store"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = time.Minute
	maxEventSize      = 4 << 20
)

// Listener consumes the bridge event stream and keeps reconnecting until its
// context is cancelled.
type Listener struct {
	url        string
	ingest     *Ingestor
	repo       store.Repository
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewListener creates a Listener for {bridgeURL}/ws/events.
func NewListener(bridgeURL string, ingest *Ingestor, repo store.Repository, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		url:        strings.TrimRight(bridgeURL, "/") + "/ws/events",
		ingest:     ingest,
		repo:       repo,
		logger:     logger,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
}

// Run blocks until ctx is done. Connection failures are retried with capped
// exponential backoff.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = l.minBackoff
		}
		l.logger.Warn("Bridge event stream disconnected", "error", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

// session handles one connection. connected reports whether the dial
// succeeded, which resets the backoff.
func (l *Listener) session(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, l.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", l.url, err)
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "relay stopping"); closeErr != nil {
			l.logger.Debug("Failed to close bridge stream", "error", closeErr)
		}
	}()
	conn.SetReadLimit(maxEventSize)
	l.logger.Info("Connected to bridge event stream", "url", l.url)

	if err := l.restoreCredentials(ctx, conn); err != nil {
		return true, err
	}

	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) != -1 {
				return true, fmt.Errorf("bridge closed stream: %w", err)
			}
			return true, fmt.Errorf("read event: %w", err)
		}
		if err := l.Handle(ctx, ev); err != nil {
			l.logger.Error("Failed to handle bridge event", "type", ev.Type, "error", err)
		}
	}
}

func (l *Listener) restoreCredentials(ctx context.Context, conn *websocket.Conn) error {
	blob, err := l.repo.LoadCredentialBlob(ctx)
	if err != nil {
		l.logger.Warn("Failed to load stored credentials", "error", err)
		return nil
	}
	if blob == nil {
		l.logger.Info("No stored credentials, bridge must pair")
		return nil
	}
	if err := wsjson.Write(ctx, conn, Event{Type: EventRestore, Credentials: blob}); err != nil {
		return fmt.Errorf("send stored credentials: %w", err)
	}
	l.logger.Info("Restored stored credentials to bridge")
	return nil
}

// Handle applies one event. It is shared by the stream and the webhook.
func (l *Listener) Handle(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventMessage:
		if ev.Message == nil {
			return fmt.Errorf("%w: message event without payload", ErrInvalidEvent)
		}
		return l.ingest.Ingest(ctx, *ev.Message)
	case EventCredentials:
		if len(ev.Credentials) == 0 {
			return fmt.Errorf("%w: empty credentials", ErrInvalidEvent)
		}
		if err := l.repo.SaveCredentialBlob(ctx, ev.Credentials); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}
		l.logger.Info("Stored updated credentials")
		return nil
	case EventLogout:
		if err := l.repo.ClearCredentialBlob(ctx); err != nil {
			return fmt.Errorf("clear credentials: %w", err)
		}
		l.logger.Warn("Bridge logged out, stored credentials cleared")
		return nil
	default:
		l.logger.Debug("Ignoring bridge event", "type", ev.Type)
		return nil
	}
}

// IsInvalidEvent reports whether err came from a malformed event rather than
// storage.
func IsInvalidEvent(err error) bool {
	return errors.Is(err, ErrInvalidEvent)
}
