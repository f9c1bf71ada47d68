package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // single writer; readers go straight to the pool
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL gives many concurrent readers next to one writer. Write
	// transactions take the lock up front so they never deadlock on upgrade.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT,
		sent_at INTEGER NOT NULL,
		from_bot INTEGER NOT NULL DEFAULT 0,
		stored_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat_sent ON messages(chat_id, sent_at DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_stored ON messages(stored_at);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		context_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_pair ON sessions(user_id, chat_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		blob BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS app_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// write serializes a write through the single-writer mutex and retries
// lock contention with backoff.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return storageErr(op, shared.Retry(ctx, shared.DefaultRetryPolicy, op, fn))
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return storageErr("ping", s.db.PingContext(ctx))
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// InsertMessage stores a message. Redelivery of the same ID overwrites the
// row in place; the original stored_at is kept so retention and the agent
// watermark keep measuring from first receipt.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("insert message: %w", errors.New("message id is required"))
	}
	storedAt := msg.StoredAt
	if storedAt.IsZero() {
		storedAt = s.now()
	}

	query := `
	INSERT INTO messages (id, chat_id, sender, content, sent_at, from_bot, stored_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		chat_id = excluded.chat_id,
		sender = excluded.sender,
		content = excluded.content,
		sent_at = excluded.sent_at,
		from_bot = excluded.from_bot`

	var content interface{}
	if msg.Content != nil {
		content = *msg.Content
	}

	return s.write(ctx, "insert message", func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.ChatID, msg.Sender, content,
			msg.SentAt.UnixNano(), boolToInt(msg.FromBot), storedAt.UnixNano(),
		)
		return err
	})
}

// UnprocessedMessages returns received messages for the monitored chats.
func (s *SQLiteStore) UnprocessedMessages(ctx context.Context, q MessageQuery) ([]*domain.Message, error) {
	if len(q.Chats) == 0 || q.Limit <= 0 {
		return nil, nil
	}

	args := make([]interface{}, 0, len(q.Chats)+len(q.Exclude)+2)
	for _, c := range q.Chats {
		args = append(args, c)
	}
	args = append(args, q.Since.UnixNano())

	query := `
		SELECT id, chat_id, sender, content, sent_at, from_bot, stored_at
		FROM messages
		WHERE from_bot = 0
		  AND chat_id IN (` + placeholders(len(q.Chats)) + `)
		  AND stored_at >= ?`
	if len(q.Exclude) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(q.Exclude)) + `)`
		for _, id := range q.Exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY sent_at DESC, stored_at DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query unprocessed messages", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close unprocessed message rows", "error", closeErr)
		}
	}()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scan message row", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate messages", err)
	}
	return messages, nil
}

// HasInboundAfter reports whether sender wrote to chat after the given instant.
func (s *SQLiteStore) HasInboundAfter(ctx context.Context, chatID, sender string, after time.Time) (bool, error) {
	query := `
		SELECT 1 FROM messages
		WHERE chat_id = ? AND sender = ? AND from_bot = 0 AND sent_at > ?
		LIMIT 1`
	var one int
	err := s.db.QueryRowContext(ctx, query, chatID, sender, after.UnixNano()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("query inbound after", err)
	}
	return true, nil
}

// HasBotMessage reports whether text was sent to chat by the bot since the
// given instant, whichever process sent it.
func (s *SQLiteStore) HasBotMessage(ctx context.Context, chatID, text string, since time.Time) (bool, error) {
	query := `
		SELECT 1 FROM messages
		WHERE chat_id = ? AND from_bot = 1 AND content = ? AND stored_at >= ?
		LIMIT 1`
	var one int
	err := s.db.QueryRowContext(ctx, query, chatID, text, since.UnixNano()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("query bot message", err)
	}
	return true, nil
}

// GetOrCreateSession resolves the live session for a pair in a single
// transaction. Expired rows for the pair are dropped on the way.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, userID, chatID string, now time.Time, create SessionFactory) (*domain.Session, bool, error) {
	var (
		result  *domain.Session
		created bool
	)
	err := s.write(ctx, "get or create session", func() error {
		result, created = nil, false

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE user_id = ? AND chat_id = ? AND expires_at <= ?`,
			userID, chatID, now.UnixNano(),
		); err != nil {
			return fmt.Errorf("drop expired sessions: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			SELECT session_id, user_id, chat_id, context_json, created_at, expires_at, last_activity
			FROM sessions
			WHERE user_id = ? AND chat_id = ? AND expires_at > ?
			ORDER BY created_at DESC
			LIMIT 1`, userID, chatID, now.UnixNano())
		existing, err := scanSession(row)
		switch {
		case err == nil:
			result = existing
			return tx.Commit()
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("select session: %w", err)
		}

		session, err := create(now)
		if err != nil {
			return fmt.Errorf("build session: %w", err)
		}
		if session == nil {
			return errors.New("session factory returned nil")
		}
		contextJSON, err := encodeContext(session.Context)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, user_id, chat_id, context_json, created_at, expires_at, last_activity)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			session.ID, session.UserID, session.ChatID, contextJSON,
			session.CreatedAt.UnixNano(), session.ExpiresAt.UnixNano(), session.LastActivity.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		result, created = session, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// LatestSession returns the newest session for the pair or nil.
func (s *SQLiteStore) LatestSession(ctx context.Context, userID, chatID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, chat_id, context_json, created_at, expires_at, last_activity
		FROM sessions
		WHERE user_id = ? AND chat_id = ?
		ORDER BY created_at DESC
		LIMIT 1`, userID, chatID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("scan latest session", err)
	}
	return session, nil
}

// DeleteSession removes a single session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.write(ctx, "delete session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
		return err
	})
}

// UpdateSessionContext replaces the context of a session. All three
// fields are written by one statement so readers never see a partial row.
func (s *SQLiteStore) UpdateSessionContext(ctx context.Context, sessionID string, update domain.SessionUpdate) error {
	contextJSON, err := encodeContext(update.Context)
	if err != nil {
		return storageErr("update session context", err)
	}

	return s.write(ctx, "update session context", func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE sessions
			SET context_json = ?, last_activity = ?, expires_at = ?
			WHERE session_id = ?`,
			contextJSON, update.LastActivity.UnixNano(), update.ExpiresAt.UnixNano(), sessionID,
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("UpdateSessionContext affected 0 rows", "session_id", sessionID)
		}
		return nil
	})
}

// DeleteOlderMessages removes messages stored before cutoff.
func (s *SQLiteStore) DeleteOlderMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.write(ctx, "delete older messages", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE stored_at < ?`, cutoff.UnixNano())
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// DeleteExpiredSessions removes sessions whose expiry has passed.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	err := s.write(ctx, "delete expired sessions", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.UnixNano())
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// SaveCredentialBlob overwrites the single credential row.
func (s *SQLiteStore) SaveCredentialBlob(ctx context.Context, blob []byte) error {
	return s.write(ctx, "save credentials", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO credentials (id, blob, updated_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
			blob, s.now().UnixNano(),
		)
		return err
	})
}

// LoadCredentialBlob returns the stored blob or nil.
func (s *SQLiteStore) LoadCredentialBlob(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM credentials WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("load credentials", err)
	}
	return blob, nil
}

// ClearCredentialBlob deletes the credential row.
func (s *SQLiteStore) ClearCredentialBlob(ctx context.Context) error {
	return s.write(ctx, "clear credentials", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = 1`)
		return err
	})
}

// GetAppState reads a key from app_state.
func (s *SQLiteStore) GetAppState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("get app state", err)
	}
	return value, true, nil
}

// SetAppState upserts a key in app_state.
func (s *SQLiteStore) SetAppState(ctx context.Context, key, value string) error {
	return s.write(ctx, "set app state", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, s.now().UnixNano(),
		)
		return err
	})
}

// Stats returns message and session counts plus the database size.
func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (*domain.Stats, error) {
	var stats domain.Stats

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&stats.TotalMessages); err != nil {
		return nil, storageErr("count messages", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE expires_at > ?`, now.UnixNano(),
	).Scan(&stats.ActiveSessions); err != nil {
		return nil, storageErr("count sessions", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`,
	).Scan(&stats.DatabaseSizeBytes); err != nil {
		return nil, storageErr("database size", err)
	}

	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM credentials WHERE id = 1`).Scan(&updatedAt)
	switch {
	case err == nil:
		ts := time.Unix(0, updatedAt).UTC()
		stats.CredentialsUpdatedAt = &ts
	case !errors.Is(err, sql.ErrNoRows):
		return nil, storageErr("credentials timestamp", err)
	}

	return &stats, nil
}

// ResetAll removes every message and session.
func (s *SQLiteStore) ResetAll(ctx context.Context) (int64, int64, error) {
	var msgRows, sessionRows int64
	err := s.write(ctx, "reset all", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		msgRes, err := tx.ExecContext(ctx, `DELETE FROM messages`)
		if err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		sessionRes, err := tx.ExecContext(ctx, `DELETE FROM sessions`)
		if err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if msgRows, err = msgRes.RowsAffected(); err != nil {
			return fmt.Errorf("messages rows affected: %w", err)
		}
		if sessionRows, err = sessionRes.RowsAffected(); err != nil {
			return fmt.Errorf("sessions rows affected: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, 0, err
	}
	return msgRows, sessionRows, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var content sql.NullString
	var sentAt, storedAt int64
	var fromBot int

	if err := row.Scan(&msg.ID, &msg.ChatID, &msg.Sender, &content, &sentAt, &fromBot, &storedAt); err != nil {
		return nil, err
	}
	if content.Valid {
		msg.Content = &content.String
	}
	msg.SentAt = time.Unix(0, sentAt).UTC()
	msg.StoredAt = time.Unix(0, storedAt).UTC()
	msg.FromBot = fromBot != 0
	return &msg, nil
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var contextJSON string
	var createdAt, expiresAt, lastActivity int64

	if err := row.Scan(
		&session.ID, &session.UserID, &session.ChatID, &contextJSON,
		&createdAt, &expiresAt, &lastActivity,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contextJSON), &session.Context); err != nil {
		return nil, fmt.Errorf("decode session context: %w", err)
	}
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	session.ExpiresAt = time.Unix(0, expiresAt).UTC()
	session.LastActivity = time.Unix(0, lastActivity).UTC()
	return &session, nil
}

func encodeContext(entries []domain.ContextEntry) (string, error) {
	if entries == nil {
		entries = []domain.ContextEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode session context: %w", err)
	}
	return string(data), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Repository = (*SQLiteStore)(nil)
