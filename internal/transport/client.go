package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/identity"
	"github.com/ashureev/chatrelay/internal/observability"
	"github.com/ashureev/chatrelay/internal/store"
)

// ErrSendFailed is returned when the bridge does not accept a message.
var ErrSendFailed = errors.New("send failed")

type sendRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// Client sends messages through the bridge HTTP API and records them as
// bot messages so they are never treated as inbound.
type Client struct {
	baseURL string
	http    *http.Client
	repo    store.Repository
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates a Client. repo may be nil, in which case sends are not
// recorded.
func NewClient(baseURL string, repo store.Repository, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		repo:    repo,
		logger:  logger,
		now:     time.Now,
	}
}

// Send delivers text to chatID.
func (c *Client) Send(ctx context.Context, chatID, text string) error {
	chatID = identity.Canonical(chatID)
	body, err := json.Marshal(sendRequest{Recipient: chatID, Message: text})
	if err != nil {
		return fmt.Errorf("encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close send response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrSendFailed, err)
	}
	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("%w: bridge returned %s", ErrSendFailed, resp.Status)
	}
	if resp.StatusCode >= 300 || !out.Success {
		return fmt.Errorf("%w: %s", ErrSendFailed, out.Message)
	}

	c.record(ctx, chatID, text)
	return nil
}

func (c *Client) record(ctx context.Context, chatID, text string) {
	if c.repo == nil {
		return
	}
	now := c.now()
	msg := &domain.Message{
		ID:      SentIDPrefix + strconv.FormatInt(now.UnixNano(), 10),
		ChatID:  chatID,
		Content: domain.StringPtr(text),
		SentAt:  now,
		FromBot: true,
	}
	if err := c.repo.InsertMessage(context.WithoutCancel(ctx), msg); err != nil {
		c.logger.Warn("Failed to record sent message", "chat_id", chatID, "error", err)
		return
	}
	observability.RecordIngested(true)
}
