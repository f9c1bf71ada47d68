package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/ashureev/chatrelay/internal/domain"
)

// OpenAIConfig configures an OpenAI-compatible chat completion backend
// (Perplexity by default).
type OpenAIConfig struct {
	BaseURL           string
	APIKey            string
	RequestsPerMinute int
	Timeout           time.Duration
	HTTPClient        *http.Client
}

// DefaultOpenAIConfig returns the default configuration.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		BaseURL:           "https://api.perplexity.ai",
		RequestsPerMinute: 60,
		Timeout:           60 * time.Second,
	}
}

// OpenAIBackend calls a chat completion API through go-openai. Calls are
// paced by a token bucket so bursts of messages do not trip upstream limits.
type OpenAIBackend struct {
	client  *openai.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenAIBackend creates a backend. Zero fields fall back to defaults.
func NewOpenAIBackend(cfg OpenAIConfig, logger *slog.Logger) *OpenAIBackend {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOpenAIConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIBackend{
		client:  openai.NewClientWithConfig(clientConfig),
		limiter: rate.NewLimiter(perMinute(cfg.RequestsPerMinute), 1),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// SetRequestsPerMinute adjusts pacing after a configuration reload.
func (b *OpenAIBackend) SetRequestsPerMinute(n int) {
	if n > 0 {
		b.limiter.SetLimit(perMinute(n))
	}
}

func perMinute(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}

// Generate performs one chat completion.
func (b *OpenAIBackend) Generate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.UserText) == "" {
		return "", &BackendError{Kind: BackendMalformed, Err: errors.New("empty user text")}
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return "", &BackendError{Kind: BackendRateLimited, Err: fmt.Errorf("pacing: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	messages := buildMessages(req)
	b.logger.Debug("Querying backend",
		"model", req.Model,
		"messages", len(messages),
		"history", len(req.History))

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", classifyBackendError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &BackendError{Kind: BackendMalformed, Err: errors.New("empty choices")}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &BackendError{Kind: BackendMalformed, Err: errors.New("empty completion")}
	}
	return text, nil
}

// buildMessages renders the request as a system message followed by
// strictly alternating user/assistant turns, which some providers require.
func buildMessages(req Request) []openai.ChatCompletionMessage {
	system := req.SystemPrompt
	if req.Persona != "" {
		system += "\n\nPersona: " + req.Persona
	}
	messages := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	}}

	appendTurn := func(role, content string) {
		if content == "" {
			return
		}
		last := &messages[len(messages)-1]
		if last.Role == role {
			last.Content += "\n\n" + content
			return
		}
		// Providers expect the first turn after the system message to be the user's.
		if last.Role == openai.ChatMessageRoleSystem && role == openai.ChatMessageRoleAssistant {
			return
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: content})
	}

	for _, entry := range req.History {
		switch entry.Role {
		case domain.RoleAssistant:
			appendTurn(openai.ChatMessageRoleAssistant, entry.Content)
		default:
			appendTurn(openai.ChatMessageRoleUser, withSender(entry.Sender, entry.Content, "[From: %s] %s"))
		}
	}
	appendTurn(openai.ChatMessageRoleUser, withSender(req.Sender, req.UserText, "[Message from: %s]\n%s"))
	return messages
}

func withSender(sender, text, format string) string {
	if sender == "" {
		return text
	}
	return fmt.Sprintf(format, sender, text)
}

func classifyBackendError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Kind: BackendTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &BackendError{Kind: BackendTimeout, Err: err}
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &BackendError{Kind: BackendRateLimited, Err: err}
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return &BackendError{Kind: BackendTimeout, Err: err}
	case status >= 400 && status < 500:
		return &BackendError{Kind: BackendMalformed, Err: err}
	default:
		return &BackendError{Kind: BackendUnavailable, Err: err}
	}
}
