// Package api provides the relay's operational HTTP and gRPC surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/middleware"
	"github.com/ashureev/chatrelay/internal/observability"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/transport"
)

// maxWebhookBody bounds a single webhook payload.
const maxWebhookBody = 1 << 20

// EventHandler applies bridge events. transport.Listener implements it.
type EventHandler interface {
	Handle(ctx context.Context, ev transport.Event) error
}

// Handler serves the operational endpoints.
type Handler struct {
	repo    store.Repository
	watcher *config.Watcher
	events  EventHandler
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a Handler. events may be nil to disable webhook ingest.
func NewHandler(repo store.Repository, watcher *config.Watcher, events EventHandler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{repo: repo, watcher: watcher, events: events, logger: logger, now: time.Now}
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	WebhookToken   string
}

// NewRouter builds the HTTP router.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(h.logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(opts.AllowedOrigins))

	r.Handle("/metrics", observability.MetricsHandler())
	h.RegisterRoutes(r, opts.WebhookToken)
	return r
}

// RegisterRoutes registers the /api routes. The webhook is only mounted
// when a token guards it.
func (h *Handler) RegisterRoutes(r chi.Router, webhookToken string) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.GetStats)
		r.Get("/config/validate", h.ValidateConfig)
		switch {
		case h.events == nil:
		case webhookToken == "":
			h.logger.Warn("WEBHOOK_TOKEN is not set, webhook ingest disabled")
		default:
			r.With(middleware.BearerToken(webhookToken)).Post("/webhook/message", h.IngestWebhook)
		}
	})
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Store          *domain.Stats `json:"store"`
	ConfigHash     string        `json:"config_hash"`
	ConfigLoadedAt string        `json:"config_loaded_at"`
	MonitoredChats []string      `json:"monitored_chats"`
}

// GetStats returns store counters and the active configuration summary.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.Stats(r.Context(), h.now())
	if err != nil {
		h.logger.Error("Failed to read stats", "error", err)
		Error(w, http.StatusInternalServerError, "stats_unavailable")
		return
	}
	snap := h.watcher.Current()
	JSON(w, http.StatusOK, StatsResponse{
		Store:          stats,
		ConfigHash:     snap.Hash,
		ConfigLoadedAt: snap.LoadedAt.UTC().Format(time.RFC3339),
		MonitoredChats: snap.MonitoredChats(),
	})
}

// ValidateConfig re-reads the app document from disk without applying it.
func (h *Handler) ValidateConfig(w http.ResponseWriter, _ *http.Request) {
	snap, err := config.LoadSnapshot(h.watcher.Path())
	if err != nil {
		JSON(w, http.StatusUnprocessableEntity, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"hash":     snap.Hash,
		"entities": len(snap.App.Entities),
		"active":   snap.Hash == h.watcher.Current().Hash,
	})
}

// IngestWebhook accepts an inbound message pushed over HTTP. Session events
// (credentials, logout) only arrive over the bridge stream.
func (h *Handler) IngestWebhook(w http.ResponseWriter, r *http.Request) {
	var ev transport.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err := dec.Decode(&ev); err != nil {
		Error(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if ev.Type == "" && ev.Message != nil {
		ev.Type = transport.EventMessage
	}
	if ev.Type != transport.EventMessage {
		Error(w, http.StatusBadRequest, "unsupported_event_type")
		return
	}

	if err := h.events.Handle(r.Context(), ev); err != nil {
		if errors.Is(err, transport.ErrInvalidEvent) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Webhook ingest failed", "type", ev.Type, "error", err)
		Error(w, http.StatusInternalServerError, "ingest_failed")
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
