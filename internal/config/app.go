package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // timezones must resolve on hosts without zoneinfo

	"github.com/tidwall/jsonc"

	"github.com/ashureev/chatrelay/internal/identity"
)

// Session memory reset modes.
const (
	ResetModeTime     = "time"
	ResetModeDuration = "duration"
	ResetModeSameDay  = "same_day"
)

// Entity types.
const (
	EntityUser  = "user"
	EntityGroup = "group"
)

// App is the monitored-entity document (app.json). Comments and trailing
// commas are accepted.
type App struct {
	Owner                Owner         `json:"owner"`
	Self                 Self          `json:"self"`
	Entities             []Entity      `json:"monitored_entities"`
	ResponseDelaySeconds int           `json:"response_delay_seconds"`
	Polling              Polling       `json:"polling"`
	Rotation             Rotation      `json:"rotation"`
	SessionMemory        SessionMemory `json:"session_memory"`
	Vitality             Vitality      `json:"vitality"`
	AI                   AI            `json:"ai"`
}

// Owner identifies the account the relay runs as.
type Owner struct {
	PhoneNumber string `json:"phone_number"`
}

// Self configures conversations the owner holds with themselves.
type Self struct {
	Active              bool   `json:"active"`
	Prompt              string `json:"prompt"`
	PromptIsFile        bool   `json:"prompt_is_file"`
	Persona             string `json:"persona"`
	StaleSessionSeconds int    `json:"stale_session_seconds"`
	Debug               bool   `json:"debug"`
}

// Entity is one monitored user or group.
type Entity struct {
	Type                 string         `json:"type"`
	Name                 string         `json:"name"`
	JID                  string         `json:"jid,omitempty"`
	Phone                string         `json:"phone,omitempty"`
	Prompt               string         `json:"prompt"`
	PromptIsFile         bool           `json:"prompt_is_file,omitempty"`
	Persona              string         `json:"persona"`
	Active               *bool          `json:"active,omitempty"`
	Debug                bool           `json:"debug,omitempty"`
	HeyBot               bool           `json:"hey_bot,omitempty"`
	ResponseDelaySeconds *int           `json:"response_delay_seconds,omitempty"`
	SessionMemory        *SessionMemory `json:"session_memory,omitempty"`
}

// IsActive reports whether the entity is monitored. Entities are active
// unless the document says otherwise.
func (e *Entity) IsActive() bool {
	return e.Active == nil || *e.Active
}

// Identifier returns the chat identifier for the entity.
func (e *Entity) Identifier() string {
	if e.Type == EntityGroup {
		return identity.Canonical(e.JID)
	}
	return identity.UserJID(e.Phone)
}

// Polling controls the agent cycle.
type Polling struct {
	IntervalSeconds    int `json:"interval_seconds"`
	BatchSize          int `json:"batch_size"`
	MaxRetries         int `json:"max_retries"`
	LookbackHours      int `json:"lookback_hours"`
	EchoWindowSeconds  int `json:"echo_window_seconds"`
	MaxStorageFailures int `json:"max_storage_failures"`
	MaxContextMessages int `json:"max_context_messages"`

	// ReplayBacklog answers up to LookbackHours of earlier traffic when no
	// progress is stored. Off by default: a fresh agent starts at now.
	ReplayBacklog bool `json:"replay_backlog"`
}

// Interval returns the polling interval.
func (p Polling) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Lookback returns how far back the agent looks on a fresh start.
func (p Polling) Lookback() time.Duration {
	return time.Duration(p.LookbackHours) * time.Hour
}

// EchoWindow returns how long a sent reply is remembered for echo suppression.
func (p Polling) EchoWindow() time.Duration {
	return time.Duration(p.EchoWindowSeconds) * time.Second
}

// Rotation controls the sweepers.
type Rotation struct {
	MessagesRetentionDays int `json:"messages_retention_days"`
	CleanupIntervalHours  int `json:"cleanup_interval_hours"`
	SessionSweepMinutes   int `json:"session_sweep_minutes"`
}

// Retention returns the message retention window.
func (r Rotation) Retention() time.Duration {
	return time.Duration(r.MessagesRetentionDays) * 24 * time.Hour
}

// CleanupInterval returns how often message rotation runs.
func (r Rotation) CleanupInterval() time.Duration {
	return time.Duration(r.CleanupIntervalHours) * time.Hour
}

// SessionSweepInterval returns how often expired sessions are purged.
func (r Rotation) SessionSweepInterval() time.Duration {
	return time.Duration(r.SessionSweepMinutes) * time.Minute
}

// SessionMemory selects a session expiry policy.
type SessionMemory struct {
	ResetMode    string `json:"reset_mode"`
	ResetTime    string `json:"reset_time,omitempty"`
	ResetHours   int    `json:"reset_hours,omitempty"`
	ResetMinutes int    `json:"reset_minutes,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// Duration returns the window for duration mode. Minutes win over hours.
func (s SessionMemory) Duration() time.Duration {
	if s.ResetMinutes > 0 {
		return time.Duration(s.ResetMinutes) * time.Minute
	}
	return time.Duration(s.ResetHours) * time.Hour
}

// Location loads the configured timezone, UTC when unset.
func (s SessionMemory) Location() (*time.Location, error) {
	return loadLocation(s.Timezone)
}

// ResetClock parses reset_time into hour and minute.
func (s SessionMemory) ResetClock() (int, int, error) {
	return parseClock(s.ResetTime)
}

func (s SessionMemory) validate(label string, p *problems) {
	switch s.ResetMode {
	case ResetModeTime:
		if s.ResetTime == "" {
			p.addf("%s.reset_time required when reset_mode is 'time'", label)
		}
	case ResetModeDuration:
		if s.ResetHours == 0 && s.ResetMinutes == 0 {
			p.addf("%s.reset_hours or reset_minutes required when reset_mode is 'duration'", label)
		}
	case ResetModeSameDay:
	default:
		p.addf("%s.reset_mode must be one of time, duration, same_day (got %q)", label, s.ResetMode)
	}
	if s.ResetTime != "" {
		if _, _, err := parseClock(s.ResetTime); err != nil {
			p.addf("%s.reset_time: %v", label, err)
		}
	}
	if s.ResetHours != 0 && (s.ResetHours < 1 || s.ResetHours > 168) {
		p.addf("%s.reset_hours must be between 1 and 168", label)
	}
	if s.ResetMinutes != 0 && (s.ResetMinutes < 1 || s.ResetMinutes > 10080) {
		p.addf("%s.reset_minutes must be between 1 and 10080", label)
	}
	if _, err := loadLocation(s.Timezone); err != nil {
		p.addf("%s.timezone: %v", label, err)
	}
}

// Vitality schedules the daily health message to the owner chat.
type Vitality struct {
	Enabled  bool   `json:"enabled"`
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Message  string `json:"message"`
}

// Clock parses the daily send time into hour and minute.
func (v Vitality) Clock() (int, int, error) {
	return parseClock(v.Time)
}

// Location loads the vitality timezone, UTC when unset.
func (v Vitality) Location() (*time.Location, error) {
	return loadLocation(v.Timezone)
}

// AI holds backend request parameters.
type AI struct {
	Model             string  `json:"model"`
	Temperature       float64 `json:"temperature"`
	MaxTokens         int     `json:"max_tokens"`
	RequestsPerMinute int     `json:"requests_per_minute"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
}

// Timeout returns the per-request backend timeout.
func (a AI) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// DefaultApp returns the document defaults. Parsing decodes on top of it so
// omitted fields keep these values.
func DefaultApp() App {
	return App{
		Self: Self{
			Prompt:              "You are a helpful assistant.",
			Persona:             "helpful and concise",
			StaleSessionSeconds: 60,
			Debug:               true,
		},
		ResponseDelaySeconds: 5,
		Polling: Polling{
			IntervalSeconds:    5,
			BatchSize:          10,
			MaxRetries:         3,
			LookbackHours:      24,
			EchoWindowSeconds:  600,
			MaxStorageFailures: 5,
			MaxContextMessages: 20,
		},
		Rotation: Rotation{
			MessagesRetentionDays: 7,
			CleanupIntervalHours:  24,
			SessionSweepMinutes:   60,
		},
		SessionMemory: SessionMemory{
			ResetMode:  ResetModeDuration,
			ResetHours: 24,
			Timezone:   "UTC",
		},
		Vitality: Vitality{
			Enabled:  true,
			Time:     "09:00",
			Timezone: "UTC",
			Message:  "Relay is operational",
		},
		AI: AI{
			Model:             "sonar",
			Temperature:       0.7,
			MaxTokens:         500,
			RequestsPerMinute: 60,
			TimeoutSeconds:    60,
		},
	}
}

// ParseApp decodes a JSONC document on top of the defaults. It does not
// validate; see App.Validate.
func ParseApp(data []byte) (*App, error) {
	app := DefaultApp()
	if err := json.Unmarshal(jsonc.ToJSON(data), &app); err != nil {
		return nil, fmt.Errorf("%w: parse app document: %v", ErrInvalid, err)
	}
	return &app, nil
}

// Validate checks every section and reports all problems at once.
// baseDir is used to resolve relative prompt file paths.
func (a *App) Validate(baseDir string) error {
	var p problems

	if strings.TrimSpace(a.Owner.PhoneNumber) == "" {
		p.addf("owner.phone_number is required")
	}
	if a.ResponseDelaySeconds < 0 {
		p.addf("response_delay_seconds must be >= 0")
	}

	if a.Self.Active && a.Self.Prompt == "" {
		p.addf("self.prompt is required when self.active is true")
	}
	if a.Self.StaleSessionSeconds <= 0 {
		p.addf("self.stale_session_seconds must be greater than 0")
	}
	if a.Self.PromptIsFile {
		if _, err := os.Stat(ResolvePath(baseDir, a.Self.Prompt)); err != nil {
			p.addf("self prompt file not found: %s", a.Self.Prompt)
		}
	}

	if len(a.Entities) == 0 {
		p.addf("at least one monitored entity is required")
	}
	seen := make(map[string]string, len(a.Entities))
	for i := range a.Entities {
		e := &a.Entities[i]
		label := fmt.Sprintf("monitored_entities[%d]", i)
		if e.Name != "" {
			label = fmt.Sprintf("entity %q", e.Name)
		}
		switch e.Type {
		case EntityGroup:
			if e.JID == "" {
				p.addf("%s: group entity must have 'jid'", label)
			}
		case EntityUser:
			if e.Phone == "" {
				p.addf("%s: user entity must have 'phone'", label)
			}
		default:
			p.addf("%s: type must be 'user' or 'group' (got %q)", label, e.Type)
		}
		if e.Prompt == "" {
			p.addf("%s: prompt is required", label)
		} else if e.PromptIsFile {
			if _, err := os.Stat(ResolvePath(baseDir, e.Prompt)); err != nil {
				p.addf("%s: prompt file not found: %s", label, e.Prompt)
			}
		}
		if e.ResponseDelaySeconds != nil && *e.ResponseDelaySeconds < 0 {
			p.addf("%s: response_delay_seconds must be >= 0", label)
		}
		if e.SessionMemory != nil {
			e.SessionMemory.validate(label+" session_memory", &p)
		}
		if id := e.Identifier(); e.JID != "" || e.Phone != "" {
			if other, dup := seen[id]; dup {
				p.addf("%s: chat %s already configured by %s", label, id, other)
			}
			seen[id] = label
		}
	}

	if a.Polling.IntervalSeconds < 1 || a.Polling.IntervalSeconds > 300 {
		p.addf("polling.interval_seconds must be between 1 and 300")
	}
	if a.Polling.LookbackHours < 1 || a.Polling.LookbackHours > 168 {
		p.addf("polling.lookback_hours must be between 1 and 168")
	}
	if a.Polling.BatchSize < 1 {
		p.addf("polling.batch_size must be >= 1")
	}
	if a.Polling.MaxRetries < 1 {
		p.addf("polling.max_retries must be >= 1")
	}
	if a.Polling.EchoWindowSeconds < 1 {
		p.addf("polling.echo_window_seconds must be >= 1")
	}
	if a.Polling.MaxStorageFailures < 1 {
		p.addf("polling.max_storage_failures must be >= 1")
	}
	if a.Polling.MaxContextMessages < 2 {
		p.addf("polling.max_context_messages must be >= 2")
	}

	if a.Rotation.MessagesRetentionDays < 1 || a.Rotation.MessagesRetentionDays > 365 {
		p.addf("rotation.messages_retention_days must be between 1 and 365")
	}
	if a.Rotation.CleanupIntervalHours < 1 || a.Rotation.CleanupIntervalHours > 168 {
		p.addf("rotation.cleanup_interval_hours must be between 1 and 168")
	}
	if a.Rotation.SessionSweepMinutes < 1 {
		p.addf("rotation.session_sweep_minutes must be >= 1")
	}

	a.SessionMemory.validate("session_memory", &p)

	if _, _, err := parseClock(a.Vitality.Time); err != nil {
		p.addf("vitality.time: %v", err)
	}
	if _, err := loadLocation(a.Vitality.Timezone); err != nil {
		p.addf("vitality.timezone: %v", err)
	}

	if a.AI.Model == "" {
		p.addf("ai.model is required")
	}
	if a.AI.Temperature < 0 || a.AI.Temperature > 1 {
		p.addf("ai.temperature must be between 0.0 and 1.0")
	}
	if a.AI.MaxTokens < 100 || a.AI.MaxTokens > 4000 {
		p.addf("ai.max_tokens must be between 100 and 4000")
	}
	if a.AI.RequestsPerMinute < 1 {
		p.addf("ai.requests_per_minute must be >= 1")
	}
	if a.AI.TimeoutSeconds < 1 {
		p.addf("ai.timeout_seconds must be >= 1")
	}

	return p.err()
}

// ResolvePath resolves a relative path against baseDir unless it already
// exists relative to the working directory.
func ResolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return filepath.Join(baseDir, path)
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, use HH:MM (24-hour)", s)
	}
	return t.Hour(), t.Minute(), nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q", name)
	}
	return loc, nil
}

type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(p, "; "))
}
