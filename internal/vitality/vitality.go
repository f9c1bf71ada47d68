// Package vitality sends a scheduled "still alive" message to the owner chat.
package vitality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ashureev/chatrelay/internal/config"
)

// resyncInterval is how often Run picks up a reloaded vitality section.
const resyncInterval = time.Minute

// Sender delivers a text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Checker schedules the daily vitality message. Owner chat, message and
// schedule follow the current configuration snapshot.
type Checker struct {
	source func() *config.Snapshot
	sender Sender
	logger *slog.Logger
	cron   *cron.Cron
	now    func() time.Time
	resync time.Duration

	mu        sync.Mutex
	applied   config.Vitality
	synced    bool
	entry     cron.EntryID
	scheduled bool
	spec      string
	loc       *time.Location
}

// New builds a Checker reading its settings from source. The current
// schedule is validated here so a bad time or timezone fails at startup.
func New(source func() *config.Snapshot, sender Sender, logger *slog.Logger) (*Checker, error) {
	if source == nil || source() == nil {
		return nil, errors.New("vitality: configuration is required")
	}
	if sender == nil {
		return nil, errors.New("vitality: sender is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Checker{
		source: source,
		sender: sender,
		logger: logger,
		cron:   cron.New(),
		now:    time.Now,
		resync: resyncInterval,
		loc:    time.UTC,
	}
	if err := c.Sync(); err != nil {
		return nil, err
	}
	return c, nil
}

func scheduleFor(cfg config.Vitality) (string, *time.Location, error) {
	hour, minute, err := cfg.Clock()
	if err != nil {
		return "", nil, fmt.Errorf("vitality: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return "", nil, fmt.Errorf("vitality: %w", err)
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", loc.String(), minute, hour), loc, nil
}

// Sync applies the vitality section of the current snapshot. An invalid
// section keeps the previous schedule and returns the error.
func (c *Checker) Sync() error {
	cfg := c.source().App.Vitality

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.synced && cfg == c.applied {
		return nil
	}

	spec, loc, err := scheduleFor(cfg)
	if err != nil {
		return err
	}
	if c.scheduled {
		c.cron.Remove(c.entry)
		c.scheduled = false
	}
	if cfg.Enabled {
		id, err := c.cron.AddFunc(spec, c.tick)
		if err != nil {
			return fmt.Errorf("vitality: schedule %q: %w", spec, err)
		}
		c.entry, c.scheduled = id, true
	}

	if c.synced {
		c.logger.Info("Vitality schedule updated", "enabled", cfg.Enabled, "spec", spec)
	}
	c.applied, c.synced, c.spec, c.loc = cfg, true, spec, loc
	return nil
}

// Spec returns the cron expression of the current settings.
func (c *Checker) Spec() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec
}

// Next returns the next scheduled send after now, or the zero time when
// vitality messages are disabled.
func (c *Checker) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.scheduled {
		return time.Time{}
	}
	return c.cron.Entry(c.entry).Schedule.Next(c.now())
}

// Run starts the schedule and blocks until ctx is done, re-reading the
// configuration every minute.
func (c *Checker) Run(ctx context.Context) error {
	c.cron.Start()
	c.logger.Info("Vitality checker started", "spec", c.Spec(), "next", c.Next())

	ticker := time.NewTicker(c.resync)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-c.cron.Stop().Done()
			c.logger.Info("Vitality checker stopped")
			return nil
		case <-ticker.C:
			if err := c.Sync(); err != nil {
				c.logger.Error("Keeping previous vitality schedule", "error", err)
			}
		}
	}
}

func (c *Checker) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.SendNow(ctx); err != nil {
		c.logger.Error("Failed to send vitality message", "error", err)
	}
}

// SendNow sends the configured vitality message immediately.
func (c *Checker) SendNow(ctx context.Context) error {
	return c.send(ctx, c.source().App.Vitality.Message)
}

// SendStartup sends the startup validation message.
func (c *Checker) SendStartup(ctx context.Context) error {
	return c.send(ctx, "Relay started")
}

func (c *Checker) send(ctx context.Context, text string) error {
	c.mu.Lock()
	loc := c.loc
	c.mu.Unlock()

	owner := c.source().OwnerJID()
	msg := text + "\nTimestamp: " + c.now().In(loc).Format("2006-01-02 15:04:05")
	if err := c.sender.Send(ctx, owner, msg); err != nil {
		return fmt.Errorf("send to owner chat: %w", err)
	}
	c.logger.Info("Vitality message sent", "chat_id", owner)
	return nil
}
