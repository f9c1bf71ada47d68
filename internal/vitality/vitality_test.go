package vitality

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatrelay/internal/config"
)

type recordingSender struct {
	chatID string
	text   string
	err    error
}

func (s *recordingSender) Send(_ context.Context, chatID, text string) error {
	s.chatID, s.text = chatID, text
	return s.err
}

// settings holds a swappable snapshot, standing in for config.Watcher.
type settings struct {
	current atomic.Pointer[config.Snapshot]
}

func (s *settings) Current() *config.Snapshot {
	return s.current.Load()
}

func (s *settings) set(t *testing.T, owner string, v config.Vitality) {
	t.Helper()
	doc := fmt.Sprintf(`{
  "owner": {"phone_number": %q},
  "vitality": {"enabled": %t, "time": %q, "timezone": %q, "message": %q},
  "monitored_entities": [{"type": "user", "name": "Alice", "phone": "200", "prompt": "p"}]
}`, owner, v.Enabled, v.Time, v.Timezone, v.Message)
	snap, err := config.ParseSnapshot([]byte(doc), "app.json")
	require.NoError(t, err)
	s.current.Store(snap)
}

func newSettings(t *testing.T, owner string, v config.Vitality) *settings {
	t.Helper()
	s := &settings{}
	s.set(t, owner, v)
	return s
}

func TestNewBuildsTimezoneSchedule(t *testing.T) {
	s := newSettings(t, "100", config.Vitality{Enabled: true, Time: "09:30", Timezone: "Asia/Jerusalem", Message: "ok"})
	c, err := New(s.Current, &recordingSender{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "CRON_TZ=Asia/Jerusalem 30 9 * * *", c.Spec())

	loc, err := time.LoadLocation("Asia/Jerusalem")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 6, 1, 10, 0, 0, 0, loc) }
	assert.Equal(t, time.Date(2026, 6, 2, 9, 30, 0, 0, loc), c.Next().In(loc))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	s := newSettings(t, "100", config.Vitality{Time: "09:00", Timezone: "UTC"})
	s.Current().App.Vitality.Time = "25:00"
	_, err := New(s.Current, &recordingSender{}, nil)
	assert.Error(t, err)

	s = newSettings(t, "100", config.Vitality{Time: "09:00", Timezone: "UTC"})
	s.Current().App.Vitality.Timezone = "Mars/Olympus"
	_, err = New(s.Current, &recordingSender{}, nil)
	assert.Error(t, err)
}

func TestSendNowTargetsOwnerChat(t *testing.T) {
	sender := &recordingSender{}
	s := newSettings(t, "100", config.Vitality{Enabled: true, Time: "09:00", Timezone: "UTC", Message: "Relay is operational"})
	c, err := New(s.Current, sender, nil)
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 6, 1, 9, 0, 5, 0, time.UTC) }

	require.NoError(t, c.SendNow(context.Background()))
	assert.Equal(t, "100@s.whatsapp.net", sender.chatID)
	assert.Equal(t, "Relay is operational\nTimestamp: 2026-06-01 09:00:05", sender.text)

	sender.err = errors.New("offline")
	assert.Error(t, c.SendStartup(context.Background()))
}

func TestSyncFollowsReloadedConfiguration(t *testing.T) {
	sender := &recordingSender{}
	s := newSettings(t, "100", config.Vitality{Enabled: true, Time: "09:00", Timezone: "UTC", Message: "alive"})
	c, err := New(s.Current, sender, nil)
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC) }
	assert.True(t, c.Next().Equal(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)), c.Next())

	s.set(t, "300", config.Vitality{Enabled: true, Time: "18:15", Timezone: "UTC", Message: "still here"})
	require.NoError(t, c.Sync())
	assert.Equal(t, "CRON_TZ=UTC 15 18 * * *", c.Spec())
	assert.True(t, c.Next().Equal(time.Date(2026, 6, 1, 18, 15, 0, 0, time.UTC)), c.Next())

	require.NoError(t, c.SendNow(context.Background()))
	assert.Equal(t, "300@s.whatsapp.net", sender.chatID)
	assert.Equal(t, "still here\nTimestamp: 2026-06-01 08:00:00", sender.text)

	s.set(t, "300", config.Vitality{Enabled: false, Time: "18:15", Timezone: "UTC", Message: "still here"})
	require.NoError(t, c.Sync())
	assert.True(t, c.Next().IsZero())
}

func TestRunReturnsOnCancel(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		s := newSettings(t, "100", config.Vitality{Enabled: enabled, Time: "09:00", Timezone: "UTC"})
		c, err := New(s.Current, &recordingSender{}, nil)
		require.NoError(t, err)
		c.resync = 5 * time.Millisecond

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- c.Run(ctx) }()
		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("checker did not stop")
		}
	}
}
