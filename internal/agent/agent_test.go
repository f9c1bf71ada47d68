package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/store"
)

const (
	ownerChat = "15550000001@s.whatsapp.net"
	aliceChat = "15550000002@s.whatsapp.net"
	bobChat   = "15550000003@s.whatsapp.net"
	carolChat = "15550000004@s.whatsapp.net"
	daveChat  = "15550000005@s.whatsapp.net"
	teamChat  = "12345@g.us"
	memberID  = "15550000009@s.whatsapp.net"
)

const testDoc = `{
  // test document
  "owner": {"phone_number": "+15550000001"},
  "self": {"active": true, "prompt": "Self prompt", "debug": false},
  "response_delay_seconds": 0,
  "polling": {"max_storage_failures": 2},
  "monitored_entities": [
    {"type": "user", "name": "Alice", "phone": "15550000002", "prompt": "%PROMPT%", "persona": "dry"},
    {"type": "user", "name": "Bob", "phone": "15550000003", "prompt": "Bob prompt", "active": false},
    {"type": "user", "name": "Carol", "phone": "15550000004", "prompt": "Carol prompt", "debug": true},
    {"type": "user", "name": "Dave", "phone": "15550000005", "prompt": "Dave prompt", "response_delay_seconds": 1},
    {"type": "group", "name": "Team", "jid": "12345@g.us", "prompt": "Group prompt", "hey_bot": true},
  ],
}`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []Request
	err      error
	reply    func(Request) string
}

func (b *fakeBackend) Generate(_ context.Context, req Request) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.err != nil {
		return "", b.err
	}
	if b.reply != nil {
		return b.reply(req), nil
	}
	return "reply to " + req.UserText, nil
}

func (b *fakeBackend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

type sentMessage struct {
	chatID string
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *fakeSender) Send(_ context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (s *fakeSender) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type harness struct {
	agent   *Agent
	repo    *store.SQLiteStore
	watcher *config.Watcher
	backend *fakeBackend
	sender  *fakeSender
	clock   *fakeClock
	cfgPath string
	seq     int
}

func writeDoc(t *testing.T, path, prompt string) {
	t.Helper()
	doc := strings.ReplaceAll(testDoc, "%PROMPT%", prompt)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithDoc(t, strings.ReplaceAll(testDoc, "%PROMPT%", "Be terse"))
}

func newHarnessWithDoc(t *testing.T, doc string) *harness {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "app.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0o600))

	snap, err := config.LoadSnapshot(cfgPath)
	require.NoError(t, err)

	repo, err := store.NewSQLite(filepath.Join(dir, "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	h := &harness{
		repo:    repo,
		watcher: config.NewWatcher(cfgPath, snap, nil),
		backend: &fakeBackend{},
		sender:  &fakeSender{},
		clock:   &fakeClock{now: time.Now().UTC().Truncate(time.Second)},
		cfgPath: cfgPath,
	}
	h.agent = h.newAgent(t)
	return h
}

// newAgent builds an agent over the harness store, configuration and fakes,
// as a restarted process would.
func (h *harness) newAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(Options{
		Store:    h.repo,
		Config:   h.watcher,
		Backend:  h.backend,
		Sender:   h.sender,
		Interval: 10 * time.Millisecond,
		Clock:    h.clock.Now,
	})
	require.NoError(t, err)
	return a
}

// receive stores an inbound message stamped with the fake clock.
func (h *harness) receive(t *testing.T, chatID, sender, text string) *domain.Message {
	t.Helper()
	return h.receiveAt(t, chatID, sender, text, h.clock.Now())
}

func (h *harness) receiveAt(t *testing.T, chatID, sender, text string, now time.Time) *domain.Message {
	t.Helper()
	h.seq++
	msg := &domain.Message{
		ID:       "msg-" + strings.Repeat("x", h.seq),
		ChatID:   chatID,
		Sender:   sender,
		Content:  domain.StringPtr(text),
		SentAt:   now,
		StoredAt: now,
	}
	require.NoError(t, h.repo.InsertMessage(context.Background(), msg))
	return msg
}

func (h *harness) cycle(t *testing.T) {
	t.Helper()
	require.NoError(t, h.agent.RunCycle(context.Background()))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestReplyCreatesThenReusesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	t0 := h.clock.Now()

	h.receive(t, aliceChat, aliceChat, "Hello")
	h.cycle(t)

	reqs := h.backend.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Be terse", reqs[0].SystemPrompt)
	assert.Equal(t, "dry", reqs[0].Persona)
	assert.Equal(t, "Hello", reqs[0].UserText)
	assert.Empty(t, reqs[0].History)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sentMessage{chatID: aliceChat, text: "reply to Hello"}, sent[0])

	first, err := h.repo.LatestSession(ctx, aliceChat, aliceChat)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Len(t, first.Context, 2)
	assert.Equal(t, domain.RoleUser, first.Context[0].Role)
	assert.Equal(t, "Hello", first.Context[0].Content)
	assert.Equal(t, domain.RoleAssistant, first.Context[1].Role)
	assert.True(t, first.LastActivity.Equal(t0))
	assert.True(t, first.ExpiresAt.Equal(t0.Add(24*time.Hour)))

	h.clock.Advance(time.Hour)
	h.receive(t, aliceChat, aliceChat, "Again")
	h.cycle(t)

	reqs = h.backend.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].History, 2)

	second, err := h.repo.LatestSession(ctx, aliceChat, aliceChat)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Context, 4)
	assert.True(t, second.ExpiresAt.Equal(t0.Add(25*time.Hour)))
}

func TestMessageIsProcessedOnce(t *testing.T) {
	h := newHarness(t)
	h.receive(t, aliceChat, aliceChat, "Hello")

	h.cycle(t)
	h.cycle(t)
	h.clock.Advance(10 * time.Minute)
	h.cycle(t)

	assert.Len(t, h.backend.Requests(), 1)
}

func TestHotReloadAppliesNewPrompt(t *testing.T) {
	h := newHarness(t)

	h.receive(t, aliceChat, aliceChat, "one")
	h.cycle(t)

	writeDoc(t, h.cfgPath, "Be verbose")
	h.receive(t, aliceChat, aliceChat, "two")
	h.cycle(t)

	reqs := h.backend.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Be terse", reqs[0].SystemPrompt)
	assert.Equal(t, "Be verbose", reqs[1].SystemPrompt)

	hash, ok, err := h.repo.GetAppState(context.Background(), StateConfigHash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h.agent.watcher.Current().Hash, hash)
}

func TestInvalidReloadKeepsPreviousConfig(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.cfgPath, []byte(`{"owner": {}}`), 0o600))

	h.receive(t, aliceChat, aliceChat, "still works")
	h.cycle(t)

	reqs := h.backend.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Be terse", reqs[0].SystemPrompt)
}

func TestEchoOfReplyIsSuppressed(t *testing.T) {
	h := newHarness(t)
	h.backend.reply = func(Request) string { return "pong" }

	h.receive(t, aliceChat, aliceChat, "ping")
	h.cycle(t)
	require.Len(t, h.backend.Requests(), 1)

	// The transport delivers our own reply back as an inbound message.
	h.receive(t, aliceChat, ownerChat, "pong")
	h.cycle(t)
	assert.Len(t, h.backend.Requests(), 1)

	// Outside the window the same text is a genuine message.
	h.clock.Advance(11 * time.Minute)
	h.receive(t, aliceChat, aliceChat, "pong")
	h.cycle(t)
	assert.Len(t, h.backend.Requests(), 2)
}

func TestEchoOfSendFromAnotherProcessIsSuppressed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A one-off send recorded by a separate process, as send-test does.
	now := h.clock.Now()
	require.NoError(t, h.repo.InsertMessage(ctx, &domain.Message{
		ID:       "sent_1",
		ChatID:   ownerChat,
		Content:  domain.StringPtr("Test ping"),
		SentAt:   now,
		StoredAt: now,
		FromBot:  true,
	}))

	// The bridge reflects it into the owner chat under its own identifier.
	h.receive(t, ownerChat, ownerChat, "Test ping")
	h.cycle(t)
	assert.Empty(t, h.backend.Requests())

	h.clock.Advance(11 * time.Minute)
	h.receive(t, ownerChat, ownerChat, "Test ping")
	h.cycle(t)
	assert.Len(t, h.backend.Requests(), 1)
}

func TestBackendFailureRetriesThenSkips(t *testing.T) {
	h := newHarness(t)
	h.backend.err = &BackendError{Kind: BackendUnavailable, Err: errors.New("down")}

	msg := h.receive(t, aliceChat, aliceChat, "Hello")
	for i := 0; i < 5; i++ {
		h.cycle(t)
		h.clock.Advance(5 * time.Second)
	}

	assert.Len(t, h.backend.Requests(), 3)
	assert.Empty(t, h.sender.Sent())
	assert.Zero(t, h.agent.tracker.Attempts(msg.ID))

	session, err := h.repo.LatestSession(context.Background(), aliceChat, aliceChat)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Empty(t, session.Context)
}

func TestSendFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.sender.err = errors.New("bridge offline")

	h.receive(t, aliceChat, aliceChat, "Hello")
	h.cycle(t)
	require.Len(t, h.backend.Requests(), 1)

	h.sender.mu.Lock()
	h.sender.err = nil
	h.sender.mu.Unlock()
	h.cycle(t)

	assert.Len(t, h.backend.Requests(), 2)
	assert.Len(t, h.sender.Sent(), 1)
}

func TestInactiveAndUnknownChatsAreSkipped(t *testing.T) {
	h := newHarness(t)

	h.receive(t, bobChat, bobChat, "anyone there?")
	h.receive(t, "15559999999@s.whatsapp.net", "15559999999@s.whatsapp.net", "hi")
	h.cycle(t)

	assert.Empty(t, h.backend.Requests())
	assert.Empty(t, h.sender.Sent())
}

func TestGroupRequiresWakeWord(t *testing.T) {
	h := newHarness(t)

	h.receive(t, teamChat, memberID, "just chatting")
	h.receive(t, teamChat, memberID, "hey bot")
	h.cycle(t)
	assert.Empty(t, h.backend.Requests())

	h.receive(t, teamChat, memberID, "Hey Bot what's up?")
	h.cycle(t)

	reqs := h.backend.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "what's up?", reqs[0].UserText)
	assert.Equal(t, "Group prompt", reqs[0].SystemPrompt)
	assert.Equal(t, memberID, reqs[0].Sender)

	session, err := h.repo.LatestSession(context.Background(), memberID, teamChat)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Len(t, session.Context, 2)
}

func TestDebugChatSendsDiagnosticsFirst(t *testing.T) {
	h := newHarness(t)

	h.receive(t, carolChat, carolChat, "Hello")
	h.cycle(t)

	sent := h.sender.Sent()
	require.Len(t, sent, 2)
	assert.True(t, strings.HasPrefix(sent[0].text, "** DEBUG INFO **"))
	assert.Contains(t, sent[0].text, "[User Entry]: Hello")
	assert.Contains(t, sent[0].text, "[Context]:\nNone")
	assert.Equal(t, "reply to Hello", sent[1].text)

	// The debug text coming back is an echo too.
	h.receive(t, carolChat, ownerChat, sent[0].text)
	h.cycle(t)
	assert.Len(t, h.backend.Requests(), 1)
}

func TestSelfChatUsesOwnerSessionAndDropsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.receive(t, ownerChat, "+15550000001", "note to self")
	h.cycle(t)

	reqs := h.backend.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Self prompt", reqs[0].SystemPrompt)

	first, err := h.repo.LatestSession(ctx, ownerChat, ownerChat)
	require.NoError(t, err)
	require.NotNil(t, first)

	h.clock.Advance(2 * time.Minute)
	h.receive(t, ownerChat, "+15550000001", "another note")
	h.cycle(t)

	second, err := h.repo.LatestSession(ctx, ownerChat, ownerChat)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, second.Context, 2)
	assert.Empty(t, h.backend.Requests()[1].History)
}

func TestDeferredReplyIsSupersededByNewerMessage(t *testing.T) {
	h := newHarness(t)

	h.receive(t, daveChat, daveChat, "first")
	h.cycle(t)
	assert.Empty(t, h.backend.Requests())

	h.clock.Advance(time.Second)
	h.receive(t, daveChat, daveChat, "second")
	h.agent.Wait()
	assert.Empty(t, h.backend.Requests())

	h.cycle(t)
	h.agent.Wait()

	reqs := h.backend.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "second", reqs[0].UserText)
	assert.Len(t, h.sender.Sent(), 1)
}

func TestRestartAfterShutdownDoesNotAnswerAgain(t *testing.T) {
	h := newHarness(t)
	h.receive(t, aliceChat, aliceChat, "Hello")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.agent.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.sender.Sent()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	h.clock.Advance(5 * time.Second)
	restarted := h.newAgent(t)
	restarted.restore(context.Background())
	require.NoError(t, restarted.RunCycle(context.Background()))

	assert.Len(t, h.backend.Requests(), 1)
	assert.Len(t, h.sender.Sent(), 1)

	h.receive(t, aliceChat, aliceChat, "Again")
	require.NoError(t, restarted.RunCycle(context.Background()))
	reqs := h.backend.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Again", reqs[1].UserText)
}

func TestRestartWithoutShutdownDoesNotAnswerAgain(t *testing.T) {
	h := newHarness(t)
	h.receive(t, aliceChat, aliceChat, "Hello")
	h.cycle(t)
	require.Len(t, h.sender.Sent(), 1)

	raw, ok, err := h.repo.GetAppState(context.Background(), StateProcessed)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, `"id":"msg-x"`)

	h.clock.Advance(5 * time.Second)
	restarted := h.newAgent(t)
	restarted.restore(context.Background())
	require.NoError(t, restarted.RunCycle(context.Background()))

	assert.Len(t, h.backend.Requests(), 1)
}

func TestFreshAgentIgnoresBacklog(t *testing.T) {
	h := newHarness(t)
	h.receiveAt(t, aliceChat, aliceChat, "old", h.clock.Now().Add(-20*time.Hour))

	h.agent.restore(context.Background())
	h.cycle(t)
	assert.Empty(t, h.backend.Requests())

	h.receive(t, aliceChat, aliceChat, "new")
	h.cycle(t)
	reqs := h.backend.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "new", reqs[0].UserText)
}

func TestStaleWatermarkStartsAtNow(t *testing.T) {
	h := newHarness(t)
	stale := h.clock.Now().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	require.NoError(t, h.repo.SetAppState(context.Background(), StateWatermark, stale))
	h.receiveAt(t, aliceChat, aliceChat, "old", h.clock.Now().Add(-20*time.Hour))

	h.agent.restore(context.Background())
	h.cycle(t)

	assert.Empty(t, h.backend.Requests())
	assert.Equal(t, h.clock.Now(), h.agent.tracker.Since())
}

func TestReplayBacklogAnswersWithinLookback(t *testing.T) {
	doc := strings.ReplaceAll(testDoc, "%PROMPT%", "Be terse")
	doc = strings.ReplaceAll(doc, `"polling": {"max_storage_failures": 2}`,
		`"polling": {"max_storage_failures": 2, "replay_backlog": true}`)
	h := newHarnessWithDoc(t, doc)
	h.receiveAt(t, aliceChat, aliceChat, "recent", h.clock.Now().Add(-20*time.Hour))
	h.receiveAt(t, aliceChat, aliceChat, "ancient", h.clock.Now().Add(-30*time.Hour))

	h.cycle(t)

	reqs := h.backend.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "recent", reqs[0].UserText)
}

func TestRunFailsAfterConsecutiveStorageErrors(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.repo.Close())

	err := h.agent.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageExhausted)
	assert.ErrorIs(t, err, store.ErrStorage)
}
