// Package agent turns stored inbound messages into backend-generated replies.
//
// The agent polls rather than reacting to pushes: each cycle reads what was
// received since its watermark, which bounds latency by the polling interval
// and leaves nothing in flight that a crash could lose beyond one interval.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/identity"
	"github.com/ashureev/chatrelay/internal/memory"
	"github.com/ashureev/chatrelay/internal/observability"
	"github.com/ashureev/chatrelay/internal/store"
)

// App state keys owned by the agent.
const (
	StateWatermark  = "agent.watermark"
	StateProcessed  = "agent.processed"
	StateConfigHash = "config.hash"
)

// processedEntry is one finished message at or after the watermark, as
// persisted under StateProcessed.
type processedEntry struct {
	ID       string    `json:"id"`
	StoredAt time.Time `json:"stored_at"`
}

// ErrStorageExhausted is returned by Run after too many consecutive cycles
// failed on storage.
var ErrStorageExhausted = errors.New("agent: consecutive storage failures exceeded limit")

// Options wires an Agent.
type Options struct {
	Store   store.Repository
	Config  *config.Watcher
	Backend Backend
	Sender  Sender
	Logger  *slog.Logger
	// Interval overrides polling.interval_seconds when positive.
	Interval time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Agent is the polling message processor. Its echo cache, tracker and
// configuration snapshot are private to it.
type Agent struct {
	repo     store.Repository
	watcher  *config.Watcher
	backend  Backend
	sender   Sender
	memory   *memory.Manager
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration

	echo    *echoCache
	tracker *tracker
	locks   chatLocks

	pending  sync.WaitGroup
	inflight atomic.Int64

	storageFailures int
}

// New creates an Agent from the watcher's current snapshot.
func New(opts Options) (*Agent, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("agent: store is required")
	case opts.Config == nil || opts.Config.Current() == nil:
		return nil, errors.New("agent: configuration is required")
	case opts.Backend == nil:
		return nil, errors.New("agent: backend is required")
	case opts.Sender == nil:
		return nil, errors.New("agent: sender is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	// Without persisted progress the backlog counts as done: only messages
	// stored from now on are answered unless replay is asked for.
	polling := opts.Config.Current().App.Polling
	since := clock()
	if polling.ReplayBacklog {
		since = since.Add(-polling.Lookback())
	}
	return &Agent{
		repo:     opts.Store,
		watcher:  opts.Config,
		backend:  opts.Backend,
		sender:   opts.Sender,
		memory:   memory.NewManager(opts.Store, polling.MaxContextMessages, logger),
		logger:   logger,
		now:      clock,
		interval: opts.Interval,
		echo:     newEchoCache(),
		tracker:  newTracker(since, polling.MaxRetries),
	}, nil
}

// Run polls until ctx is done. It returns nil on cancellation after deferred
// replies have finished, or an error wrapping ErrStorageExhausted.
func (a *Agent) Run(ctx context.Context) error {
	a.restore(ctx)
	a.logger.Info("Message agent started",
		"interval", a.pollInterval(),
		"since", a.tracker.Since())

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown(ctx)
			return nil
		case <-timer.C:
		}

		err := a.RunCycle(ctx)
		switch {
		case err == nil:
			a.storageFailures = 0
		case ctx.Err() != nil:
		case errors.Is(err, store.ErrStorage):
			a.storageFailures++
			limit := a.watcher.Current().App.Polling.MaxStorageFailures
			a.logger.Error("Polling cycle hit a storage error",
				"error", err,
				"consecutive_failures", a.storageFailures,
				"limit", limit)
			if a.storageFailures >= limit {
				a.shutdown(ctx)
				return fmt.Errorf("%w (%d): %w", ErrStorageExhausted, a.storageFailures, err)
			}
		default:
			a.logger.Error("Polling cycle failed", "error", err)
		}

		timer.Reset(a.pollInterval())
	}
}

// Wait blocks until every deferred reply has finished.
func (a *Agent) Wait() {
	a.pending.Wait()
}

func (a *Agent) shutdown(ctx context.Context) {
	a.logger.Info("Message agent stopping, waiting for deferred replies", "pending", a.inflight.Load())
	a.pending.Wait()
	a.checkpoint(context.WithoutCancel(ctx), true)
	a.logger.Info("Message agent stopped")
}

func (a *Agent) pollInterval() time.Duration {
	if a.interval > 0 {
		return a.interval
	}
	return a.watcher.Current().App.Polling.Interval()
}

// restore resumes the persisted watermark and the messages finished above
// it. A watermark older than the lookback window is not resumed.
func (a *Agent) restore(ctx context.Context) {
	snap := a.watcher.Current()
	floor := a.now().Add(-snap.App.Polling.Lookback())

	if since, done, ok := a.loadProgress(ctx); ok {
		if since.After(floor) {
			a.tracker.Restore(since, done)
			a.logger.Info("Resumed agent progress", "since", since, "processed", len(done))
		} else {
			a.logger.Info("Stored agent watermark is older than the lookback window, starting fresh",
				"watermark", since,
				"lookback", snap.App.Polling.Lookback())
		}
	}

	if v, ok, err := a.repo.GetAppState(ctx, StateConfigHash); err == nil && ok && v != snap.Hash {
		a.logger.Info("Configuration changed since last run", "hash", snap.Hash)
	}
	a.saveConfigHash(ctx, snap)
}

// RunCycle performs one polling cycle.
func (a *Agent) RunCycle(ctx context.Context) error {
	start := a.now()
	a.reloadConfig(ctx)

	snap := a.watcher.Current()
	polling := snap.App.Polling

	msgs, err := a.repo.UnprocessedMessages(ctx, store.MessageQuery{
		Chats:   snap.MonitoredChats(),
		Since:   a.tracker.Since(),
		Exclude: a.tracker.Exclude(),
		Limit:   polling.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	a.echo.Sweep(start, polling.EchoWindow())

	if len(msgs) > 0 {
		a.logger.Info("Processing new messages", "count", len(msgs))
	}

	seen := make(map[string]struct{}, len(msgs))
	var cycleErr error
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		seen[msg.ID] = struct{}{}
		if err := a.handle(ctx, snap, msg); err != nil {
			cycleErr = err
			if errors.Is(err, store.ErrStorage) {
				break
			}
		}
	}

	if cycleErr == nil && ctx.Err() == nil && len(msgs) < polling.BatchSize {
		a.tracker.Advance(start, start.Add(-polling.Lookback()), seen)
	}
	if ctx.Err() == nil {
		a.checkpoint(ctx, false)
	}
	return cycleErr
}

func (a *Agent) reloadConfig(ctx context.Context) {
	changed, err := a.watcher.Check()
	if err != nil {
		observability.RecordConfigReload(err)
		a.logger.Error("Configuration reload failed, keeping previous configuration", "error", err)
		return
	}
	if !changed {
		return
	}
	observability.RecordConfigReload(nil)

	snap := a.watcher.Current()
	polling := snap.App.Polling
	a.tracker.SetMaxRetries(polling.MaxRetries)
	a.memory.SetMaxEntries(polling.MaxContextMessages)
	if paced, ok := a.backend.(interface{ SetRequestsPerMinute(int) }); ok {
		paced.SetRequestsPerMinute(snap.App.AI.RequestsPerMinute)
	}
	a.saveConfigHash(ctx, snap)
}

// job carries everything resolved for one message.
type job struct {
	msg    *domain.Message
	snap   *config.Snapshot
	target config.Target
	text   string
	prompt string
	policy memory.Policy
	userID string
	sender string
	log    *slog.Logger
}

func (a *Agent) handle(ctx context.Context, snap *config.Snapshot, msg *domain.Message) error {
	now := a.now()
	log := a.logger.With("message_id", msg.ID, "chat_id", msg.ChatID)

	target, ok := snap.Target(msg.ChatID)
	if !ok {
		log.Debug("No configuration for chat, skipping")
		a.finish(msg, observability.OutcomeUnconfigured)
		return nil
	}
	if !target.Active {
		log.Info("Chat is not active, skipping", "entity", target.Name)
		a.finish(msg, observability.OutcomeInactive)
		return nil
	}

	text := strings.TrimSpace(msg.Text())
	if text == "" {
		a.finish(msg, observability.OutcomeEmpty)
		return nil
	}
	echoed, err := a.isEcho(ctx, target.ChatID, text, now, snap.App.Polling.EchoWindow())
	if err != nil {
		return fmt.Errorf("echo check: %w", err)
	}
	if echoed {
		log.Info("Skipping echo of a bot reply")
		a.finish(msg, observability.OutcomeEcho)
		return nil
	}
	if target.HeyBot && !target.IsSelf {
		found, stripped := StripWakeWord(text)
		if !found {
			log.Debug("No wake word, ignoring")
			a.finish(msg, observability.OutcomeNoWakeWord)
			return nil
		}
		if stripped == "" {
			log.Info("Empty content after wake word, ignoring")
			a.finish(msg, observability.OutcomeEmpty)
			return nil
		}
		text = stripped
	}

	prompt, err := snap.ResolvePrompt(target)
	if err != nil {
		log.Warn("Failed to read prompt file, using raw value", "error", err)
		prompt = target.Prompt
	}
	policy, err := memory.PolicyFrom(target.SessionMemory)
	if err != nil {
		return a.skip(msg, log, fmt.Errorf("%w: session policy for %s: %w", ErrLogic, target.ChatID, err))
	}

	j := &job{
		msg:    msg,
		snap:   snap,
		target: target,
		text:   text,
		prompt: prompt,
		policy: policy,
		userID: identity.Canonical(msg.Sender),
		sender: identity.Canonical(msg.Sender),
		log:    log,
	}
	if target.IsSelf {
		j.userID = snap.OwnerJID()
	}

	session, err := a.resolve(ctx, j, now)
	if err != nil {
		return a.sessionFailure(ctx, j, err)
	}

	if target.Debug {
		a.sendDebug(ctx, j, session)
	}

	delay := target.ResponseDelay
	if target.IsSelf {
		delay = 0
	}
	if delay > 0 {
		a.tracker.Defer(msg)
		a.pending.Add(1)
		observability.SetPendingReplies(int(a.inflight.Add(1)))
		go a.replyAfter(ctx, j, delay)
		log.Debug("Reply deferred", "delay", delay)
		return nil
	}
	return a.reply(ctx, j, session)
}

func (a *Agent) resolve(ctx context.Context, j *job, now time.Time) (*domain.Session, error) {
	return a.memory.Resolve(ctx, memory.ResolveRequest{
		UserID:     j.userID,
		ChatID:     j.target.ChatID,
		Policy:     j.policy,
		Now:        now,
		StaleAfter: j.target.StaleAfter,
	})
}

// reply generates, sends and records one reply. Replies within a chat are
// serialized so concurrent deferred replies never interleave context writes.
func (a *Agent) reply(ctx context.Context, j *job, session *domain.Session) error {
	unlock := a.locks.Lock(j.target.ChatID)
	defer unlock()

	ai := j.snap.App.AI
	started := time.Now()
	text, err := a.backend.Generate(ctx, Request{
		SystemPrompt: j.prompt,
		Persona:      j.target.Persona,
		History:      session.Context,
		UserText:     j.text,
		Sender:       j.sender,
		Model:        ai.Model,
		Temperature:  ai.Temperature,
		MaxTokens:    ai.MaxTokens,
	})
	observability.RecordBackendCall(time.Since(started), err)
	if err == nil && strings.TrimSpace(text) == "" {
		err = &BackendError{Kind: BackendMalformed, Err: errors.New("empty reply")}
	}
	if err != nil {
		a.fail(ctx, j, observability.OutcomeRetry, "Backend call failed", err)
		return nil
	}

	if err := a.sender.Send(ctx, j.target.ChatID, text); err != nil {
		a.fail(ctx, j, observability.OutcomeSendFailed, "Failed to send reply", err)
		return nil
	}

	now := a.now()
	a.echo.Remember(j.target.ChatID, text, now)
	a.tracker.Complete(j.msg)
	observability.RecordProcessed(observability.OutcomeReplied)

	userAt := j.msg.SentAt
	if userAt.IsZero() {
		userAt = now
	}
	err = a.memory.Record(context.WithoutCancel(ctx), session, j.policy, now,
		domain.ContextEntry{Role: domain.RoleUser, Content: j.text, Sender: j.sender, Timestamp: userAt},
		domain.ContextEntry{Role: domain.RoleAssistant, Content: text, Timestamp: now},
	)
	if err != nil {
		j.log.Error("Failed to record session context", "session_id", session.ID, "error", err)
		if errors.Is(err, store.ErrStorage) {
			return err
		}
		return nil
	}

	j.log.Info("Replied to message",
		"session_id", session.ID,
		"context_entries", len(session.Context))
	return nil
}

// replyAfter waits out the response delay without blocking the cycle. A
// newer message from the same sender supersedes this one.
func (a *Agent) replyAfter(ctx context.Context, j *job, delay time.Duration) {
	defer a.pending.Done()
	defer func() { observability.SetPendingReplies(int(a.inflight.Add(-1))) }()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		a.tracker.Release(j.msg)
		return
	case <-timer.C:
	}

	superseded, err := a.repo.HasInboundAfter(ctx, j.msg.ChatID, j.msg.Sender, j.msg.SentAt)
	switch {
	case err != nil:
		j.log.Warn("Failed to check for follow-up message", "error", err)
	case superseded:
		j.log.Info("Newer message from sender arrived during response delay, skipping reply")
		a.finish(j.msg, observability.OutcomeSuperseded)
		return
	}

	session, err := a.resolve(ctx, j, a.now())
	if err != nil {
		_ = a.sessionFailure(ctx, j, err)
		return
	}
	if err := a.reply(ctx, j, session); err != nil {
		j.log.Error("Deferred reply failed", "error", err)
	}
}

// isEcho reports whether text is the transport reflecting something the bot
// sent to chat within window. The store covers sends made by another process
// or before a restart, which the in-memory cache never saw.
func (a *Agent) isEcho(ctx context.Context, chatID, text string, now time.Time, window time.Duration) (bool, error) {
	if a.echo.Matches(chatID, text, now, window) {
		return true, nil
	}
	return a.repo.HasBotMessage(ctx, chatID, text, now.Add(-window))
}

// Notify sends text outside the reply flow and remembers it so the copy the
// transport reflects back is not answered.
func (a *Agent) Notify(ctx context.Context, chatID, text string) error {
	chatID = identity.Canonical(chatID)
	if err := a.sender.Send(ctx, chatID, text); err != nil {
		return err
	}
	a.echo.Remember(chatID, text, a.now())
	return nil
}

func (a *Agent) sendDebug(ctx context.Context, j *job, session *domain.Session) {
	text := DebugMessage(j.text, j.prompt, j.target.Persona, session.Context)
	if err := a.sender.Send(ctx, j.target.ChatID, text); err != nil {
		j.log.Error("Failed to send debug info", "error", err)
		return
	}
	a.echo.Remember(j.target.ChatID, text, a.now())
}

// sessionFailure leaves the message eligible on storage errors and skips it
// on anything else.
func (a *Agent) sessionFailure(ctx context.Context, j *job, err error) error {
	if errors.Is(err, store.ErrStorage) || ctx.Err() != nil {
		a.tracker.Release(j.msg)
		j.log.Error("Failed to resolve session", "error", err)
		return err
	}
	return a.skip(j.msg, j.log, fmt.Errorf("%w: %w", ErrLogic, err))
}

// fail records a failed attempt. The message stays eligible until the retry
// bound, then it is dropped for good. Nothing is sent to the user.
func (a *Agent) fail(ctx context.Context, j *job, outcome, msg string, err error) {
	if ctx.Err() != nil {
		a.tracker.Release(j.msg)
		return
	}
	attempts, exhausted := a.tracker.Fail(j.msg)
	if exhausted {
		observability.RecordProcessed(observability.OutcomeSkipped)
		j.log.Error(msg+", giving up on message",
			"attempts", attempts,
			"backend_error", BackendKind(err).String(),
			"error", err)
		return
	}
	observability.RecordProcessed(outcome)
	j.log.Warn(msg+", will retry next cycle",
		"attempts", attempts,
		"backend_error", BackendKind(err).String(),
		"error", err)
}

func (a *Agent) skip(msg *domain.Message, log *slog.Logger, err error) error {
	log.Error("Skipping message", "error", err)
	a.finish(msg, observability.OutcomeSkipped)
	return nil
}

func (a *Agent) finish(msg *domain.Message, outcome string) {
	a.tracker.Complete(msg)
	observability.RecordProcessed(outcome)
}

// checkpoint persists the watermark and the finished identifiers above it
// when either changed, or always when force is set.
func (a *Agent) checkpoint(ctx context.Context, force bool) {
	since, done, changed := a.tracker.Checkpoint()
	if !changed && !force {
		return
	}

	entries := make([]processedEntry, 0, len(done))
	for id, storedAt := range done {
		entries = append(entries, processedEntry{ID: id, StoredAt: storedAt.UTC()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	data, err := json.Marshal(entries)
	if err != nil {
		a.logger.Warn("Failed to encode processed messages", "error", err)
		a.tracker.MarkChanged()
		return
	}

	if err := a.repo.SetAppState(ctx, StateProcessed, string(data)); err != nil {
		a.logger.Warn("Failed to persist processed messages", "error", err)
		a.tracker.MarkChanged()
		return
	}
	if err := a.repo.SetAppState(ctx, StateWatermark, since.UTC().Format(time.RFC3339Nano)); err != nil {
		a.logger.Warn("Failed to persist agent watermark", "error", err)
		a.tracker.MarkChanged()
	}
}

// loadProgress reads what checkpoint wrote. ok is false when no usable
// watermark is stored.
func (a *Agent) loadProgress(ctx context.Context) (since time.Time, done map[string]time.Time, ok bool) {
	v, found, err := a.repo.GetAppState(ctx, StateWatermark)
	if err != nil {
		a.logger.Warn("Failed to load agent watermark", "error", err)
		return time.Time{}, nil, false
	}
	if !found {
		return time.Time{}, nil, false
	}
	since, err = time.Parse(time.RFC3339Nano, v)
	if err != nil {
		a.logger.Warn("Ignoring malformed agent watermark", "value", v, "error", err)
		return time.Time{}, nil, false
	}

	done = make(map[string]time.Time)
	raw, found, err := a.repo.GetAppState(ctx, StateProcessed)
	switch {
	case err != nil:
		a.logger.Warn("Failed to load processed messages", "error", err)
	case found:
		var entries []processedEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			a.logger.Warn("Ignoring malformed processed messages", "error", err)
			break
		}
		for _, e := range entries {
			done[e.ID] = e.StoredAt
		}
	}
	return since, done, true
}

func (a *Agent) saveConfigHash(ctx context.Context, snap *config.Snapshot) {
	if err := a.repo.SetAppState(ctx, StateConfigHash, snap.Hash); err != nil {
		a.logger.Warn("Failed to persist configuration hash", "error", err)
	}
}
