package agent

import (
	"sync"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
)

// watermarkSlack keeps the watermark behind the cycle start so rows written
// while a cycle was reading are still picked up by the next one.
const watermarkSlack = time.Minute

// tracker is the agent's processed-state. The store only answers "what was
// received since T"; the tracker decides which of those are finished.
//
// since is a watermark on the storage timestamp. done holds identifiers at or
// after the watermark that must not be fetched again; pending holds messages
// waiting out a response delay; failures counts backend failures per message.
type tracker struct {
	mu         sync.Mutex
	since      time.Time
	done       map[string]time.Time
	pending    map[string]time.Time
	failures   map[string]failure
	maxRetries int

	// changed is set whenever since or done moves and cleared by Checkpoint.
	changed bool
}

type failure struct {
	attempts int
	storedAt time.Time
}

func newTracker(since time.Time, maxRetries int) *tracker {
	return &tracker{
		since:      since,
		done:       make(map[string]time.Time),
		pending:    make(map[string]time.Time),
		failures:   make(map[string]failure),
		maxRetries: maxRetries,
	}
}

// Since returns the current watermark.
func (t *tracker) Since() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.since
}

// Restore resumes persisted progress. Entries of done below since are
// already excluded by the watermark and are dropped.
func (t *tracker) Restore(since time.Time, done map[string]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.since = since
	t.done = make(map[string]time.Time, len(done))
	for id, storedAt := range done {
		if !storedAt.Before(since) {
			t.done[id] = storedAt
		}
	}
	t.changed = false
}

// Checkpoint returns a copy of the watermark and the finished identifiers at
// or after it. changed reports whether either moved since the last call.
func (t *tracker) Checkpoint() (since time.Time, done map[string]time.Time, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	done = make(map[string]time.Time, len(t.done))
	for id, storedAt := range t.done {
		done[id] = storedAt
	}
	changed = t.changed
	t.changed = false
	return t.since, done, changed
}

// MarkChanged forces the next Checkpoint to report a change, used when
// persisting one failed.
func (t *tracker) MarkChanged() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changed = true
}

// SetMaxRetries applies a reloaded retry bound.
func (t *tracker) SetMaxRetries(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxRetries = n
}

// Exclude lists identifiers the next fetch must skip.
func (t *tracker) Exclude() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.done)+len(t.pending))
	for id := range t.done {
		ids = append(ids, id)
	}
	for id := range t.pending {
		ids = append(ids, id)
	}
	return ids
}

// Complete marks a message processed. It is never fetched again.
func (t *tracker) Complete(msg *domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, msg.ID)
	delete(t.failures, msg.ID)
	t.done[msg.ID] = msg.StoredAt
	t.changed = true
}

// Defer marks a message as waiting for its delayed reply.
func (t *tracker) Defer(msg *domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[msg.ID] = msg.StoredAt
}

// IsPending reports whether a delayed reply is outstanding for id.
func (t *tracker) IsPending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Release returns a deferred message to the eligible set unprocessed.
func (t *tracker) Release(msg *domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, msg.ID)
}

// Fail records a failed attempt. Once the bound is reached the message is
// completed (permanently skipped) and exhausted is true.
func (t *tracker) Fail(msg *domain.Message) (attempts int, exhausted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, msg.ID)

	f := t.failures[msg.ID]
	f.attempts++
	f.storedAt = msg.StoredAt
	if f.attempts >= t.maxRetries {
		delete(t.failures, msg.ID)
		t.done[msg.ID] = msg.StoredAt
		t.changed = true
		return f.attempts, true
	}
	t.failures[msg.ID] = f
	return f.attempts, false
}

// Attempts returns the failure count for id.
func (t *tracker) Attempts(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[id].attempts
}

// Advance moves the watermark after a cycle that drained every eligible
// message (fewer than the batch limit came back). seen holds the identifiers
// that cycle returned; failures not among them no longer exist and are
// forgotten. The watermark never passes an unfinished message and never
// falls further back than floor. It returns true when the watermark moved.
func (t *tracker) Advance(cycleStart, floor time.Time, seen map[string]struct{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.failures {
		if _, ok := seen[id]; !ok {
			delete(t.failures, id)
		}
	}

	next := cycleStart.Add(-watermarkSlack)
	for _, storedAt := range t.pending {
		if storedAt.Before(next) {
			next = storedAt
		}
	}
	for _, f := range t.failures {
		if f.storedAt.Before(next) {
			next = f.storedAt
		}
	}
	if next.Before(floor) {
		next = floor
	}
	if !next.After(t.since) {
		return false
	}

	t.since = next
	t.changed = true
	for id, storedAt := range t.done {
		if storedAt.Before(next) {
			delete(t.done, id)
		}
	}
	return true
}
