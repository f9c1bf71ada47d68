package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatrelay/internal/domain"
)

func stored(id string, at time.Time) *domain.Message {
	return &domain.Message{ID: id, StoredAt: at}
}

func seenSet(ids ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestTrackerCompleteExcludesUntilWatermarkPasses(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t0.Add(-time.Hour), 3)

	tr.Complete(stored("a", t0))
	assert.ElementsMatch(t, []string{"a"}, tr.Exclude())

	require.True(t, tr.Advance(t0.Add(30*time.Second), t0.Add(-24*time.Hour), seenSet("a")))
	assert.Equal(t, t0.Add(30*time.Second-watermarkSlack), tr.Since())
	assert.ElementsMatch(t, []string{"a"}, tr.Exclude(), "still at or after the watermark")

	require.True(t, tr.Advance(t0.Add(5*time.Minute), t0.Add(-24*time.Hour), nil))
	assert.Empty(t, tr.Exclude())
}

func TestTrackerFailureHoldsWatermark(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t0.Add(-time.Hour), 2)
	msg := stored("a", t0)

	attempts, exhausted := tr.Fail(msg)
	assert.Equal(t, 1, attempts)
	assert.False(t, exhausted)
	assert.NotContains(t, tr.Exclude(), "a")

	tr.Advance(t0.Add(time.Hour), t0.Add(-24*time.Hour), seenSet("a"))
	assert.Equal(t, t0, tr.Since())

	attempts, exhausted = tr.Fail(msg)
	assert.Equal(t, 2, attempts)
	assert.True(t, exhausted)
	assert.Contains(t, tr.Exclude(), "a")
	assert.Zero(t, tr.Attempts("a"))
}

func TestTrackerForgetsVanishedFailures(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t0.Add(-time.Hour), 3)
	tr.Fail(stored("gone", t0))

	require.True(t, tr.Advance(t0.Add(time.Hour), t0.Add(-24*time.Hour), nil))
	assert.Equal(t, t0.Add(time.Hour-watermarkSlack), tr.Since())
	assert.Zero(t, tr.Attempts("gone"))
}

func TestTrackerPendingHoldsWatermarkUntilReleased(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t0.Add(-time.Hour), 3)
	msg := stored("a", t0)

	tr.Defer(msg)
	assert.True(t, tr.IsPending("a"))
	assert.Contains(t, tr.Exclude(), "a")

	tr.Advance(t0.Add(time.Hour), t0.Add(-24*time.Hour), seenSet("a"))
	assert.Equal(t, t0, tr.Since())

	tr.Release(msg)
	assert.False(t, tr.IsPending("a"))
	assert.NotContains(t, tr.Exclude(), "a")
}

func TestTrackerNeverMovesBackwardOrBelowFloor(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t0, 3)

	assert.False(t, tr.Advance(t0.Add(30*time.Second), t0.Add(-time.Hour), nil))
	assert.Equal(t, t0, tr.Since())

	tr = newTracker(t0.Add(-48*time.Hour), 3)
	tr.Fail(stored("old", t0.Add(-47*time.Hour)))
	require.True(t, tr.Advance(t0, t0.Add(-24*time.Hour), seenSet("old")))
	assert.Equal(t, t0.Add(-24*time.Hour), tr.Since())
}

func TestTrackerCheckpointRoundTrip(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := newTracker(t0, 3)

	_, _, changed := tr.Checkpoint()
	assert.False(t, changed)

	tr.Complete(stored("a", t0.Add(10*time.Second)))
	since, done, changed := tr.Checkpoint()
	assert.True(t, changed)
	assert.Equal(t, t0, since)
	assert.Equal(t, map[string]time.Time{"a": t0.Add(10 * time.Second)}, done)

	_, _, changed = tr.Checkpoint()
	assert.False(t, changed, "cleared by the previous checkpoint")

	resumed := newTracker(t0.Add(time.Hour), 3)
	resumed.Restore(since, map[string]time.Time{
		"a":     t0.Add(10 * time.Second),
		"stale": t0.Add(-time.Minute),
	})
	assert.Equal(t, t0, resumed.Since())
	assert.ElementsMatch(t, []string{"a"}, resumed.Exclude())
}

func TestEchoCacheWindowAndBound(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newEchoCache()

	c.Remember("chat", "  pong ", t0)
	assert.True(t, c.Matches("chat", "pong", t0.Add(time.Minute), 10*time.Minute))
	assert.False(t, c.Matches("other", "pong", t0, 10*time.Minute))
	assert.False(t, c.Matches("chat", "pong", t0.Add(11*time.Minute), 10*time.Minute))

	for i := 0; i < maxEchoEntries; i++ {
		c.Remember("chat", "filler", t0)
	}
	assert.False(t, c.Matches("chat", "pong", t0, 10*time.Minute))

	c.Sweep(t0.Add(time.Hour), 10*time.Minute)
	assert.Zero(t, c.Len())
}
