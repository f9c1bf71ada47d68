package agent

import (
	"strings"
	"sync"
	"time"
)

// maxEchoEntries bounds how many recent sends are remembered per chat.
const maxEchoEntries = 8

type sentText struct {
	text string
	at   time.Time
}

// echoCache remembers what the relay recently sent to each chat so the
// transport reflecting those sends back is not mistaken for a user turn.
// Entries expire after the configured echo window.
type echoCache struct {
	mu     sync.Mutex
	byChat map[string][]sentText
}

func newEchoCache() *echoCache {
	return &echoCache{byChat: make(map[string][]sentText)}
}

// Remember records a send to chat.
func (c *echoCache) Remember(chatID, text string, now time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := append(c.byChat[chatID], sentText{text: text, at: now})
	if len(entries) > maxEchoEntries {
		entries = entries[len(entries)-maxEchoEntries:]
	}
	c.byChat[chatID] = entries
}

// Matches reports whether text equals something sent to chat within window.
func (c *echoCache) Matches(chatID, text string, now time.Time, window time.Duration) bool {
	text = strings.TrimSpace(text)
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.byChat[chatID] {
		if e.text == text && now.Sub(e.at) <= window {
			return true
		}
	}
	return false
}

// Sweep drops entries older than window.
func (c *echoCache) Sweep(now time.Time, window time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for chat, entries := range c.byChat {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.at) <= window {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(c.byChat, chat)
			continue
		}
		c.byChat[chat] = kept
	}
}

// Len returns the number of chats with remembered sends.
func (c *echoCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byChat)
}
