package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashureev/chatrelay/internal/domain"
)

func TestStripWakeWord(t *testing.T) {
	tests := []struct {
		name    string
		content string
		found   bool
		rest    string
	}{
		{"hey bot", "hey bot what time is it", true, "what time is it"},
		{"case insensitive", "HELLO BOT  tell me", true, "tell me"},
		{"hi bot", "  hi bot ping", true, "ping"},
		{"only wake word", "hey bot", true, ""},
		{"hebrew", "היי בוט מה השעה", true, "מה השעה"},
		{"hebrew short", "הי בוט", true, ""},
		{"word boundary", "hey botany is fun", false, "hey botany is fun"},
		{"not at start", "well hey bot", false, "well hey bot"},
		{"no wake word", "good morning", false, "good morning"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, rest := StripWakeWord(tt.content)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.rest, rest)
		})
	}
}

func TestDebugMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	history := []domain.ContextEntry{
		{Role: domain.RoleUser, Content: "hi", Sender: "100@s.whatsapp.net", Timestamp: at},
		{Role: domain.RoleAssistant, Content: "hello", Timestamp: at},
	}

	msg := DebugMessage("how are you", "Be kind", "warm", history)
	assert.Equal(t, "** DEBUG INFO **\n"+
		"[User Entry]: how are you\n"+
		"[Prompt]: Be kind\n\nConversation context:\n"+
		"[2026-03-01T09:30:00Z] USER (100@s.whatsapp.net): hi\n"+
		"[2026-03-01T09:30:00Z] ASSISTANT: hello\n"+
		"[Persona]: warm\n"+
		"[Context]:\n"+
		"[2026-03-01T09:30:00Z] USER (100@s.whatsapp.net): hi\n"+
		"[2026-03-01T09:30:00Z] ASSISTANT: hello", msg)

	empty := DebugMessage("x", "p", "", nil)
	assert.Contains(t, empty, "[Prompt]: p\n")
	assert.Contains(t, empty, "[Context]:\nNone")
}
